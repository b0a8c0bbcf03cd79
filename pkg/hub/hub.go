// Package hub accepts endpoint connections: it wraps each accepted transport
// in an accept-role connection.Manager, checks the identify handshake, and
// keeps the Agent Registry in step with the connection's lifecycle.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/agent-relay/pkg/connection"
	"github.com/morezero/agent-relay/pkg/protocol"
	"github.com/morezero/agent-relay/pkg/registry"
	"github.com/morezero/agent-relay/pkg/router"
	"github.com/morezero/agent-relay/pkg/semver"
	"github.com/morezero/agent-relay/pkg/transport"
)

const logPrefix = "hub:hub"

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("hub closed")

// Params configures a Hub.
type Params struct {
	Name     string
	Registry *registry.Registry
	// Policy restricts identify versions. Nil allows any version.
	Policy *semver.Policy
	// Router serves requests and events the endpoints send. Nil answers every
	// endpoint-originated request with UnknownMethod.
	Router *router.Router

	IdentifyTimeout    time.Duration
	RequestTimeout     time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMaxMisses int
}

// ConnInfo describes an accepted transport.
type ConnInfo struct {
	// Transport is the transport kind, e.g. "websocket" or "nats".
	Transport  string
	RemoteAddr string
}

// Hub owns every accept-role Manager it created.
type Hub struct {
	p      Params
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	managers map[*connection.Manager]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Hub.
func New(p Params) (*Hub, error) {
	if p.Registry == nil {
		return nil, fmt.Errorf("%s - registry is required", logPrefix)
	}
	if p.Name == "" {
		p.Name = "hub"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		p:        p,
		ctx:      ctx,
		cancel:   cancel,
		managers: make(map[*connection.Manager]struct{}),
	}, nil
}

// Authorize checks an identify frame: an agentId is required, the version
// must satisfy the policy and every declared capability must be a valid
// method name.
func (h *Hub) Authorize(hello *protocol.Message) error {
	if hello.AgentID == "" {
		return errors.New("agentId is required")
	}
	if err := h.p.Policy.Allows(hello.Version); err != nil {
		return err
	}
	for _, c := range hello.Capabilities {
		if !semver.ValidateMethodName(c) {
			return fmt.Errorf("invalid capability name %q", c)
		}
	}
	return nil
}

// Accept starts serving conn. It returns once the Manager is running; the
// handshake and everything after it happen on the Manager's actor.
func (h *Hub) Accept(conn transport.Conn, info ConnInfo) (*connection.Manager, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	h.mu.Unlock()

	// Only the actor goroutine touches session, so it needs no lock.
	var session *connection.SessionInfo
	var mgr *connection.Manager

	p := connection.Params{
		Name:               fmt.Sprintf("%s:%s", h.p.Name, conn.Describe()),
		Conn:               conn,
		Authorize:          h.Authorize,
		IdentifyTimeout:    h.p.IdentifyTimeout,
		RequestTimeout:     h.p.RequestTimeout,
		HeartbeatInterval:  h.p.HeartbeatInterval,
		HeartbeatMaxMisses: h.p.HeartbeatMaxMisses,
		OnStateChange: func(st connection.Status) {
			switch st.State {
			case connection.StateConnected:
				session = st.Session
				_, err := h.p.Registry.Register(mgr, registry.Identity{
					AgentID:      session.AgentID,
					SessionID:    session.SessionID,
					EndpointType: session.EndpointType,
					Version:      session.Version,
					Capabilities: session.Capabilities,
					Transport:    info.Transport,
					RemoteAddr:   info.RemoteAddr,
				})
				if err != nil {
					slog.Warn(fmt.Sprintf("%s - register %s failed: %v", logPrefix, session.AgentID, err))
					mgr.Disconnect()
				}
			case connection.StateDisconnected:
				if session != nil {
					reason := st.LastError
					if reason == "" {
						reason = "disconnected"
					}
					h.p.Registry.Release(session.AgentID, session.SessionID, reason)
					session = nil
				}
			}
		},
		OnActivity: func() {
			if session != nil {
				h.p.Registry.Touch(session.AgentID)
			}
		},
	}
	if h.p.Router != nil {
		p.OnMessage = func(msg *protocol.Message) {
			h.p.Router.Serve(h.ctx, msg, mgr.Send)
		}
	}

	var err error
	mgr, err = connection.NewManager(p)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		mgr.Disconnect()
		return nil, ErrClosed
	}
	h.managers[mgr] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		<-mgr.Done()
		h.mu.Lock()
		delete(h.managers, mgr)
		h.mu.Unlock()
	}()

	if err := mgr.Connect(); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	slog.Debug(fmt.Sprintf("%s - accepted %s connection from %s", logPrefix, info.Transport, info.RemoteAddr))
	return mgr, nil
}

// Serve accepts conn and blocks until its Manager stops or ctx ends.
func (h *Hub) Serve(ctx context.Context, conn transport.Conn, info ConnInfo) error {
	mgr, err := h.Accept(conn, info)
	if err != nil {
		return err
	}
	select {
	case <-mgr.Done():
	case <-ctx.Done():
		mgr.Disconnect()
		<-mgr.Done()
	}
	return nil
}

// ServeListener accepts from l until ctx ends or l fails.
func (h *Hub) ServeListener(ctx context.Context, l transport.Listener, transportName string) error {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s - %s listener: %w", logPrefix, transportName, err)
		}
		if _, err := h.Accept(conn, ConnInfo{Transport: transportName, RemoteAddr: conn.Describe()}); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			slog.Warn(fmt.Sprintf("%s - accept on %s failed: %v", logPrefix, transportName, err))
		}
	}
}

// Active returns the number of live Managers, identified or not.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.managers)
}

// Close disconnects every Manager and waits for them to stop.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	all := make([]*connection.Manager, 0, len(h.managers))
	for m := range h.managers {
		all = append(all, m)
	}
	h.mu.Unlock()

	h.cancel()
	for _, m := range all {
		m.Disconnect()
	}
	h.wg.Wait()
	if h.p.Router != nil {
		h.p.Router.Wait()
	}
	slog.Info(fmt.Sprintf("%s - %s closed (%d connections)", logPrefix, h.p.Name, len(all)))
}
