// Package connection owns one transport and drives its connect, identify and
// reconnect lifecycle.
//
// A Manager runs a single actor goroutine. Every state transition, every
// inbound frame and every timer expiry is an event on one channel, so they
// are applied one at a time in arrival order. Frames from a transport are
// handed to the actor by a reader goroutine tagged with the attempt's
// generation; events from an attempt that has already failed are ignored.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/agent-relay/pkg/correlator"
	"github.com/morezero/agent-relay/pkg/heartbeat"
	"github.com/morezero/agent-relay/pkg/protocol"
	"github.com/morezero/agent-relay/pkg/transport"
)

const logPrefix = "connection:manager"

// DefaultIdentifyTimeout bounds the wait for the other side of the handshake.
const DefaultIdentifyTimeout = 10 * time.Second

const (
	writeTimeout = 10 * time.Second
	dialTimeout  = 15 * time.Second
)

// ErrTerminated is returned by Connect after Disconnect.
var ErrTerminated = errors.New("connection manager terminated")

// Identity is what the dialing side announces in its identify frame.
type Identity struct {
	AgentID      string
	EndpointType string
	Version      string
	Capabilities []string
}

// Params configures a Manager. Exactly one of Dialer (dial role) or Conn
// (accept role) must be set.
type Params struct {
	Name string

	// Dial role: opens transports, sends identify, reconnects on failure.
	Dialer   transport.Dialer
	Identity Identity
	Backoff  Backoff

	// Accept role: wraps an already open transport, waits for identify and
	// answers it. Authorize may refuse the peer; its error text becomes the
	// rejection reason. An accept-role Manager never reconnects.
	Conn      transport.Conn
	Authorize func(hello *protocol.Message) error

	IdentifyTimeout    time.Duration
	RequestTimeout     time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMaxMisses int

	// OnMessage receives inbound requests and events. It runs on the actor
	// goroutine and must not block; hand long work to another goroutine.
	OnMessage func(msg *protocol.Message)
	// OnStateChange observes every transition in order.
	OnStateChange func(status Status)
	// OnActivity is called for every inbound frame.
	OnActivity func()
}

type eventKind int

const (
	evConnect eventKind = iota
	evOpened
	evDialFailed
	evFrame
	evClosed
	evIdentifyTimeout
	evRetry
	evHeartbeatDead
)

type event struct {
	kind eventKind
	gen  uint64
	conn transport.Conn
	data []byte
	err  error
}

// Manager is one connection actor.
type Manager struct {
	p      Params
	name   string
	accept bool

	corr *correlator.Correlator
	hb   *heartbeat.Monitor

	mu     sync.Mutex
	status Status
	conn   transport.Conn
	gen    uint64

	// Owned by the actor goroutine.
	attempt       int
	acceptStarted bool
	identifyTimer *time.Timer
	retryTimer    *time.Timer

	events   chan event
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewManager validates params and starts the actor. The Manager stays
// Disconnected until Connect.
func NewManager(p Params) (*Manager, error) {
	if (p.Dialer == nil) == (p.Conn == nil) {
		return nil, fmt.Errorf("%s - exactly one of Dialer or Conn is required", logPrefix)
	}
	if p.IdentifyTimeout <= 0 {
		p.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if p.Backoff == (Backoff{}) {
		p.Backoff = DefaultBackoff
	}
	name := p.Name
	if name == "" {
		if p.Dialer != nil {
			name = p.Dialer.Name()
		} else {
			name = p.Conn.Describe()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		p:      p,
		name:   name,
		accept: p.Conn != nil,
		status: Status{State: StateDisconnected, StateName: StateDisconnected.String()},
		events: make(chan event, 64),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if p.Dialer != nil {
		m.status.Transport = p.Dialer.Name()
	}
	m.corr = correlator.New(correlator.Options{
		Send:           m.Send,
		DefaultTimeout: p.RequestTimeout,
		Name:           name,
	})
	m.hb = heartbeat.New(heartbeat.Options{
		Probe:     m.probe,
		MaxMisses: p.HeartbeatMaxMisses,
		Name:      name,
	})

	go m.run()
	return m, nil
}

// Connect starts the first connection attempt. It does nothing when an
// attempt is already under way.
func (m *Manager) Connect() error {
	select {
	case <-m.stopCh:
		return ErrTerminated
	default:
	}
	if !m.post(event{kind: evConnect}) {
		return ErrTerminated
	}
	return nil
}

// Disconnect closes the transport, fails every pending request with
// Disconnected and stops the Manager for good. It does not wait; use Done.
// Further calls have no effect.
func (m *Manager) Disconnect() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Done is closed once the Manager has fully stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Status returns a copy of the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Connected reports whether the Manager is in the Connected state.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State == StateConnected
}

// Name labels the Manager in logs.
func (m *Manager) Name() string { return m.name }

// Pending reports requests awaiting a response on this connection.
func (m *Manager) Pending() int { return m.corr.Pending() }

// Send writes one frame. It fails with NotConnected unless the Manager is
// Connected. A write failure is reported as Disconnected and tears the
// connection down.
func (m *Manager) Send(ctx context.Context, msg *protocol.Message) error {
	m.mu.Lock()
	conn, gen, state := m.conn, m.gen, m.status.State
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		return protocol.Errorf(protocol.CodeNotConnected, "%s is %s", m.name, state)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("%s - failed to encode frame: %w", logPrefix, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, writeTimeout)
		defer cancel()
	}
	if err := conn.Send(ctx, data); err != nil {
		// Send may run on the actor goroutine itself, so report the failure
		// asynchronously.
		go m.post(event{kind: evClosed, gen: gen, err: err})
		return protocol.Errorf(protocol.CodeDisconnected, "%s: %v", m.name, err)
	}
	return nil
}

// Request sends a request and waits for its response, a timeout, or the
// loss of the connection. A timeout of zero uses the configured default.
func (m *Manager) Request(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return m.corr.Request(ctx, method, payload, timeout)
}

// Notify sends a fire-and-forget event.
func (m *Manager) Notify(ctx context.Context, method string, payload any) error {
	msg, err := protocol.NewEvent(method, payload)
	if err != nil {
		return err
	}
	return m.Send(ctx, msg)
}

func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.stopCh:
		return false
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.stopCh:
			m.shutdown()
			return
		case ev := <-m.events:
			m.apply(ev)
		}
	}
}

func (m *Manager) apply(ev event) {
	if ev.kind == evConnect {
		m.handleConnect()
		return
	}

	m.mu.Lock()
	current, state := m.gen, m.status.State
	m.mu.Unlock()
	if ev.gen != current {
		if ev.kind == evOpened && ev.conn != nil {
			ev.conn.Close()
		}
		return
	}

	switch ev.kind {
	case evOpened:
		m.handleOpened(ev.conn)
	case evDialFailed:
		m.fail(ev.err)
	case evFrame:
		m.handleFrame(ev.data)
	case evClosed:
		if state == StateIdentifying || state == StateConnected {
			m.fail(ev.err)
		}
	case evIdentifyTimeout:
		if state == StateIdentifying {
			m.fail(fmt.Errorf("no identification within %s", m.p.IdentifyTimeout))
		}
	case evHeartbeatDead:
		if state == StateConnected {
			m.fail(errors.New("heartbeat lost"))
		}
	case evRetry:
		if state == StateReconnectScheduled {
			m.retryTimer = nil
			m.startAttempt()
		}
	}
}

func (m *Manager) handleConnect() {
	m.mu.Lock()
	state := m.status.State
	m.mu.Unlock()
	if state != StateDisconnected {
		return
	}

	if m.accept {
		if m.acceptStarted {
			return
		}
		m.acceptStarted = true
		m.mu.Lock()
		m.gen++
		gen := m.gen
		m.conn = m.p.Conn
		m.status.Transport = m.p.Conn.Describe()
		m.mu.Unlock()
		go m.readLoop(gen, m.p.Conn)
		m.setState(StateIdentifying, nil, time.Time{})
		m.armIdentifyTimer(gen)
		return
	}
	m.startAttempt()
}

// startAttempt moves to Connecting and dials off the actor goroutine.
func (m *Manager) startAttempt() {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	m.setState(StateConnecting, nil, time.Time{})

	dialer := m.p.Dialer
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, dialTimeout)
		defer cancel()
		conn, err := dialer.Dial(ctx)
		if err != nil {
			m.post(event{kind: evDialFailed, gen: gen, err: err})
			return
		}
		if !m.post(event{kind: evOpened, gen: gen, conn: conn}) {
			conn.Close()
		}
	}()
}

func (m *Manager) handleOpened(conn transport.Conn) {
	m.mu.Lock()
	if m.status.State != StateConnecting {
		m.mu.Unlock()
		conn.Close()
		return
	}
	gen := m.gen
	m.conn = conn
	m.mu.Unlock()

	go m.readLoop(gen, conn)
	m.setState(StateIdentifying, nil, time.Time{})

	id := m.p.Identity
	if err := m.writeDirect(conn, protocol.NewIdentify(id.AgentID, id.EndpointType, id.Version, id.Capabilities)); err != nil {
		m.fail(err)
		return
	}
	m.armIdentifyTimer(gen)
	slog.Debug(fmt.Sprintf("%s - %s: transport open (%s), identifying", logPrefix, m.name, conn.Describe()))
}

func (m *Manager) readLoop(gen uint64, conn transport.Conn) {
	for {
		data, err := conn.Receive()
		if err != nil {
			m.post(event{kind: evClosed, gen: gen, err: err})
			return
		}
		if !m.post(event{kind: evFrame, gen: gen, data: data}) {
			return
		}
	}
}

func (m *Manager) handleFrame(data []byte) {
	if m.p.OnActivity != nil {
		m.p.OnActivity()
	}
	m.hb.Ack()

	msg, err := protocol.Decode(data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: dropping malformed frame: %v", logPrefix, m.name, err))
		return
	}

	m.mu.Lock()
	state := m.status.State
	m.mu.Unlock()

	if msg.Kind() == protocol.KindControl {
		m.handleControl(msg, state)
		return
	}
	if state != StateConnected {
		slog.Warn(fmt.Sprintf("%s - %s: dropping %s frame received while %s", logPrefix, m.name, msg.Kind(), state))
		return
	}

	switch msg.Kind() {
	case protocol.KindResponse:
		m.corr.HandleResponse(msg)
	case protocol.KindRequest:
		if msg.Method == protocol.MethodPing {
			m.replyPing(msg)
			return
		}
		if m.p.OnMessage == nil {
			m.replyAsync(protocol.NewErrorResponse(msg.ID, protocol.Errorf(protocol.CodeUnknownMethod, "no handler for %q", msg.Method)))
			return
		}
		m.p.OnMessage(msg)
	case protocol.KindEvent:
		if msg.Method == protocol.MethodHeartbeat {
			return
		}
		if m.p.OnMessage != nil {
			m.p.OnMessage(msg)
		}
	}
}

func (m *Manager) handleControl(msg *protocol.Message, state State) {
	if state != StateIdentifying {
		slog.Warn(fmt.Sprintf("%s - %s: ignoring %q while %s", logPrefix, m.name, msg.Action, state))
		return
	}

	if m.accept {
		if msg.Action != protocol.ActionIdentify {
			slog.Warn(fmt.Sprintf("%s - %s: expected identify, got %q", logPrefix, m.name, msg.Action))
			return
		}
		m.acceptIdentify(msg)
		return
	}

	switch msg.Action {
	case protocol.ActionIdentified:
		id := m.p.Identity
		m.connected(&SessionInfo{
			SessionID:    msg.SessionID,
			AgentID:      id.AgentID,
			EndpointType: id.EndpointType,
			Version:      id.Version,
			Capabilities: id.Capabilities,
		})
	case protocol.ActionRejected:
		slog.Error(fmt.Sprintf("%s - %s: identification rejected: %s", logPrefix, m.name, msg.Reason))
		m.fail(protocol.Errorf(protocol.CodeRejected, "%s", msg.Reason))
	default:
		slog.Warn(fmt.Sprintf("%s - %s: unexpected %q during handshake", logPrefix, m.name, msg.Action))
	}
}

func (m *Manager) acceptIdentify(hello *protocol.Message) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if m.p.Authorize != nil {
		if err := m.p.Authorize(hello); err != nil {
			slog.Warn(fmt.Sprintf("%s - %s: rejecting %s: %v", logPrefix, m.name, hello.AgentID, err))
			m.writeDirect(conn, &protocol.Message{Action: protocol.ActionRejected, Reason: err.Error()})
			m.fail(protocol.Errorf(protocol.CodeRejected, "%v", err))
			return
		}
	}

	sid := uuid.NewString()
	if err := m.writeDirect(conn, &protocol.Message{Action: protocol.ActionIdentified, SessionID: sid}); err != nil {
		m.fail(err)
		return
	}
	m.connected(&SessionInfo{
		SessionID:    sid,
		AgentID:      hello.AgentID,
		EndpointType: hello.EndpointType,
		Version:      hello.Version,
		Capabilities: hello.Capabilities,
	})
}

func (m *Manager) connected(session *SessionInfo) {
	m.stopIdentifyTimer()
	m.attempt = 0

	m.mu.Lock()
	gen := m.gen
	session.Transport = m.status.Transport
	m.status.Attempt = 0
	m.status.LastError = ""
	m.mu.Unlock()
	session.ConnectedAt = time.Now().UTC()

	m.setState(StateConnected, session, time.Time{})
	slog.Info(fmt.Sprintf("%s - %s: connected, session %s", logPrefix, m.name, session.SessionID))

	if m.p.HeartbeatInterval > 0 {
		m.hb = m.heartbeatFor(gen)
		m.hb.Start(m.p.HeartbeatInterval)
	}
}

// heartbeatFor binds the death callback to one generation so a late report
// from a previous connection cannot tear down the current one.
func (m *Manager) heartbeatFor(gen uint64) *heartbeat.Monitor {
	m.hb.Stop()
	return heartbeat.New(heartbeat.Options{
		Probe:     m.probe,
		MaxMisses: m.p.HeartbeatMaxMisses,
		Name:      m.name,
		OnDead: func(int) {
			m.post(event{kind: evHeartbeatDead, gen: gen})
		},
	})
}

// probe is one heartbeat. With a miss threshold it is a relay.ping request,
// and any response at all, even an error, proves the peer is alive.
// Otherwise it is a fire-and-forget relay.heartbeat event.
func (m *Manager) probe(ctx context.Context) error {
	if m.p.HeartbeatMaxMisses > 0 {
		_, err := m.Request(ctx, protocol.MethodPing, nil, m.p.HeartbeatInterval)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, protocol.ErrTimeout), errors.Is(err, protocol.ErrDisconnected),
			errors.Is(err, protocol.ErrNotConnected), ctx.Err() != nil:
			return err
		default:
			return nil
		}
	}
	ev, err := protocol.NewEvent(protocol.MethodHeartbeat, map[string]int64{"ts": time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return m.Send(ctx, ev)
}

func (m *Manager) replyPing(req *protocol.Message) {
	resp, err := protocol.NewResult(req.ID, map[string]bool{"pong": true})
	if err != nil {
		return
	}
	m.replyAsync(resp)
}

func (m *Manager) replyAsync(msg *protocol.Message) {
	go func() {
		if err := m.Send(m.ctx, msg); err != nil {
			slog.Debug(fmt.Sprintf("%s - %s: reply %s not sent: %v", logPrefix, m.name, msg.ID, err))
		}
	}()
}

// writeDirect writes a handshake frame, which must go out before the
// Manager is Connected and so cannot use Send.
func (m *Manager) writeDirect(conn transport.Conn, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
	defer cancel()
	return conn.Send(ctx, data)
}

// fail handles any failure of the current attempt: the transport is closed,
// pending requests resolve as Disconnected, the heartbeat stops, and a dial
// role Manager schedules the next attempt.
func (m *Manager) fail(cause error) {
	m.stopIdentifyTimer()
	m.attempt++

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.gen++
	gen := m.gen
	m.status.LastError = cause.Error()
	m.status.Attempt = m.attempt
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.setState(StateDisconnected, nil, time.Time{})
	m.corr.FailAll(protocol.Errorf(protocol.CodeDisconnected, "%s: %v", m.name, cause))
	m.hb.Stop()
	slog.Warn(fmt.Sprintf("%s - %s: connection lost: %v", logPrefix, m.name, cause))

	if m.accept {
		m.Disconnect()
		return
	}
	m.scheduleReconnect(gen)
}

func (m *Manager) scheduleReconnect(gen uint64) {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	delay := m.p.Backoff.Delay(m.attempt)
	retryAt := time.Now().Add(delay)
	m.setState(StateReconnectScheduled, nil, retryAt)
	m.retryTimer = time.AfterFunc(delay, func() {
		m.post(event{kind: evRetry, gen: gen})
	})
	slog.Info(fmt.Sprintf("%s - %s: reconnect attempt %d in %s", logPrefix, m.name, m.attempt, delay))
}

func (m *Manager) armIdentifyTimer(gen uint64) {
	m.stopIdentifyTimer()
	m.identifyTimer = time.AfterFunc(m.p.IdentifyTimeout, func() {
		m.post(event{kind: evIdentifyTimeout, gen: gen})
	})
}

func (m *Manager) stopIdentifyTimer() {
	if m.identifyTimer != nil {
		m.identifyTimer.Stop()
		m.identifyTimer = nil
	}
}

func (m *Manager) setState(state State, session *SessionInfo, retryAt time.Time) {
	m.mu.Lock()
	m.status.State = state
	m.status.StateName = state.String()
	m.status.Session = session
	m.status.RetryAt = retryAt
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if m.p.OnStateChange != nil {
		m.p.OnStateChange(snap)
	}
}

func (m *Manager) snapshotLocked() Status {
	s := m.status
	if s.Session != nil {
		cp := *s.Session
		cp.Capabilities = append([]string(nil), s.Session.Capabilities...)
		s.Session = &cp
	}
	return s
}

func (m *Manager) shutdown() {
	m.cancel()
	m.stopIdentifyTimer()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.gen++
	prev := m.status.State
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if m.accept && !m.acceptStarted {
		m.p.Conn.Close()
	}
	if prev != StateDisconnected {
		m.setState(StateDisconnected, nil, time.Time{})
	}
	m.corr.FailAll(protocol.Errorf(protocol.CodeDisconnected, "%s: disconnected", m.name))
	m.hb.Stop()
	m.corr.Close()
	close(m.done)
	slog.Debug(fmt.Sprintf("%s - %s: stopped", logPrefix, m.name))
}
