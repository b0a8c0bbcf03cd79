package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-relay/internal/config"
	"github.com/morezero/agent-relay/pkg/commsutil"
	"github.com/morezero/agent-relay/pkg/connection"
	"github.com/morezero/agent-relay/pkg/hub"
	"github.com/morezero/agent-relay/pkg/manifest"
	"github.com/morezero/agent-relay/pkg/protocol"
	"github.com/morezero/agent-relay/pkg/registry"
	"github.com/morezero/agent-relay/pkg/router"
	"github.com/morezero/agent-relay/pkg/transport"
)

const companionsLogPrefix = "agentd:companions"

// offlineTarget stands in for a companion that could not be set up, so its
// routes fail fast with CapabilityUnavailable.
type offlineTarget struct {
	name string
}

func (t offlineTarget) Connected() bool { return false }

func (t offlineTarget) Request(context.Context, string, any, time.Duration) (json.RawMessage, error) {
	return nil, protocol.Errorf(protocol.CodeCapabilityUnavailable, "companion %s is unavailable", t.name)
}

// buildTargets creates one proxy target per manifest target.
func (a *Agent) buildTargets() (map[string]router.ProxyTarget, error) {
	targets := make(map[string]router.ProxyTarget)
	for _, name := range a.manifest.TargetNames() {
		t := a.manifest.Targets[name]
		switch t.Kind {
		case manifest.KindProcess:
			targets[name] = a.processTarget(name, t)
		case manifest.KindBus:
			if a.bus == nil {
				bus, err := startLocalBus(a.cfg)
				if err != nil {
					return nil, err
				}
				a.bus = bus
			}
			targets[name] = a.bus.reg.Target(t.BusAgentID(name))
			slog.Info(fmt.Sprintf("%s - %s waits for %q on the local bus (%d methods)",
				companionsLogPrefix, name, t.BusAgentID(name), len(a.manifest.RoutedMethods(name))))
		default:
			return nil, fmt.Errorf("%s - target %s has unknown kind %q", companionsLogPrefix, name, t.Kind)
		}
	}
	return targets, nil
}

// processTarget starts a companion program on demand and keeps a dial-role
// Manager to it, so a crashed companion is restarted with backoff.
func (a *Agent) processTarget(name string, t manifest.Target) router.ProxyTarget {
	framing := transport.FramingNewline
	if t.Framing == manifest.FramingLength {
		framing = transport.FramingLengthPrefix
	}
	dialer, err := transport.NewProcessDialer(name, t.Command, t.Args, t.Env, framing)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - companion %s unavailable: %v", companionsLogPrefix, name, err))
		return offlineTarget{name: name}
	}

	slog.Info(fmt.Sprintf("%s - %s serves %v", companionsLogPrefix, name, a.manifest.RoutedMethods(name)))
	var mgr *connection.Manager
	mgr, err = connection.NewManager(connection.Params{
		Name:   name,
		Dialer: dialer,
		Identity: connection.Identity{
			AgentID:      a.cfg.AgentID,
			EndpointType: a.cfg.EndpointType,
			Version:      a.cfg.Version,
		},
		Backoff:            a.backoff(),
		IdentifyTimeout:    a.cfg.IdentifyTimeout,
		RequestTimeout:     a.cfg.RequestTimeout,
		HeartbeatInterval:  a.cfg.HeartbeatInterval,
		HeartbeatMaxMisses: a.cfg.HeartbeatMaxMisses,
		OnMessage:          a.serve(func() *connection.Manager { return mgr }),
		OnStateChange: func(st connection.Status) {
			slog.Info(fmt.Sprintf("%s - companion %s %s", companionsLogPrefix, name, st.StateName))
		},
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - companion %s: %v", companionsLogPrefix, name, err))
		return offlineTarget{name: name}
	}
	a.companions[name] = mgr
	return mgr
}

// localBus is the loopback COMMS server bus companions attach to. Sessions
// opened on it are accepted by a hub into a private registry whose entries
// are the bus proxy targets.
type localBus struct {
	server   *commsutil.LocalBus
	nc       *comms.Conn
	listener *transport.NATSListener
	reg      *registry.Registry
	hub      *hub.Hub
	cancel   context.CancelFunc
	done     chan struct{}
}

func startLocalBus(cfg *config.AgentConfig) (*localBus, error) {
	port := cfg.LocalBusPort
	if port == 0 {
		port = -1
	}
	server, err := commsutil.StartLocalBus(commsutil.LocalBusOptions{
		Port:          port,
		WebSocketPort: cfg.LocalBusWSPort,
	})
	if err != nil {
		return nil, err
	}
	nc, err := commsutil.Connect(server.ClientURL(), "relay-agent-bus:"+cfg.AgentID)
	if err != nil {
		server.Shutdown()
		return nil, err
	}
	listener, err := transport.NewNATSListener(nc, commsutil.DefaultSessionPrefix)
	if err != nil {
		nc.Close()
		server.Shutdown()
		return nil, err
	}
	return &localBus{
		server:   server,
		nc:       nc,
		listener: listener,
		reg:      registry.New(registry.Params{DefaultTimeout: cfg.RequestTimeout}),
	}, nil
}

// startHub begins accepting bus sessions. Requests bus companions send are
// served by rt, so a companion can reach the agent's handlers and routes.
func (b *localBus) startHub(rt *router.Router, cfg *config.AgentConfig) error {
	h, err := hub.New(hub.Params{
		Name:               "local-bus",
		Registry:           b.reg,
		Router:             rt,
		IdentifyTimeout:    cfg.IdentifyTimeout,
		RequestTimeout:     cfg.RequestTimeout,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatMaxMisses: cfg.HeartbeatMaxMisses,
	})
	if err != nil {
		return err
	}
	b.hub = h

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		if err := h.ServeListener(ctx, b.listener, "bus"); err != nil {
			slog.Error(fmt.Sprintf("%s - local bus listener stopped: %v", companionsLogPrefix, err))
		}
	}()
	return nil
}

func (b *localBus) close() {
	b.listener.Close()
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	if b.hub != nil {
		b.hub.Close()
	}
	b.reg.Close()
	b.nc.Close()
	b.server.Shutdown()
}
