// Package agentd runs the native agent: one Connection Manager to the
// control plane, a Command Router with local handlers, and the companion
// targets that routed methods are forwarded to.
package agentd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/morezero/agent-relay/internal/config"
	"github.com/morezero/agent-relay/pkg/connection"
	"github.com/morezero/agent-relay/pkg/manifest"
	"github.com/morezero/agent-relay/pkg/protocol"
	"github.com/morezero/agent-relay/pkg/router"
	"github.com/morezero/agent-relay/pkg/transport"
)

const logPrefix = "agentd:agent"

// Params configures an Agent.
type Params struct {
	Config   *config.AgentConfig
	Manifest *manifest.Manifest
	// Dialer overrides transport selection for the control-plane connection.
	Dialer transport.Dialer
}

// Agent owns the control-plane connection and every companion connection.
type Agent struct {
	cfg      *config.AgentConfig
	manifest *manifest.Manifest
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	router     *router.Router
	dialer     transport.Dialer
	ownsDialer bool
	main       *connection.Manager
	companions map[string]*connection.Manager
	bus        *localBus

	closeOnce sync.Once
}

// Run loads configuration, starts the agent and blocks until a shutdown signal.
func Run() error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	config.SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForAgent(); err != nil {
		return err
	}

	m, err := manifest.Load(cfg.ManifestFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load manifest: %w", logPrefix, err)
	}

	a, err := New(Params{Config: cfg, Manifest: m})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - relay-agent %s is running", logPrefix, cfg.AgentID))

	<-ctx.Done()
	slog.Info(fmt.Sprintf("%s - Shutting down", logPrefix))
	return nil
}

// New wires the router, companion targets and the control-plane Manager.
// Nothing connects until Start.
func New(p Params) (*Agent, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("%s - config is required", logPrefix)
	}
	m := p.Manifest
	if m == nil {
		m = manifest.Default()
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s - invalid manifest: %w", logPrefix, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:        p.Config,
		manifest:   m,
		started:    time.Now().UTC(),
		ctx:        ctx,
		cancel:     cancel,
		companions: make(map[string]*connection.Manager),
	}

	targets, err := a.buildTargets()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.router, err = router.New(router.Params{
		Routes:       m.Routes,
		Targets:      targets,
		ProxyTimeout: p.Config.RequestTimeout,
		Name:         p.Config.AgentID,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.registerHandlers(); err != nil {
		a.Close()
		return nil, err
	}
	if a.bus != nil {
		if err := a.bus.startHub(a.router, p.Config); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.dialer = p.Dialer
	if a.dialer == nil {
		a.dialer, err = selectDialer(p.Config)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.ownsDialer = true
	}

	a.main, err = connection.NewManager(connection.Params{
		Name:   "control-plane",
		Dialer: a.dialer,
		Identity: connection.Identity{
			AgentID:      p.Config.AgentID,
			EndpointType: p.Config.EndpointType,
			Version:      p.Config.Version,
			Capabilities: a.router.Methods(),
		},
		Backoff:            a.backoff(),
		IdentifyTimeout:    p.Config.IdentifyTimeout,
		RequestTimeout:     p.Config.RequestTimeout,
		HeartbeatInterval:  p.Config.HeartbeatInterval,
		HeartbeatMaxMisses: p.Config.HeartbeatMaxMisses,
		OnMessage:          a.serve(func() *connection.Manager { return a.main }),
		OnStateChange: func(st connection.Status) {
			slog.Info(fmt.Sprintf("%s - control plane %s (%s)", logPrefix, st.StateName, st.Transport))
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// selectDialer prefers the WebSocket transport and falls back to a NATS
// session only when the WebSocket dialer cannot be built.
func selectDialer(cfg *config.AgentConfig) (transport.Dialer, error) {
	primary := transport.Factory{Name: "websocket"}
	if cfg.ServerURL != "" {
		primary.New = func() (transport.Dialer, error) {
			return transport.NewWebSocketDialer(cfg.ServerURL, transport.WebSocketOptions{})
		}
	}
	secondary := transport.Factory{Name: "nats"}
	if cfg.SecondaryNATSURL != "" {
		secondary.New = func() (transport.Dialer, error) {
			return transport.NewNATSDialer(cfg.SecondaryNATSURL, "relay-agent:"+cfg.AgentID, cfg.SessionPrefix)
		}
	}
	return transport.Select(primary, secondary)
}

func (a *Agent) backoff() connection.Backoff {
	return connection.Backoff{
		Initial:    a.cfg.ReconnectInitial,
		Max:        a.cfg.ReconnectMax,
		Multiplier: 2,
	}
}

// serve hands inbound requests and events from a connection to the router.
func (a *Agent) serve(mgr func() *connection.Manager) func(msg *protocol.Message) {
	return func(msg *protocol.Message) {
		m := mgr()
		if m == nil {
			return
		}
		a.router.Serve(a.ctx, msg, m.Send)
	}
}

// Start connects the companions and the control plane.
func (a *Agent) Start() error {
	for name, mgr := range a.companions {
		if err := mgr.Connect(); err != nil {
			return fmt.Errorf("%s - companion %s: %w", logPrefix, name, err)
		}
	}
	if err := a.main.Connect(); err != nil {
		return fmt.Errorf("%s - control plane: %w", logPrefix, err)
	}
	return nil
}

// Status reports the control-plane connection.
func (a *Agent) Status() connection.Status {
	return a.main.Status()
}

// Router exposes the agent's router.
func (a *Agent) Router() *router.Router { return a.router }

// BusURL is the loopback bus client URL, or "" when no bus target is configured.
func (a *Agent) BusURL() string {
	if a.bus == nil {
		return ""
	}
	return a.bus.server.ClientURL()
}

// Close disconnects everything and waits for in-flight requests.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		if a.main != nil {
			a.main.Disconnect()
			<-a.main.Done()
		}
		for _, mgr := range a.companions {
			mgr.Disconnect()
			<-mgr.Done()
		}
		if a.bus != nil {
			a.bus.close()
		}
		a.cancel()
		if a.router != nil {
			a.router.Wait()
		}
		if c, ok := a.dialer.(interface{ Close() }); ok && a.ownsDialer {
			c.Close()
		}
		slog.Info(fmt.Sprintf("%s - agent stopped", logPrefix))
	})
}
