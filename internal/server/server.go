// Package server orchestrates the control plane: COMMS client, session store,
// agent registry, hub, API dispatcher and the HTTP endpoint agents dial.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/agent-relay/internal/config"
	"github.com/morezero/agent-relay/pkg/commsutil"
	"github.com/morezero/agent-relay/pkg/db"
	"github.com/morezero/agent-relay/pkg/dispatcher"
	"github.com/morezero/agent-relay/pkg/events"
	"github.com/morezero/agent-relay/pkg/hub"
	"github.com/morezero/agent-relay/pkg/registry"
	"github.com/morezero/agent-relay/pkg/router"
	"github.com/morezero/agent-relay/pkg/semver"
	"github.com/morezero/agent-relay/pkg/transport"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// Server is the relay control plane.
type Server struct {
	cfg  *config.Config
	nc   *comms.Conn
	pool *pgxpool.Pool

	reg    *registry.Registry
	hub    *hub.Hub
	router *router.Router
	disp   *dispatcher.Dispatcher

	mu       sync.Mutex
	closed   bool
	apiSub   *comms.Subscription
	listener *transport.NATSListener
	inflight sync.WaitGroup
	bg       sync.WaitGroup
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	config.SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting relay-server", logPrefix))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}

	s, err := New(ctx, cfg, nc)
	if err != nil {
		nc.Close()
		return err
	}

	err = s.Serve(ctx)
	s.Close()
	nc.Drain()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return err
}

// New wires the control plane. nc may be nil, in which case lifecycle
// events are not published and no COMMS surface is offered. A configured
// DATABASE_URL enables the session history store.
func New(ctx context.Context, cfg *config.Config, nc *comms.Conn) (*Server, error) {
	s := &Server{cfg: cfg, nc: nc}

	var store registry.SessionStore
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		if cfg.RunMigrations {
			migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
				pool.Close()
				return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		repo := db.NewRepository(pool)
		// Sessions left open by a previous process can never be released by it.
		if n, err := repo.CloseStaleSessions(ctx, "server restart"); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to close stale sessions: %v", logPrefix, err))
		} else if n > 0 {
			slog.Info(fmt.Sprintf("%s - Closed %d stale sessions", logPrefix, n))
		}
		s.pool = pool
		store = repo
	} else {
		slog.Warn(fmt.Sprintf("%s - DATABASE_URL not set, session history disabled", logPrefix))
	}

	policy, err := semver.NewPolicy(cfg.MinAgentVersion)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("%s - invalid RELAY_MIN_AGENT_VERSION: %w", logPrefix, err)
	}

	var publisher events.EventPublisher
	if nc != nil {
		publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{EventSubject: cfg.EventSubject})
	}
	s.reg = registry.New(registry.Params{
		Publisher:      publisher,
		Store:          store,
		DefaultTimeout: cfg.RequestTimeout,
	})

	s.router, err = newControlRouter(s.reg, cfg.RequestTimeout)
	if err != nil {
		s.reg.Close()
		s.closeStore()
		return nil, err
	}

	s.hub, err = hub.New(hub.Params{
		Name:               cfg.COMMSName,
		Registry:           s.reg,
		Policy:             policy,
		Router:             s.router,
		IdentifyTimeout:    cfg.IdentifyTimeout,
		RequestTimeout:     cfg.RequestTimeout,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatMaxMisses: cfg.HeartbeatMaxMisses,
	})
	if err != nil {
		s.reg.Close()
		s.closeStore()
		return nil, err
	}

	s.disp = dispatcher.NewDispatcher(s.reg)
	if nc != nil {
		s.disp.SetCommsCheck(nc.IsConnected)
	}

	if policy.String() != "" {
		slog.Info(fmt.Sprintf("%s - Agent version policy: %s", logPrefix, policy))
	}
	return s, nil
}

// Registry exposes the agent registry.
func (s *Server) Registry() *registry.Registry { return s.reg }

// StartCOMMS subscribes the API subject and, when enabled, accepts agent
// sessions over NATS. Both stop on Close.
func (s *Server) StartCOMMS(ctx context.Context) error {
	if s.nc == nil {
		return fmt.Errorf("%s - no COMMS connection", logPrefix)
	}

	sub, err := s.nc.Subscribe(s.cfg.APISubject, func(msg *comms.Msg) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()

		// Dispatches wait on agents, so each runs on its own goroutine.
		go func() {
			defer s.inflight.Done()
			out := s.disp.HandleRaw(ctx, msg.Data, s.cfg.RequestTimeout)
			if err := msg.Respond(out); err != nil {
				slog.Warn(fmt.Sprintf("%s - failed to respond on %s: %v", logPrefix, s.cfg.APISubject, err))
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, s.cfg.APISubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, s.cfg.APISubject))

	var listener *transport.NATSListener
	if s.cfg.NATSSessions {
		listener, err = transport.NewNATSListener(s.nc, s.cfg.SessionPrefix)
		if err != nil {
			sub.Unsubscribe()
			return err
		}
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.hub.ServeListener(ctx, listener, "nats"); err != nil {
				slog.Error(fmt.Sprintf("%s - NATS session listener stopped: %v", logPrefix, err))
			}
		}()
		slog.Info(fmt.Sprintf("%s - Accepting agent sessions on %s", logPrefix, commsutil.BuildSessionWildcard(s.cfg.SessionPrefix)))
	}

	s.mu.Lock()
	s.apiSub = sub
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Serve runs the COMMS surface and the HTTP server until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	if s.nc != nil {
		if err := s.StartCOMMS(ctx); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s (agents dial %s)", logPrefix, httpServer.Addr, s.cfg.WSPath))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown; the hub
		// closes them.
		s.hub.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info(fmt.Sprintf("%s - relay-server is ready", logPrefix))
	return g.Wait()
}

// Close stops every surface, disconnects all agents and flushes history.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub, listener := s.apiSub, s.listener
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if listener != nil {
		listener.Close()
	}
	s.hub.Close()
	s.bg.Wait()
	s.inflight.Wait()
	s.reg.Close()
	s.closeStore()
}

func (s *Server) closeStore() {
	if s.pool != nil {
		s.pool.Close()
	}
}
