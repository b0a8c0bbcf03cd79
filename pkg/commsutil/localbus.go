package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

const localBusLogPrefix = "commsutil:localbus"

// LocalBusOptions configures an embedded COMMS server.
type LocalBusOptions struct {
	Host string
	// Port of the client listener; -1 picks a free port.
	Port int
	// WebSocketPort enables a plain ws:// listener when non-zero, so a
	// browser extension can attach without a native messaging host.
	WebSocketPort int
	// AllowedOrigins restricts the WebSocket listener; empty allows all.
	AllowedOrigins []string
	ReadyTimeout   time.Duration
}

// LocalBus is an in-process COMMS server bound to loopback.
type LocalBus struct {
	srv *commsserver.Server
}

// StartLocalBus starts an embedded COMMS server and waits until it accepts
// clients.
func StartLocalBus(opts LocalBusOptions) (*LocalBus, error) {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ready := opts.ReadyTimeout
	if ready <= 0 {
		ready = 10 * time.Second
	}

	sopts := &commsserver.Options{
		Host:   host,
		Port:   opts.Port,
		NoLog:  true,
		NoSigs: true,
	}
	if opts.WebSocketPort != 0 {
		sopts.Websocket = commsserver.WebsocketOpts{
			Host:           host,
			Port:           opts.WebSocketPort,
			NoTLS:          true,
			AllowedOrigins: opts.AllowedOrigins,
		}
	}

	srv, err := commsserver.NewServer(sopts)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create server: %w", localBusLogPrefix, err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(ready) {
		srv.Shutdown()
		return nil, fmt.Errorf("%s - server not ready after %s", localBusLogPrefix, ready)
	}

	slog.Info(fmt.Sprintf("%s - Local bus listening at %s", localBusLogPrefix, srv.ClientURL()))
	return &LocalBus{srv: srv}, nil
}

// ClientURL is the nats:// URL for in-process and local clients.
func (b *LocalBus) ClientURL() string {
	return b.srv.ClientURL()
}

// NumClients reports connected client count.
func (b *LocalBus) NumClients() int {
	return b.srv.NumClients()
}

// Shutdown stops the server and waits for it to exit.
func (b *LocalBus) Shutdown() {
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
	slog.Info(fmt.Sprintf("%s - Local bus stopped", localBusLogPrefix))
}
