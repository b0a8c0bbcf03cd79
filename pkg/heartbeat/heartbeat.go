// Package heartbeat sends periodic liveness probes over a connection and
// reports the connection dead after too many consecutive misses.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const logPrefix = "heartbeat:heartbeat"

// Probe sends one liveness message. A nil return counts as acknowledged.
// The context expires after one interval.
type Probe func(ctx context.Context) error

// Options configures a Monitor.
type Options struct {
	Probe Probe
	// MaxMisses is how many consecutive failed probes declare the connection
	// dead. Zero means best-effort: probe failures are logged and ignored.
	MaxMisses int
	// OnDead is called once per Start when MaxMisses is reached.
	OnDead func(misses int)
	Name   string
}

type run struct {
	stop chan struct{}
	once sync.Once
}

func (r *run) close() {
	r.once.Do(func() { close(r.stop) })
}

// Monitor drives the probe loop. It can be started again after Stop, so one
// Monitor serves every connection attempt of a Connection Manager.
type Monitor struct {
	opts   Options
	misses atomic.Int32

	mu      sync.Mutex
	current *run
}

// New creates a stopped Monitor.
func New(opts Options) *Monitor {
	return &Monitor{opts: opts}
}

// Start begins probing every interval, replacing any loop already running.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 || m.opts.Probe == nil {
		return
	}
	r := &run{stop: make(chan struct{})}

	m.mu.Lock()
	if m.current != nil {
		m.current.close()
	}
	m.current = r
	m.mu.Unlock()

	m.misses.Store(0)
	go m.loop(r, interval)
	slog.Debug(fmt.Sprintf("%s - %s: started, interval %s, max misses %d", logPrefix, m.opts.Name, interval, m.opts.MaxMisses))
}

// Stop ends the current loop without waiting for it. Calling Stop on a
// stopped Monitor does nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	r := m.current
	m.current = nil
	m.mu.Unlock()
	if r != nil {
		r.close()
	}
}

// Ack records proof of life from the peer and clears the miss count.
func (m *Monitor) Ack() {
	m.misses.Store(0)
}

// Misses reports consecutive failed probes.
func (m *Monitor) Misses() int {
	return int(m.misses.Load())
}

// Running reports whether a probe loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

func (m *Monitor) loop(r *run, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := m.opts.Probe(ctx)
		cancel()

		select {
		case <-r.stop:
			return
		default:
		}

		if err == nil {
			m.misses.Store(0)
			continue
		}
		if m.opts.MaxMisses <= 0 {
			slog.Debug(fmt.Sprintf("%s - %s: probe failed: %v", logPrefix, m.opts.Name, err))
			continue
		}

		n := int(m.misses.Add(1))
		slog.Warn(fmt.Sprintf("%s - %s: missed heartbeat %d/%d: %v", logPrefix, m.opts.Name, n, m.opts.MaxMisses, err))
		if n >= m.opts.MaxMisses {
			m.mu.Lock()
			if m.current == r {
				m.current = nil
			}
			m.mu.Unlock()
			r.close()
			if m.opts.OnDead != nil {
				m.opts.OnDead(n)
			}
			return
		}
	}
}
