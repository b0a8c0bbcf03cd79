// Package correlator matches responses to the requests that caused them.
//
// Every request gets a fresh id and a pending entry with a deadline. The entry
// leaves the table exactly once: when its response arrives, when its deadline
// passes, when the connection is lost, or when the caller gives up. Whoever
// removes the entry resolves it, so a late or duplicate response finds nothing
// and is dropped.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/agent-relay/pkg/protocol"
)

const logPrefix = "correlator:correlator"

// DefaultTimeout applies when a request is made without a timeout.
const DefaultTimeout = 10 * time.Second

// ErrClosed is returned by Request after Close.
var ErrClosed = errors.New("correlator closed")

// SendFunc hands a request frame to the connection.
type SendFunc func(ctx context.Context, msg *protocol.Message) error

// Options configures a Correlator.
type Options struct {
	Send           SendFunc
	DefaultTimeout time.Duration
	// Name labels log lines, usually the connection's description.
	Name string
}

type pending struct {
	id        string
	method    string
	createdAt time.Time
	deadline  time.Time

	resolved atomic.Bool
	done     chan struct{}
	result   json.RawMessage
	err      error
}

// resolve completes the entry. Only the first call has any effect.
func (p *pending) resolve(result json.RawMessage, err error) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	p.result = result
	p.err = err
	close(p.done)
	return true
}

// Correlator owns one connection's pending-request table.
type Correlator struct {
	send           SendFunc
	defaultTimeout time.Duration
	name           string

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	wake      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	sweepDone chan struct{}
}

// New creates a Correlator and starts its deadline sweep.
func New(opts Options) *Correlator {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Correlator{
		send:           opts.Send,
		defaultTimeout: timeout,
		name:           opts.Name,
		pending:        make(map[string]*pending),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		sweepDone:      make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Request sends method with payload and waits for its outcome: the result,
// a *protocol.Error from the remote end, protocol.ErrTimeout,
// protocol.ErrDisconnected, or the send error if the frame never left.
// Cancelling ctx abandons the request and returns ctx.Err().
func (c *Correlator) Request(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	id := uuid.NewString()
	msg, err := protocol.NewRequest(id, method, payload)
	if err != nil {
		return nil, err
	}
	msg.TimeoutMs = timeout.Milliseconds()

	now := time.Now()
	p := &pending{
		id:        id,
		method:    method,
		createdAt: now,
		deadline:  now.Add(timeout),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = p
	c.mu.Unlock()
	c.notify()

	if err := c.send(ctx, msg); err != nil {
		if c.take(id) != nil {
			return nil, err
		}
		// Resolved concurrently (disconnect raced the send); report that.
	}

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		if c.take(id) != nil {
			p.resolve(nil, ctx.Err())
			return nil, ctx.Err()
		}
		<-p.done
		return p.result, p.err
	}
}

// HandleResponse resolves the pending request msg answers. It reports false
// for responses nobody is waiting for, which covers duplicates and responses
// that arrive after a timeout.
func (c *Correlator) HandleResponse(msg *protocol.Message) bool {
	p := c.take(msg.ID)
	if p == nil {
		slog.Debug(fmt.Sprintf("%s - %s: discarding response %s with no pending request", logPrefix, c.name, msg.ID))
		return false
	}
	if remote := msg.RemoteError(); remote != nil {
		return p.resolve(nil, remote)
	}
	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	return p.resolve(result, nil)
}

// FailAll resolves every pending request with err and returns how many there
// were. The connection calls this on entering Disconnected.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range drained {
		p.resolve(nil, err)
	}
	if len(drained) > 0 {
		slog.Debug(fmt.Sprintf("%s - %s: failed %d pending requests: %v", logPrefix, c.name, len(drained), err))
	}
	return len(drained)
}

// Pending reports how many requests are awaiting resolution.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails everything pending with protocol.ErrDisconnected, rejects new
// requests and stops the sweep. Safe to call more than once.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.FailAll(protocol.ErrDisconnected)
		close(c.stop)
		<-c.sweepDone
	})
}

func (c *Correlator) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Correlator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// sweep sleeps until the earliest deadline, expires what is due and repeats.
// New requests wake it so a shorter deadline is never overslept.
func (c *Correlator) sweep() {
	defer close(c.sweepDone)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		next := c.expireDue(time.Now())

		var fire <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			fire = timer.C
		}

		select {
		case <-fire:
		case <-c.wake:
			if fire != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-c.stop:
			return
		}
	}
}

// expireDue resolves overdue entries as timeouts and returns the earliest
// remaining deadline, or the zero time if nothing is pending.
func (c *Correlator) expireDue(now time.Time) time.Time {
	var expired []*pending
	var next time.Time

	c.mu.Lock()
	for id, p := range c.pending {
		if !p.deadline.After(now) {
			delete(c.pending, id)
			expired = append(expired, p)
			continue
		}
		if next.IsZero() || p.deadline.Before(next) {
			next = p.deadline
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		waited := now.Sub(p.createdAt).Round(time.Millisecond)
		p.resolve(nil, protocol.Errorf(protocol.CodeTimeout, "%s %s got no response after %s", p.method, p.id, waited))
		slog.Debug(fmt.Sprintf("%s - %s: request %s (%s) timed out", logPrefix, c.name, p.id, p.method))
	}
	return next
}
