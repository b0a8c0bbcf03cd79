package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-relay/pkg/commsutil"
)

const natsLogPrefix = "transport:nats"

// sessionBuffer is how many frames a session queues before it is treated as
// a slow consumer and closed.
const sessionBuffer = 1024

// NATSDialer is the secondary transport: a logical session multiplexed over
// a COMMS connection. Frames go up on relay.v1.session.<sid>.up and come back
// on relay.v1.session.<sid>.down.
type NATSDialer struct {
	nc     *comms.Conn
	prefix string
	owned  bool
}

// NewNATSDialer connects to the COMMS server. An unreachable server is a
// construction failure, which lets Select move on to the next transport.
func NewNATSDialer(url, name, prefix string) (*NATSDialer, error) {
	if url == "" {
		return nil, fmt.Errorf("%s - empty COMMS URL", natsLogPrefix)
	}
	// The Manager redials sessions itself, so the client never gives up on
	// the server.
	nc, err := commsutil.Connect(url, name, comms.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	d := NewNATSDialerWithConn(nc, prefix)
	d.owned = true
	return d, nil
}

// NewNATSDialerWithConn reuses an existing connection. The caller keeps
// ownership of nc.
func NewNATSDialerWithConn(nc *comms.Conn, prefix string) *NATSDialer {
	if prefix == "" {
		prefix = commsutil.DefaultSessionPrefix
	}
	return &NATSDialer{nc: nc, prefix: prefix}
}

// Name implements Dialer.
func (d *NATSDialer) Name() string { return "nats" }

// Dial implements Dialer. The flush after the open control round-trips to
// the server so a dead COMMS connection fails here rather than on first send.
func (d *NATSDialer) Dial(ctx context.Context) (Conn, error) {
	if d.nc.IsClosed() {
		return nil, fmt.Errorf("%s - COMMS connection closed", natsLogPrefix)
	}
	sid := uuid.NewString()
	c := newNATSConn(d.nc, commsutil.BuildSessionUpSubject(d.prefix, sid), "nats session "+sid)

	sub, err := d.nc.Subscribe(commsutil.BuildSessionDownSubject(d.prefix, sid), func(msg *comms.Msg) {
		if msg.Header.Get(commsutil.HeaderControl) == commsutil.ControlClose {
			c.remoteClose()
			return
		}
		c.push(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe for session %s: %w", natsLogPrefix, sid, err)
	}
	c.sub = sub

	if err := c.publishControl(commsutil.ControlOpen); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	if err := d.nc.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%s - flush for session %s: %w", natsLogPrefix, sid, err)
	}
	slog.Debug(fmt.Sprintf("%s - Opened session %s", natsLogPrefix, sid))
	return c, nil
}

// Close releases the COMMS connection if the dialer created it.
func (d *NATSDialer) Close() {
	if d.owned {
		d.nc.Close()
	}
}

// natsConn is one side of a session. Inbound frames are queued by the COMMS
// callback and drained by Receive.
type natsConn struct {
	nc          *comms.Conn
	sendSubject string
	remote      string
	sub         *comms.Subscription
	onClose     func()

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// remoteGone suppresses the close control when the peer closed first.
	remoteGone bool
	mu         sync.Mutex
}

func newNATSConn(nc *comms.Conn, sendSubject, remote string) *natsConn {
	return &natsConn{
		nc:          nc,
		sendSubject: sendSubject,
		remote:      remote,
		inbox:       make(chan []byte, sessionBuffer),
		done:        make(chan struct{}),
	}
}

func (c *natsConn) push(frame []byte) {
	select {
	case <-c.done:
	case c.inbox <- frame:
	default:
		slog.Warn(fmt.Sprintf("%s - %s is not keeping up, closing", natsLogPrefix, c.remote))
		c.Close()
	}
}

func (c *natsConn) remoteClose() {
	c.mu.Lock()
	c.remoteGone = true
	c.mu.Unlock()
	c.Close()
}

func (c *natsConn) publishControl(value string) error {
	msg := comms.NewMsg(c.sendSubject)
	msg.Header.Set(commsutil.HeaderControl, value)
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%s - publish %s control to %s: %w", natsLogPrefix, value, c.sendSubject, err)
	}
	return nil
}

func (c *natsConn) Send(_ context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.nc.Publish(c.sendSubject, frame); err != nil {
		return fmt.Errorf("%s - publish to %s: %w", natsLogPrefix, c.sendSubject, err)
	}
	return nil
}

// Receive drains queued frames before reporting the close.
func (c *natsConn) Receive() ([]byte, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.inbox:
			return f, nil
		default:
		}
		return nil, io.EOF
	}
}

func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		remoteGone := c.remoteGone
		c.mu.Unlock()
		if !remoteGone && !c.nc.IsClosed() {
			if err := c.publishControl(commsutil.ControlClose); err != nil {
				slog.Debug(err.Error())
			}
		}
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

func (c *natsConn) Describe() string { return c.remote }

// NATSListener accepts sessions opened by NATSDialer endpoints. One wildcard
// subscription serves every session.
type NATSListener struct {
	nc     *comms.Conn
	prefix string
	sub    *comms.Subscription

	mu       sync.Mutex
	sessions map[string]*natsConn
	accept   chan *natsConn
	done     chan struct{}
	once     sync.Once
}

// NewNATSListener subscribes to the session wildcard under prefix.
func NewNATSListener(nc *comms.Conn, prefix string) (*NATSListener, error) {
	if prefix == "" {
		prefix = commsutil.DefaultSessionPrefix
	}
	l := &NATSListener{
		nc:       nc,
		prefix:   prefix,
		sessions: make(map[string]*natsConn),
		accept:   make(chan *natsConn, 64),
		done:     make(chan struct{}),
	}
	subject := commsutil.BuildSessionWildcard(prefix)
	sub, err := nc.Subscribe(subject, l.handle)
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe to %s: %w", natsLogPrefix, subject, err)
	}
	l.sub = sub
	slog.Info(fmt.Sprintf("%s - Accepting sessions on %s", natsLogPrefix, subject))
	return l, nil
}

func (l *NATSListener) handle(msg *comms.Msg) {
	sid, ok := commsutil.SessionIDFromSubject(l.prefix, msg.Subject)
	if !ok {
		return
	}
	control := msg.Header.Get(commsutil.HeaderControl)

	l.mu.Lock()
	c, exists := l.sessions[sid]
	switch {
	case control == commsutil.ControlClose:
		l.mu.Unlock()
		if exists {
			c.remoteClose()
		}
		return
	case control == commsutil.ControlOpen && !exists:
		c = newNATSConn(l.nc, commsutil.BuildSessionDownSubject(l.prefix, sid), "nats session "+sid)
		c.onClose = func() { l.forget(sid) }
		l.sessions[sid] = c
		l.mu.Unlock()
		select {
		case l.accept <- c:
		default:
			slog.Warn(fmt.Sprintf("%s - accept queue full, refusing session %s", natsLogPrefix, sid))
			c.Close()
		}
		return
	case !exists:
		l.mu.Unlock()
		// Unknown session, most likely from before a restart. Tell the
		// endpoint so it reconnects.
		stale := newNATSConn(l.nc, commsutil.BuildSessionDownSubject(l.prefix, sid), "")
		stale.publishControl(commsutil.ControlClose)
		return
	}
	l.mu.Unlock()
	if control == "" {
		c.push(msg.Data)
	}
}

func (l *NATSListener) forget(sid string) {
	l.mu.Lock()
	delete(l.sessions, sid)
	l.mu.Unlock()
}

// Accept implements Listener.
func (l *NATSListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sessions reports open session count.
func (l *NATSListener) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Close stops accepting and closes every open session.
func (l *NATSListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.sub.Unsubscribe()
		l.mu.Lock()
		open := make([]*natsConn, 0, len(l.sessions))
		for _, c := range l.sessions {
			open = append(open, c)
		}
		l.mu.Unlock()
		for _, c := range open {
			c.Close()
		}
	})
	return nil
}
