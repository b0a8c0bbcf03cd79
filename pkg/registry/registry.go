package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/agent-relay/pkg/db"
	"github.com/morezero/agent-relay/pkg/events"
	"github.com/morezero/agent-relay/pkg/protocol"
)

const logPrefix = "registry:registry"

const (
	defaultTouchPersistInterval = 30 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	writeQueueSize              = 512
)

// Params holds parameters for New.
type Params struct {
	// Publisher receives lifecycle events. Nil publishes nothing.
	Publisher events.EventPublisher
	// Store records session history. Nil keeps history in memory only.
	Store SessionStore
	// DefaultTimeout applies to Dispatch calls that pass no timeout.
	DefaultTimeout time.Duration
	// TouchPersistInterval throttles last-seen writes to the store.
	TouchPersistInterval time.Duration
}

type entry struct {
	session     AgentSession
	conn        Conn
	persistedAt time.Time
}

// Registry is the control plane's agentId → session map. All access to the
// map is serialized by one mutex; side effects (events, history writes) run
// in submission order on a background writer.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*entry
	closed bool

	publisher events.EventPublisher
	store     SessionStore
	timeout   time.Duration
	touchGap  time.Duration

	writes    chan func(ctx context.Context)
	writerWG  sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Registry and starts its background writer.
func New(p Params) *Registry {
	pub := p.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	timeout := p.DefaultTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	gap := p.TouchPersistInterval
	if gap <= 0 {
		gap = defaultTouchPersistInterval
	}
	r := &Registry{
		agents:    make(map[string]*entry),
		publisher: pub,
		store:     p.Store,
		timeout:   timeout,
		touchGap:  gap,
		writes:    make(chan func(ctx context.Context), writeQueueSize),
	}
	r.writerWG.Add(1)
	go r.writer()
	return r
}

// Register installs conn as the live session for id.AgentID. An existing
// session for the same agent is replaced and its connection disconnected.
func (r *Registry) Register(conn Conn, id Identity) (*AgentSession, error) {
	if id.AgentID == "" {
		return nil, NewRegistryError("INVALID_ARGUMENT", "agentId is required")
	}
	if conn == nil {
		return nil, NewRegistryError("INVALID_ARGUMENT", "connection is required")
	}

	now := time.Now().UTC()
	caps := append([]string(nil), id.Capabilities...)
	sort.Strings(caps)
	session := AgentSession{
		AgentID:      id.AgentID,
		SessionID:    id.SessionID,
		EndpointType: id.EndpointType,
		Version:      id.Version,
		Capabilities: caps,
		Transport:    id.Transport,
		RemoteAddr:   id.RemoteAddr,
		ConnectedAt:  now,
		LastSeenAt:   now,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, NewRegistryError("INTERNAL_ERROR", "registry closed")
	}
	prev := r.agents[id.AgentID]
	r.agents[id.AgentID] = &entry{session: session, conn: conn, persistedAt: now}
	if prev != nil {
		r.enqueueLocked(r.closeWrite(prev.session, events.TypeAgentReplaced, db.SessionStatusReplaced, "replaced by session "+session.SessionID))
	}
	r.enqueueLocked(r.openWrite(session))
	r.mu.Unlock()

	if prev != nil && prev.conn != conn {
		slog.Info(fmt.Sprintf("%s - Agent %s reconnected; replacing session %s with %s",
			logPrefix, id.AgentID, prev.session.SessionID, session.SessionID))
		prev.conn.Disconnect()
	} else {
		slog.Info(fmt.Sprintf("%s - Agent %s registered (session %s, %s, %d capabilities)",
			logPrefix, id.AgentID, session.SessionID, session.Transport, len(caps)))
	}

	out := session
	return &out, nil
}

// Release removes agentID only while sessionID is still its live session, so
// a replaced connection closing late cannot evict its successor.
func (r *Registry) Release(agentID, sessionID, reason string) bool {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok || e.session.SessionID != sessionID {
		r.mu.Unlock()
		return false
	}
	delete(r.agents, agentID)
	r.enqueueLocked(r.closeWrite(e.session, events.TypeAgentDisconnected, db.SessionStatusClosed, reason))
	r.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Agent %s released (session %s): %s", logPrefix, agentID, sessionID, reason))
	return true
}

// Unregister removes agentID and disconnects its connection. Unknown ids are
// a no-op.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
		r.enqueueLocked(r.closeWrite(e.session, events.TypeAgentDisconnected, db.SessionStatusClosed, "unregistered"))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	slog.Info(fmt.Sprintf("%s - Agent %s unregistered", logPrefix, agentID))
	e.conn.Disconnect()
	return true
}

// ListAgents returns a snapshot of every live session ordered by agentId.
func (r *Registry) ListAgents() []AgentSession {
	r.mu.Lock()
	out := make([]AgentSession, 0, len(r.agents))
	for _, e := range r.agents {
		s := e.session
		s.Capabilities = append([]string(nil), e.session.Capabilities...)
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// GetAgent returns a snapshot of agentID's session.
func (r *Registry) GetAgent(agentID string) (AgentSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return AgentSession{}, false
	}
	s := e.session
	s.Capabilities = append([]string(nil), e.session.Capabilities...)
	return s, true
}

// IsConnected reports whether agentID has a live, connected session.
func (r *Registry) IsConnected(agentID string) bool {
	conn := r.lookup(agentID)
	return conn != nil && conn.Connected()
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Touch records activity from agentID's current session.
func (r *Registry) Touch(agentID string) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.session.LastSeenAt = now
	if r.store != nil && now.Sub(e.persistedAt) >= r.touchGap {
		e.persistedAt = now
		sid := e.session.SessionID
		r.enqueueLocked(func(ctx context.Context) {
			if err := r.store.Touch(ctx, sid, now); err != nil {
				slog.Warn(fmt.Sprintf("%s - persist last seen for %s failed: %v", logPrefix, sid, err))
			}
		})
	}
}

// Sessions returns a page of session history from the store.
func (r *Registry) Sessions(ctx context.Context, p db.ListSessionsParams) (*SessionsOutput, error) {
	if r.store == nil {
		return nil, NewRegistryError("INTERNAL_ERROR", "session store not configured")
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	rows, total, err := r.store.ListSessions(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s - list sessions: %w", logPrefix, err)
	}
	pages := 0
	if total > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return &SessionsOutput{
		Sessions:   rows,
		Pagination: Pagination{Page: p.Page, Limit: p.Limit, Total: total, TotalPages: pages},
	}, nil
}

// Close disconnects every session, flushes pending history writes and stops
// the writer. Register fails afterwards.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		live := make([]*entry, 0, len(r.agents))
		for id, e := range r.agents {
			live = append(live, e)
			delete(r.agents, id)
			r.enqueueLocked(r.closeWrite(e.session, events.TypeAgentDisconnected, db.SessionStatusClosed, "server shutdown"))
		}
		r.closed = true
		close(r.writes)
		r.mu.Unlock()

		for _, e := range live {
			e.conn.Disconnect()
		}
		r.writerWG.Wait()
		slog.Info(fmt.Sprintf("%s - Registry closed (%d sessions ended)", logPrefix, len(live)))
	})
}

func (r *Registry) lookup(agentID string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		return e.conn
	}
	return nil
}

// enqueueLocked hands a side effect to the writer. Callers hold r.mu, which
// keeps submissions in the same order as map changes. A full queue drops the
// write rather than stall a connection's actor.
func (r *Registry) enqueueLocked(fn func(ctx context.Context)) {
	if r.closed {
		return
	}
	select {
	case r.writes <- fn:
	default:
		slog.Warn(fmt.Sprintf("%s - write queue full, dropping history/event write", logPrefix))
	}
}

func (r *Registry) writer() {
	defer r.writerWG.Done()
	for fn := range r.writes {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		fn(ctx)
		cancel()
	}
}

func (r *Registry) openWrite(s AgentSession) func(ctx context.Context) {
	return func(ctx context.Context) {
		if r.store != nil {
			err := r.store.RecordConnect(ctx, db.RecordConnectParams{
				SessionID:    s.SessionID,
				AgentID:      s.AgentID,
				EndpointType: s.EndpointType,
				Version:      s.Version,
				Capabilities: s.Capabilities,
				Transport:    s.Transport,
				RemoteAddr:   s.RemoteAddr,
				ConnectedAt:  s.ConnectedAt,
			})
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - record connect for %s failed: %v", logPrefix, s.SessionID, err))
			}
		}
		r.publish(ctx, s, events.TypeAgentConnected, "")
	}
}

func (r *Registry) closeWrite(s AgentSession, eventType, status, reason string) func(ctx context.Context) {
	at := time.Now().UTC()
	return func(ctx context.Context) {
		if r.store != nil {
			if err := r.store.RecordDisconnect(ctx, s.SessionID, status, reason, at); err != nil {
				slog.Warn(fmt.Sprintf("%s - record disconnect for %s failed: %v", logPrefix, s.SessionID, err))
			}
		}
		r.publish(ctx, s, eventType, reason)
	}
}

func (r *Registry) publish(ctx context.Context, s AgentSession, eventType, reason string) {
	ev := &events.AgentEvent{
		Type:         eventType,
		AgentID:      s.AgentID,
		SessionID:    s.SessionID,
		EndpointType: s.EndpointType,
		Version:      s.Version,
		Capabilities: s.Capabilities,
		Transport:    s.Transport,
		Reason:       reason,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.publisher.PublishAgentEvent(ctx, ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - publish %s for %s failed: %v", logPrefix, eventType, s.AgentID, err))
	}
}

// notConnected is the immediate failure for an unknown or dead agent.
func notConnected(agentID string) error {
	return protocol.Errorf(protocol.CodeNotConnected, "agent %q not connected", agentID)
}
