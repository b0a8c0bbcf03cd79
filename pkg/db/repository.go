package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

const sessionColumns = `session_id, agent_id, endpoint_type, version, capabilities, transport, remote_addr,
	status, connected_at, last_seen_at, disconnected_at, close_reason`

// Repository provides access to agent session history.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordConnectParams holds parameters for RecordConnect.
type RecordConnectParams struct {
	SessionID    string
	AgentID      string
	EndpointType string
	Version      string
	Capabilities []string
	Transport    string
	RemoteAddr   string
	ConnectedAt  time.Time
}

// RecordConnect inserts a session row. Re-recording the same session id
// refreshes it instead of failing.
func (r *Repository) RecordConnect(ctx context.Context, p RecordConnectParams) error {
	slog.Debug(fmt.Sprintf("%s - RecordConnect agent=%s session=%s", repoLogPrefix, p.AgentID, p.SessionID))

	at := p.ConnectedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	caps := p.Capabilities
	if caps == nil {
		caps = []string{}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO agent_sessions (session_id, agent_id, endpoint_type, version, capabilities, transport, remote_addr,
		                             status, connected_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (session_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   last_seen_at = EXCLUDED.last_seen_at,
		   disconnected_at = NULL,
		   close_reason = NULL`,
		p.SessionID, p.AgentID, p.EndpointType, p.Version, caps, p.Transport, p.RemoteAddr,
		SessionStatusConnected, at)
	if err != nil {
		return fmt.Errorf("%s - RecordConnect failed: %w", repoLogPrefix, err)
	}
	return nil
}

// RecordDisconnect closes a session row. status is SessionStatusClosed or
// SessionStatusReplaced. Closing an already-closed session is a no-op.
func (r *Repository) RecordDisconnect(ctx context.Context, sessionID, status, reason string, at time.Time) error {
	slog.Debug(fmt.Sprintf("%s - RecordDisconnect session=%s status=%s", repoLogPrefix, sessionID, status))

	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE agent_sessions
		 SET status = $2, disconnected_at = $3, last_seen_at = $3, close_reason = $4
		 WHERE session_id = $1 AND status = $5`,
		sessionID, status, at, reason, SessionStatusConnected)
	if err != nil {
		return fmt.Errorf("%s - RecordDisconnect failed: %w", repoLogPrefix, err)
	}
	return nil
}

// Touch advances last_seen_at for an open session.
func (r *Repository) Touch(ctx context.Context, sessionID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE agent_sessions SET last_seen_at = $2 WHERE session_id = $1 AND status = $3`,
		sessionID, at, SessionStatusConnected)
	if err != nil {
		return fmt.Errorf("%s - Touch failed: %w", repoLogPrefix, err)
	}
	return nil
}

// GetSession finds a session by id. Returns nil, nil when it does not exist.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*AgentSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE session_id = $1 LIMIT 1`, sessionID)
	return scanSession(row)
}

// ListSessionsParams holds parameters for ListSessions.
type ListSessionsParams struct {
	AgentID string
	Status  string
	Page    int
	Limit   int
}

// ListSessions lists sessions newest first with optional filters.
func (r *Repository) ListSessions(ctx context.Context, params ListSessionsParams) ([]AgentSession, int, error) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	limit := params.Limit
	if limit < 1 {
		limit = 20
	}
	offset := (page - 1) * limit

	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE 1=1`
	countQuery := `SELECT COUNT(*)::int FROM agent_sessions WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if params.AgentID != "" {
		clause := fmt.Sprintf(` AND agent_id = $%d`, argIdx)
		query += clause
		countQuery += clause
		args = append(args, params.AgentID)
		argIdx++
	}
	if params.Status != "" && params.Status != "all" {
		clause := fmt.Sprintf(` AND status = $%d`, argIdx)
		query += clause
		countQuery += clause
		args = append(args, params.Status)
		argIdx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%s - ListSessions count failed: %w", repoLogPrefix, err)
	}

	query += ` ORDER BY connected_at DESC`
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%s - ListSessions query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	sessions := []AgentSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%s - ListSessions rows failed: %w", repoLogPrefix, err)
	}
	return sessions, total, nil
}

// CloseStaleSessions marks every still-open session closed. A server calls it
// at startup: sessions left open belong to a previous process.
func (r *Repository) CloseStaleSessions(ctx context.Context, reason string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agent_sessions
		 SET status = $1, disconnected_at = now(), close_reason = $2
		 WHERE status = $3`,
		SessionStatusClosed, reason, SessionStatusConnected)
	if err != nil {
		return 0, fmt.Errorf("%s - CloseStaleSessions failed: %w", repoLogPrefix, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info(fmt.Sprintf("%s - Closed %d stale sessions", repoLogPrefix, n))
	}
	return tag.RowsAffected(), nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanSession(row pgx.Row) (*AgentSession, error) {
	var s AgentSession
	err := row.Scan(
		&s.SessionID, &s.AgentID, &s.EndpointType, &s.Version, &s.Capabilities, &s.Transport, &s.RemoteAddr,
		&s.Status, &s.ConnectedAt, &s.LastSeenAt, &s.DisconnectedAt, &s.CloseReason,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan session failed: %w", repoLogPrefix, err)
	}
	return &s, nil
}
