// Package registry maps agent identities to their live connections on the
// control plane and addresses commands to them.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/morezero/agent-relay/pkg/db"
)

// Conn is the live connection behind an AgentSession. *connection.Manager
// satisfies it.
type Conn interface {
	Request(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error)
	Connected() bool
	Disconnect()
}

// SessionStore records session history. *db.Repository satisfies it.
type SessionStore interface {
	RecordConnect(ctx context.Context, p db.RecordConnectParams) error
	RecordDisconnect(ctx context.Context, sessionID, status, reason string, at time.Time) error
	Touch(ctx context.Context, sessionID string, at time.Time) error
	ListSessions(ctx context.Context, p db.ListSessionsParams) ([]db.AgentSession, int, error)
	Ping(ctx context.Context) error
}

// Identity is what an endpoint declared in its identify handshake, plus the
// session the acceptor assigned it.
type Identity struct {
	AgentID      string
	SessionID    string
	EndpointType string
	Version      string
	Capabilities []string
	Transport    string
	RemoteAddr   string
}

// AgentSession is a snapshot of one live remote endpoint.
type AgentSession struct {
	AgentID      string    `json:"agentId"`
	SessionID    string    `json:"sessionId"`
	EndpointType string    `json:"endpointType"`
	Version      string    `json:"version"`
	Capabilities []string  `json:"capabilities"`
	Transport    string    `json:"transport"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// HasCapability reports whether the endpoint declared method.
func (s AgentSession) HasCapability(method string) bool {
	for _, c := range s.Capabilities {
		if c == method {
			return true
		}
	}
	return false
}

// SessionsOutput holds one page of session history.
type SessionsOutput struct {
	Sessions   []db.AgentSession `json:"sessions"`
	Pagination Pagination        `json:"pagination"`
}

// Pagination holds pagination information.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// HealthOutput holds the result of the health method.
type HealthOutput struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp"`
}

// HealthChecks holds individual health check results.
type HealthChecks struct {
	// Store is "ok", "error" or "disabled".
	Store  string `json:"store"`
	COMMS  bool   `json:"comms,omitempty"`
	Agents int    `json:"agents"`
}

// RegistryError is a structured error from the registry for failures that are
// not relay outcomes (bad arguments, missing store).
type RegistryError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *RegistryError) Error() string {
	return e.Code + ": " + e.Message
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(code, message string) *RegistryError {
	return &RegistryError{Code: code, Message: message}
}
