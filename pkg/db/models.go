package db

import "time"

// Session statuses stored in agent_sessions.status.
const (
	SessionStatusConnected = "connected"
	SessionStatusClosed    = "closed"
	SessionStatusReplaced  = "replaced"
)

// AgentSession represents a row in the agent_sessions table.
type AgentSession struct {
	SessionID      string     `json:"sessionId"`
	AgentID        string     `json:"agentId"`
	EndpointType   string     `json:"endpointType"`
	Version        string     `json:"version"`
	Capabilities   []string   `json:"capabilities"`
	Transport      string     `json:"transport"`
	RemoteAddr     string     `json:"remoteAddr,omitempty"`
	Status         string     `json:"status"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	LastSeenAt     time.Time  `json:"lastSeenAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	CloseReason    *string    `json:"closeReason,omitempty"`
}
