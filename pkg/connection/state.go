package connection

import "time"

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateConnected
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "disconnected"
	}
}

// SessionInfo describes an identified session. It is set only while Connected.
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	AgentID      string    `json:"agentId,omitempty"`
	EndpointType string    `json:"endpointType"`
	Version      string    `json:"version"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Transport    string    `json:"transport"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// Status is a point-in-time copy of a Manager's state.
type Status struct {
	State     State        `json:"-"`
	StateName string       `json:"state"`
	Session   *SessionInfo `json:"session,omitempty"`
	// RetryAt is set while ReconnectScheduled.
	RetryAt time.Time `json:"retryAt,omitempty"`
	// Attempt counts consecutive failed connection attempts.
	Attempt   int    `json:"attempt"`
	Transport string `json:"transport,omitempty"`
	// LastError is the cause of the latest failure since the last connect.
	LastError string `json:"lastError,omitempty"`
}
