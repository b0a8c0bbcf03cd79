package events

// Agent lifecycle event types.
const (
	TypeAgentConnected    = "agent.connected"
	TypeAgentDisconnected = "agent.disconnected"
	TypeAgentReplaced     = "agent.replaced"
)

// AgentEvent is published when an agent session starts or ends.
type AgentEvent struct {
	Type         string   `json:"type"`
	AgentID      string   `json:"agentId"`
	SessionID    string   `json:"sessionId"`
	EndpointType string   `json:"endpointType,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Transport    string   `json:"transport,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Timestamp    string   `json:"timestamp"`
}
