// Package protocol defines the relay wire format: requests, responses, events
// and the identification handshake, all carried as one JSON object per frame.
package protocol

import (
	"encoding/json"
	"fmt"
)

const logPrefix = "protocol:message"

// Handshake actions.
const (
	ActionIdentify   = "identify"
	ActionIdentified = "identified"
	ActionRejected   = "rejected"
)

// Methods answered by the relay itself rather than by a capability handler.
const (
	MethodPing      = "relay.ping"
	MethodHeartbeat = "relay.heartbeat"
)

// Kind classifies a frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindEvent
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindControl:
		return "control"
	default:
		return "invalid"
	}
}

// Message is the union of every frame the relay exchanges. Exactly one of
// request, response, event or control is populated; Kind tells which.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      Code            `json:"code,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`

	// Handshake fields, only set when Action is non-empty.
	Action       string   `json:"action,omitempty"`
	EndpointType string   `json:"endpointType,omitempty"`
	Version      string   `json:"version,omitempty"`
	AgentID      string   `json:"agentId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// Kind reports which of the message shapes m has.
func (m *Message) Kind() Kind {
	switch {
	case m.Action != "":
		return KindControl
	case m.Method != "" && m.ID != "":
		return KindRequest
	case m.Method != "":
		return KindEvent
	case m.ID != "" && (m.Result != nil || m.Error != ""):
		return KindResponse
	default:
		return KindInvalid
	}
}

// IsError reports whether a response carries an error.
func (m *Message) IsError() bool {
	return m.Error != ""
}

// Validate checks the structural invariants of the frame.
func (m *Message) Validate() error {
	switch m.Kind() {
	case KindInvalid:
		return fmt.Errorf("%s - frame is neither request, response, event nor control", logPrefix)
	case KindResponse:
		if m.Result != nil && m.Error != "" {
			return fmt.Errorf("%s - response %s carries both result and error", logPrefix, m.ID)
		}
	case KindControl:
		switch m.Action {
		case ActionIdentify, ActionIdentified, ActionRejected:
		default:
			return fmt.Errorf("%s - unknown action %q", logPrefix, m.Action)
		}
	}
	return nil
}

// RemoteError converts an error response into a *Error. Responses from
// endpoints that only send an error string are treated as handler errors.
func (m *Message) RemoteError() *Error {
	if !m.IsError() {
		return nil
	}
	code := m.Code
	if code == "" {
		code = CodeHandler
	}
	msg := m.Error
	if m.Detail != "" {
		msg = m.Detail
	}
	return &Error{Code: code, Message: msg}
}

// NewRequest builds a request frame. A nil payload is sent as an empty object.
func NewRequest(id, method string, payload any) (*Message, error) {
	raw, err := encodeValue(payload)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode payload for %s: %w", logPrefix, method, err)
	}
	return &Message{ID: id, Method: method, Payload: raw}, nil
}

// NewEvent builds a fire-and-forget event frame.
func NewEvent(method string, payload any) (*Message, error) {
	raw, err := encodeValue(payload)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode event %s: %w", logPrefix, method, err)
	}
	return &Message{Method: method, Payload: raw}, nil
}

// NewResult builds a success response for request id.
func NewResult(id string, result any) (*Message, error) {
	raw, err := encodeValue(result)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode result for %s: %w", logPrefix, id, err)
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failure response for request id. Relay-generated
// kinds put the kind name in the error field and the explanation in detail;
// handler errors carry the handler's message.
func NewErrorResponse(id string, err error) *Message {
	e := AsError(err)
	if e.Code == CodeHandler {
		return &Message{ID: id, Error: e.Message, Code: e.Code}
	}
	return &Message{ID: id, Error: string(e.Code), Code: e.Code, Detail: e.Message}
}

// NewIdentify builds the identification frame sent right after transport open.
func NewIdentify(agentID, endpointType, version string, capabilities []string) *Message {
	return &Message{
		Action:       ActionIdentify,
		AgentID:      agentID,
		EndpointType: endpointType,
		Version:      version,
		Capabilities: capabilities,
	}
}

// Encode serializes a frame.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a frame.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s - invalid frame: %w", logPrefix, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return t, nil
	case []byte:
		if len(t) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(t), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
