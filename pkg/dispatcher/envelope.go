// Package dispatcher exposes the Agent Registry to the web/API layer as a
// JSON request/response envelope, served over NATS and HTTP.
package dispatcher

import "encoding/json"

// Request is the JSON envelope for incoming API requests.
type Request struct {
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// Response is the JSON envelope for API responses.
type Response struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	UserID        string `json:"userId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	DeadlineMs    int    `json:"deadlineMs,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// DispatchParams are the params of the "dispatch" method.
type DispatchParams struct {
	AgentID   string          `json:"agentId"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// DispatchResult is the result of the "dispatch" method.
type DispatchResult struct {
	AgentID    string          `json:"agentId"`
	Method     string          `json:"method"`
	Result     json.RawMessage `json:"result"`
	DurationMs int64           `json:"durationMs"`
}

// AgentParams are the params of "describeAgent".
type AgentParams struct {
	AgentID string `json:"agentId"`
}

// SessionsParams are the params of "sessions".
type SessionsParams struct {
	AgentID string `json:"agentId,omitempty"`
	Status  string `json:"status,omitempty"`
	Page    int    `json:"page,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
