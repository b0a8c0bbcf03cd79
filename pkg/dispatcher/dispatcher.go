package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/agent-relay/pkg/commsutil"
	"github.com/morezero/agent-relay/pkg/db"
	"github.com/morezero/agent-relay/pkg/protocol"
	"github.com/morezero/agent-relay/pkg/registry"
)

const logPrefix = "dispatcher:dispatch"

// API error codes.
const (
	CodeNotConnected    = "NOT_CONNECTED"
	CodeTimeout         = "TIMEOUT"
	CodeDisconnected    = "DISCONNECTED"
	CodeRemoteError     = "REMOTE_ERROR"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeMethodNotFound  = "METHOD_NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// Dispatcher routes API requests to registry methods.
type Dispatcher struct {
	registry *registry.Registry
	// commsCheck, when set, feeds the health output's comms flag.
	commsCheck func() bool
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// SetCommsCheck installs the NATS connectivity probe reported by "health".
func (d *Dispatcher) SetCommsCheck(fn func() bool) {
	d.commsCheck = fn
}

// Dispatch routes a request to the appropriate registry method and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	switch req.Method {
	case "dispatch":
		return d.handleDispatch(ctx, req)
	case "listAgents":
		return d.handleListAgents(req)
	case "describeAgent":
		return d.handleDescribeAgent(req)
	case "sessions":
		return d.handleSessions(ctx, req)
	case "health":
		return d.handleHealth(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

// HandleRaw decodes one envelope, dispatches it under a deadline bounded by
// maxTimeout and the caller's ctx hints, and encodes the response.
func (d *Dispatcher) HandleRaw(ctx context.Context, data []byte, maxTimeout time.Duration) []byte {
	var req Request
	if err := commsutil.DecodePayload(data, &req); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
		out, _ := json.Marshal(errorResponse("", CodeInvalidRequest, "Failed to decode request", false))
		return out
	}

	timeout := maxTimeout
	if req.Ctx != nil {
		ms := req.Ctx.DeadlineMs
		if ms <= 0 {
			ms = req.Ctx.TimeoutMs
		}
		if ms > 0 && (timeout <= 0 || time.Duration(ms)*time.Millisecond < timeout) {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp := d.Dispatch(ctx, &req)
	out, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		out, _ = json.Marshal(errorResponse(req.ID, CodeInternal, "Failed to encode response", false))
	}
	return out
}

func (d *Dispatcher) handleDispatch(ctx context.Context, req *Request) *Response {
	var input DispatchParams
	if err := commsutil.DecodeParams(req.Params, &input); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse dispatch params", false)
	}
	if input.AgentID == "" || input.Method == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "agentId and method are required", false)
	}

	var payload any
	if len(input.Payload) > 0 {
		payload = input.Payload
	}
	timeout := time.Duration(input.TimeoutMs) * time.Millisecond

	start := time.Now()
	result, err := d.registry.Dispatch(ctx, input.AgentID, input.Method, payload, timeout)
	if err != nil {
		return relayErrorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: &DispatchResult{
		AgentID:    input.AgentID,
		Method:     input.Method,
		Result:     result,
		DurationMs: time.Since(start).Milliseconds(),
	}}
}

func (d *Dispatcher) handleListAgents(req *Request) *Response {
	agents := d.registry.ListAgents()
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	}}
}

func (d *Dispatcher) handleDescribeAgent(req *Request) *Response {
	var input AgentParams
	if err := commsutil.DecodeParams(req.Params, &input); err != nil || input.AgentID == "" {
		return errorResponse(req.ID, CodeInvalidArgument, "agentId is required", false)
	}
	agent, ok := d.registry.GetAgent(input.AgentID)
	if !ok {
		return errorResponse(req.ID, CodeNotConnected, fmt.Sprintf("agent %q not connected", input.AgentID), true)
	}
	return &Response{ID: req.ID, Ok: true, Result: agent}
}

func (d *Dispatcher) handleSessions(ctx context.Context, req *Request) *Response {
	var input SessionsParams
	if err := commsutil.DecodeParams(req.Params, &input); err != nil {
		return errorResponse(req.ID, CodeInvalidArgument, "Failed to parse sessions params", false)
	}
	out, err := d.registry.Sessions(ctx, db.ListSessionsParams{
		AgentID: input.AgentID,
		Status:  input.Status,
		Page:    input.Page,
		Limit:   input.Limit,
	})
	if err != nil {
		return relayErrorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: out}
}

func (d *Dispatcher) handleHealth(ctx context.Context, req *Request) *Response {
	result := d.registry.Health(ctx)
	if d.commsCheck != nil {
		result.Checks.COMMS = d.commsCheck()
	}
	return &Response{ID: req.ID, Ok: true, Result: result}
}

// --- helpers ---

func errorResponse(id, code, message string, retryable bool) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

// relayErrorToResponse maps relay outcomes onto API codes. Failures reported
// by the agent itself become REMOTE_ERROR with the relay code in details.
func relayErrorToResponse(id string, err error) *Response {
	var regErr *registry.RegistryError
	if errors.As(err, &regErr) {
		return &Response{
			ID: id,
			Ok: false,
			Error: &ErrorDetail{
				Code:      regErr.Code,
				Message:   regErr.Message,
				Details:   regErr.Details,
				Retryable: regErr.Code == CodeInternal,
			},
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errorResponse(id, CodeTimeout, err.Error(), true)
	}
	if errors.Is(err, context.Canceled) {
		return errorResponse(id, CodeDisconnected, err.Error(), true)
	}

	var perr *protocol.Error
	if !errors.As(err, &perr) {
		return errorResponse(id, CodeInternal, err.Error(), true)
	}
	switch perr.Code {
	case protocol.CodeNotConnected:
		return errorResponse(id, CodeNotConnected, perr.Error(), true)
	case protocol.CodeTimeout:
		return errorResponse(id, CodeTimeout, perr.Error(), true)
	case protocol.CodeDisconnected, protocol.CodeTransport:
		return errorResponse(id, CodeDisconnected, perr.Error(), true)
	default:
		msg := perr.Message
		if msg == "" {
			msg = string(perr.Code)
		}
		resp := errorResponse(id, CodeRemoteError, msg, perr.Code == protocol.CodeCapabilityUnavailable)
		resp.Error.Details = map[string]string{"code": string(perr.Code)}
		return resp
	}
}
