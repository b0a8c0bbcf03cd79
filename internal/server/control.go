package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/morezero/agent-relay/pkg/commsutil"
	"github.com/morezero/agent-relay/pkg/protocol"
	"github.com/morezero/agent-relay/pkg/registry"
	"github.com/morezero/agent-relay/pkg/router"
)

// Methods the control plane answers for connected agents.
const (
	MethodListAgents = "relay.listAgents"
	MethodDispatch   = "relay.dispatch"
)

// relayDispatchParams asks the control plane to forward a command to another agent.
type relayDispatchParams struct {
	AgentID   string          `json:"agentId"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// newControlRouter builds the router serving requests agents send to the
// control plane over their own connection.
func newControlRouter(reg *registry.Registry, timeout time.Duration) (*router.Router, error) {
	rt, err := router.New(router.Params{Name: "control-plane", ProxyTimeout: timeout})
	if err != nil {
		return nil, err
	}

	if err := rt.HandleFunc(MethodListAgents, func(context.Context, string, json.RawMessage) (any, error) {
		agents := reg.ListAgents()
		return map[string]any{"agents": agents, "count": len(agents)}, nil
	}); err != nil {
		return nil, err
	}

	if err := rt.HandleFunc(MethodDispatch, func(ctx context.Context, _ string, payload json.RawMessage) (any, error) {
		var p relayDispatchParams
		if err := commsutil.DecodeParams(payload, &p); err != nil {
			return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid %s params: %v", MethodDispatch, err)
		}
		if p.AgentID == "" || p.Method == "" {
			return nil, protocol.Errorf(protocol.CodeInvalidRequest, "agentId and method are required")
		}
		var args any
		if len(p.Payload) > 0 {
			args = p.Payload
		}
		out, err := reg.Dispatch(ctx, p.AgentID, p.Method, args, time.Duration(p.TimeoutMs)*time.Millisecond)
		if err != nil {
			var regErr *registry.RegistryError
			if errors.As(err, &regErr) {
				return nil, fmt.Errorf("%s: %s", regErr.Code, regErr.Message)
			}
			return nil, err
		}
		return out, nil
	}); err != nil {
		return nil, err
	}
	return rt, nil
}
