package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const dispatchLogPrefix = "registry:dispatch"

// Dispatch sends method to agentID and waits for its result. An unknown or
// disconnected agent fails immediately with NotConnected; it never waits for
// a future connection. Calls to the same agent are independent requests
// multiplexed over its one connection.
func (r *Registry) Dispatch(ctx context.Context, agentID, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if method == "" {
		return nil, NewRegistryError("INVALID_ARGUMENT", "method is required")
	}
	conn := r.lookup(agentID)
	if conn == nil || !conn.Connected() {
		return nil, notConnected(agentID)
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	start := time.Now()
	result, err := conn.Request(ctx, method, payload, timeout)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - %s on %s failed after %s: %v", dispatchLogPrefix, method, agentID, time.Since(start), err))
		return nil, err
	}
	r.Touch(agentID)
	return result, nil
}

// AgentTarget addresses one agent through the registry. It satisfies the
// router's proxy target contract, so a server-side router can forward a
// method to a named agent.
type AgentTarget struct {
	reg     *Registry
	agentID string
}

// Target returns an AgentTarget for agentID. The agent need not be connected
// yet; Connected reports the live state on every call.
func (r *Registry) Target(agentID string) *AgentTarget {
	return &AgentTarget{reg: r, agentID: agentID}
}

// Connected reports whether the agent currently has a live session.
func (t *AgentTarget) Connected() bool { return t.reg.IsConnected(t.agentID) }

// Request dispatches method to the agent.
func (t *AgentTarget) Request(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return t.reg.Dispatch(ctx, t.agentID, method, payload, timeout)
}

// Notify sends an event to the agent. Connections that cannot carry events
// fail with NotConnected like an absent agent.
func (t *AgentTarget) Notify(ctx context.Context, method string, payload any) error {
	conn := t.reg.lookup(t.agentID)
	n, ok := conn.(interface {
		Notify(ctx context.Context, method string, payload any) error
	})
	if conn == nil || !ok || !conn.Connected() {
		return notConnected(t.agentID)
	}
	return n.Notify(ctx, method, payload)
}
