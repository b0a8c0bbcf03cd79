// Package router executes inbound requests. A method listed in the route
// table is forwarded to the proxy target that owns it; any other method runs
// on the local handler registered for it. Either way exactly one response
// goes back, carrying the original request id.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/morezero/agent-relay/pkg/protocol"
)

const logPrefix = "router:router"

// DefaultProxyTimeout bounds a forwarded request when the caller gave no
// deadline.
const DefaultProxyTimeout = 10 * time.Second

// Handler executes one capability.
type Handler interface {
	Execute(ctx context.Context, method string, payload json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, method string, payload json.RawMessage) (any, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, method string, payload json.RawMessage) (any, error) {
	return f(ctx, method, payload)
}

// ProxyTarget is a sibling endpoint reached through its own connection.
// *connection.Manager satisfies it.
type ProxyTarget interface {
	Connected() bool
	Request(ctx context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// EventTarget is a ProxyTarget that also accepts fire-and-forget events.
// Routed events for targets without it are dropped.
type EventTarget interface {
	ProxyTarget
	Notify(ctx context.Context, method string, payload any) error
}

// Reply sends a response back to the requester.
type Reply func(ctx context.Context, msg *protocol.Message) error

// Params configures a Router.
type Params struct {
	// Routes maps method name to target name. Fixed after New.
	Routes map[string]string
	// Targets maps target name to its connection.
	Targets      map[string]ProxyTarget
	ProxyTimeout time.Duration
	Name         string
}

// Router dispatches requests to local handlers and proxy targets.
type Router struct {
	routes       map[string]string
	targets      map[string]ProxyTarget
	proxyTimeout time.Duration
	name         string

	mu       sync.RWMutex
	handlers map[string]Handler

	inflight sync.WaitGroup
}

// New builds a Router. Every route must name a known target.
func New(p Params) (*Router, error) {
	r := &Router{
		routes:       make(map[string]string, len(p.Routes)),
		targets:      make(map[string]ProxyTarget, len(p.Targets)),
		proxyTimeout: p.ProxyTimeout,
		name:         p.Name,
		handlers:     make(map[string]Handler),
	}
	if r.proxyTimeout <= 0 {
		r.proxyTimeout = DefaultProxyTimeout
	}
	for name, t := range p.Targets {
		if t == nil {
			return nil, fmt.Errorf("%s - target %q is nil", logPrefix, name)
		}
		r.targets[name] = t
	}
	for method, target := range p.Routes {
		if _, ok := r.targets[target]; !ok {
			return nil, fmt.Errorf("%s - route %q names unknown target %q", logPrefix, method, target)
		}
		r.routes[method] = target
	}
	return r, nil
}

// Register installs the local handler for method. Routed methods cannot be
// handled locally.
func (r *Router) Register(method string, h Handler) error {
	if method == "" || h == nil {
		return fmt.Errorf("%s - method and handler are required", logPrefix)
	}
	if target, ok := r.routes[method]; ok {
		return fmt.Errorf("%s - %q is routed to %q", logPrefix, method, target)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[method]; exists {
		return fmt.Errorf("%s - handler for %q already registered", logPrefix, method)
	}
	r.handlers[method] = h
	return nil
}

// HandleFunc registers fn as the handler for method.
func (r *Router) HandleFunc(method string, fn func(ctx context.Context, method string, payload json.RawMessage) (any, error)) error {
	return r.Register(method, HandlerFunc(fn))
}

// Methods lists every method this router can serve, sorted.
func (r *Router) Methods() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers)+len(r.routes))
	for m := range r.handlers {
		out = append(out, m)
	}
	r.mu.RUnlock()
	for m := range r.routes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Route reports the target a method is forwarded to.
func (r *Router) Route(method string) (string, bool) {
	t, ok := r.routes[method]
	return t, ok
}

// TargetStatus reports whether each proxy target is connected.
func (r *Router) TargetStatus() map[string]bool {
	out := make(map[string]bool, len(r.targets))
	for name, t := range r.targets {
		out[name] = t.Connected()
	}
	return out
}

// Serve handles msg on its own goroutine so the caller, usually a
// connection's actor, never blocks. Requests get exactly one reply. Events
// get none: routed ones go on to their target, others run their local
// handler if any.
func (r *Router) Serve(ctx context.Context, msg *protocol.Message, reply Reply) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()

		if msg.Kind() == protocol.KindEvent {
			r.handleEvent(ctx, msg)
			return
		}
		resp := r.Dispatch(ctx, msg)
		if err := reply(ctx, resp); err != nil {
			slog.Warn(fmt.Sprintf("%s - %s: reply to %s (%s) not delivered: %v", logPrefix, r.name, msg.ID, msg.Method, err))
		}
	}()
}

// Wait blocks until every request started by Serve has replied.
func (r *Router) Wait() {
	r.inflight.Wait()
}

// Dispatch executes one request and returns its response.
func (r *Router) Dispatch(ctx context.Context, msg *protocol.Message) *protocol.Message {
	if msg.Kind() != protocol.KindRequest {
		return protocol.NewErrorResponse(msg.ID, protocol.Errorf(protocol.CodeInvalidRequest, "not a request"))
	}
	if msg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	if target, ok := r.routes[msg.Method]; ok {
		return r.proxy(ctx, msg, target)
	}

	r.mu.RLock()
	h, ok := r.handlers[msg.Method]
	r.mu.RUnlock()
	if !ok {
		slog.Debug(fmt.Sprintf("%s - %s: unknown method %q", logPrefix, r.name, msg.Method))
		return protocol.NewErrorResponse(msg.ID, protocol.Errorf(protocol.CodeUnknownMethod, "no handler or route for %q", msg.Method))
	}
	return r.local(ctx, msg, h)
}

func (r *Router) proxy(ctx context.Context, msg *protocol.Message, name string) *protocol.Message {
	target := r.targets[name]
	if !target.Connected() {
		return protocol.NewErrorResponse(msg.ID, protocol.Errorf(protocol.CodeCapabilityUnavailable, "%s is not connected", name))
	}

	timeout := r.proxyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	result, err := target.Request(ctx, msg.Method, msg.Payload, timeout)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrNotConnected), errors.Is(err, protocol.ErrDisconnected):
			err = protocol.Errorf(protocol.CodeCapabilityUnavailable, "%s went away: %v", name, err)
		case errors.Is(err, context.Canceled):
			err = protocol.Errorf(protocol.CodeDisconnected, "request to %s cancelled", name)
		}
		slog.Debug(fmt.Sprintf("%s - %s: proxied %s via %s failed: %v", logPrefix, r.name, msg.Method, name, err))
		return protocol.NewErrorResponse(msg.ID, err)
	}
	resp, err := protocol.NewResult(msg.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, err)
	}
	return resp
}

type outcome struct {
	result any
	err    error
}

func (r *Router) local(ctx context.Context, msg *protocol.Message, h Handler) *protocol.Message {
	done := make(chan outcome, 1)
	go func() {
		result, err := r.execute(ctx, msg, h)
		done <- outcome{result, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = protocol.Errorf(protocol.CodeTimeout, "%s did not finish: %v", msg.Method, ctx.Err())
	}
	if out.err != nil {
		return protocol.NewErrorResponse(msg.ID, out.err)
	}
	resp, err := protocol.NewResult(msg.ID, out.result)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, err)
	}
	return resp
}

// execute runs a handler, turning a panic into a HandlerError.
func (r *Router) execute(ctx context.Context, msg *protocol.Message, h Handler) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error(fmt.Sprintf("%s - %s: handler %s panicked: %v\n%s", logPrefix, r.name, msg.Method, p, debug.Stack()))
			result = nil
			err = protocol.Errorf(protocol.CodeHandler, "%s panicked: %v", msg.Method, p)
		}
	}()
	return h.Execute(ctx, msg.Method, msg.Payload)
}

func (r *Router) handleEvent(ctx context.Context, msg *protocol.Message) {
	if name, ok := r.routes[msg.Method]; ok {
		r.forwardEvent(ctx, msg, name)
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[msg.Method]
	r.mu.RUnlock()
	if !ok {
		slog.Debug(fmt.Sprintf("%s - %s: no handler for event %s", logPrefix, r.name, msg.Method))
		return
	}
	if _, err := r.execute(ctx, msg, h); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: event %s failed: %v", logPrefix, r.name, msg.Method, err))
	}
}

// forwardEvent passes a routed event on to its target without waiting for
// anything back.
func (r *Router) forwardEvent(ctx context.Context, msg *protocol.Message, name string) {
	target, ok := r.targets[name].(EventTarget)
	if !ok {
		slog.Debug(fmt.Sprintf("%s - %s: target %s does not take events, dropping %s", logPrefix, r.name, name, msg.Method))
		return
	}
	if !target.Connected() {
		slog.Debug(fmt.Sprintf("%s - %s: target %s offline, dropping event %s", logPrefix, r.name, name, msg.Method))
		return
	}
	if err := target.Notify(ctx, msg.Method, msg.Payload); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: event %s to %s not delivered: %v", logPrefix, r.name, msg.Method, name, err))
	}
}
