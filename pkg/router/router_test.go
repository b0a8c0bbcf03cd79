package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/agent-relay/pkg/protocol"
)

// fakeTarget records forwarded requests and answers with respond.
type fakeTarget struct {
	mu        sync.Mutex
	connected bool
	calls     []string
	timeouts  []time.Duration
	respond   func(method string, payload any) (json.RawMessage, error)
}

func (f *fakeTarget) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTarget) Request(_ context.Context, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.timeouts = append(f.timeouts, timeout)
	respond := f.respond
	f.mu.Unlock()
	return respond(method, payload)
}

func request(t *testing.T, id, method string, payload any) *protocol.Message {
	t.Helper()
	m, err := protocol.NewRequest(id, method, payload)
	require.NoError(t, err)
	return m
}

func newRouter(t *testing.T, target *fakeTarget) *Router {
	t.Helper()
	targets := map[string]ProxyTarget{}
	routes := map[string]string{}
	if target != nil {
		targets["browser"] = target
		routes["tabs.list"] = "browser"
	}
	r, err := New(Params{Routes: routes, Targets: targets, Name: "test"})
	require.NoError(t, err)
	require.NoError(t, r.HandleFunc("echoTest", func(context.Context, string, json.RawMessage) (any, error) {
		return map[string]bool{"ok": true}, nil
	}))
	return r
}

func TestDispatch_EchoScenario(t *testing.T) {
	r := newRouter(t, nil)

	start := time.Now()
	resp := r.Dispatch(context.Background(), request(t, "r1", "echoTest", nil))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	data, err := protocol.Encode(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","result":{"ok":true}}`, string(data))
}

func TestDispatch_UnknownMethodIsFast(t *testing.T) {
	r := newRouter(t, nil)

	req := request(t, "r2", "no.such.method", nil)
	req.TimeoutMs = 100

	start := time.Now()
	resp := r.Dispatch(context.Background(), req)
	assert.Less(t, time.Since(start), 10*time.Millisecond)

	assert.Equal(t, "r2", resp.ID)
	assert.Equal(t, "UnknownMethod", resp.Error)
	assert.ErrorIs(t, resp.RemoteError(), protocol.ErrUnknownMethod)
}

func TestDispatch_DisconnectedTargetIsImmediate(t *testing.T) {
	target := &fakeTarget{respond: func(string, any) (json.RawMessage, error) {
		time.Sleep(time.Second)
		return nil, nil
	}}
	r := newRouter(t, target)

	start := time.Now()
	resp := r.Dispatch(context.Background(), request(t, "r3", "tabs.list", nil))
	assert.Less(t, time.Since(start), time.Millisecond*5)

	assert.Equal(t, "r3", resp.ID)
	assert.Equal(t, "CapabilityUnavailable", resp.Error)
	assert.Empty(t, target.calls)
}

func TestDispatch_ProxyPreservesOriginalID(t *testing.T) {
	target := &fakeTarget{
		connected: true,
		respond: func(method string, payload any) (json.RawMessage, error) {
			raw, ok := payload.(json.RawMessage)
			if !ok {
				return nil, errors.New("payload not forwarded verbatim")
			}
			return json.RawMessage(`{"tabs":[1,2],"echo":` + string(raw) + `}`), nil
		},
	}
	r := newRouter(t, target)

	resp := r.Dispatch(context.Background(), request(t, "orig-7", "tabs.list", map[string]int{"window": 1}))

	require.False(t, resp.IsError(), resp.Error)
	assert.Equal(t, "orig-7", resp.ID)
	assert.JSONEq(t, `{"tabs":[1,2],"echo":{"window":1}}`, string(resp.Result))
	assert.Equal(t, []string{"tabs.list"}, target.calls)
	assert.Equal(t, DefaultProxyTimeout, target.timeouts[0])
}

func TestDispatch_ProxyHonoursTimeoutHint(t *testing.T) {
	target := &fakeTarget{connected: true, respond: func(string, any) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}
	r := newRouter(t, target)

	req := request(t, "r4", "tabs.list", nil)
	req.TimeoutMs = 2000
	r.Dispatch(context.Background(), req)

	require.Len(t, target.timeouts, 1)
	assert.LessOrEqual(t, target.timeouts[0], 2*time.Second)
	assert.Greater(t, target.timeouts[0], time.Second)
}

func TestDispatch_ProxyErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want protocol.Code
	}{
		{"nested timeout", protocol.Errorf(protocol.CodeTimeout, "slow"), protocol.CodeTimeout},
		{"target dropped", protocol.Errorf(protocol.CodeDisconnected, "gone"), protocol.CodeCapabilityUnavailable},
		{"target not connected", protocol.Errorf(protocol.CodeNotConnected, "down"), protocol.CodeCapabilityUnavailable},
		{"remote handler error", &protocol.Error{Code: protocol.CodeHandler, Message: "tab 9 not found"}, protocol.CodeHandler},
		{"remote unknown method", protocol.Errorf(protocol.CodeUnknownMethod, "x"), protocol.CodeUnknownMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &fakeTarget{connected: true, respond: func(string, any) (json.RawMessage, error) {
				return nil, tt.err
			}}
			r := newRouter(t, target)

			resp := r.Dispatch(context.Background(), request(t, "p1", "tabs.list", nil))
			assert.Equal(t, "p1", resp.ID)
			require.NotNil(t, resp.RemoteError())
			assert.Equal(t, tt.want, resp.RemoteError().Code)
		})
	}
}

func TestDispatch_HandlerErrorCarriesMessage(t *testing.T) {
	r := newRouter(t, nil)
	require.NoError(t, r.HandleFunc("fs.read", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, errors.New("open /nope: no such file or directory")
	}))

	resp := r.Dispatch(context.Background(), request(t, "h1", "fs.read", nil))
	assert.Equal(t, "open /nope: no such file or directory", resp.Error)
	assert.ErrorIs(t, resp.RemoteError(), protocol.ErrHandler)
}

func TestDispatch_HandlerPanicRecovered(t *testing.T) {
	r := newRouter(t, nil)
	require.NoError(t, r.HandleFunc("explode", func(context.Context, string, json.RawMessage) (any, error) {
		panic("boom")
	}))

	resp := r.Dispatch(context.Background(), request(t, "h2", "explode", nil))
	assert.Equal(t, "h2", resp.ID)
	assert.Contains(t, resp.Error, "boom")
	assert.ErrorIs(t, resp.RemoteError(), protocol.ErrHandler)
}

func TestDispatch_SlowHandlerTimesOut(t *testing.T) {
	r := newRouter(t, nil)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, r.HandleFunc("stuck", func(context.Context, string, json.RawMessage) (any, error) {
		<-release
		return nil, nil
	}))

	req := request(t, "h3", "stuck", nil)
	req.TimeoutMs = 20

	resp := r.Dispatch(context.Background(), req)
	assert.ErrorIs(t, resp.RemoteError(), protocol.ErrTimeout)
}

func TestDispatch_NilResultIsEmptyObject(t *testing.T) {
	r := newRouter(t, nil)
	require.NoError(t, r.HandleFunc("noop", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, nil
	}))

	resp := r.Dispatch(context.Background(), request(t, "n1", "noop", nil))
	assert.Equal(t, `{}`, string(resp.Result))
}

func TestServe_RepliesOnce(t *testing.T) {
	r := newRouter(t, nil)

	var mu sync.Mutex
	var replies []*protocol.Message
	reply := func(_ context.Context, m *protocol.Message) error {
		mu.Lock()
		replies = append(replies, m)
		mu.Unlock()
		return nil
	}

	r.Serve(context.Background(), request(t, "s1", "echoTest", nil), reply)
	r.Serve(context.Background(), request(t, "s2", "missing", nil), reply)
	ev, err := protocol.NewEvent("echoTest", nil)
	require.NoError(t, err)
	r.Serve(context.Background(), ev, reply)
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, replies, 2)
	ids := map[string]bool{replies[0].ID: true, replies[1].ID: true}
	assert.True(t, ids["s1"])
	assert.True(t, ids["s2"])
}

func TestNew_RejectsRouteToUnknownTarget(t *testing.T) {
	_, err := New(Params{Routes: map[string]string{"tabs.list": "browser"}})
	require.Error(t, err)
}

func TestRegister_Conflicts(t *testing.T) {
	r := newRouter(t, &fakeTarget{})

	assert.Error(t, r.HandleFunc("echoTest", func(context.Context, string, json.RawMessage) (any, error) { return nil, nil }))
	assert.Error(t, r.HandleFunc("tabs.list", func(context.Context, string, json.RawMessage) (any, error) { return nil, nil }))
	assert.Error(t, r.Register("", nil))

	assert.Equal(t, []string{"echoTest", "tabs.list"}, r.Methods())
	assert.Equal(t, map[string]bool{"browser": false}, r.TargetStatus())
}

// notifyTarget is a fakeTarget that also takes events.
type notifyTarget struct {
	fakeTarget
	events []string
	bodies []string
}

func (n *notifyTarget) Notify(_ context.Context, method string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, method)
	raw, _ := payload.(json.RawMessage)
	n.bodies = append(n.bodies, string(raw))
	return nil
}

func TestServe_RoutedEventForwarded(t *testing.T) {
	target := &notifyTarget{fakeTarget: fakeTarget{connected: true}}
	r, err := New(Params{
		Routes:  map[string]string{"tabs.updated": "browser"},
		Targets: map[string]ProxyTarget{"browser": target},
		Name:    "test",
	})
	require.NoError(t, err)

	replies := 0
	reply := func(context.Context, *protocol.Message) error { replies++; return nil }

	ev, err := protocol.NewEvent("tabs.updated", map[string]int{"tabId": 7})
	require.NoError(t, err)
	r.Serve(context.Background(), ev, reply)
	r.Wait()

	target.mu.Lock()
	assert.Equal(t, []string{"tabs.updated"}, target.events)
	assert.JSONEq(t, `{"tabId":7}`, target.bodies[0])
	target.mu.Unlock()
	assert.Zero(t, replies)
	assert.Empty(t, target.calls, "events must not become requests")

	// Offline targets drop the event.
	target.mu.Lock()
	target.connected = false
	target.mu.Unlock()
	r.Serve(context.Background(), ev, reply)
	r.Wait()
	target.mu.Lock()
	assert.Len(t, target.events, 1)
	target.mu.Unlock()
}

func TestServe_RoutedEventWithoutEventSupportDropped(t *testing.T) {
	target := &fakeTarget{connected: true}
	r := newRouter(t, target)

	ev, err := protocol.NewEvent("tabs.list", nil)
	require.NoError(t, err)
	r.Serve(context.Background(), ev, func(context.Context, *protocol.Message) error {
		t.Error("events get no reply")
		return nil
	})
	r.Wait()
	assert.Empty(t, target.calls)
}
