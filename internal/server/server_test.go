package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-relay/internal/config"
	"github.com/morezero/agent-relay/pkg/commsutil"
	"github.com/morezero/agent-relay/pkg/connection"
	"github.com/morezero/agent-relay/pkg/dispatcher"
	"github.com/morezero/agent-relay/pkg/events"
	"github.com/morezero/agent-relay/pkg/protocol"
	"github.com/morezero/agent-relay/pkg/registry"
	"github.com/morezero/agent-relay/pkg/router"
	"github.com/morezero/agent-relay/pkg/transport"
)

const serverTestPrefix = "server:server_test"

func testConfig() *config.Config {
	return &config.Config{
		COMMSName:          "relay-test",
		WSPath:             "/ws",
		APISubject:         "relay.test.api",
		EventSubject:       "relay.test.events",
		NATSSessions:       true,
		SessionPrefix:      "relay.test",
		RequestTimeout:     5 * time.Second,
		IdentifyTimeout:    2 * time.Second,
		HealthCheckTimeout: 2 * time.Second,
	}
}

// testServer returns a Server without COMMS and an httptest server in front
// of its handler.
func testServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("%s - New failed: %v", serverTestPrefix, err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.Close)
	return s, ts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s - timed out waiting for %s", serverTestPrefix, what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startAgent connects an agent serving echoTest through dialer.
func startAgent(t *testing.T, dialer transport.Dialer, agentID, version string) *connection.Manager {
	t.Helper()
	rt, err := router.New(router.Params{Name: agentID})
	if err != nil {
		t.Fatalf("%s - router.New failed: %v", serverTestPrefix, err)
	}
	rt.HandleFunc("echoTest", func(_ context.Context, _ string, payload json.RawMessage) (any, error) {
		return map[string]any{"ok": true, "echo": payload}, nil
	})
	rt.HandleFunc("slowTest", func(context.Context, string, json.RawMessage) (any, error) {
		time.Sleep(time.Second)
		return map[string]bool{"ok": true}, nil
	})

	var mgr *connection.Manager
	mgr, err = connection.NewManager(connection.Params{
		Dialer: dialer,
		Identity: connection.Identity{
			AgentID:      agentID,
			EndpointType: "desktop",
			Version:      version,
			Capabilities: []string{"echoTest"},
		},
		Backoff:        connection.Backoff{Initial: 20 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
		RequestTimeout: 3 * time.Second,
		OnMessage: func(msg *protocol.Message) {
			rt.Serve(context.Background(), msg, mgr.Send)
		},
	})
	if err != nil {
		t.Fatalf("%s - NewManager failed: %v", serverTestPrefix, err)
	}
	t.Cleanup(func() {
		mgr.Disconnect()
		<-mgr.Done()
	})
	if err := mgr.Connect(); err != nil {
		t.Fatalf("%s - Connect failed: %v", serverTestPrefix, err)
	}
	return mgr
}

func wsDialer(t *testing.T, ts *httptest.Server) transport.Dialer {
	t.Helper()
	d, err := transport.NewWebSocketDialer("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", transport.WebSocketOptions{})
	if err != nil {
		t.Fatalf("%s - NewWebSocketDialer failed: %v", serverTestPrefix, err)
	}
	return d
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("%s - GET %s failed: %v", serverTestPrefix, url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("%s - decode %s failed: %v", serverTestPrefix, url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, v any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("%s - POST %s failed: %v", serverTestPrefix, url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("%s - decode %s failed: %v", serverTestPrefix, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthHandler_NoStore(t *testing.T) {
	_, ts := testServer(t, nil)

	var h registry.HealthOutput
	if code := getJSON(t, ts.URL+"/health", &h); code != http.StatusOK {
		t.Errorf("%s - status = %d, want 200", serverTestPrefix, code)
	}
	if h.Status != "healthy" || h.Checks.Store != "disabled" {
		t.Errorf("%s - health = %+v", serverTestPrefix, h)
	}
}

func TestReadyHandler(t *testing.T) {
	s, ts := testServer(t, nil)

	var body map[string]string
	if code := getJSON(t, ts.URL+"/ready", &body); code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("%s - ready = %d %v", serverTestPrefix, code, body)
	}

	s.Close()
	if code := getJSON(t, ts.URL+"/ready", nil); code != http.StatusServiceUnavailable {
		t.Errorf("%s - ready after Close = %d, want 503", serverTestPrefix, code)
	}
}

func TestNew_InvalidVersionPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.MinAgentVersion = ">>nonsense"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatalf("%s - expected error for invalid policy", serverTestPrefix)
	}
}

func TestWebSocketAgent_Dispatch(t *testing.T) {
	s, ts := testServer(t, nil)
	agent := startAgent(t, wsDialer(t, ts), "desk-01", "1.0.0")
	waitFor(t, "agent registration", func() bool { return s.Registry().IsConnected("desk-01") && agent.Connected() })

	var list struct {
		Agents []registry.AgentSession `json:"agents"`
		Count  int                     `json:"count"`
	}
	getJSON(t, ts.URL+"/agents", &list)
	if list.Count != 1 || list.Agents[0].Transport != "websocket" {
		t.Fatalf("%s - /agents = %+v", serverTestPrefix, list)
	}

	var one registry.AgentSession
	if code := getJSON(t, ts.URL+"/agents/desk-01", &one); code != http.StatusOK || one.SessionID != agent.Status().Session.SessionID {
		t.Errorf("%s - /agents/desk-01 = %d %+v", serverTestPrefix, code, one)
	}
	if code := getJSON(t, ts.URL+"/agents/ghost", nil); code != http.StatusNotFound {
		t.Errorf("%s - /agents/ghost = %d, want 404", serverTestPrefix, code)
	}

	var resp struct {
		Ok     bool                     `json:"ok"`
		Result dispatcher.DispatchResult `json:"result"`
	}
	code := postJSON(t, ts.URL+"/agents/desk-01/dispatch", `{"method":"echoTest","payload":{"n":7}}`, &resp)
	if code != http.StatusOK || !resp.Ok {
		t.Fatalf("%s - dispatch = %d %+v", serverTestPrefix, code, resp)
	}
	var result struct {
		Ok   bool           `json:"ok"`
		Echo map[string]int `json:"echo"`
	}
	if err := json.Unmarshal(resp.Result.Result, &result); err != nil || !result.Ok || result.Echo["n"] != 7 {
		t.Errorf("%s - dispatch result = %s (%v)", serverTestPrefix, resp.Result.Result, err)
	}

	var failed dispatcher.Response
	if code := postJSON(t, ts.URL+"/agents/desk-01/dispatch", `{"method":"nope"}`, &failed); code != http.StatusBadGateway {
		t.Errorf("%s - unknown method status = %d, want 502", serverTestPrefix, code)
	}
	if failed.Error == nil || failed.Error.Code != dispatcher.CodeRemoteError {
		t.Errorf("%s - unknown method = %+v", serverTestPrefix, failed.Error)
	}

	if code := postJSON(t, ts.URL+"/agents/ghost/dispatch", `{"method":"echoTest"}`, nil); code != http.StatusNotFound {
		t.Errorf("%s - ghost dispatch status = %d, want 404", serverTestPrefix, code)
	}
	if code := postJSON(t, ts.URL+"/agents/desk-01/dispatch", `{bad`, nil); code != http.StatusBadRequest {
		t.Errorf("%s - bad body status = %d, want 400", serverTestPrefix, code)
	}
}

func TestWebSocketAgent_DispatchTimeoutHint(t *testing.T) {
	s, ts := testServer(t, nil)
	agent := startAgent(t, wsDialer(t, ts), "desk-05", "1.0.0")
	waitFor(t, "agent registration", func() bool { return s.Registry().IsConnected("desk-05") && agent.Connected() })

	var ok dispatcher.Response
	if code := postJSON(t, ts.URL+"/agents/desk-05/dispatch", `{"method":"echoTest","timeoutMs":2000}`, &ok); code != http.StatusOK || !ok.Ok {
		t.Fatalf("%s - dispatch with timeoutMs = %d %+v", serverTestPrefix, code, ok)
	}

	start := time.Now()
	var timedOut dispatcher.Response
	code := postJSON(t, ts.URL+"/agents/desk-05/dispatch", `{"method":"slowTest","timeoutMs":50}`, &timedOut)
	if code != http.StatusGatewayTimeout {
		t.Errorf("%s - slow dispatch status = %d, want 504", serverTestPrefix, code)
	}
	if timedOut.Error == nil || timedOut.Error.Code != dispatcher.CodeTimeout {
		t.Errorf("%s - slow dispatch error = %+v", serverTestPrefix, timedOut.Error)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("%s - timeoutMs not honoured, took %s", serverTestPrefix, elapsed)
	}
}

func TestWebSocketAgent_DisconnectReleases(t *testing.T) {
	s, ts := testServer(t, nil)
	agent := startAgent(t, wsDialer(t, ts), "desk-02", "1.0.0")
	waitFor(t, "agent registration", func() bool { return s.Registry().IsConnected("desk-02") })

	agent.Disconnect()
	<-agent.Done()
	waitFor(t, "agent release", func() bool { return s.Registry().Count() == 0 })

	var resp dispatcher.Response
	postJSON(t, ts.URL+"/api", `{"id":"x","method":"dispatch","params":{"agentId":"desk-02","method":"echoTest"}}`, &resp)
	if resp.Error == nil || resp.Error.Code != dispatcher.CodeNotConnected {
		t.Errorf("%s - dispatch after disconnect = %+v", serverTestPrefix, resp)
	}
}

func TestWebSocketAgent_RejectedByPolicy(t *testing.T) {
	s, ts := testServer(t, func(c *config.Config) { c.MinAgentVersion = ">=2.0.0" })
	agent := startAgent(t, wsDialer(t, ts), "old-agent", "1.4.0")

	waitFor(t, "rejection", func() bool { return agent.Status().LastError != "" })
	if !strings.Contains(agent.Status().LastError, "Rejected") {
		t.Errorf("%s - LastError = %q", serverTestPrefix, agent.Status().LastError)
	}
	if s.Registry().Count() != 0 {
		t.Errorf("%s - rejected agent was registered", serverTestPrefix)
	}
}

func TestWebSocketAgent_ControlPlaneMethods(t *testing.T) {
	s, ts := testServer(t, nil)
	a := startAgent(t, wsDialer(t, ts), "desk-a", "1.0.0")
	startAgent(t, wsDialer(t, ts), "desk-b", "1.0.0")
	waitFor(t, "both agents", func() bool { return s.Registry().Count() == 2 && a.Connected() })

	out, err := a.Request(context.Background(), MethodListAgents, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("%s - %s failed: %v", serverTestPrefix, MethodListAgents, err)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(out, &list); err != nil || list.Count != 2 {
		t.Errorf("%s - %s = %s", serverTestPrefix, MethodListAgents, out)
	}

	out, err = a.Request(context.Background(), MethodDispatch, map[string]any{
		"agentId": "desk-b",
		"method":  "echoTest",
		"payload": map[string]string{"from": "desk-a"},
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("%s - %s failed: %v", serverTestPrefix, MethodDispatch, err)
	}
	if !bytes.Contains(out, []byte(`"from":"desk-a"`)) {
		t.Errorf("%s - forwarded result = %s", serverTestPrefix, out)
	}

	_, err = a.Request(context.Background(), MethodDispatch, map[string]any{"agentId": "ghost", "method": "echoTest"}, 2*time.Second)
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("%s - dispatch to ghost = %v", serverTestPrefix, err)
	}
}

func TestHTTPAPI(t *testing.T) {
	_, ts := testServer(t, nil)

	var resp dispatcher.Response
	postJSON(t, ts.URL+"/api", `{"id":"1","method":"health"}`, &resp)
	if !resp.Ok || resp.ID != "1" {
		t.Errorf("%s - health envelope = %+v", serverTestPrefix, resp)
	}

	resp = dispatcher.Response{}
	postJSON(t, ts.URL+"/api", `not json`, &resp)
	if resp.Ok || resp.Error == nil || resp.Error.Code != dispatcher.CodeInvalidRequest {
		t.Errorf("%s - bad envelope = %+v", serverTestPrefix, resp)
	}

	resp = dispatcher.Response{}
	postJSON(t, ts.URL+"/api", `{"id":"2","method":"sessions"}`, &resp)
	if resp.Ok || resp.Error.Code != dispatcher.CodeInternal {
		t.Errorf("%s - sessions without store = %+v", serverTestPrefix, resp)
	}

	r, err := http.Get(ts.URL + "/api")
	if err != nil {
		t.Fatalf("%s - GET /api failed: %v", serverTestPrefix, err)
	}
	r.Body.Close()
	if r.StatusCode == http.StatusOK {
		t.Errorf("%s - GET /api should not be served", serverTestPrefix)
	}
}

func TestHandleHome(t *testing.T) {
	s, ts := testServer(t, nil)
	startAgent(t, wsDialer(t, ts), "desk-home", "1.0.0")
	waitFor(t, "agent registration", func() bool { return s.Registry().IsConnected("desk-home") })

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("%s - GET / failed: %v", serverTestPrefix, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s - status = %d", serverTestPrefix, resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("%s - Content-Type = %q", serverTestPrefix, resp.Header.Get("Content-Type"))
	}
	for _, want := range []string{"Agent Relay", "desk-home", "echoTest", "websocket"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("%s - home page missing %q", serverTestPrefix, want)
		}
	}

	if code := getJSON(t, ts.URL+"/nope", nil); code != http.StatusNotFound {
		t.Errorf("%s - /nope = %d, want 404", serverTestPrefix, code)
	}
}

func TestStatusForCode(t *testing.T) {
	tests := map[string]int{
		dispatcher.CodeInvalidArgument: http.StatusBadRequest,
		dispatcher.CodeInvalidRequest:  http.StatusBadRequest,
		dispatcher.CodeNotConnected:    http.StatusNotFound,
		dispatcher.CodeMethodNotFound:  http.StatusNotFound,
		dispatcher.CodeTimeout:         http.StatusGatewayTimeout,
		dispatcher.CodeDisconnected:    http.StatusBadGateway,
		dispatcher.CodeRemoteError:     http.StatusBadGateway,
		dispatcher.CodeInternal:        http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := statusForCode(code); got != want {
			t.Errorf("%s - statusForCode(%s) = %d, want %d", serverTestPrefix, code, got, want)
		}
	}
}

// TestCOMMS_EndToEnd runs the NATS surface against an in-process bus: an
// agent opens a NATS session, an API client dispatches to it over the API
// subject and lifecycle events arrive on the event subjects.
func TestCOMMS_EndToEnd(t *testing.T) {
	bus, err := commsutil.StartLocalBus(commsutil.LocalBusOptions{Port: -1})
	if err != nil {
		t.Fatalf("%s - StartLocalBus failed: %v", serverTestPrefix, err)
	}
	t.Cleanup(bus.Shutdown)

	nc, err := comms.Connect(bus.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - connect failed: %v", serverTestPrefix, err)
	}
	t.Cleanup(nc.Close)

	cfg := testConfig()
	eventsCh := make(chan *comms.Msg, 16)
	evSub, err := nc.ChanSubscribe(cfg.EventSubject, eventsCh)
	if err != nil {
		t.Fatalf("%s - subscribe events failed: %v", serverTestPrefix, err)
	}
	t.Cleanup(func() { evSub.Unsubscribe() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := New(ctx, cfg, nc)
	if err != nil {
		t.Fatalf("%s - New failed: %v", serverTestPrefix, err)
	}
	t.Cleanup(s.Close)
	if err := s.StartCOMMS(ctx); err != nil {
		t.Fatalf("%s - StartCOMMS failed: %v", serverTestPrefix, err)
	}

	dialer, err := transport.NewNATSDialer(bus.ClientURL(), "test-agent", cfg.SessionPrefix)
	if err != nil {
		t.Fatalf("%s - NewNATSDialer failed: %v", serverTestPrefix, err)
	}
	t.Cleanup(dialer.Close)
	agent := startAgent(t, dialer, "nats-agent", "1.0.0")
	waitFor(t, "agent registration", func() bool { return s.Registry().IsConnected("nats-agent") && agent.Connected() })

	session, _ := s.Registry().GetAgent("nats-agent")
	if session.Transport != "nats" {
		t.Errorf("%s - Transport = %q, want nats", serverTestPrefix, session.Transport)
	}

	select {
	case msg := <-eventsCh:
		var ev events.AgentEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("%s - decode event failed: %v", serverTestPrefix, err)
		}
		if ev.Type != events.TypeAgentConnected || ev.AgentID != "nats-agent" {
			t.Errorf("%s - event = %+v", serverTestPrefix, ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("%s - no connected event", serverTestPrefix)
	}

	req := `{"id":"e2e-1","method":"dispatch","params":{"agentId":"nats-agent","method":"echoTest","payload":{"v":"x"}}}`
	msg, err := nc.Request(cfg.APISubject, []byte(req), 5*time.Second)
	if err != nil {
		t.Fatalf("%s - API request failed: %v", serverTestPrefix, err)
	}
	var resp struct {
		ID     string                    `json:"id"`
		Ok     bool                      `json:"ok"`
		Result dispatcher.DispatchResult `json:"result"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("%s - decode response failed: %v", serverTestPrefix, err)
	}
	if !resp.Ok || resp.ID != "e2e-1" || !bytes.Contains(resp.Result.Result, []byte(`"v":"x"`)) {
		t.Errorf("%s - API response = %s", serverTestPrefix, msg.Data)
	}

	msg, err = nc.Request(cfg.APISubject, []byte(`{"id":"h","method":"health"}`), 5*time.Second)
	if err != nil {
		t.Fatalf("%s - health request failed: %v", serverTestPrefix, err)
	}
	var health struct {
		Ok     bool                  `json:"ok"`
		Result registry.HealthOutput `json:"result"`
	}
	json.Unmarshal(msg.Data, &health)
	if !health.Ok || !health.Result.Checks.COMMS || health.Result.Checks.Agents != 1 {
		t.Errorf("%s - health = %s", serverTestPrefix, msg.Data)
	}

	agent.Disconnect()
	<-agent.Done()
	waitFor(t, "agent release", func() bool { return s.Registry().Count() == 0 })

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-eventsCh:
			var ev events.AgentEvent
			json.Unmarshal(msg.Data, &ev)
			if ev.Type == events.TypeAgentDisconnected && ev.AgentID == "nats-agent" {
				return
			}
		case <-deadline:
			t.Fatalf("%s - no disconnected event", serverTestPrefix)
		}
	}
}
