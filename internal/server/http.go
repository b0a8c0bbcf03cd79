package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/agent-relay/pkg/dispatcher"
	"github.com/morezero/agent-relay/pkg/hub"
	"github.com/morezero/agent-relay/pkg/registry"
	"github.com/morezero/agent-relay/pkg/transport"
)

const httpLogPrefix = "server:http"

const maxBodyBytes = 1 << 20

// Handler returns the HTTP surface: the agent WebSocket endpoint, the JSON
// API and the overview page.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.WSPath, transport.WebSocketHandler(transport.WebSocketOptions{
		HandshakeTimeout: 10 * time.Second,
	}, s.serveAgent))
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{id}", s.handleDescribeAgent)
	mux.HandleFunc("POST /agents/{id}/dispatch", s.handleAgentDispatch)
	mux.HandleFunc("POST /api", s.handleAPI)
	return mux
}

// serveAgent runs one agent connection on the request goroutine.
func (s *Server) serveAgent(r *http.Request, c transport.Conn) {
	err := s.hub.Serve(r.Context(), c, hub.ConnInfo{Transport: "websocket", RemoteAddr: r.RemoteAddr})
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - websocket session from %s ended: %v", httpLogPrefix, r.RemoteAddr, err))
	}
}

func (s *Server) health(ctx context.Context) *registry.HealthOutput {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.reg.Health(ctx)
	if s.nc != nil {
		h.Checks.COMMS = s.nc.IsConnected()
		if !h.Checks.COMMS {
			h.Status = "degraded"
		}
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health(r.Context())
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	resp := s.disp.Dispatch(r.Context(), &dispatcher.Request{Method: "listAgents"})
	writeJSON(w, http.StatusOK, resp.Result)
}

func (s *Server) handleDescribeAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.reg.GetAgent(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, &dispatcher.ErrorDetail{
			Code:    dispatcher.CodeNotConnected,
			Message: fmt.Sprintf("agent %q not connected", r.PathValue("id")),
		})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// agentDispatchBody is the body of POST /agents/{id}/dispatch.
type agentDispatchBody struct {
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

func (s *Server) handleAgentDispatch(w http.ResponseWriter, r *http.Request) {
	var body agentDispatchBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, &dispatcher.ErrorDetail{
			Code:    dispatcher.CodeInvalidRequest,
			Message: "Failed to decode request body",
		})
		return
	}

	params, err := json.Marshal(&dispatcher.DispatchParams{
		AgentID:   r.PathValue("id"),
		Method:    body.Method,
		Payload:   body.Payload,
		TimeoutMs: body.TimeoutMs,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, &dispatcher.ErrorDetail{Code: dispatcher.CodeInternal, Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	resp := s.disp.Dispatch(ctx, &dispatcher.Request{Method: "dispatch", Params: params})
	status := http.StatusOK
	if !resp.Ok {
		status = statusForCode(resp.Error.Code)
	}
	writeJSON(w, status, resp)
}

// handleAPI serves the same envelope as the COMMS API subject.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	out := s.disp.HandleRaw(r.Context(), data, s.cfg.RequestTimeout)
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// statusForCode maps API error codes onto HTTP statuses for the REST routes.
func statusForCode(code string) int {
	switch code {
	case dispatcher.CodeInvalidArgument, dispatcher.CodeInvalidRequest:
		return http.StatusBadRequest
	case dispatcher.CodeNotConnected, dispatcher.CodeMethodNotFound:
		return http.StatusNotFound
	case dispatcher.CodeTimeout:
		return http.StatusGatewayTimeout
	case dispatcher.CodeDisconnected, dispatcher.CodeRemoteError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", httpLogPrefix, err))
	}
}

// homePageTemplate is the HTML for the relay overview page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Agent Relay</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-degraded { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 1100px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; vertical-align: top; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Agent Relay</h1>
  <p class="meta">Control plane health and connected agents.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Session store: {{if eq .Health.Checks.Store "error"}}<span class="error">Failed</span>{{else}}<span class="stat">{{.Health.Checks.Store}}</span>{{end}}</p>
    <p>COMMS: {{if .Health.Checks.COMMS}}<span class="stat">connected</span>{{else}}<span class="error">not connected</span>{{end}}</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Statistics</h2>
    <p>Identified agents: <span class="stat">{{len .Agents}}</span></p>
    <p>Open connections: <span class="stat">{{.Active}}</span></p>
  </section>

  <section>
    <h2>Agents</h2>
    {{if not .Agents}}
    <p>No agents connected.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Agent</th><th>Endpoint</th><th>Version</th><th>Transport</th><th>Capabilities</th><th>Connected</th><th>Last seen</th></tr>
      </thead>
      <tbody>
        {{range .Agents}}
        <tr>
          <td><a href="/agents/{{.AgentID}}">{{.AgentID}}</a></td>
          <td>{{.EndpointType}}</td>
          <td>{{.Version}}</td>
          <td>{{.Transport}}</td>
          <td>{{range .Capabilities}}{{.}} {{end}}</td>
          <td>{{.ConnectedAt.Format "2006-01-02 15:04:05"}}</td>
          <td>{{.LastSeenAt.Format "2006-01-02 15:04:05"}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health *registry.HealthOutput
	Agents []registry.AgentSession
	Active int
}

// handleHome returns an HTTP handler for the overview page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := homeData{
			Health: s.health(r.Context()),
			Agents: s.reg.ListAgents(),
			Active: s.hub.Active(),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
