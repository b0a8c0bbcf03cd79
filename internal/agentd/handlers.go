package agentd

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"
)

// Methods the agent always serves itself.
const (
	MethodEcho         = "echoTest"
	MethodSystemInfo   = "system.info"
	MethodCapabilities = "relay.capabilities"
)

// SystemInfo is the result of system.info.
type SystemInfo struct {
	AgentID      string    `json:"agentId"`
	EndpointType string    `json:"endpointType"`
	Version      string    `json:"version"`
	Hostname     string    `json:"hostname"`
	OS           string    `json:"os"`
	Arch         string    `json:"arch"`
	GoVersion    string    `json:"goVersion"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"startedAt"`
	UptimeSec    int64     `json:"uptimeSec"`
	Transport    string    `json:"transport"`
}

// CapabilitiesInfo is the result of relay.capabilities.
type CapabilitiesInfo struct {
	Methods []string          `json:"methods"`
	Routes  map[string]string `json:"routes"`
	Targets map[string]bool   `json:"targets"`
}

func (a *Agent) registerHandlers() error {
	if err := a.router.HandleFunc(MethodEcho, func(context.Context, string, json.RawMessage) (any, error) {
		return map[string]bool{"ok": true}, nil
	}); err != nil {
		return err
	}

	if err := a.router.HandleFunc(MethodSystemInfo, func(context.Context, string, json.RawMessage) (any, error) {
		host, _ := os.Hostname()
		info := &SystemInfo{
			AgentID:      a.cfg.AgentID,
			EndpointType: a.cfg.EndpointType,
			Version:      a.cfg.Version,
			Hostname:     host,
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			GoVersion:    runtime.Version(),
			PID:          os.Getpid(),
			StartedAt:    a.started,
			UptimeSec:    int64(time.Since(a.started).Seconds()),
		}
		if a.main != nil {
			info.Transport = a.main.Status().Transport
		}
		return info, nil
	}); err != nil {
		return err
	}

	return a.router.HandleFunc(MethodCapabilities, func(context.Context, string, json.RawMessage) (any, error) {
		routes := make(map[string]string, len(a.manifest.Routes))
		for method, target := range a.manifest.Routes {
			routes[method] = target
		}
		return &CapabilitiesInfo{
			Methods: a.router.Methods(),
			Routes:  routes,
			Targets: a.router.TargetStatus(),
		}, nil
	})
}
