package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/morezero/agent-relay/pkg/semver"
)

const logPrefix = "manifest:loader"

// EnvFile names the environment variable holding a manifest path.
const EnvFile = "AGENT_MANIFEST_FILE"

// Load loads the manifest from file paths or the environment.
// It tries paths in order: first any paths passed in, then AGENT_MANIFEST_FILE, then defaults.
// A file that is missing or unparsable is skipped; when none loads, the
// built-in default is used. A file that parses but is inconsistent is an error.
func Load(paths ...string) (*Manifest, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/agent-manifest.json", "agent-manifest.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse manifest file %s: %v", logPrefix, p, err))
			continue
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%s - %s: %w", logPrefix, p, err)
		}

		slog.Info(fmt.Sprintf("%s - Loaded manifest from %s (%d targets, %d routes)", logPrefix, p, len(m.Targets), len(m.Routes)))
		return &m, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default manifest", logPrefix))
	return Default(), nil
}

// Default returns the built-in manifest: browser tab and page methods go to
// the extension over the loopback bus.
func Default() *Manifest {
	routes := map[string]string{}
	for _, method := range []string{
		"tabs.list", "tabs.open", "tabs.close", "tabs.activate", "tabs.navigate",
		"tabs.screenshot", "page.click", "page.type", "page.evaluate", "page.content",
	} {
		routes[method] = "browser"
	}
	return &Manifest{
		Name:        "agent-default",
		Version:     "1.0.0",
		Description: "Default agent routes",
		Targets: map[string]Target{
			"browser": {
				Kind:        KindBus,
				AgentID:     "browser",
				Description: "Browser extension attached to the loopback bus",
			},
		},
		Routes: routes,
	}
}

// Validate checks that every route names a known target, every method name
// is valid and every target is complete for its kind.
func (m *Manifest) Validate() error {
	for name, t := range m.Targets {
		switch t.Kind {
		case KindBus:
		case KindProcess:
			if t.Command == "" {
				return fmt.Errorf("target %q: process target needs a command", name)
			}
			if t.Framing != "" && t.Framing != FramingNewline && t.Framing != FramingLength {
				return fmt.Errorf("target %q: unknown framing %q", name, t.Framing)
			}
		default:
			return fmt.Errorf("target %q: unknown kind %q", name, t.Kind)
		}
	}
	for method, target := range m.Routes {
		if !semver.ValidateMethodName(method) {
			return fmt.Errorf("route %q: invalid method name", method)
		}
		if _, ok := m.Targets[target]; !ok {
			return fmt.Errorf("route %q names unknown target %q", method, target)
		}
	}
	return nil
}

// BusAgentID returns the identity a bus target's companion connects with.
func (t Target) BusAgentID(name string) string {
	if t.AgentID != "" {
		return t.AgentID
	}
	return name
}

// RoutedMethods returns the methods routed to target, sorted.
func (m *Manifest) RoutedMethods(target string) []string {
	var out []string
	for method, t := range m.Routes {
		if t == target {
			out = append(out, method)
		}
	}
	sort.Strings(out)
	return out
}

// TargetNames returns the target names, sorted.
func (m *Manifest) TargetNames() []string {
	out := make([]string, 0, len(m.Targets))
	for name := range m.Targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
