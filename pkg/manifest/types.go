// Package manifest loads the agent's ProxyRoute table: which methods are
// forwarded to which companion target, and how each target is reached.
package manifest

// Target kinds.
const (
	// KindBus is a companion that attaches to the agent's loopback bus and
	// identifies with AgentID (the browser extension).
	KindBus = "bus"
	// KindProcess is a companion program the agent starts and talks to over
	// its stdio.
	KindProcess = "process"
)

// Stream framings for process targets.
const (
	FramingNewline = "newline"
	FramingLength  = "length"
)

// Manifest is the on-disk configuration. It is read-only once loaded.
type Manifest struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Targets     map[string]Target `json:"targets"`
	// Routes maps method name to target name.
	Routes map[string]string `json:"routes"`
}

// Target is one proxy target.
type Target struct {
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`

	// AgentID is the identity a bus companion connects with. Defaults to
	// the target name.
	AgentID string `json:"agentId,omitempty"`

	// Command, Args and Env start a process companion.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	// Framing is "newline" (default) or "length".
	Framing string `json:"framing,omitempty"`
}
