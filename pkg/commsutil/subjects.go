package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectAPI           = "relay.v1.api"
	SubjectEvents        = "relay.events"
	DefaultSessionPrefix = "relay.v1"
)

// HeaderControl marks session control messages on the NATS session transport.
const (
	HeaderControl  = "Relay-Control"
	ControlOpen    = "open"
	ControlClose   = "close"
	sessionSegment = "session"
)

// BuildAgentEventSubject builds the per-agent lifecycle event subject.
func BuildAgentEventSubject(base, agentID string) string {
	return fmt.Sprintf("%s.agent.%s", base, SafeToken(agentID))
}

// BuildSessionUpSubject is where an endpoint publishes frames for session sid.
func BuildSessionUpSubject(prefix, sid string) string {
	return fmt.Sprintf("%s.%s.%s.up", prefix, sessionSegment, sid)
}

// BuildSessionDownSubject is where the acceptor publishes frames for session sid.
func BuildSessionDownSubject(prefix, sid string) string {
	return fmt.Sprintf("%s.%s.%s.down", prefix, sessionSegment, sid)
}

// BuildSessionWildcard matches every session's up subject.
func BuildSessionWildcard(prefix string) string {
	return fmt.Sprintf("%s.%s.*.up", prefix, sessionSegment)
}

// SessionIDFromSubject extracts sid from an up or down subject under prefix.
func SessionIDFromSubject(prefix, subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+"."+sessionSegment+".")
	if !ok {
		return "", false
	}
	sid, dir, ok := strings.Cut(rest, ".")
	if !ok || sid == "" || (dir != "up" && dir != "down") {
		return "", false
	}
	return sid, true
}

// SafeToken makes s usable as a single subject token.
func SafeToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
