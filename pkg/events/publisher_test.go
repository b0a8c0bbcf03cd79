package events

import (
	"context"
	"testing"
)

func TestNoOpPublisher(t *testing.T) {
	pub := &NoOpPublisher{}
	err := pub.PublishAgentEvent(context.Background(), &AgentEvent{
		Type:      TypeAgentConnected,
		AgentID:   "desk-01",
		SessionID: "s1",
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCallbackPublisher(t *testing.T) {
	var captured *AgentEvent

	pub := NewCallbackPublisher(func(_ context.Context, event *AgentEvent) error {
		captured = event
		return nil
	})

	event := &AgentEvent{
		Type:         TypeAgentDisconnected,
		AgentID:      "desk-01",
		SessionID:    "s1",
		EndpointType: "native",
		Reason:       "transport closed",
		Timestamp:    "2025-01-01T00:00:00Z",
	}

	err := pub.PublishAgentEvent(context.Background(), event)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	if captured == nil {
		t.Fatal("expected callback to be called")
	}
	if captured.AgentID != "desk-01" {
		t.Errorf("expected agent desk-01, got %s", captured.AgentID)
	}
	if captured.Reason != "transport closed" {
		t.Errorf("expected reason 'transport closed', got %s", captured.Reason)
	}
}
