package commsutil

import (
	"encoding/json"
	"testing"
)

func TestEncodePayload_RelayFrames(t *testing.T) {
	data, err := EncodePayload(map[string]any{
		"agentId": "desk-01",
		"result":  json.RawMessage(`{"ok":true}`),
	})
	if err != nil {
		t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
	}
	if got := string(data); got != `{"agentId":"desk-01","result":{"ok":true}}` {
		t.Errorf("commsutil:codec_test - EncodePayload() = %s", got)
	}

	if _, err := EncodePayload(make(chan int)); err == nil {
		t.Error("commsutil:codec_test - expected error for unserializable payload")
	}
}

func TestDecodePayload_Envelope(t *testing.T) {
	var req struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := DecodePayload([]byte(`{"id":"r1","method":"dispatch","params":{"agentId":"desk-01"}}`), &req); err != nil {
		t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
	}
	if req.ID != "r1" || req.Method != "dispatch" || string(req.Params) != `{"agentId":"desk-01"}` {
		t.Errorf("commsutil:codec_test - decoded %+v", req)
	}

	for _, bad := range []string{"", "{invalid}", "[1,2]"} {
		if err := DecodePayload([]byte(bad), &req); err == nil {
			t.Errorf("commsutil:codec_test - expected error decoding %q", bad)
		}
	}
}

func TestDecodeParams(t *testing.T) {
	type params struct {
		AgentID string `json:"agentId"`
	}

	var empty params
	if err := DecodeParams(nil, &empty); err != nil {
		t.Fatalf("commsutil:codec_test - nil params: %v", err)
	}
	if err := DecodeParams(json.RawMessage(" null "), &empty); err != nil {
		t.Fatalf("commsutil:codec_test - null params: %v", err)
	}
	if empty.AgentID != "" {
		t.Errorf("commsutil:codec_test - expected zero value, got %q", empty.AgentID)
	}

	var p params
	if err := DecodeParams(json.RawMessage(`{"agentId":"desk-01"}`), &p); err != nil {
		t.Fatalf("commsutil:codec_test - decode failed: %v", err)
	}
	if p.AgentID != "desk-01" {
		t.Errorf("commsutil:codec_test - AgentID = %q, want desk-01", p.AgentID)
	}

	if err := DecodeParams(json.RawMessage(`[1,2]`), &p); err == nil {
		t.Error("commsutil:codec_test - expected error for array params")
	}
}
