package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Kind(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"request", `{"id":"r1","method":"echoTest","payload":{}}`, KindRequest},
		{"success response", `{"id":"r1","result":{"ok":true}}`, KindResponse},
		{"null result response", `{"id":"r1","result":null}`, KindResponse},
		{"error response", `{"id":"r1","error":"UnknownMethod"}`, KindResponse},
		{"event", `{"method":"tabs.updated","payload":{"tab":3}}`, KindEvent},
		{"identify", `{"action":"identify","endpointType":"native","version":"1.0.0"}`, KindControl},
		{"id only", `{"id":"r1"}`, KindInvalid},
		{"empty", `{}`, KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &m))
			assert.Equal(t, tt.want, m.Kind())
		})
	}
}

func TestDecode_RejectsResultAndError(t *testing.T) {
	_, err := Decode([]byte(`{"id":"r1","result":{},"error":"boom"}`))
	require.Error(t, err)
}

func TestDecode_RejectsUnknownAction(t *testing.T) {
	_, err := Decode([]byte(`{"action":"hello"}`))
	require.Error(t, err)
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.Error(t, err)
}

func TestNewRequest_NilPayloadIsEmptyObject(t *testing.T) {
	m, err := NewRequest("r1", "echoTest", nil)
	require.NoError(t, err)

	data, err := Encode(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","method":"echoTest","payload":{}}`, string(data))
}

func TestNewResult_EchoScenario(t *testing.T) {
	m, err := NewResult("r1", map[string]bool{"ok": true})
	require.NoError(t, err)

	data, err := Encode(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","result":{"ok":true}}`, string(data))
}

func TestNewErrorResponse_RelayKind(t *testing.T) {
	m := NewErrorResponse("r2", Errorf(CodeUnknownMethod, "no handler for %q", "nope"))

	assert.Equal(t, "r2", m.ID)
	assert.Equal(t, "UnknownMethod", m.Error)
	assert.Equal(t, CodeUnknownMethod, m.Code)
	assert.Equal(t, KindResponse, m.Kind())

	remote := m.RemoteError()
	require.NotNil(t, remote)
	assert.True(t, errors.Is(remote, ErrUnknownMethod))
	assert.Contains(t, remote.Message, "nope")
}

func TestNewErrorResponse_HandlerErrorKeepsMessage(t *testing.T) {
	m := NewErrorResponse("r3", errors.New("open /tmp/x: no such file or directory"))

	assert.Equal(t, "open /tmp/x: no such file or directory", m.Error)
	assert.Equal(t, CodeHandler, m.Code)
	assert.True(t, errors.Is(m.RemoteError(), ErrHandler))
}

func TestRemoteError_BareErrorString(t *testing.T) {
	m := &Message{ID: "r4", Error: "tab not found"}

	remote := m.RemoteError()
	require.NotNil(t, remote)
	assert.Equal(t, CodeHandler, remote.Code)
	assert.Equal(t, "tab not found", remote.Message)
}

func TestError_IsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", Errorf(CodeTimeout, "request r1 exceeded 10s"))

	assert.True(t, errors.Is(wrapped, ErrTimeout))
	assert.False(t, errors.Is(wrapped, ErrDisconnected))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))
	assert.Equal(t, CodeTimeout, AsError(context.DeadlineExceeded).Code)
	assert.Equal(t, CodeHandler, AsError(errors.New("boom")).Code)
	assert.Equal(t, CodeDisconnected, AsError(fmt.Errorf("x: %w", ErrDisconnected)).Code)
}
