// ABOUTME: Tests for the frame codec: terminal-frame rules, unknown-kind
// ABOUTME: rejection, and wire-shape stability of the JSON encoding.

package frame

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalFrames(t *testing.T) {
	tests := []struct {
		name     string
		frame    *Frame
		terminal bool
	}{
		{"finalize", Finalize("chat-1", nil), true},
		{"abort", Abort(nil), true},
		{"wss failure", WSSFailure("no such invocation"), true},
		{"closed status", Status("done", false, true), true},
		{"open status", Status("thinking", true, false), false},
		{"complete text", CompleteText("u1", "hi", nil), true},
		{"chunk", TextChunk("u1", "hi", nil), false},
		{"handoff", Handoff("inv-1"), false},
		{"heartbeat", Heartbeat(3, true), false},
		{"pong", Pong(3), false},
		{"waiting on input", WaitingOnInput("which one?"), false},
		{"feedback", Feedback("the second"), false},
		{"stop generation", StopGeneration(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.frame.Terminal())
		})
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"mystery"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"textResponse":"hello"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := TextChunk("uuid-1", "partial text", []Source{{Title: "doc", Reference: "s3://doc", Score: 0.92}})
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeOmitsZeroFields(t *testing.T) {
	data, err := Encode(Handoff("inv-42"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "handoff", raw["type"])
	assert.Equal(t, "inv-42", raw["invocationId"])
	assert.NotContains(t, raw, "textResponse")
	assert.NotContains(t, raw, "close")
	assert.NotContains(t, raw, "metrics")
}

func TestHeartbeatMarksServerOrigin(t *testing.T) {
	hb := Heartbeat(7, false)
	assert.True(t, hb.Server)
	assert.Equal(t, 7, hb.Counter)
	assert.False(t, hb.Healthy)
}

func TestActionAnnotationRoundTrip(t *testing.T) {
	f := Finalize("chat-9", &Metrics{CompletionTokens: 12})
	f.Action = &Action{Name: ActionRenameThread, Payload: json.RawMessage(`{"title":"New name"}`)}

	data, err := Encode(f)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)

	require.NotNil(t, out.Action)
	assert.Equal(t, ActionRenameThread, out.Action.Name)
	assert.JSONEq(t, `{"title":"New name"}`, string(out.Action.Payload))
}

func TestAbortCarriesMessage(t *testing.T) {
	f := Abort(assert.AnError)
	assert.Equal(t, KindAbort, f.Type)
	assert.Equal(t, assert.AnError.Error(), f.Error)
	assert.True(t, f.Terminal())
}
