// ABOUTME: Typed frame vocabulary shared by the streamed-turn and session channels.
// ABOUTME: Defines frame kinds, payload shapes, JSON codec, and terminal-frame rules.

package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the frame types carried on both channel kinds.
type Kind string

const (
	// Server -> client.
	KindTextResponseChunk      Kind = "textResponseChunk"
	KindTextResponse           Kind = "textResponse"
	KindFinalizeResponseStream Kind = "finalizeResponseStream"
	KindAbort                  Kind = "abort"
	KindStatusResponse         Kind = "statusResponse"
	KindHandoff                Kind = "handoff"
	KindWaitingOnInput         Kind = "waitingOnInput"
	KindHeartbeat              Kind = "heartbeat"
	KindWSSFailure             Kind = "wssFailure"

	// Client -> server.
	KindAwaitingFeedback Kind = "awaitingFeedback"
	KindPong             Kind = "pong"

	// Client-local marker, never sent on the wire.
	KindStopGeneration Kind = "stopGeneration"
)

// ActionName identifies an out-of-band side effect attached to a frame.
type ActionName string

const (
	ActionRenameThread ActionName = "rename_thread"
	ActionResetChat    ActionName = "reset_chat"
)

// Action is an annotation that may ride on any frame. The payload shape
// depends on the action name (e.g. {"title": "..."} for rename_thread).
type Action struct {
	Name    ActionName      `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Source describes the provenance of a context passage cited in a response.
type Source struct {
	Title     string  `json:"title,omitempty"`
	Reference string  `json:"reference,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// Metrics summarizes token usage and timing for a completed turn.
type Metrics struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	OutputTPS        float64 `json:"output_tps,omitempty"`
	Duration         float64 `json:"duration,omitempty"`
}

// Frame is one self-contained message unit. Only the fields relevant to the
// frame's Kind are populated; the rest stay at their zero value and are
// omitted from the wire encoding.
type Frame struct {
	Type         Kind     `json:"type"`
	UUID         string   `json:"uuid,omitempty"`
	TextResponse string   `json:"textResponse,omitempty"`
	Sources      []Source `json:"sources,omitempty"`
	Close        bool     `json:"close,omitempty"`
	Error        string   `json:"error,omitempty"`
	Animate      bool     `json:"animate,omitempty"`
	ChatID       string   `json:"chatId,omitempty"`
	Metrics      *Metrics `json:"metrics,omitempty"`
	InvocationID string   `json:"invocationId,omitempty"`
	Question     string   `json:"question,omitempty"`
	Feedback     string   `json:"feedback,omitempty"`
	Counter      int      `json:"counter,omitempty"`
	Healthy      bool     `json:"healthy,omitempty"`
	Server       bool     `json:"server,omitempty"`
	Timestamp    int64    `json:"timestamp,omitempty"`
	Action       *Action  `json:"action,omitempty"`
}

// Terminal reports whether this frame ends its channel. Receivers must stop
// awaiting further frames once a terminal frame arrives.
func (f *Frame) Terminal() bool {
	switch f.Type {
	case KindFinalizeResponseStream, KindAbort, KindWSSFailure:
		return true
	case KindStatusResponse, KindTextResponse:
		return f.Close
	}
	return false
}

// knownKinds is the set of kinds the codec accepts.
var knownKinds = map[Kind]struct{}{
	KindTextResponseChunk:      {},
	KindTextResponse:           {},
	KindFinalizeResponseStream: {},
	KindAbort:                  {},
	KindStatusResponse:         {},
	KindHandoff:                {},
	KindWaitingOnInput:         {},
	KindHeartbeat:              {},
	KindWSSFailure:             {},
	KindAwaitingFeedback:       {},
	KindPong:                   {},
	KindStopGeneration:         {},
}

// Encode serializes a frame to its JSON wire form.
func Encode(f *Frame) ([]byte, error) {
	if _, ok := knownKinds[f.Type]; !ok {
		return nil, fmt.Errorf("encoding frame: unknown kind %q", f.Type)
	}
	return json.Marshal(f)
}

// Decode parses a JSON wire frame, rejecting unknown or missing kinds.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decoding frame: missing type")
	}
	if _, ok := knownKinds[f.Type]; !ok {
		return nil, fmt.Errorf("decoding frame: unknown kind %q", f.Type)
	}
	return &f, nil
}

// TextChunk builds a partial-text frame for a streamed turn.
func TextChunk(uuid, text string, sources []Source) *Frame {
	return &Frame{
		Type:         KindTextResponseChunk,
		UUID:         uuid,
		TextResponse: text,
		Sources:      sources,
		Animate:      true,
	}
}

// CompleteText builds a one-shot full answer frame. It is terminal.
func CompleteText(uuid, text string, sources []Source) *Frame {
	return &Frame{
		Type:         KindTextResponse,
		UUID:         uuid,
		TextResponse: text,
		Sources:      sources,
		Close:        true,
	}
}

// Finalize builds the success terminator for a streamed turn.
func Finalize(chatID string, metrics *Metrics) *Frame {
	return &Frame{Type: KindFinalizeResponseStream, ChatID: chatID, Metrics: metrics, Close: true}
}

// Abort builds the failure terminator carrying a human-readable error.
func Abort(err error) *Frame {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Frame{Type: KindAbort, Error: msg, Close: true}
}

// Status builds an informational frame. Non-terminal unless closed is set.
func Status(text string, animate, closed bool) *Frame {
	return &Frame{Type: KindStatusResponse, TextResponse: text, Animate: animate, Close: closed}
}

// Handoff instructs the client to open the duplex channel for an invocation.
func Handoff(invocationID string) *Frame {
	return &Frame{Type: KindHandoff, InvocationID: invocationID}
}

// WaitingOnInput asks the user a question and pauses the asking task.
func WaitingOnInput(question string) *Frame {
	return &Frame{Type: KindWaitingOnInput, Question: question, Animate: true}
}

// Heartbeat builds the server liveness probe.
func Heartbeat(counter int, healthy bool) *Frame {
	return &Frame{Type: KindHeartbeat, Counter: counter, Healthy: healthy, Server: true}
}

// Pong builds the client liveness reply.
func Pong(counter int) *Frame {
	return &Frame{Type: KindPong, Counter: counter, Timestamp: time.Now().UnixMilli()}
}

// Feedback builds the client reply to a waitingOnInput question.
func Feedback(text string) *Frame {
	return &Frame{Type: KindAwaitingFeedback, Feedback: text}
}

// WSSFailure reports that a session could not start. It is terminal.
func WSSFailure(message string) *Frame {
	return &Frame{Type: KindWSSFailure, Error: message, Close: true}
}

// StopGeneration builds the client-local cancellation marker.
func StopGeneration() *Frame {
	return &Frame{Type: KindStopGeneration}
}
