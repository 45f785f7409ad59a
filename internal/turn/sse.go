// ABOUTME: SSE emitter writing frames as server-sent events on an HTTP response
// ABOUTME: Event name is the frame kind, data is the frame's JSON encoding

package turn

import (
	"fmt"
	"net/http"

	"github.com/loomhq/loom-gateway/internal/frame"
)

// SSEEmitter writes frames as SSE events and flushes after each one.
type SSEEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEEmitter prepares the response for streaming and returns an emitter.
// Returns an error when the ResponseWriter cannot flush.
func NewSSEEmitter(w http.ResponseWriter) (*SSEEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEEmitter{w: w, flusher: flusher}, nil
}

// Emit writes one frame as an SSE event.
func (e *SSEEmitter) Emit(f *frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return fmt.Errorf("writing sse event: %w", err)
	}
	e.flusher.Flush()
	return nil
}
