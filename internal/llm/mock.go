// ABOUTME: Scripted mock Provider for tests
// ABOUTME: Replays configured chunks and completions without network access

package llm

import (
	"context"
	"sync"
)

// MockProvider replays scripted responses. When Err is set, both methods
// fail with it immediately.
type MockProvider struct {
	CompletionResult *Completion
	StreamChunks     []Chunk
	// StreamScripts, when set, is consumed one script per Stream call and
	// takes precedence over StreamChunks. The last script repeats once the
	// list is exhausted.
	StreamScripts [][]Chunk
	Err           error

	mu sync.Mutex
	// Requests records every request received, newest last.
	Requests []Request
	streams  int
}

// RecordedRequests returns a copy of every request seen so far.
func (m *MockProvider) RecordedRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.Requests...)
}

// Complete returns the scripted completion.
func (m *MockProvider) Complete(_ context.Context, req Request) (*Completion, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.CompletionResult != nil {
		return m.CompletionResult, nil
	}
	return &Completion{Text: "mock response"}, nil
}

// Stream replays the scripted chunks, appending a Done chunk if the script
// lacks one.
func (m *MockProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	chunks := m.StreamChunks
	if len(m.StreamScripts) > 0 {
		i := m.streams
		if i >= len(m.StreamScripts) {
			i = len(m.StreamScripts) - 1
		}
		chunks = m.StreamScripts[i]
	}
	m.streams++
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	out := make(chan Chunk, len(chunks)+1)
	go func() {
		defer close(out)
		sawDone := false
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			if c.Done || c.Err != nil {
				sawDone = true
				break
			}
		}
		if !sawDone {
			out <- Chunk{Done: true}
		}
	}()
	return out, nil
}
