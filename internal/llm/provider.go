// ABOUTME: Provider interface and request/response types for the LLM collaborator
// ABOUTME: Supports blocking completion and incremental streaming with tool calls

package llm

import (
	"context"
	"encoding/json"
)

// Message roles understood by chat-completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation sent to the provider.
type Message struct {
	Role    string
	Content string
	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
}

// ToolSpec describes one tool offered to the model for this request.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Request is one completion request.
type Request struct {
	Messages []Message
	Tools    []ToolSpec
}

// Usage reports token accounting for a completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the blocking-mode result.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Chunk is one increment of a streamed response. Exactly one of Delta,
// ToolCall, or Err is meaningful; Done marks the final chunk, which may also
// carry Usage.
type Chunk struct {
	Delta    string
	ToolCall *ToolCall
	Err      error
	Done     bool
	Usage    *Usage
}

// Provider is the LLM collaborator. Stream's channel is closed after the
// Done (or Err) chunk; both methods honor context cancellation.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
