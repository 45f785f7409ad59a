// ABOUTME: OpenAI-compatible chat-completions Provider over plain HTTP
// ABOUTME: Handles base-URL normalization, SSE streaming, and the [DONE] terminator

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider talks to any OpenAI-compatible chat-completions endpoint
// (OpenAI, Ollama, vLLM, LM Studio, and friends).
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider creates a provider for the given endpoint and model.
func NewOpenAIProvider(baseURL, apiKey, model string, logger *slog.Logger) (*OpenAIProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llm base URL is required")
	}
	if model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	return &OpenAIProvider{
		baseURL: normalizeBaseURL(baseURL),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 5 * time.Minute},
		logger:  logger.With("component", "llm"),
	}, nil
}

// normalizeBaseURL trims trailing slashes and appends /v1 when missing.
func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}

// Wire shapes for the chat-completions API.
type apiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
}

type apiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type apiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (p *OpenAIProvider) buildPayload(req Request, stream bool) ([]byte, error) {
	messages := make([]apiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, apiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}

	payload := map[string]any{
		"model":    p.model,
		"messages": messages,
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		tools := make([]apiTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			var at apiTool
			at.Type = "function"
			at.Function.Name = t.Name
			at.Function.Description = t.Description
			at.Function.Parameters = t.Parameters
			tools = append(tools, at)
		}
		payload["tools"] = tools
	}
	return json.Marshal(payload)
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return httpReq, nil
}

// Complete performs a blocking chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	body, err := p.buildPayload(req, false)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading llm response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("llm http %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content   string        `json:"content"`
				ToolCalls []apiToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage apiUsage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decoding llm response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	choice := decoded.Choices[0]
	completion := &Completion{
		Text: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return completion, nil
}

// Stream performs a streaming chat completion. The returned channel yields
// text deltas and tool calls, ends with a Done chunk, and is then closed.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := p.buildPayload(req, true)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("llm http %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	out := make(chan Chunk, 8)
	go p.readStream(ctx, resp.Body, out)
	return out, nil
}

// emit delivers one chunk, abandoning the stream when the consumer has
// cancelled and stopped draining. Returns false once ctx is done.
func emit(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// readStream parses the SSE body until [DONE], an error, or cancellation.
func (p *OpenAIProvider) readStream(ctx context.Context, body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	var usage *Usage
	// Partial tool calls accumulate across deltas keyed by index
	partialCalls := map[int]*ToolCall{}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			emit(ctx, out, Chunk{Err: ctx.Err()})
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			for i := 0; i < len(partialCalls); i++ {
				if tc := partialCalls[i]; tc != nil {
					if !emit(ctx, out, Chunk{ToolCall: tc}) {
						return
					}
				}
			}
			emit(ctx, out, Chunk{Done: true, Usage: usage})
			return
		}

		var delta struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *apiUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			p.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if delta.Usage != nil {
			usage = &Usage{
				PromptTokens:     delta.Usage.PromptTokens,
				CompletionTokens: delta.Usage.CompletionTokens,
				TotalTokens:      delta.Usage.TotalTokens,
			}
		}
		if len(delta.Choices) == 0 {
			continue
		}

		d := delta.Choices[0].Delta
		if d.Content != "" {
			if !emit(ctx, out, Chunk{Delta: d.Content}) {
				return
			}
		}
		for _, tc := range d.ToolCalls {
			call := partialCalls[tc.Index]
			if call == nil {
				call = &ToolCall{}
				partialCalls[tc.Index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, out, Chunk{Err: fmt.Errorf("reading llm stream: %w", err)})
		return
	}
	// Stream ended without [DONE]; treat as done with whatever we have
	emit(ctx, out, Chunk{Done: true, Usage: usage})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
