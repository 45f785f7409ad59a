// ABOUTME: Streamed-turn channel running one chat turn over a single HTTP exchange
// ABOUTME: Drives retrieval and the LLM, or mints an invocation and hands off to a session

package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom-gateway/internal/frame"
	"github.com/loomhq/loom-gateway/internal/invocation"
	"github.com/loomhq/loom-gateway/internal/llm"
	"github.com/loomhq/loom-gateway/internal/retrieval"
)

// Emitter delivers frames to the client in order. Implementations must not
// be written to after a terminal frame.
type Emitter interface {
	Emit(f *frame.Frame) error
}

// ThreadRenamer renames a thread once its first response suggests a title.
type ThreadRenamer interface {
	RenameThread(ctx context.Context, id, name string) error
}

// Params describes one chat turn.
type Params struct {
	WorkspaceID string
	UserID      string
	ThreadID    string
	// FreshThread marks a thread awaiting its first response title.
	FreshThread bool
	Message     string
	// AgentMode hands the turn off to an agent session instead of answering inline.
	AgentMode bool
}

// Channel runs streamed turns. One Channel serves all requests; each Run call
// is independent and tied to its request context.
type Channel struct {
	provider  llm.Provider
	retriever retrieval.Retriever
	registry  *invocation.Registry
	threads   ThreadRenamer
	streaming bool
	logger    *slog.Logger
}

// NewChannel creates a streamed-turn channel. threads may be nil when thread
// renaming is not wired.
func NewChannel(provider llm.Provider, retriever retrieval.Retriever, registry *invocation.Registry, threads ThreadRenamer, streaming bool, logger *slog.Logger) *Channel {
	return &Channel{
		provider:  provider,
		retriever: retriever,
		registry:  registry,
		threads:   threads,
		streaming: streaming,
		logger:    logger.With("component", "turn"),
	}
}

// Run executes one turn, always ending with exactly one terminal frame.
// Emit errors abandon the turn silently: the client is gone.
func (c *Channel) Run(ctx context.Context, p Params, emit Emitter) {
	if p.AgentMode {
		c.runHandoff(ctx, p, emit)
		return
	}
	c.runChat(ctx, p, emit)
}

// runHandoff mints an invocation and tells the client to open a session.
// When minting fails the turn degrades to an ordinary closed response
// carrying the error.
func (c *Channel) runHandoff(ctx context.Context, p Params, emit Emitter) {
	inv, err := c.registry.Create(ctx, invocation.CreateParams{
		WorkspaceID: p.WorkspaceID,
		UserID:      p.UserID,
		ThreadID:    p.ThreadID,
		Prompt:      p.Message,
	})
	if err != nil {
		c.logger.Error("invocation create failed", "workspace_id", p.WorkspaceID, "error", err)
		f := frame.Status("agent session could not be started", false, true)
		f.Error = err.Error()
		_ = emit.Emit(f)
		return
	}

	if err := emit.Emit(frame.Handoff(inv.UUID)); err != nil {
		return
	}
	_ = emit.Emit(frame.Status("agent session starting", false, true))
}

// runChat answers the turn inline: retrieval, then the LLM, then a terminal.
func (c *Channel) runChat(ctx context.Context, p Params, emit Emitter) {
	chatID := uuid.NewString()

	passages, err := c.retriever.Retrieve(ctx, p.WorkspaceID, p.Message)
	if err != nil {
		c.logger.Error("retrieval failed", "workspace_id", p.WorkspaceID, "error", err)
		_ = emit.Emit(frame.Abort(fmt.Errorf("retrieving context: %w", err)))
		return
	}

	sources := make([]frame.Source, 0, len(passages))
	for _, ps := range passages {
		sources = append(sources, ps.Source)
	}

	req := buildRequest(p.Message, passages)
	start := time.Now()

	if !c.streaming {
		c.runBlocking(ctx, p, chatID, req, sources, emit)
		return
	}

	ch, err := c.provider.Stream(ctx, req)
	if err != nil {
		c.logger.Error("llm stream failed to start", "error", err)
		_ = emit.Emit(frame.Abort(err))
		return
	}

	var text strings.Builder
	var usage *llm.Usage
	for chunk := range ch {
		if chunk.Err != nil {
			c.logger.Error("llm stream failed", "error", chunk.Err)
			_ = emit.Emit(frame.Abort(chunk.Err))
			return
		}
		if chunk.Done {
			usage = chunk.Usage
			break
		}
		if chunk.Delta == "" {
			continue
		}
		text.WriteString(chunk.Delta)
		f := frame.TextChunk(chatID, chunk.Delta, nil)
		if text.Len() == len(chunk.Delta) {
			f.Sources = sources
		}
		if err := emit.Emit(f); err != nil {
			return
		}
	}

	final := frame.Finalize(chatID, buildMetrics(usage, time.Since(start)))
	c.attachRename(ctx, p, text.String(), final)
	_ = emit.Emit(final)
}

// runBlocking answers with a single closed textResponse.
func (c *Channel) runBlocking(ctx context.Context, p Params, chatID string, req llm.Request, sources []frame.Source, emit Emitter) {
	completion, err := c.provider.Complete(ctx, req)
	if err != nil {
		c.logger.Error("llm completion failed", "error", err)
		_ = emit.Emit(frame.Abort(err))
		return
	}

	f := frame.CompleteText(chatID, completion.Text, sources)
	c.attachRename(ctx, p, completion.Text, f)
	_ = emit.Emit(f)
}

// attachRename renames a fresh thread after its first response and annotates
// the terminal frame so the client can update its UI.
func (c *Channel) attachRename(ctx context.Context, p Params, text string, f *frame.Frame) {
	if !p.FreshThread || p.ThreadID == "" || c.threads == nil || text == "" {
		return
	}

	title := threadTitle(text)
	if err := c.threads.RenameThread(ctx, p.ThreadID, title); err != nil {
		c.logger.Warn("thread rename failed", "thread_id", p.ThreadID, "error", err)
		return
	}

	payload, _ := json.Marshal(map[string]string{"title": title})
	f.Action = &frame.Action{Name: frame.ActionRenameThread, Payload: payload}
}

// threadTitle derives a short title from the opening of a response.
func threadTitle(text string) string {
	line := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	line = strings.TrimLeft(line, "#* ")
	const max = 48
	if len(line) > max {
		cut := strings.LastIndex(line[:max], " ")
		if cut < max/2 {
			cut = max
		}
		line = strings.TrimRight(line[:cut], " ,.;:") + "…"
	}
	return line
}

// buildRequest assembles the provider request from the message and passages.
func buildRequest(message string, passages []retrieval.Passage) llm.Request {
	var sys strings.Builder
	sys.WriteString("You are a helpful assistant.")
	if len(passages) > 0 {
		sys.WriteString(" Use the following context when relevant:\n")
		for _, p := range passages {
			sys.WriteString("\n---\n")
			sys.WriteString(p.Text)
		}
	}
	return llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: sys.String()},
			{Role: llm.RoleUser, Content: message},
		},
	}
}

// buildMetrics converts usage and wall time into turn metrics.
func buildMetrics(usage *llm.Usage, elapsed time.Duration) *frame.Metrics {
	m := &frame.Metrics{Duration: elapsed.Seconds()}
	if usage != nil {
		m.PromptTokens = usage.PromptTokens
		m.CompletionTokens = usage.CompletionTokens
		m.TotalTokens = usage.TotalTokens
		if elapsed > 0 {
			m.OutputTPS = float64(usage.CompletionTokens) / elapsed.Seconds()
		}
	}
	return m
}
