// ABOUTME: Agent task runner driving the LLM loop over a session
// ABOUTME: Streams output, gates tool calls, and services built-in capabilities

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom-gateway/internal/authz"
	"github.com/loomhq/loom-gateway/internal/frame"
	"github.com/loomhq/loom-gateway/internal/llm"
	"github.com/loomhq/loom-gateway/internal/store"
)

// maxAgentTurns bounds the tool-call loop so a confused model cannot spin
// the session forever.
const maxAgentTurns = 8

// SendFunc delivers a frame to the invocation's live socket. A false return
// means no client is currently connected; the frame is dropped.
type SendFunc func(*frame.Frame) bool

// Runner executes one invocation's agent task. It outlives individual
// sockets: frames always route to whichever connection is live.
type Runner struct {
	inv      *store.Invocation
	provider llm.Provider
	gate     *authz.Gate
	store    store.Store
	feedback *FeedbackRouter
	send     SendFunc
	logger   *slog.Logger

	// Exec runs an authorized non-builtin tool. When nil, such tools report
	// that no executor is wired.
	Exec func(ctx context.Context, call llm.ToolCall) (string, error)
}

// NewRunner creates a runner for an invocation.
func NewRunner(inv *store.Invocation, provider llm.Provider, gate *authz.Gate, s store.Store, feedback *FeedbackRouter, send SendFunc, logger *slog.Logger) *Runner {
	return &Runner{
		inv:      inv,
		provider: provider,
		gate:     gate,
		store:    s,
		feedback: feedback,
		send:     send,
		logger:   logger.With("component", "runner", "invocation_id", inv.UUID),
	}
}

// builtinTools are always offered to the model alongside any external tools.
func builtinTools() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        "discover",
			Description: "List the capabilities available in this workspace.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "remember",
			Description: "Store a fact for later recall in this workspace.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}`),
		},
		{
			Name:        "recall",
			Description: "Recall a previously remembered fact, or all facts when key is omitted.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}}}`),
		},
		{
			Name:        "ask_user",
			Description: "Ask the user a question and wait for their reply.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"}},"required":["question"]}`),
		},
	}
}

// Run drives the agent loop to completion or cancellation.
func (r *Runner) Run(ctx context.Context) {
	chatID := uuid.NewString()
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are an autonomous agent working on the user's task. Use tools when they help; ask the user when you are blocked."},
		{Role: llm.RoleUser, Content: r.inv.Prompt},
	}

	for turn := 0; turn < maxAgentTurns; turn++ {
		if ctx.Err() != nil {
			return
		}

		ch, err := r.provider.Stream(ctx, llm.Request{Messages: messages, Tools: builtinTools()})
		if err != nil {
			r.logger.Error("llm stream failed to start", "error", err)
			r.send(frame.Abort(err))
			return
		}

		var text strings.Builder
		var calls []llm.ToolCall
	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-ch:
				if !ok {
					break stream
				}
				if chunk.Err != nil {
					if errors.Is(chunk.Err, context.Canceled) {
						return
					}
					r.logger.Error("llm stream failed", "error", chunk.Err)
					r.send(frame.Abort(chunk.Err))
					return
				}
				if chunk.Done {
					break stream
				}
				if chunk.Delta != "" {
					text.WriteString(chunk.Delta)
					r.send(frame.TextChunk(chatID, chunk.Delta, nil))
				}
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			}
		}

		if len(calls) == 0 {
			return
		}

		if text.Len() > 0 {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: text.String()})
		}
		for _, call := range calls {
			result := r.execTool(ctx, call)
			if ctx.Err() != nil {
				return
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	r.logger.Warn("agent loop hit turn limit")
	r.send(frame.Status("agent stopped after too many tool rounds", false, false))
}

// execTool services one tool call: built-ins directly, everything else
// through the authorization gate. Denials return a structured message and
// the session continues.
func (r *Runner) execTool(ctx context.Context, call llm.ToolCall) string {
	switch call.Name {
	case "discover":
		return r.execDiscover(ctx)
	case "remember":
		return r.execRemember(ctx, call)
	case "recall":
		return r.execRecall(ctx, call)
	case "ask_user":
		return r.execAskUser(ctx, call)
	}

	roleArg := argString(call.Arguments, "role")
	if !r.gate.IsAuthorized(ctx, r.inv.WorkspaceID, call.Name, roleArg) {
		r.logger.Info("capability denied", "capability", call.Name, "role", roleArg)
		return r.gate.DenialMessage(call.Name)
	}

	r.send(frame.Status(fmt.Sprintf("running %s", call.Name), true, false))
	if r.Exec == nil {
		return fmt.Sprintf("tool %q has no executor wired in this deployment", call.Name)
	}
	result, err := r.Exec(ctx, call)
	if err != nil {
		return fmt.Sprintf("tool %q failed: %v", call.Name, err)
	}
	return result
}

// execDiscover renders the capability listing, filtered for this workspace.
func (r *Runner) execDiscover(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("## Available capabilities\n\n")
	names := append(r.gate.Catalogue(), "discover", "remember", "recall", "ask_user")
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- `%s`\n", name)
	}
	return r.gate.FilterListing(ctx, r.inv.WorkspaceID, b.String())
}

func (r *Runner) execRemember(ctx context.Context, call llm.ToolCall) string {
	key := argString(call.Arguments, "key")
	value := argString(call.Arguments, "value")
	if key == "" || value == "" {
		return "remember requires both key and value"
	}
	err := r.store.SetMemo(ctx, &store.AgentMemo{
		WorkspaceID: r.inv.WorkspaceID,
		Key:         key,
		Value:       value,
	})
	if err != nil {
		r.logger.Error("memo write failed", "key", key, "error", err)
		return "could not store that fact"
	}
	return fmt.Sprintf("remembered %q", key)
}

func (r *Runner) execRecall(ctx context.Context, call llm.ToolCall) string {
	key := argString(call.Arguments, "key")
	if key != "" {
		memo, err := r.store.GetMemo(ctx, r.inv.WorkspaceID, key)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("nothing remembered under %q", key)
		}
		if err != nil {
			return "could not read memos"
		}
		return memo.Value
	}

	memos, err := r.store.ListMemos(ctx, r.inv.WorkspaceID)
	if err != nil {
		return "could not read memos"
	}
	if len(memos) == 0 {
		return "nothing remembered yet"
	}
	var b strings.Builder
	for _, m := range memos {
		fmt.Fprintf(&b, "%s: %s\n", m.Key, m.Value)
	}
	return b.String()
}

// execAskUser suspends this task until the user answers. The question is
// registered before the frame is sent, so a fast reply cannot race past it.
func (r *Runner) execAskUser(ctx context.Context, call llm.ToolCall) string {
	question := argString(call.Arguments, "question")
	if question == "" {
		return "ask_user requires a question"
	}

	answers := r.feedback.Ask(ctx)
	r.send(frame.WaitingOnInput(question))

	answer, ok := <-answers
	if !ok {
		return "the user did not answer"
	}
	return answer
}

// argString pulls one string field out of a tool call's JSON arguments.
func argString(arguments, key string) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}
