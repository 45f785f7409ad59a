// ABOUTME: Unit tests for the agent task runner
// ABOUTME: Exercises built-in tools, turn limits, and stream failures directly

package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom-gateway/internal/authz"
	"github.com/loomhq/loom-gateway/internal/frame"
	"github.com/loomhq/loom-gateway/internal/llm"
	"github.com/loomhq/loom-gateway/internal/store"
)

type frameLog struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (l *frameLog) send(f *frame.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return true
}

func (l *frameLog) all() []*frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*frame.Frame(nil), l.frames...)
}

func newTestRunner(t *testing.T, provider *llm.MockProvider) (*Runner, *store.MockStore, *frameLog) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))

	ms := store.NewMockStore()
	ws := &store.Workspace{ID: "ws-1", Slug: "acme", Name: "Acme"}
	require.NoError(t, ms.CreateWorkspace(context.Background(), ws))

	gate := authz.NewGate(ms, []string{"web-search", "deploy"}, logger)
	inv := &store.Invocation{UUID: "inv-1", WorkspaceID: ws.ID, Prompt: "do the thing"}

	log := &frameLog{}
	return NewRunner(inv, provider, gate, ms, NewFeedbackRouter(), log.send, logger), ms, log
}

func toolCall(name, arguments string) llm.Chunk {
	return llm.Chunk{ToolCall: &llm.ToolCall{ID: "call-1", Name: name, Arguments: arguments}}
}

func TestRunnerRemembersAndRecalls(t *testing.T) {
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{toolCall("remember", `{"key":"color","value":"blue"}`)},
		{toolCall("recall", `{"key":"color"}`)},
		{{Delta: "all set"}},
	}}
	runner, ms, _ := newTestRunner(t, provider)

	runner.Run(context.Background())

	memo, err := ms.GetMemo(context.Background(), "ws-1", "color")
	require.NoError(t, err)
	assert.Equal(t, "blue", memo.Value)

	reqs := provider.RecordedRequests()
	require.Len(t, reqs, 3)
	last := reqs[2].Messages[len(reqs[2].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "blue", last.Content, "recall surfaces the stored value")
}

func TestRunnerRecallWithoutKeyListsEverything(t *testing.T) {
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{toolCall("recall", `{}`)},
		{{Delta: "done"}},
	}}
	runner, ms, _ := newTestRunner(t, provider)
	require.NoError(t, ms.SetMemo(context.Background(), &store.AgentMemo{WorkspaceID: "ws-1", Key: "a", Value: "1"}))
	require.NoError(t, ms.SetMemo(context.Background(), &store.AgentMemo{WorkspaceID: "ws-1", Key: "b", Value: "2"}))

	runner.Run(context.Background())

	reqs := provider.RecordedRequests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, last.Content, "a: 1")
	assert.Contains(t, last.Content, "b: 2")
}

func TestDiscoverHidesDisabledCapabilities(t *testing.T) {
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{toolCall("discover", `{}`)},
		{{Delta: "done"}},
	}}
	runner, ms, _ := newTestRunner(t, provider)
	require.NoError(t, ms.SetPermissions(context.Background(), &store.WorkspacePermissions{
		WorkspaceID:        "ws-1",
		AllRoles:           true,
		ExplicitlyDisabled: []string{"deploy"},
	}))

	runner.Run(context.Background())

	reqs := provider.RecordedRequests()
	require.Len(t, reqs, 2)
	listing := reqs[1].Messages[len(reqs[1].Messages)-1].Content
	assert.Contains(t, listing, "`web-search`")
	assert.NotContains(t, listing, "deploy")
	assert.Contains(t, listing, "`remember`", "built-ins always appear")
}

func TestRunnerStopsAtTurnLimit(t *testing.T) {
	// A model that never stops calling tools
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{toolCall("recall", `{}`)},
	}}
	runner, _, log := newTestRunner(t, provider)

	runner.Run(context.Background())

	frames := log.all()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, frame.KindStatusResponse, last.Type)
	assert.Contains(t, last.TextResponse, "too many tool rounds")
	assert.Len(t, provider.RecordedRequests(), maxAgentTurns)
}

func TestRunnerAbortsWhenStreamFails(t *testing.T) {
	provider := &llm.MockProvider{Err: assert.AnError}
	runner, _, log := newTestRunner(t, provider)

	runner.Run(context.Background())

	frames := log.all()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.KindAbort, frames[0].Type)
	assert.True(t, frames[0].Terminal())
}

func TestIsBailCommand(t *testing.T) {
	for _, s := range []string{"exit", "/exit", "stop", "/stop", "halt", "/halt", "/reset", "  EXIT  ", "Stop"} {
		assert.True(t, IsBailCommand(s), s)
	}
	for _, s := range []string{"", "continue", "stop the deploy", "/restart"} {
		assert.False(t, IsBailCommand(s), s)
	}
}
