// ABOUTME: End-to-end session tests over a real websocket pair
// ABOUTME: Covers streaming, bail, feedback, supersession, denial, and heartbeats

package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom-gateway/internal/authz"
	"github.com/loomhq/loom-gateway/internal/config"
	"github.com/loomhq/loom-gateway/internal/frame"
	"github.com/loomhq/loom-gateway/internal/invocation"
	"github.com/loomhq/loom-gateway/internal/llm"
	"github.com/loomhq/loom-gateway/internal/store"
)

type testEnv struct {
	store    *store.MockStore
	registry *invocation.Registry
	gate     *authz.Gate
	provider *llm.MockProvider
	manager  *Manager
	server   *httptest.Server
	ws       *store.Workspace
}

func quietSessionConfig() config.SessionConfig {
	// Heartbeats stay out of the way unless a test wants them
	return config.SessionConfig{
		HeartbeatInterval: time.Hour,
		HealthyPongWindow: time.Hour,
		DeadPongWindow:    2 * time.Hour,
		OpenTimeout:       config.DefaultOpenTimeout,
		BackoffBase:       config.DefaultBackoffBase,
		BackoffCeiling:    config.DefaultBackoffCeiling,
		MaxRetries:        config.DefaultMaxRetries,
	}
}

func newTestEnv(t *testing.T, provider *llm.MockProvider, cfg config.SessionConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))

	ms := store.NewMockStore()
	ws := &store.Workspace{ID: "ws-1", Slug: "acme", Name: "Acme"}
	require.NoError(t, ms.CreateWorkspace(context.Background(), ws))

	registry := invocation.NewRegistry(ms, logger)
	gate := authz.NewGate(ms, []string{"web-search", "deploy"}, logger)
	m := NewManager(registry, gate, provider, ms, cfg, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/agent-invocation/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/agent-invocation/")
		m.Handle(w, r, id)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		m.Shutdown()
		server.Close()
	})

	return &testEnv{store: ms, registry: registry, gate: gate, provider: provider, manager: m, server: server, ws: ws}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func (e *testEnv) newInvocation(t *testing.T, prompt string) *store.Invocation {
	t.Helper()
	inv, err := e.registry.Create(context.Background(), invocation.CreateParams{
		WorkspaceID: e.ws.ID,
		Prompt:      prompt,
	})
	require.NoError(t, err)
	return inv
}

func (e *testEnv) dial(t *testing.T, invocationID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/agent-invocation/" + invocationID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads the next data frame, failing the test on timeout or close.
func readFrame(t *testing.T, conn *websocket.Conn) *frame.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := frame.Decode(data)
	require.NoError(t, err)
	return f
}

// readUntil skips frames (heartbeats, statuses) until one of the wanted kind
// arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind frame.Kind) *frame.Frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn)
		if f.Type == kind {
			return f
		}
	}
	t.Fatalf("never saw a %s frame", kind)
	return nil
}

// expectClose reads until the peer closes and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for i := 0; i < 50; i++ {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected a close, got %v", err)
		return closeErr.Code
	}
	t.Fatal("peer never closed")
	return 0
}

func sendFrame(t *testing.T, conn *websocket.Conn, f *frame.Frame) {
	t.Helper()
	data, err := frame.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestUnknownInvocationIsRejected(t *testing.T) {
	env := newTestEnv(t, &llm.MockProvider{}, quietSessionConfig())

	conn := env.dial(t, "no-such-invocation")
	f := readFrame(t, conn)
	assert.Equal(t, frame.KindWSSFailure, f.Type)
	assert.Contains(t, f.Error, "no-such-invocation")
	assert.True(t, f.Terminal())
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn))
}

func TestClosedInvocationIsRejected(t *testing.T) {
	env := newTestEnv(t, &llm.MockProvider{}, quietSessionConfig())
	inv := env.newInvocation(t, "do the thing")
	require.NoError(t, env.registry.Close(context.Background(), inv.UUID))

	conn := env.dial(t, inv.UUID)
	f := readFrame(t, conn)
	assert.Equal(t, frame.KindWSSFailure, f.Type)
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn))
}

func TestAgentOutputStreamsToClient(t *testing.T) {
	provider := &llm.MockProvider{StreamChunks: []llm.Chunk{
		{Delta: "hello "},
		{Delta: "world"},
	}}
	env := newTestEnv(t, provider, quietSessionConfig())
	inv := env.newInvocation(t, "say hello")

	conn := env.dial(t, inv.UUID)

	first := readUntil(t, conn, frame.KindTextResponseChunk)
	assert.Equal(t, "hello ", first.TextResponse)
	second := readUntil(t, conn, frame.KindTextResponseChunk)
	assert.Equal(t, "world", second.TextResponse)
	assert.Equal(t, first.UUID, second.UUID, "chunks of one response share a chat id")

	status := readUntil(t, conn, frame.KindStatusResponse)
	assert.True(t, status.Close)
	assert.True(t, status.Terminal())
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn))

	got, err := env.registry.Get(context.Background(), inv.UUID)
	require.NoError(t, err)
	assert.True(t, got.Closed, "completed invocation is closed in the store")
}

func askUserChunk(question string) llm.Chunk {
	return llm.Chunk{ToolCall: &llm.ToolCall{
		ID:        "call-1",
		Name:      "ask_user",
		Arguments: `{"question":"` + question + `"}`,
	}}
}

func TestFeedbackRoundTrip(t *testing.T) {
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{askUserChunk("which color?")},
		{{Delta: "blue it is"}},
	}}
	env := newTestEnv(t, provider, quietSessionConfig())
	inv := env.newInvocation(t, "paint the shed")

	conn := env.dial(t, inv.UUID)

	waiting := readUntil(t, conn, frame.KindWaitingOnInput)
	assert.Equal(t, "which color?", waiting.Question)

	sendFrame(t, conn, frame.Feedback("blue"))

	chunk := readUntil(t, conn, frame.KindTextResponseChunk)
	assert.Equal(t, "blue it is", chunk.TextResponse)
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn))

	// The answer went back to the model as the tool result
	reqs := provider.RecordedRequests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call-1", last.ToolCallID)
	assert.Equal(t, "blue", last.Content)
}

func TestBailCommandEndsSession(t *testing.T) {
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{askUserChunk("still there?")},
	}}
	env := newTestEnv(t, provider, quietSessionConfig())
	inv := env.newInvocation(t, "long task")

	conn := env.dial(t, inv.UUID)
	readUntil(t, conn, frame.KindWaitingOnInput)

	sendFrame(t, conn, frame.Feedback("exit"))

	status := readUntil(t, conn, frame.KindStatusResponse)
	assert.True(t, status.Close)
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn))

	assert.Eventually(t, func() bool {
		got, err := env.registry.Get(context.Background(), inv.UUID)
		return err == nil && got.Closed
	}, 2*time.Second, 10*time.Millisecond, "bail closes the invocation")
}

func TestDeniedToolKeepsSessionAlive(t *testing.T) {
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{{ToolCall: &llm.ToolCall{ID: "call-1", Name: "deploy", Arguments: `{}`}}},
		{{Delta: "deploy is off limits here"}},
	}}
	env := newTestEnv(t, provider, quietSessionConfig())
	require.NoError(t, env.store.SetPermissions(context.Background(), &store.WorkspacePermissions{
		WorkspaceID:        env.ws.ID,
		AllRoles:           true,
		ExplicitlyDisabled: []string{"deploy"},
	}))
	inv := env.newInvocation(t, "ship it")

	conn := env.dial(t, inv.UUID)

	chunk := readUntil(t, conn, frame.KindTextResponseChunk)
	assert.Equal(t, "deploy is off limits here", chunk.TextResponse)
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, conn))

	reqs := provider.RecordedRequests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Contains(t, last.Content, `"deploy"`)
	assert.Contains(t, last.Content, "not enabled")
}

func TestNewcomerSupersedesExistingSocket(t *testing.T) {
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{askUserChunk("which branch?")},
		{{Delta: "merging main"}},
	}}
	env := newTestEnv(t, provider, quietSessionConfig())
	inv := env.newInvocation(t, "merge the branch")

	first := env.dial(t, inv.UUID)
	readUntil(t, first, frame.KindWaitingOnInput)

	second := env.dial(t, inv.UUID)
	assert.Equal(t, websocket.CloseGoingAway, expectClose(t, first), "older socket sees a going-away close")

	// The task survived the swap: feedback over the new socket resumes it
	sendFrame(t, second, frame.Feedback("main"))
	chunk := readUntil(t, second, frame.KindTextResponseChunk)
	assert.Equal(t, "merging main", chunk.TextResponse)
	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, second))
}

func TestHeartbeatForceClosesDeadPeer(t *testing.T) {
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{askUserChunk("anyone home?")},
	}}
	cfg := quietSessionConfig()
	cfg.HeartbeatInterval = 25 * time.Millisecond
	cfg.HealthyPongWindow = 100 * time.Millisecond
	cfg.DeadPongWindow = 200 * time.Millisecond
	env := newTestEnv(t, provider, cfg)
	inv := env.newInvocation(t, "idle task")

	conn := env.dial(t, inv.UUID)

	sawHeartbeat := false
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected a close, got %v", err)
			assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code, "dead peer gets a retryable close")
			break
		}
		f, err := frame.Decode(data)
		require.NoError(t, err)
		if f.Type == frame.KindHeartbeat {
			sawHeartbeat = true
			assert.True(t, f.Server)
			assert.Greater(t, f.Counter, 0)
		}
	}
	assert.True(t, sawHeartbeat, "heartbeats precede the force close")
}

func TestPongKeepsSessionHealthy(t *testing.T) {
	provider := &llm.MockProvider{StreamScripts: [][]llm.Chunk{
		{askUserChunk("anyone home?")},
	}}
	cfg := quietSessionConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HealthyPongWindow = 150 * time.Millisecond
	cfg.DeadPongWindow = 400 * time.Millisecond
	env := newTestEnv(t, provider, cfg)
	inv := env.newInvocation(t, "idle task")

	conn := env.dial(t, inv.UUID)

	// Answer every heartbeat for well past the dead window
	deadline := time.Now().Add(500 * time.Millisecond)
	heartbeats := 0
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "a ponging client must not be closed")
		f, err := frame.Decode(data)
		require.NoError(t, err)
		if f.Type != frame.KindHeartbeat {
			continue
		}
		heartbeats++
		assert.True(t, f.Healthy, "prompt pongs keep the link healthy")
		sendFrame(t, conn, frame.Pong(f.Counter))
	}
	assert.Greater(t, heartbeats, 2)
}
