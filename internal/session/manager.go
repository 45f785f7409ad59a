// ABOUTME: Session manager upgrading invocation sockets and enforcing one live
// ABOUTME: connection per invocation, with handshake dedupe and runner lifecycle

package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomhq/loom-gateway/internal/authz"
	"github.com/loomhq/loom-gateway/internal/config"
	"github.com/loomhq/loom-gateway/internal/dedupe"
	"github.com/loomhq/loom-gateway/internal/frame"
	"github.com/loomhq/loom-gateway/internal/invocation"
	"github.com/loomhq/loom-gateway/internal/llm"
	"github.com/loomhq/loom-gateway/internal/store"
)

// runnerState tracks the one agent task per invocation. The task survives
// socket replacement; only an ended invocation stops it.
type runnerState struct {
	cancel context.CancelFunc
}

// Manager owns all live agent sessions. It upgrades handshakes, supersedes
// stale sockets, dedupes duplicate handshakes, and starts one Runner per
// invocation.
type Manager struct {
	registry   *invocation.Registry
	gate       *authz.Gate
	provider   llm.Provider
	store      store.Store
	cfg        config.SessionConfig
	logger     *slog.Logger
	handshakes *dedupe.Cache
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	feedback map[string]*FeedbackRouter
	runners  map[string]*runnerState
}

// NewManager creates a session manager.
func NewManager(registry *invocation.Registry, gate *authz.Gate, provider llm.Provider, s store.Store, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	return &Manager{
		registry:   registry,
		gate:       gate,
		provider:   provider,
		store:      s,
		cfg:        cfg,
		logger:     logger.With("component", "session-manager"),
		handshakes: dedupe.New(time.Minute, 1024),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameHostOrigin,
		},
		sessions: make(map[string]*Session),
		feedback: make(map[string]*FeedbackRouter),
		runners:  make(map[string]*runnerState),
	}
}

// sameHostOrigin allows requests with no Origin header (non-browser clients)
// and browser requests from the gateway's own host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Handle upgrades GET /agent-invocation/{id} into a session socket.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request, invocationID string) {
	handshakeKey := invocationID + "|" + r.Header.Get("Sec-WebSocket-Key")

	inv, err := m.registry.Get(r.Context(), invocationID)

	conn, upgradeErr := m.upgrader.Upgrade(w, r, nil)
	if upgradeErr != nil {
		// Upgrade already wrote the HTTP error
		m.logger.Warn("websocket upgrade failed", "invocation_id", invocationID, "error", upgradeErr)
		return
	}

	if err != nil || inv.Closed {
		m.rejectConn(conn, "unknown or closed invocation: "+invocationID)
		return
	}

	if m.handshakes.CheckAndMark(handshakeKey) {
		m.logger.Info("duplicate handshake ignored", "invocation_id", invocationID)
		msg := websocket.FormatCloseMessage(CloseNormal, "duplicate handshake")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	m.attach(invocationID, inv, conn)
}

// rejectConn delivers a terminal wssFailure and closes the socket.
func (m *Manager) rejectConn(conn *websocket.Conn, message string) {
	if data, err := frame.Encode(frame.WSSFailure(message)); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	msg := websocket.FormatCloseMessage(CloseNormal, "rejected")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// attach registers the new socket, superseding any previous one, and starts
// the invocation's runner on first connect.
func (m *Manager) attach(invocationID string, inv *store.Invocation, conn *websocket.Conn) {
	m.mu.Lock()

	fb := m.feedback[invocationID]
	if fb == nil {
		fb = NewFeedbackRouter()
		m.feedback[invocationID] = fb
	}

	s := newSession(invocationID, conn, m.cfg, fb, m.logger)
	s.onBail = func() { m.endInvocation(invocationID) }
	s.onClose = func(sess *Session) {
		m.mu.Lock()
		if m.sessions[invocationID] == sess {
			delete(m.sessions, invocationID)
		}
		m.mu.Unlock()
	}

	old := m.sessions[invocationID]
	m.sessions[invocationID] = s

	var runnerCtx context.Context
	if m.runners[invocationID] == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.runners[invocationID] = &runnerState{cancel: cancel}
		runnerCtx = ctx
	}
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("superseding stale session socket", "invocation_id", invocationID)
		old.Close(CloseSuperseded, "superseded by newer connection")
	}

	s.start()
	if runnerCtx != nil {
		go m.runAgent(runnerCtx, inv, fb)
	}
	m.logger.Info("session attached", "invocation_id", invocationID)
}

// Send routes a frame to the invocation's live socket. Frames sent while the
// client is between connections are dropped; delivery is at-least-once only
// across the whole session, not per frame.
func (m *Manager) Send(invocationID string, f *frame.Frame) bool {
	m.mu.Lock()
	s := m.sessions[invocationID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Send(f)
}

// runAgent drives the invocation's agent task to completion, then closes
// the session and the invocation.
func (m *Manager) runAgent(ctx context.Context, inv *store.Invocation, fb *FeedbackRouter) {
	runner := NewRunner(inv, m.provider, m.gate, m.store, fb, func(f *frame.Frame) bool {
		return m.Send(inv.UUID, f)
	}, m.logger)
	runner.Run(ctx)

	m.finishInvocation(inv.UUID)
}

// endInvocation stops the runner and closes the invocation (bail path).
func (m *Manager) endInvocation(invocationID string) {
	m.mu.Lock()
	rs := m.runners[invocationID]
	delete(m.runners, invocationID)
	delete(m.feedback, invocationID)
	m.mu.Unlock()

	if rs != nil {
		rs.cancel()
	}
	if err := m.registry.Close(context.Background(), invocationID); err != nil {
		m.logger.Error("closing invocation", "invocation_id", invocationID, "error", err)
	}
}

// finishInvocation closes the session normally after the agent task ends.
func (m *Manager) finishInvocation(invocationID string) {
	m.mu.Lock()
	s := m.sessions[invocationID]
	rs := m.runners[invocationID]
	delete(m.runners, invocationID)
	delete(m.feedback, invocationID)
	m.mu.Unlock()

	if rs != nil {
		rs.cancel()
	}
	if err := m.registry.Close(context.Background(), invocationID); err != nil {
		m.logger.Error("closing invocation", "invocation_id", invocationID, "error", err)
	}
	if s != nil {
		s.Close(CloseNormal, "agent task complete")
	}
}

// Shutdown closes every live session. Clients see a going-away close, which
// is retryable: a client keeps redialing until its retry budget runs out or
// the gateway comes back.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	runners := make([]*runnerState, 0, len(m.runners))
	for _, rs := range m.runners {
		runners = append(runners, rs)
	}
	m.runners = make(map[string]*runnerState)
	m.mu.Unlock()

	for _, rs := range runners {
		rs.cancel()
	}
	for _, s := range sessions {
		s.Close(CloseSuperseded, "server shutting down")
	}
	m.handshakes.Close()
}
