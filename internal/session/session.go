// ABOUTME: One live agent-session socket: read/write loops and heartbeat liveness
// ABOUTME: Tracks pongs, handles bail commands, and force-closes dead peers

package session

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomhq/loom-gateway/internal/config"
	"github.com/loomhq/loom-gateway/internal/frame"
)

// Close codes used on the session socket. The client treats policy-violation
// and abnormal closes as retryable; normal and going-away closes end the
// session for good.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseSuperseded      = websocket.CloseGoingAway
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// bailCommands end the session when received as feedback.
var bailCommands = map[string]struct{}{
	"exit":   {},
	"/exit":  {},
	"stop":   {},
	"/stop":  {},
	"halt":   {},
	"/halt":  {},
	"/reset": {},
}

// IsBailCommand reports whether a feedback line is a session-ending command.
func IsBailCommand(s string) bool {
	_, ok := bailCommands[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// closeOp is a request for the write loop to finish the session.
type closeOp struct {
	code       int
	reason     string
	withStatus bool
}

// Session is one live physical connection serving an invocation. The Manager
// enforces that at most one Session per invocation is live; a newer
// connection supersedes this one.
//
// All data frames are written by the write loop, which also drains pending
// frames before an orderly close so nothing queued is lost.
type Session struct {
	invocationID string
	conn         *websocket.Conn
	cfg          config.SessionConfig
	feedback     *FeedbackRouter
	logger       *slog.Logger

	outbound chan *frame.Frame
	closeReq chan closeOp
	closed   chan struct{}
	once     sync.Once

	mu       sync.Mutex
	lastPong time.Time
	counter  int

	// onBail runs when the user sends a bail command.
	onBail func()
	// onClose runs exactly once when the socket is torn down.
	onClose func(s *Session)
}

func newSession(invocationID string, conn *websocket.Conn, cfg config.SessionConfig, feedback *FeedbackRouter, logger *slog.Logger) *Session {
	return &Session{
		invocationID: invocationID,
		conn:         conn,
		cfg:          cfg,
		feedback:     feedback,
		logger:       logger.With("component", "session", "invocation_id", invocationID),
		outbound:     make(chan *frame.Frame, 32),
		closeReq:     make(chan closeOp, 1),
		closed:       make(chan struct{}),
		lastPong:     time.Now(),
	}
}

// start launches the write, read, and heartbeat loops.
func (s *Session) start() {
	go s.writeLoop()
	go s.readLoop()
	go s.heartbeatLoop()
}

// Send enqueues a frame for delivery. Returns false when the session is
// already closed.
func (s *Session) Send(f *frame.Frame) bool {
	select {
	case s.outbound <- f:
		return true
	case <-s.closed:
		return false
	}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close requests an orderly shutdown. Frames already enqueued are delivered
// first; a normal close also carries the final closed statusResponse.
func (s *Session) Close(code int, reason string) {
	s.requestClose(code, reason, code == CloseNormal)
}

func (s *Session) requestClose(code int, reason string, withStatus bool) {
	select {
	case s.closeReq <- closeOp{code: code, reason: reason, withStatus: withStatus}:
	default:
		// a close is already in flight
	}
}

// writeFrame encodes and writes one frame. Only the write loop calls this.
func (s *Session) writeFrame(f *frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		s.logger.Error("dropping unencodable frame", "kind", f.Type, "error", err)
		return nil
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// writeLoop is the sole writer of data frames. On a close request it drains
// the queue, optionally appends the final status frame, and tears down.
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.outbound:
			if err := s.writeFrame(f); err != nil {
				s.logger.Debug("write failed, closing", "error", err)
				s.teardown(websocket.CloseAbnormalClosure, "write failed")
				return
			}

		case op := <-s.closeReq:
			for draining := true; draining; {
				select {
				case f := <-s.outbound:
					if err := s.writeFrame(f); err != nil {
						draining = false
					}
				default:
					draining = false
				}
			}
			if op.withStatus {
				_ = s.writeFrame(frame.Status("session closed", false, true))
			}
			s.teardown(op.code, op.reason)
			return

		case <-s.closed:
			return
		}
	}
}

// readLoop consumes client frames until the socket drops.
func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("client closed session")
			} else {
				s.logger.Debug("read failed", "error", err)
			}
			s.teardown(websocket.CloseAbnormalClosure, "peer gone")
			return
		}

		f, err := frame.Decode(data)
		if err != nil {
			s.logger.Warn("ignoring undecodable frame", "error", err)
			continue
		}

		switch f.Type {
		case frame.KindPong:
			s.mu.Lock()
			s.lastPong = time.Now()
			s.mu.Unlock()

		case frame.KindAwaitingFeedback:
			if IsBailCommand(f.Feedback) {
				s.logger.Info("bail command received", "command", strings.TrimSpace(f.Feedback))
				if s.onBail != nil {
					s.onBail()
				}
				s.requestClose(CloseNormal, "session ended", true)
				return
			}
			if err := s.feedback.Deliver(f.Feedback); err != nil {
				s.logger.Warn("feedback with no pending question", "error", err)
			}

		default:
			s.logger.Debug("ignoring unexpected client frame", "kind", f.Type)
		}
	}
}

// heartbeatLoop probes the client and force-closes dead peers. A peer that
// has not ponged within the dead window gets a retryable close so a healthy
// client can reconnect.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.counter++
			counter := s.counter
			sincePong := time.Since(s.lastPong)
			s.mu.Unlock()

			if sincePong > s.cfg.DeadPongWindow {
				s.logger.Warn("peer unresponsive, force closing", "since_pong", sincePong)
				s.requestClose(ClosePolicyViolation, "no pong", false)
				return
			}
			s.Send(frame.Heartbeat(counter, sincePong <= s.cfg.HealthyPongWindow))

		case <-s.closed:
			return
		}
	}
}

// teardown closes the socket exactly once.
func (s *Session) teardown(code int, reason string) {
	s.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
		close(s.closed)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
