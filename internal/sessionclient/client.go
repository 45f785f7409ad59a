// ABOUTME: Client-side agent session: one logical session over many sockets
// ABOUTME: Handles reconnect with backoff, heartbeat pongs, and user feedback

package sessionclient

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomhq/loom-gateway/internal/config"
	"github.com/loomhq/loom-gateway/internal/frame"
)

// State is the client's view of the logical session.
type State string

const (
	StateConnecting       State = "connecting"
	StateOpen             State = "open"
	StateAwaitingFeedback State = "awaiting_feedback"
	StateReconnecting     State = "reconnecting"
	StateClosed           State = "closed"
)

// ErrNotConnected is returned by SendFeedback when no socket is live.
var ErrNotConnected = errors.New("session not connected")

// Backoff returns the reconnect delay before retry attempt k: the base delay
// doubled per attempt, capped at the ceiling.
func Backoff(cfg config.SessionConfig, attempt int) time.Duration {
	d := cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cfg.BackoffCeiling {
			return cfg.BackoffCeiling
		}
	}
	if d > cfg.BackoffCeiling {
		return cfg.BackoffCeiling
	}
	return d
}

// retryableCloseCode reports whether a server close code invites a reconnect.
// Normal closure means the session really ended: completion, bail, rejection.
func retryableCloseCode(code int) bool {
	switch code {
	case websocket.CloseNormalClosure:
		return false
	case websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.ClosePolicyViolation:
		return true
	default:
		return true
	}
}

// Client maintains the illusion of one continuous agent session across zero
// or more physical reconnections. Frames arrive on Frames(); the channel is
// closed after the terminal frame, and nothing received afterwards is
// delivered.
//
// The generation counter guarantees at most one live socket: every dial and
// retry timer is stamped with the generation it belongs to, and results from
// a superseded generation are discarded.
type Client struct {
	endpoint string
	cfg      config.SessionConfig
	dialer   websocket.Dialer
	logger   *slog.Logger

	frames chan *frame.Frame

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	retryCount int
	generation int
	conn       *websocket.Conn
	retryTimer *time.Timer
	finished   bool
	started    bool
}

// New creates a client for one invocation. baseURL is the gateway's HTTP
// address; the scheme is rewritten for the socket dial.
func New(baseURL, invocationID string, cfg config.SessionConfig, logger *slog.Logger) *Client {
	endpoint := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	endpoint += "/agent-invocation/" + invocationID

	return &Client{
		endpoint: endpoint,
		cfg:      cfg,
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.OpenTimeout},
		logger:   logger.With("component", "session-client", "invocation_id", invocationID),
		frames:   make(chan *frame.Frame, 64),
		state:    StateConnecting,
	}
}

// Start opens the session. Safe to call once.
func (c *Client) Start() {
	c.mu.Lock()
	if c.started || c.finished {
		c.mu.Unlock()
		return
	}
	c.started = true
	gen := c.generation
	c.mu.Unlock()
	go c.dial(gen)
}

// Frames returns the inbound frame stream. It is closed when the session
// reaches its terminal state.
func (c *Client) Frames() <-chan *frame.Frame {
	return c.frames
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendFeedback delivers a user reply over the live socket.
func (c *Client) SendFeedback(text string) error {
	c.mu.Lock()
	conn := c.conn
	if c.finished || conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.state == StateAwaitingFeedback {
		c.state = StateOpen
	}
	c.mu.Unlock()
	return c.writeFrame(conn, frame.Feedback(text))
}

// Stop ends the session locally: the socket closes, any pending reconnect
// timer is cancelled, and a stopGeneration marker plus a terminal frame are
// emitted even if the server never responds.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finishLocked(frame.StopGeneration(), frame.Status("generation stopped", false, true))
}

func (c *Client) dial(gen int) {
	conn, resp, err := c.dialer.Dial(c.endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.finished || gen != c.generation {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("session dial failed", "error", err)
		c.scheduleRetryLocked()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.retryCount = 0
	c.mu.Unlock()

	go c.readLoop(gen, conn)
}

// scheduleRetryLocked arms the reconnect timer, or finishes the session when
// retries are exhausted. Called with the mutex held; releases it.
func (c *Client) scheduleRetryLocked() {
	if c.retryCount >= c.cfg.MaxRetries {
		c.logger.Warn("reconnect attempts exhausted", "retries", c.retryCount)
		c.finishLocked(frame.Status("session ended: connection lost and could not be re-established", false, true))
		return
	}

	delay := Backoff(c.cfg, c.retryCount)
	c.retryCount++
	c.state = StateReconnecting
	c.generation++
	gen := c.generation
	c.logger.Info("reconnecting", "attempt", c.retryCount, "delay", delay)

	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.finished || gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		c.dial(gen)
	})
	c.mu.Unlock()
}

func (c *Client) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, conn, err)
			return
		}

		f, derr := frame.Decode(data)
		if derr != nil {
			c.logger.Warn("ignoring undecodable frame", "error", derr)
			continue
		}

		switch f.Type {
		case frame.KindHeartbeat:
			if werr := c.writeFrame(conn, frame.Pong(f.Counter)); werr != nil {
				c.logger.Debug("pong failed", "error", werr)
			}

		case frame.KindWaitingOnInput:
			c.mu.Lock()
			if gen == c.generation && !c.finished {
				c.state = StateAwaitingFeedback
			}
			c.mu.Unlock()
			c.deliver(f)

		default:
			c.deliver(f)
			if f.Terminal() {
				c.mu.Lock()
				if gen == c.generation && !c.finished {
					c.finishLocked()
				} else {
					c.mu.Unlock()
				}
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(gen int, conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	if c.finished || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	if retryableCloseCode(code) {
		c.logger.Info("connection lost", "code", code)
		c.scheduleRetryLocked()
		return
	}

	// Normal closure without a terminal frame still gets one message
	c.logger.Info("session closed by server", "code", code)
	c.finishLocked(frame.Status("session ended", false, true))
}

// finishLocked transitions to CLOSED exactly once, emitting any final frames.
// Called with the mutex held; releases it.
func (c *Client) finishLocked(final ...*frame.Frame) {
	c.finished = true
	c.state = StateClosed
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stopping")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	for _, f := range final {
		c.deliver(f)
	}
	close(c.frames)
}

// deliver hands a frame to the consumer, dropping it if nobody is draining.
func (c *Client) deliver(f *frame.Frame) {
	select {
	case c.frames <- f:
	default:
		c.logger.Warn("consumer not draining frames, dropping", "kind", f.Type)
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f *frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
