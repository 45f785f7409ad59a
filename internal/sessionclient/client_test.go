// ABOUTME: Tests for the reconnecting session client
// ABOUTME: Covers backoff, retry caps, heartbeat pongs, stop, and finality

package sessionclient

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom-gateway/internal/config"
	"github.com/loomhq/loom-gateway/internal/frame"
)

func fastConfig() config.SessionConfig {
	return config.SessionConfig{
		HeartbeatInterval: time.Hour,
		HealthyPongWindow: time.Hour,
		DeadPongWindow:    2 * time.Hour,
		OpenTimeout:       2 * time.Second,
		BackoffBase:       5 * time.Millisecond,
		BackoffCeiling:    20 * time.Millisecond,
		MaxRetries:        5,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// sessionServer upgrades each connection and hands it to the script with its
// 1-based connection number.
type sessionServer struct {
	server *httptest.Server
	dials  atomic.Int64
}

func newSessionServer(t *testing.T, script func(n int, conn *websocket.Conn)) *sessionServer {
	t.Helper()
	s := &sessionServer{}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := int(s.dials.Add(1))
		defer conn.Close()
		script(n, conn)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *sessionServer) client(t *testing.T, cfg config.SessionConfig) *Client {
	t.Helper()
	c := New(s.server.URL, "inv-1", cfg, testLogger(t))
	t.Cleanup(c.Stop)
	return c
}

func writeServerFrame(conn *websocket.Conn, f *frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeWithCode(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// collect drains the client's frame stream until it closes.
func collect(t *testing.T, c *Client) []*frame.Frame {
	t.Helper()
	var got []*frame.Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-c.Frames():
			if !ok {
				return got
			}
			got = append(got, f)
		case <-timeout:
			t.Fatal("frame stream never closed")
		}
	}
}

func TestBackoffSchedule(t *testing.T) {
	cfg := config.SessionConfig{
		BackoffBase:    config.DefaultBackoffBase,
		BackoffCeiling: config.DefaultBackoffCeiling,
	}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for k, d := range want {
		assert.Equal(t, d, Backoff(cfg, k), "backoff(%d)", k)
	}
	assert.Equal(t, 30*time.Second, Backoff(cfg, 40), "large attempts must not overflow")
}

func TestDeliversFramesUntilTerminal(t *testing.T) {
	srv := newSessionServer(t, func(n int, conn *websocket.Conn) {
		_ = writeServerFrame(conn, frame.TextChunk("chat-1", "partial", nil))
		_ = writeServerFrame(conn, frame.Status("done", false, true))
		// Anything after the terminal frame must be ignored
		_ = writeServerFrame(conn, frame.TextChunk("chat-1", "ghost", nil))
		time.Sleep(50 * time.Millisecond)
	})

	c := srv.client(t, fastConfig())
	c.Start()
	got := collect(t, c)

	require.Len(t, got, 2)
	assert.Equal(t, frame.KindTextResponseChunk, got[0].Type)
	assert.Equal(t, "partial", got[0].TextResponse)
	assert.Equal(t, frame.KindStatusResponse, got[1].Type)
	assert.True(t, got[1].Terminal())
	assert.Equal(t, StateClosed, c.State())
}

func TestPongsEveryHeartbeat(t *testing.T) {
	pongs := make(chan int, 1)
	srv := newSessionServer(t, func(n int, conn *websocket.Conn) {
		_ = writeServerFrame(conn, frame.Heartbeat(7, true))
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := frame.Decode(data)
		if err == nil && f.Type == frame.KindPong {
			pongs <- f.Counter
		}
		_ = writeServerFrame(conn, frame.Status("done", false, true))
	})

	c := srv.client(t, fastConfig())
	c.Start()

	select {
	case counter := <-pongs:
		assert.Equal(t, 7, counter, "pong echoes the heartbeat counter")
	case <-time.After(3 * time.Second):
		t.Fatal("no pong arrived")
	}
	collect(t, c)
}

func TestReconnectsAfterRetryableClose(t *testing.T) {
	srv := newSessionServer(t, func(n int, conn *websocket.Conn) {
		if n < 3 {
			closeWithCode(conn, websocket.ClosePolicyViolation)
			return
		}
		_ = writeServerFrame(conn, frame.Status("made it", false, true))
	})

	c := srv.client(t, fastConfig())
	c.Start()
	got := collect(t, c)

	require.NotEmpty(t, got)
	assert.Equal(t, "made it", got[len(got)-1].TextResponse)
	assert.Equal(t, int64(3), srv.dials.Load())
	assert.Equal(t, StateClosed, c.State())
}

func TestRetryCapEndsTheSession(t *testing.T) {
	srv := newSessionServer(t, func(n int, conn *websocket.Conn) {
		closeWithCode(conn, websocket.ClosePolicyViolation)
	})

	c := srv.client(t, fastConfig())
	c.Start()
	got := collect(t, c)

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.True(t, last.Terminal())
	assert.Contains(t, last.TextResponse, "session ended", "the user learns the session is over")

	// Initial dial plus exactly MaxRetries reconnects, never one more
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(6), srv.dials.Load())
}

func TestDialFailureRetriesUntilCap(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "inv-1", fastConfig(), testLogger(t))
	t.Cleanup(c.Stop)
	c.Start()
	got := collect(t, c)

	require.Len(t, got, 1)
	assert.True(t, got[0].Terminal())
	assert.Contains(t, got[0].TextResponse, "session ended", "exhausted dials end the logical session")
	assert.Equal(t, StateClosed, c.State())

	// Initial dial plus exactly MaxRetries redials, never one more
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(6), attempts.Load())
}

func TestOpenTimeoutSchedulesRetry(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		// Never answer the handshake; the dialer's open timeout must fire
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	cfg := fastConfig()
	cfg.OpenTimeout = 30 * time.Millisecond
	cfg.MaxRetries = 2

	c := New(srv.URL, "inv-1", cfg, testLogger(t))
	t.Cleanup(c.Stop)
	c.Start()
	got := collect(t, c)

	require.Len(t, got, 1)
	assert.Contains(t, got[0].TextResponse, "session ended")
	assert.Equal(t, int64(3), attempts.Load(), "a connection stuck opening is retried like a lost one")
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	srv := newSessionServer(t, func(n int, conn *websocket.Conn) {
		closeWithCode(conn, websocket.ClosePolicyViolation)
	})

	cfg := fastConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffCeiling = time.Hour

	c := srv.client(t, cfg)
	c.Start()
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	got := collect(t, c)

	require.Len(t, got, 2)
	assert.Equal(t, frame.KindStopGeneration, got[0].Type)
	assert.True(t, got[1].Terminal())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), srv.dials.Load(), "the reconnect timer never fired")
}

func TestNormalCloseWithoutTerminalFrame(t *testing.T) {
	srv := newSessionServer(t, func(n int, conn *websocket.Conn) {
		closeWithCode(conn, websocket.CloseNormalClosure)
	})

	c := srv.client(t, fastConfig())
	c.Start()
	got := collect(t, c)

	require.Len(t, got, 1)
	assert.True(t, got[0].Terminal(), "a normal close still yields one terminal message")
	assert.Equal(t, int64(1), srv.dials.Load(), "normal closure is not retryable")
}

func TestSendFeedbackReachesServer(t *testing.T) {
	received := make(chan string, 1)
	srv := newSessionServer(t, func(n int, conn *websocket.Conn) {
		_ = writeServerFrame(conn, frame.WaitingOnInput("favorite color?"))
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := frame.Decode(data)
		if err == nil && f.Type == frame.KindAwaitingFeedback {
			received <- f.Feedback
		}
		_ = writeServerFrame(conn, frame.Status("done", false, true))
	})

	c := srv.client(t, fastConfig())
	c.Start()

	var waiting *frame.Frame
	select {
	case waiting = <-c.Frames():
	case <-time.After(2 * time.Second):
		t.Fatal("never asked for input")
	}
	require.Equal(t, frame.KindWaitingOnInput, waiting.Type)
	assert.Equal(t, StateAwaitingFeedback, c.State())

	require.NoError(t, c.SendFeedback("blue"))

	select {
	case got := <-received:
		assert.Equal(t, "blue", got)
	case <-time.After(2 * time.Second):
		t.Fatal("feedback never arrived")
	}
	collect(t, c)
}
