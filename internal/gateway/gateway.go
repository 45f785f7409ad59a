// ABOUTME: Gateway orchestrator wiring the store, LLM, turn channel, and sessions
// ABOUTME: Owns the HTTP server lifecycle including graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/loomhq/loom-gateway/internal/authz"
	"github.com/loomhq/loom-gateway/internal/config"
	"github.com/loomhq/loom-gateway/internal/invocation"
	"github.com/loomhq/loom-gateway/internal/llm"
	"github.com/loomhq/loom-gateway/internal/retrieval"
	"github.com/loomhq/loom-gateway/internal/session"
	"github.com/loomhq/loom-gateway/internal/store"
	"github.com/loomhq/loom-gateway/internal/turn"
)

// Gateway orchestrates the loom-gateway server components: the streamed-turn
// channel for ordinary chat and the session manager for agent invocations.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *invocation.Registry
	gate       *authz.Gate
	provider   llm.Provider
	channel    *turn.Channel
	sessions   *session.Manager
	httpServer *http.Server
	logger     *slog.Logger
}

// Deps are the collaborators a Gateway is built from. Tests inject fakes;
// New fills in production implementations for anything left nil.
type Deps struct {
	Store     store.Store
	Provider  llm.Provider
	Retriever retrieval.Retriever
	// Capabilities is the workspace-facing tool catalogue offered to agents.
	Capabilities []string
}

// initStore creates the SQLite store, honoring the LOOM_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("LOOM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway with production collaborators.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := llm.NewOpenAIProvider(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("configuring llm provider: %w", err)
	}

	return NewWithDeps(cfg, Deps{Store: s, Provider: provider}, logger)
}

// NewWithDeps creates a Gateway from explicit collaborators.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("gateway requires a store")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("gateway requires an llm provider")
	}
	if deps.Retriever == nil {
		deps.Retriever = retrieval.Empty{}
	}

	registry := invocation.NewRegistry(deps.Store, logger)
	gate := authz.NewGate(deps.Store, deps.Capabilities, logger)
	channel := turn.NewChannel(deps.Provider, deps.Retriever, registry, deps.Store, cfg.LLM.StreamingEnabled(), logger)
	sessions := session.NewManager(registry, gate, deps.Provider, deps.Store, cfg.Session, logger)

	g := &Gateway{
		config:   cfg,
		store:    deps.Store,
		registry: registry,
		gate:     gate,
		provider: deps.Provider,
		channel:  channel,
		sessions: sessions,
		logger:   logger.With("component", "gateway"),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Handler exposes the HTTP surface for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run serves HTTP until the context is canceled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context; the run context is
// already canceled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, ends live sessions, and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.sessions.Shutdown()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListWorkspaces(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
