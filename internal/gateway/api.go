// ABOUTME: HTTP API for chat turns and agent session sockets
// ABOUTME: Streams turn frames over SSE and upgrades invocation sockets

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/loomhq/loom-gateway/internal/store"
	"github.com/loomhq/loom-gateway/internal/turn"
)

// chatRequest is the body of a stream-chat call.
type chatRequest struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	IsAgentMode bool     `json:"isAgentMode,omitempty"`
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /workspace/{slug}/stream-chat", g.handleStreamChat)
	mux.HandleFunc("POST /workspace/{slug}/thread/{threadSlug}/stream-chat", g.handleStreamChat)

	mux.HandleFunc("GET /agent-invocation/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.sessions.Handle(w, r, r.PathValue("id"))
	})

	return mux
}

// handleStreamChat runs one chat turn, streaming frames back as SSE. The
// thread-scoped variant creates the thread on first use.
func (g *Gateway) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	ws, err := g.store.GetWorkspaceBySlug(r.Context(), r.PathValue("slug"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "workspace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error("workspace lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	params := turn.Params{
		WorkspaceID: ws.ID,
		UserID:      req.UserID,
		Message:     req.Message,
		AgentMode:   req.IsAgentMode,
	}

	if threadSlug := r.PathValue("threadSlug"); threadSlug != "" {
		threadID, fresh, err := g.resolveThread(r, ws.ID, threadSlug)
		if err != nil {
			g.logger.Error("thread lookup failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		params.ThreadID = threadID
		params.FreshThread = fresh
	}

	emitter, err := turn.NewSSEEmitter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.channel.Run(r.Context(), params, emitter)
}

// resolveThread finds the thread by slug, creating it on first use. A newly
// created thread is flagged fresh so the turn can title it.
func (g *Gateway) resolveThread(r *http.Request, workspaceID, slug string) (string, bool, error) {
	thread, err := g.store.GetThreadBySlug(r.Context(), workspaceID, slug)
	if err == nil {
		return thread.ID, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}

	created := &store.Thread{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Slug:        slug,
		Name:        slug,
	}
	if err := g.store.CreateThread(r.Context(), created); err != nil {
		// Lost a create race: someone else just made it
		if existing, getErr := g.store.GetThreadBySlug(r.Context(), workspaceID, slug); getErr == nil {
			return existing.ID, false, nil
		}
		return "", false, err
	}
	return created.ID, true, nil
}
