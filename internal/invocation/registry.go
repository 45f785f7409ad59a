// ABOUTME: Invocation registry minting and resolving agent-session invocations
// ABOUTME: Wraps the store with workspace validation and idempotent close semantics

package invocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomhq/loom-gateway/internal/store"
)

// ErrWorkspaceMissing is returned when minting an invocation for a workspace
// that does not exist. The message is safe to show to clients.
var ErrWorkspaceMissing = errors.New("workspace missing")

// Registry mints, resolves, and closes invocations.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(s store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: logger.With("component", "invocation"),
	}
}

// CreateParams carries the optional scoping for a minted invocation.
type CreateParams struct {
	WorkspaceID string
	UserID      string
	ThreadID    string
	Prompt      string
}

// Create mints a new invocation after validating the workspace exists.
// The returned invocation's UUID addresses the duplex session channel.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*store.Invocation, error) {
	if _, err := r.store.GetWorkspace(ctx, params.WorkspaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWorkspaceMissing
		}
		return nil, fmt.Errorf("validating workspace: %w", err)
	}

	inv := &store.Invocation{
		UUID:        uuid.NewString(),
		WorkspaceID: params.WorkspaceID,
		UserID:      params.UserID,
		ThreadID:    params.ThreadID,
		Prompt:      params.Prompt,
	}
	if err := r.store.CreateInvocation(ctx, inv); err != nil {
		return nil, fmt.Errorf("creating invocation: %w", err)
	}

	r.logger.Info("invocation created",
		"invocation_id", inv.UUID,
		"workspace_id", inv.WorkspaceID,
		"thread_id", inv.ThreadID)
	return inv, nil
}

// Get resolves an invocation by uuid. Returns store.ErrNotFound when the
// uuid was never minted.
func (r *Registry) Get(ctx context.Context, id string) (*store.Invocation, error) {
	return r.store.GetInvocation(ctx, id)
}

// Close marks an invocation closed. Closing an unknown or already-closed
// invocation is a no-op.
func (r *Registry) Close(ctx context.Context, id string) error {
	err := r.store.CloseInvocation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("closing invocation: %w", err)
	}
	r.logger.Info("invocation closed", "invocation_id", id)
	return nil
}
