// ABOUTME: Authorization gate deciding per-call capability access for a workspace
// ABOUTME: Fail-open evaluator over workspace permission snapshots, re-read on every check

package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/loomhq/loom-gateway/internal/store"
)

// Always-on capabilities. Control-plane commands keep the session steerable
// no matter how a workspace is configured; the cognitive set keeps the agent
// able to look around and remember things.
var alwaysAllowed = map[string]struct{}{
	// control plane
	"help":   {},
	"status": {},
	"stop":   {},
	// cognitive
	"discover": {},
	"project":  {},
	"toolx":    {},
	"action":   {},
	"recall":   {},
	"remember": {},
}

// Gate evaluates capability access against the workspace's current permission
// snapshot. Every decision re-reads the store, so admin edits take effect on
// the next check without any invalidation handshake.
type Gate struct {
	store     store.Store
	logger    *slog.Logger
	catalogue map[string]struct{}
}

// NewGate creates a gate. The catalogue lists every capability name that can
// appear in discovery listings; names outside it are treated as plain prose
// by FilterListing.
func NewGate(s store.Store, catalogue []string, logger *slog.Logger) *Gate {
	cat := make(map[string]struct{}, len(catalogue))
	for _, c := range catalogue {
		cat[c] = struct{}{}
	}
	return &Gate{
		store:     s,
		logger:    logger.With("component", "authz"),
		catalogue: cat,
	}
}

// IsAuthorized decides whether a capability may execute in a workspace.
// roleArg, when non-empty, substitutes for the capability name in the
// snapshot lookup (a tool invoked under a role acts as that role).
//
// Missing snapshots and store errors both permit: an unconfigured or
// unreadable workspace must not brick its sessions.
func (g *Gate) IsAuthorized(ctx context.Context, workspaceID, capability, roleArg string) bool {
	if _, ok := alwaysAllowed[capability]; ok {
		return true
	}

	effective := capability
	if roleArg != "" {
		effective = roleArg
	}

	perms, err := g.store.GetPermissions(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		g.logger.Warn("permission snapshot unreadable, permitting",
			"workspace_id", workspaceID,
			"capability", effective,
			"error", err)
		return true
	}

	if perms.IsDisabled(effective) {
		return false
	}
	return perms.RoleEnabled(effective)
}

// DenialMessage renders the structured result returned in place of a denied
// capability call. The session continues after delivering it.
func (g *Gate) DenialMessage(capability string) string {
	return fmt.Sprintf(
		"The %q capability is not enabled for this workspace. "+
			"Ask a workspace administrator to enable it if you need it.",
		capability)
}

// Listable reports whether a token names a capability in the catalogue.
func (g *Gate) Listable(token string) bool {
	_, ok := g.catalogue[token]
	return ok
}

// Catalogue returns the listable capability names in sorted order.
func (g *Gate) Catalogue() []string {
	out := make([]string, 0, len(g.catalogue))
	for c := range g.catalogue {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
