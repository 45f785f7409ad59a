// ABOUTME: Store interface and data types for loom-gateway persistence
// ABOUTME: Defines Workspace, Thread, Invocation, permissions, and memo records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSlug is returned when creating an entity whose slug is taken
var ErrDuplicateSlug = errors.New("slug already exists")

// Workspace is the unit of scoping: chats, threads, invocations, permission
// snapshots, and memos all hang off a workspace.
type Workspace struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// Thread is a named sub-conversation within a workspace
type Thread struct {
	ID          string
	WorkspaceID string
	Slug        string
	Name        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Invocation is a minted record for one agent-mode request. The UUID doubles
// as the address of the duplex session channel.
type Invocation struct {
	UUID        string
	WorkspaceID string
	UserID      string // empty when the caller is anonymous
	ThreadID    string // empty for workspace-level chats
	Prompt      string
	CreatedAt   time.Time
	Closed      bool
	ClosedAt    *time.Time
}

// WorkspacePermissions is the per-workspace authorization snapshot.
// AllRoles enables every capability; ExplicitlyDisabled overrides it.
// A workspace with no snapshot row falls back to the gate's fail-open default.
type WorkspacePermissions struct {
	WorkspaceID        string
	AllRoles           bool
	EnabledRoles       []string
	ExplicitlyDisabled []string
	UpdatedAt          time.Time
}

// RoleEnabled reports whether a capability name passes the enabled set.
// Disabled entries are checked separately and take precedence.
func (p *WorkspacePermissions) RoleEnabled(name string) bool {
	if p.AllRoles {
		return true
	}
	for _, r := range p.EnabledRoles {
		if r == name {
			return true
		}
	}
	return false
}

// IsDisabled reports whether a capability name is explicitly disabled.
func (p *WorkspacePermissions) IsDisabled(name string) bool {
	for _, r := range p.ExplicitlyDisabled {
		if r == name {
			return true
		}
	}
	return false
}

// AgentMemo is a key-value note an agent remembers per workspace
type AgentMemo struct {
	WorkspaceID string
	Key         string
	Value       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store defines the interface for loom-gateway persistence
type Store interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	GetWorkspaceBySlug(ctx context.Context, slug string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)

	// Threads
	CreateThread(ctx context.Context, thread *Thread) error
	GetThreadBySlug(ctx context.Context, workspaceID, slug string) (*Thread, error)
	RenameThread(ctx context.Context, id, name string) error

	// Invocations
	CreateInvocation(ctx context.Context, inv *Invocation) error
	GetInvocation(ctx context.Context, uuid string) (*Invocation, error)
	CloseInvocation(ctx context.Context, uuid string) error

	// Permission snapshots
	GetPermissions(ctx context.Context, workspaceID string) (*WorkspacePermissions, error)
	SetPermissions(ctx context.Context, perms *WorkspacePermissions) error

	// Agent memos
	SetMemo(ctx context.Context, memo *AgentMemo) error
	GetMemo(ctx context.Context, workspaceID, key string) (*AgentMemo, error)
	ListMemos(ctx context.Context, workspaceID string) ([]*AgentMemo, error)
	DeleteMemo(ctx context.Context, workspaceID, key string) error

	// Close releases any resources held by the store
	Close() error
}
