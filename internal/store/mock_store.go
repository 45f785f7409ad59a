// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing. Error fields,
// when set, are returned by the corresponding methods so callers can exercise
// failure paths.
type MockStore struct {
	mu sync.RWMutex

	workspaces  map[string]*Workspace // keyed by workspace ID
	threads     map[string]*Thread    // keyed by thread ID
	invocations map[string]*Invocation
	permissions map[string]*WorkspacePermissions
	memos       map[string]*AgentMemo // keyed by "workspaceID\x00key"

	// Injected errors
	GetPermissionsErr   error
	CreateInvocationErr error
}

// NewMockStore creates an empty MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		workspaces:  make(map[string]*Workspace),
		threads:     make(map[string]*Thread),
		invocations: make(map[string]*Invocation),
		permissions: make(map[string]*WorkspacePermissions),
		memos:       make(map[string]*AgentMemo),
	}
}

func memoKey(workspaceID, key string) string {
	return workspaceID + "\x00" + key
}

// CreateWorkspace inserts a workspace
func (m *MockStore) CreateWorkspace(_ context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.workspaces {
		if existing.Slug == ws.Slug {
			return ErrDuplicateSlug
		}
	}
	cp := *ws
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.workspaces[cp.ID] = &cp
	return nil
}

// GetWorkspace fetches a workspace by id
func (m *MockStore) GetWorkspace(_ context.Context, id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

// GetWorkspaceBySlug fetches a workspace by slug
func (m *MockStore) GetWorkspaceBySlug(_ context.Context, slug string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ws := range m.workspaces {
		if ws.Slug == slug {
			cp := *ws
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListWorkspaces returns all workspaces
func (m *MockStore) ListWorkspaces(_ context.Context) ([]*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		cp := *ws
		out = append(out, &cp)
	}
	return out, nil
}

// CreateThread inserts a thread
func (m *MockStore) CreateThread(_ context.Context, thread *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.threads {
		if existing.WorkspaceID == thread.WorkspaceID && existing.Slug == thread.Slug {
			return ErrDuplicateSlug
		}
	}
	cp := *thread
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	m.threads[cp.ID] = &cp
	return nil
}

// GetThreadBySlug fetches a thread by workspace and slug
func (m *MockStore) GetThreadBySlug(_ context.Context, workspaceID, slug string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.threads {
		if t.WorkspaceID == workspaceID && t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// RenameThread updates a thread's display name
func (m *MockStore) RenameThread(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.Name = name
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateInvocation inserts an invocation
func (m *MockStore) CreateInvocation(_ context.Context, inv *Invocation) error {
	if m.CreateInvocationErr != nil {
		return m.CreateInvocationErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *inv
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.invocations[cp.UUID] = &cp
	return nil
}

// GetInvocation fetches an invocation by uuid
func (m *MockStore) GetInvocation(_ context.Context, uuid string) (*Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invocations[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

// CloseInvocation marks an invocation closed
func (m *MockStore) CloseInvocation(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invocations[uuid]
	if !ok {
		return ErrNotFound
	}
	if !inv.Closed {
		inv.Closed = true
		now := time.Now().UTC()
		inv.ClosedAt = &now
	}
	return nil
}

// GetPermissions fetches a workspace permission snapshot
func (m *MockStore) GetPermissions(_ context.Context, workspaceID string) (*WorkspacePermissions, error) {
	if m.GetPermissionsErr != nil {
		return nil, m.GetPermissionsErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.permissions[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.EnabledRoles = append([]string(nil), p.EnabledRoles...)
	cp.ExplicitlyDisabled = append([]string(nil), p.ExplicitlyDisabled...)
	return &cp, nil
}

// SetPermissions writes a workspace permission snapshot
func (m *MockStore) SetPermissions(_ context.Context, perms *WorkspacePermissions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *perms
	cp.EnabledRoles = append([]string(nil), perms.EnabledRoles...)
	cp.ExplicitlyDisabled = append([]string(nil), perms.ExplicitlyDisabled...)
	cp.UpdatedAt = time.Now().UTC()
	m.permissions[cp.WorkspaceID] = &cp
	return nil
}

// SetMemo upserts an agent memo
func (m *MockStore) SetMemo(_ context.Context, memo *AgentMemo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := memoKey(memo.WorkspaceID, memo.Key)
	if existing, ok := m.memos[key]; ok {
		existing.Value = memo.Value
		existing.UpdatedAt = now
		return nil
	}
	cp := *memo
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.memos[key] = &cp
	return nil
}

// GetMemo fetches a memo by workspace and key
func (m *MockStore) GetMemo(_ context.Context, workspaceID, key string) (*AgentMemo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	memo, ok := m.memos[memoKey(workspaceID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *memo
	return &cp, nil
}

// ListMemos returns all memos for a workspace
func (m *MockStore) ListMemos(_ context.Context, workspaceID string) ([]*AgentMemo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AgentMemo
	for _, memo := range m.memos {
		if memo.WorkspaceID == workspaceID {
			cp := *memo
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeleteMemo removes a memo
func (m *MockStore) DeleteMemo(_ context.Context, workspaceID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoKey(workspaceID, key)
	if _, ok := m.memos[k]; !ok {
		return ErrNotFound
	}
	delete(m.memos, k)
	return nil
}

// Close is a no-op for the mock
func (m *MockStore) Close() error {
	return nil
}
