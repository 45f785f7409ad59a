// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides workspace/invocation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS workspaces (
			id         TEXT PRIMARY KEY,
			slug       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS threads (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			slug         TEXT NOT NULL,
			name         TEXT NOT NULL,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL,
			FOREIGN KEY (workspace_id) REFERENCES workspaces(id),
			UNIQUE (workspace_id, slug)
		);

		CREATE INDEX IF NOT EXISTS idx_threads_workspace
			ON threads(workspace_id);

		CREATE TABLE IF NOT EXISTS invocations (
			uuid         TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			user_id      TEXT NOT NULL DEFAULT '',
			thread_id    TEXT NOT NULL DEFAULT '',
			prompt       TEXT NOT NULL,
			created_at   DATETIME NOT NULL,
			closed       INTEGER NOT NULL DEFAULT 0,
			closed_at    DATETIME,
			FOREIGN KEY (workspace_id) REFERENCES workspaces(id)
		);

		CREATE INDEX IF NOT EXISTS idx_invocations_workspace
			ON invocations(workspace_id);

		CREATE TABLE IF NOT EXISTS workspace_permissions (
			workspace_id TEXT PRIMARY KEY,
			rules_json   TEXT NOT NULL,
			updated_at   DATETIME NOT NULL,
			FOREIGN KEY (workspace_id) REFERENCES workspaces(id)
		);

		CREATE TABLE IF NOT EXISTS agent_memos (
			workspace_id TEXT NOT NULL,
			key          TEXT NOT NULL,
			value        TEXT NOT NULL,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL,
			PRIMARY KEY (workspace_id, key),
			FOREIGN KEY (workspace_id) REFERENCES workspaces(id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite unique-constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateWorkspace inserts a new workspace
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, slug, name, created_at) VALUES (?, ?, ?, ?)`,
		ws.ID, ws.Slug, ws.Name, ws.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("workspace %q: %w", ws.Slug, ErrDuplicateSlug)
	}
	if err != nil {
		return fmt.Errorf("inserting workspace: %w", err)
	}
	return nil
}

// GetWorkspace fetches a workspace by id
func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	return s.scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM workspaces WHERE id = ?`, id))
}

// GetWorkspaceBySlug fetches a workspace by its URL slug
func (s *SQLiteStore) GetWorkspaceBySlug(ctx context.Context, slug string) (*Workspace, error) {
	return s.scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM workspaces WHERE slug = ?`, slug))
}

func (s *SQLiteStore) scanWorkspace(row *sql.Row) (*Workspace, error) {
	var ws Workspace
	err := row.Scan(&ws.ID, &ws.Slug, &ws.Name, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning workspace: %w", err)
	}
	return &ws, nil
}

// ListWorkspaces returns all workspaces ordered by slug
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, name, created_at FROM workspaces ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Slug, &ws.Name, &ws.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		out = append(out, &ws)
	}
	return out, rows.Err()
}

// CreateThread inserts a new thread
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, workspace_id, slug, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.WorkspaceID, thread.Slug, thread.Name, thread.CreatedAt, thread.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("thread %q: %w", thread.Slug, ErrDuplicateSlug)
	}
	if err != nil {
		return fmt.Errorf("inserting thread: %w", err)
	}
	return nil
}

// GetThreadBySlug fetches a thread by workspace id and slug
func (s *SQLiteStore) GetThreadBySlug(ctx context.Context, workspaceID, slug string) (*Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, slug, name, created_at, updated_at
		 FROM threads WHERE workspace_id = ? AND slug = ?`, workspaceID, slug).
		Scan(&t.ID, &t.WorkspaceID, &t.Slug, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning thread: %w", err)
	}
	return &t, nil
}

// RenameThread updates a thread's display name
func (s *SQLiteStore) RenameThread(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("renaming thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renaming thread: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateInvocation inserts a new invocation record
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *Invocation) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (uuid, workspace_id, user_id, thread_id, prompt, created_at, closed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.UUID, inv.WorkspaceID, inv.UserID, inv.ThreadID, inv.Prompt, inv.CreatedAt, inv.Closed)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}
	return nil
}

// GetInvocation fetches an invocation by uuid
func (s *SQLiteStore) GetInvocation(ctx context.Context, uuid string) (*Invocation, error) {
	var inv Invocation
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid, workspace_id, user_id, thread_id, prompt, created_at, closed, closed_at
		 FROM invocations WHERE uuid = ?`, uuid).
		Scan(&inv.UUID, &inv.WorkspaceID, &inv.UserID, &inv.ThreadID, &inv.Prompt,
			&inv.CreatedAt, &inv.Closed, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning invocation: %w", err)
	}
	if closedAt.Valid {
		inv.ClosedAt = &closedAt.Time
	}
	return &inv, nil
}

// CloseInvocation marks an invocation closed. Closing an already-closed
// invocation is a no-op; an unknown uuid returns ErrNotFound.
func (s *SQLiteStore) CloseInvocation(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET closed = 1, closed_at = COALESCE(closed_at, ?) WHERE uuid = ?`,
		time.Now().UTC(), uuid)
	if err != nil {
		return fmt.Errorf("closing invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("closing invocation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// permissionsJSON is the persisted shape of a workspace snapshot
type permissionsJSON struct {
	AllRoles           bool     `json:"all_roles,omitempty"`
	EnabledRoles       []string `json:"enabled_roles,omitempty"`
	ExplicitlyDisabled []string `json:"explicitly_disabled,omitempty"`
}

// GetPermissions fetches the permission snapshot for a workspace.
// Returns ErrNotFound when no snapshot has been written.
func (s *SQLiteStore) GetPermissions(ctx context.Context, workspaceID string) (*WorkspacePermissions, error) {
	var rulesJSON string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT rules_json, updated_at FROM workspace_permissions WHERE workspace_id = ?`,
		workspaceID).Scan(&rulesJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning permissions: %w", err)
	}

	var raw permissionsJSON
	if err := json.Unmarshal([]byte(rulesJSON), &raw); err != nil {
		return nil, fmt.Errorf("decoding permission snapshot: %w", err)
	}

	return &WorkspacePermissions{
		WorkspaceID:        workspaceID,
		AllRoles:           raw.AllRoles,
		EnabledRoles:       raw.EnabledRoles,
		ExplicitlyDisabled: raw.ExplicitlyDisabled,
		UpdatedAt:          updatedAt,
	}, nil
}

// SetPermissions writes (or replaces) the permission snapshot for a workspace
func (s *SQLiteStore) SetPermissions(ctx context.Context, perms *WorkspacePermissions) error {
	rulesJSON, err := json.Marshal(permissionsJSON{
		AllRoles:           perms.AllRoles,
		EnabledRoles:       perms.EnabledRoles,
		ExplicitlyDisabled: perms.ExplicitlyDisabled,
	})
	if err != nil {
		return fmt.Errorf("encoding permission snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workspace_permissions (workspace_id, rules_json, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(workspace_id) DO UPDATE SET rules_json = excluded.rules_json, updated_at = excluded.updated_at`,
		perms.WorkspaceID, string(rulesJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing permissions: %w", err)
	}
	return nil
}

// SetMemo upserts an agent memo
func (s *SQLiteStore) SetMemo(ctx context.Context, memo *AgentMemo) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memos (workspace_id, key, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		memo.WorkspaceID, memo.Key, memo.Value, now, now)
	if err != nil {
		return fmt.Errorf("writing memo: %w", err)
	}
	return nil
}

// GetMemo fetches a memo by workspace and key
func (s *SQLiteStore) GetMemo(ctx context.Context, workspaceID, key string) (*AgentMemo, error) {
	var m AgentMemo
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, key, value, created_at, updated_at
		 FROM agent_memos WHERE workspace_id = ? AND key = ?`, workspaceID, key).
		Scan(&m.WorkspaceID, &m.Key, &m.Value, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning memo: %w", err)
	}
	return &m, nil
}

// ListMemos returns all memos for a workspace ordered by key
func (s *SQLiteStore) ListMemos(ctx context.Context, workspaceID string) ([]*AgentMemo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace_id, key, value, created_at, updated_at
		 FROM agent_memos WHERE workspace_id = ? ORDER BY key`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing memos: %w", err)
	}
	defer rows.Close()

	var out []*AgentMemo
	for rows.Next() {
		var m AgentMemo
		if err := rows.Scan(&m.WorkspaceID, &m.Key, &m.Value, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning memo: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteMemo removes a memo. Deleting a missing memo returns ErrNotFound.
func (s *SQLiteStore) DeleteMemo(ctx context.Context, workspaceID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memos WHERE workspace_id = ? AND key = ?`, workspaceID, key)
	if err != nil {
		return fmt.Errorf("deleting memo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting memo: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
