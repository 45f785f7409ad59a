// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Workspace: the unit of scoping for chats, threads, and permissions
//   - Thread: named sub-conversation within a workspace
//   - Invocation: minted record addressing one agent session
//   - WorkspacePermissions: per-workspace capability rules snapshot
//   - AgentMemo: key-value facts the agent remembers per workspace
//
// # Implementations
//
// SQLiteStore persists everything in a single SQLite database (WAL mode,
// schema bootstrapped on open). MockStore is a map-backed in-memory
// implementation for tests, with injectable errors for failure-path coverage.
//
// # Error Conventions
//
// Lookups for missing entities return ErrNotFound. Creating an entity whose
// slug is taken returns ErrDuplicateSlug. Both are sentinels intended for
// errors.Is checks at call sites.
package store
