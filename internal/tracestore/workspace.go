package tracestore

import (
	"context"
	"fmt"
	"time"
)

// Workspace identifies a project directory events were emitted from.
type Workspace struct {
	WorkspaceHash string
	WorkspacePath string
	WorkspaceName string
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
}

// UpsertWorkspace records workspaceHash as seen at seenAt, filling in
// workspacePath/workspaceName on first sight and advancing last_seen_at on
// every subsequent call (spec §3: workspaces is a denormalized lookup, not
// an authoritative registry).
func (s *Store) UpsertWorkspace(ctx context.Context, workspaceHash, workspacePath, workspaceName string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (workspace_hash, workspace_path, workspace_name, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_hash) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			workspace_path = CASE WHEN workspaces.workspace_path = '' THEN excluded.workspace_path ELSE workspaces.workspace_path END
	`, workspaceHash, workspacePath, workspaceName, seenAt, seenAt)
	if err != nil {
		return fmt.Errorf("upsert workspace %s: %w", workspaceHash, err)
	}
	return nil
}

// Workspace fetches a single workspace row by hash.
func (s *Store) Workspace(ctx context.Context, workspaceHash string) (*Workspace, error) {
	var w Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_hash, workspace_path, workspace_name, first_seen_at, last_seen_at
		FROM workspaces WHERE workspace_hash = ?`, workspaceHash).
		Scan(&w.WorkspaceHash, &w.WorkspacePath, &w.WorkspaceName, &w.FirstSeenAt, &w.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("read workspace %s: %w", workspaceHash, err)
	}
	return &w, nil
}
