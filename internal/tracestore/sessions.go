package tracestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CursorSession tracks a Cursor editor session window, which Cursor itself
// never emits an explicit close event for (spec §4.9) — sessions are
// closed by a session_end event when a producer emits one, or by the idle
// sweeper below.
type CursorSession struct {
	ID                 string
	ExternalSessionID  string
	WorkspaceHash      string
	WorkspacePath      string
	StartedAt          time.Time
	EndedAt            sql.NullTime
}

// UpsertSession creates the session row on first sight of externalSessionID
// and is a no-op on subsequent calls (session identity is immutable once
// assigned).
func (s *Store) UpsertSession(ctx context.Context, id, externalSessionID, workspaceHash, workspacePath string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursor_sessions (id, external_session_id, workspace_hash, workspace_path, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(external_session_id) DO NOTHING
	`, id, externalSessionID, workspaceHash, workspacePath, startedAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", externalSessionID, err)
	}
	return nil
}

// SessionIDByExternal returns the internal session id for an external
// session id, or "" if no session has been seen yet.
func (s *Store) SessionIDByExternal(ctx context.Context, externalSessionID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM cursor_sessions WHERE external_session_id = ?`, externalSessionID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup session by external id: %w", err)
	}
	return id, nil
}

// CloseSession marks a session as ended, idempotently.
func (s *Store) CloseSession(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cursor_sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, endedAt, id)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	return nil
}

// SweepIdleSessions closes any open session that started more than idleFor
// before now and has no open conversation started within that window,
// returning the number closed. A conversation's start time is the only
// activity it looks at; later turns do not keep a session open. This is the
// supplemented fallback for Cursor's lack of an explicit session-end event
// (SPEC_FULL.md ambient: idle-session sweeper).
func (s *Store) SweepIdleSessions(ctx context.Context, idleFor time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-idleFor)
	res, err := s.db.ExecContext(ctx, `
		UPDATE cursor_sessions SET ended_at = ?
		WHERE ended_at IS NULL
		AND id NOT IN (
			SELECT DISTINCT session_id FROM conversations
			WHERE session_id IS NOT NULL AND ended_at IS NULL AND started_at > ?
		)
		AND started_at <= ?
	`, now, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep idle sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
