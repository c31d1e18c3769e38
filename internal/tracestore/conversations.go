package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Conversation is the reconstructed view of an interaction thread (spec
// §3/§4.8).
type Conversation struct {
	ID               string
	SessionID        sql.NullString
	ExternalID       string
	Platform         string
	WorkspaceHash    string
	StartedAt        time.Time
	EndedAt          sql.NullTime
	InteractionCount    int
	AcceptanceRate      float64
	TotalTokens         int64
	TotalChanges        int
	AcceptanceDecisions []AcceptanceDecision
}

// AcceptanceDecision is one entry in a conversation's acceptance_decisions
// JSON array (spec §3's Conversation data model field) — an ordered audit
// trail of every acceptance_decision event matched against a code_change,
// independent of the current accepted/acceptance_delay_ms values on the
// code_changes row those decisions resolved.
type AcceptanceDecision struct {
	ChangeKey string    `json:"change_key"`
	Accepted  bool      `json:"accepted"`
	DecidedAt time.Time `json:"decided_at"`
}

// EnsureConversation creates the conversation row on first sight of
// (externalID, platform) and is a no-op otherwise — conversation identity
// is established once and never reassigned (spec §4.8).
func (s *Store) EnsureConversation(ctx context.Context, id string, sessionID sql.NullString, externalID, platform, workspaceHash string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, external_id, platform, workspace_hash, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id, platform) DO NOTHING
	`, id, sessionID, externalID, platform, workspaceHash, startedAt)
	if err != nil {
		return fmt.Errorf("ensure conversation %s/%s: %w", platform, externalID, err)
	}
	return nil
}

// ConversationIDByExternal returns the internal conversation id for
// (platform, externalID), or "" if none exists yet.
func (s *Store) ConversationIDByExternal(ctx context.Context, platform, externalID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE external_id = ? AND platform = ?`, externalID, platform).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup conversation by external id: %w", err)
	}
	return id, nil
}

// EndConversation marks a conversation as ended, idempotently.
func (s *Store) EndConversation(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, endedAt, id)
	if err != nil {
		return fmt.Errorf("end conversation %s: %w", id, err)
	}
	return nil
}

// TurnInput describes one conversation_turns row to insert.
type TurnInput struct {
	ID          string
	TurnType    string
	ContentHash string
	EventID     string
	Timestamp   time.Time
	TokensUsed  sql.NullInt64
	LatencyMS   sql.NullInt64
	ToolsCalled []string
}

// InsertTurn allocates the next turn_number for conversationID and inserts
// the row, all inside one transaction so concurrent workers processing the
// same conversation never race on numbering (spec §4.8, grounded on the
// pack's session store's transaction-scoped sequence allocation). Returns
// the assigned turn number and whether it was flagged out_of_order because
// its timestamp precedes the conversation's latest known turn timestamp —
// this can happen when events from different stream partitions interleave
// out of wall-clock order (spec design note: insertion order wins, flag
// the anomaly rather than reorder).
//
// If eventID was already recorded for this conversation, InsertTurn is a
// no-op and returns the previously assigned turn number (idempotency by
// event_id, the UNIQUE(conversation_id, event_id) constraint on the
// underlying table).
func (s *Store) InsertTurn(ctx context.Context, conversationID string, in TurnInput) (turnNumber int, outOfOrder bool, err error) {
	err = retryOnBusy(ctx, defaultBatchInsertBackoff, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin turn insert transaction: %w", txErr)
		}
		defer tx.Rollback()

		var existingTurn sql.NullInt64
		txErr = tx.QueryRowContext(ctx,
			`SELECT turn_number FROM conversation_turns WHERE conversation_id = ? AND event_id = ?`,
			conversationID, in.EventID).Scan(&existingTurn)
		if txErr != nil && txErr != sql.ErrNoRows {
			return fmt.Errorf("check existing turn: %w", txErr)
		}
		if txErr == nil {
			turnNumber = int(existingTurn.Int64)
			outOfOrder = false
			return tx.Commit()
		}

		var maxTurn sql.NullInt64
		var maxTimestamp sql.NullTime
		txErr = tx.QueryRowContext(ctx,
			`SELECT MAX(turn_number), MAX(timestamp) FROM conversation_turns WHERE conversation_id = ?`,
			conversationID).Scan(&maxTurn, &maxTimestamp)
		if txErr != nil {
			return fmt.Errorf("read max turn: %w", txErr)
		}

		turnNumber = 1
		if maxTurn.Valid {
			turnNumber = int(maxTurn.Int64) + 1
		}
		outOfOrder = maxTimestamp.Valid && in.Timestamp.Before(maxTimestamp.Time)

		toolsJSON, jsonErr := json.Marshal(in.ToolsCalled)
		if jsonErr != nil {
			return fmt.Errorf("marshal tools_called: %w", jsonErr)
		}

		_, txErr = tx.ExecContext(ctx, `
			INSERT INTO conversation_turns
				(id, conversation_id, turn_number, timestamp, turn_type, content_hash, tokens_used, latency_ms, tools_called, event_id, out_of_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, in.ID, conversationID, turnNumber, in.Timestamp, in.TurnType, in.ContentHash, in.TokensUsed, in.LatencyMS, string(toolsJSON), in.EventID, outOfOrder)
		if txErr != nil {
			return fmt.Errorf("insert turn: %w", txErr)
		}

		if txErr = bumpConversationAggregates(ctx, tx, conversationID, in); txErr != nil {
			return txErr
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}
	return turnNumber, outOfOrder, nil
}

func bumpConversationAggregates(ctx context.Context, tx *sql.Tx, conversationID string, in TurnInput) error {
	tokens := int64(0)
	if in.TokensUsed.Valid {
		tokens = in.TokensUsed.Int64
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET interaction_count = interaction_count + 1,
			total_tokens = total_tokens + ?
		WHERE id = ?
	`, tokens, conversationID)
	if err != nil {
		return fmt.Errorf("bump conversation aggregates: %w", err)
	}
	return nil
}

// CodeChangeInput describes a code_changes row at creation time.
type CodeChangeInput struct {
	ID            string
	TurnID        string
	EventID       string
	ChangeKey     string
	Timestamp     time.Time
	FileExtension sql.NullString
	Operation     string
	LinesAdded    int64
	LinesRemoved  int64
}

// InsertCodeChange records a code_change event, idempotent on event_id
// within the conversation.
func (s *Store) InsertCodeChange(ctx context.Context, conversationID string, in CodeChangeInput) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO code_changes
			(id, conversation_id, turn_id, timestamp, file_extension, operation, lines_added, lines_removed, revision_count, event_id, change_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(conversation_id, event_id) DO NOTHING
	`, in.ID, conversationID, in.TurnID, in.Timestamp, in.FileExtension, in.Operation, in.LinesAdded, in.LinesRemoved, in.EventID, in.ChangeKey)
	if err != nil {
		return fmt.Errorf("insert code change: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already recorded for this conversation: total_changes is not bumped again.
		return nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET total_changes = total_changes + 1 WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("bump total_changes: %w", err)
	}
	return nil
}

// ApplyAcceptanceDecision resolves an acceptance_decision event against the
// most recent unresolved code_change sharing changeKey within
// conversationID, setting accepted/acceptance_delay_ms and recomputing the
// conversation's acceptance_rate (spec §4.8's matching rule: most recent
// code_change with the same change_key, falling back to "no match" — a
// decision with no matching change is dropped rather than inserted as an
// orphan row, since acceptance only makes sense attached to a change).
func (s *Store) ApplyAcceptanceDecision(ctx context.Context, conversationID, changeKey string, accepted bool, decidedAt time.Time) (matched bool, err error) {
	err = retryOnBusy(ctx, defaultBatchInsertBackoff, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin acceptance decision transaction: %w", txErr)
		}
		defer tx.Rollback()

		var id string
		var changeTimestamp time.Time
		txErr = tx.QueryRowContext(ctx, `
			SELECT id, timestamp FROM code_changes
			WHERE conversation_id = ? AND change_key = ? AND accepted IS NULL
			ORDER BY timestamp DESC LIMIT 1
		`, conversationID, changeKey).Scan(&id, &changeTimestamp)
		if txErr == sql.ErrNoRows {
			matched = false
			return tx.Commit()
		}
		if txErr != nil {
			return fmt.Errorf("find code change for acceptance: %w", txErr)
		}

		delayMS := decidedAt.Sub(changeTimestamp).Milliseconds()
		if delayMS < 0 {
			delayMS = 0
		}
		_, txErr = tx.ExecContext(ctx, `
			UPDATE code_changes SET accepted = ?, acceptance_delay_ms = ? WHERE id = ?
		`, accepted, delayMS, id)
		if txErr != nil {
			return fmt.Errorf("apply acceptance decision: %w", txErr)
		}
		matched = true

		var total, acceptedCount int
		txErr = tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(CASE WHEN accepted = 1 THEN 1 ELSE 0 END), 0)
			FROM code_changes WHERE conversation_id = ? AND accepted IS NOT NULL
		`, conversationID).Scan(&total, &acceptedCount)
		if txErr != nil {
			return fmt.Errorf("recompute acceptance rate: %w", txErr)
		}
		rate := 0.0
		if total > 0 {
			rate = float64(acceptedCount) / float64(total)
		}
		_, txErr = tx.ExecContext(ctx, `UPDATE conversations SET acceptance_rate = ? WHERE id = ?`, rate, conversationID)
		if txErr != nil {
			return fmt.Errorf("update conversation acceptance_rate: %w", txErr)
		}

		var decisionsRaw string
		txErr = tx.QueryRowContext(ctx, `SELECT acceptance_decisions FROM conversations WHERE id = ?`, conversationID).Scan(&decisionsRaw)
		if txErr != nil {
			return fmt.Errorf("read acceptance_decisions: %w", txErr)
		}
		var decisions []AcceptanceDecision
		if txErr = json.Unmarshal([]byte(decisionsRaw), &decisions); txErr != nil {
			return fmt.Errorf("unmarshal acceptance_decisions: %w", txErr)
		}
		decisions = append(decisions, AcceptanceDecision{ChangeKey: changeKey, Accepted: accepted, DecidedAt: decidedAt})
		updatedDecisions, jsonErr := json.Marshal(decisions)
		if jsonErr != nil {
			return fmt.Errorf("marshal acceptance_decisions: %w", jsonErr)
		}
		_, txErr = tx.ExecContext(ctx, `UPDATE conversations SET acceptance_decisions = ? WHERE id = ?`, string(updatedDecisions), conversationID)
		if txErr != nil {
			return fmt.Errorf("update acceptance_decisions: %w", txErr)
		}

		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// RecordToolUse appends toolName to the conversation's tool_sequence JSON
// array (spec §4.8's tool_sequence field).
func (s *Store) RecordToolUse(ctx context.Context, conversationID, toolName string) error {
	return retryOnBusy(ctx, defaultBatchInsertBackoff, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin tool sequence transaction: %w", txErr)
		}
		defer tx.Rollback()

		var raw string
		if txErr = tx.QueryRowContext(ctx, `SELECT tool_sequence FROM conversations WHERE id = ?`, conversationID).Scan(&raw); txErr != nil {
			return fmt.Errorf("read tool_sequence: %w", txErr)
		}
		var seq []string
		if txErr = json.Unmarshal([]byte(raw), &seq); txErr != nil {
			return fmt.Errorf("unmarshal tool_sequence: %w", txErr)
		}
		seq = append(seq, toolName)
		updated, jsonErr := json.Marshal(seq)
		if jsonErr != nil {
			return fmt.Errorf("marshal tool_sequence: %w", jsonErr)
		}
		if _, txErr = tx.ExecContext(ctx, `UPDATE conversations SET tool_sequence = ? WHERE id = ?`, string(updated), conversationID); txErr != nil {
			return fmt.Errorf("update tool_sequence: %w", txErr)
		}
		return tx.Commit()
	})
}
