package tracestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RawTraceRow is one denormalized row destined for a platform's raw trace
// table (spec §3/§4.5). Fields absent for a given event type are left at
// their zero value and stored as NULL.
type RawTraceRow struct {
	EventID           string
	ExternalSessionID string
	EventType         string
	Timestamp         time.Time
	WorkspaceHash     string
	GenerationUUID    sql.NullString
	ComposerID        sql.NullString
	BubbleID          sql.NullString
	ToolName          sql.NullString
	Model             sql.NullString
	DurationMS        sql.NullInt64
	TokensUsed        sql.NullInt64
	LinesAdded        sql.NullInt64
	LinesRemoved      sql.NullInt64
	EventData         []byte
}

// BatchInsertTraces inserts rows into the raw trace table for platform in a
// single transaction, idempotent on event_id (INSERT OR IGNORE per spec
// §4.5/§8: "re-ingesting an already-stored event_id is a no-op"). Retries
// on SQLITE_BUSY per the 50ms/200ms/1s schedule from spec §4.3. Returns the
// assigned sequence number for every row that was newly inserted (rows
// that were already present are omitted, since their CDC pointer was
// already appended on first ingest).
func (s *Store) BatchInsertTraces(ctx context.Context, platform string, rows []RawTraceRow) (sequences map[string]int64, err error) {
	table, ok := tableForPlatform(platform)
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (
		ingested_at, event_id, external_session_id, event_type, timestamp, workspace_hash,
		generation_uuid, composer_id, bubble_id, tool_name, model,
		duration_ms, tokens_used, lines_added, lines_removed,
		event_data, event_date, event_hour
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)

	sequences = make(map[string]int64, len(rows))
	err = retryOnBusy(ctx, defaultBatchInsertBackoff, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin batch insert transaction: %w", txErr)
		}
		defer tx.Rollback()

		stmt, txErr := tx.PrepareContext(ctx, query)
		if txErr != nil {
			return fmt.Errorf("prepare batch insert: %w", txErr)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, row := range rows {
			res, execErr := stmt.ExecContext(ctx,
				now, row.EventID, row.ExternalSessionID, row.EventType, row.Timestamp, row.WorkspaceHash,
				row.GenerationUUID, row.ComposerID, row.BubbleID, row.ToolName, row.Model,
				row.DurationMS, row.TokensUsed, row.LinesAdded, row.LinesRemoved,
				row.EventData, row.Timestamp.UTC().Format("2006-01-02"), row.Timestamp.UTC().Hour(),
			)
			if execErr != nil {
				return fmt.Errorf("insert raw trace %s: %w", row.EventID, execErr)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				seq, idErr := res.LastInsertId()
				if idErr != nil {
					return fmt.Errorf("read assigned sequence for %s: %w", row.EventID, idErr)
				}
				sequences[row.EventID] = seq
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return sequences, nil
}

// ReadTraceBySequence reads back a single raw trace row by its assigned
// monotonic sequence number, used by workers to fetch the full event_data
// blob a CDC pointer refers to.
func (s *Store) ReadTraceBySequence(ctx context.Context, platform string, sequence int64) ([]byte, error) {
	table, ok := tableForPlatform(platform)
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT event_data FROM %s WHERE sequence = ?", table), sequence).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no raw trace at sequence %d for %s: %w", sequence, platform, err)
		}
		return nil, fmt.Errorf("read raw trace by sequence: %w", err)
	}
	return data, nil
}

// MaxSequence returns the highest assigned sequence number in platform's
// raw trace table, used by the CDC backfill gap scan at startup.
func (s *Store) MaxSequence(ctx context.Context, platform string) (int64, error) {
	table, ok := tableForPlatform(platform)
	if !ok {
		return 0, fmt.Errorf("unknown platform %q", platform)
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(sequence) FROM %s", table)).Scan(&max); err != nil {
		return 0, fmt.Errorf("max sequence for %s: %w", platform, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// SequenceRange returns (event_id, event_data) pairs for platform with
// sequence in (fromExclusive, toInclusive], used by CDC backfill to
// republish pointers for rows committed after its checkpoint, which
// covers rows whose pointer was lost when the process crashed between
// batch_insert_traces and the CDC append.
type SequenceRow struct {
	Sequence int64
	EventID  string
	EventData []byte
}

func (s *Store) SequenceRange(ctx context.Context, platform string, fromExclusive, toInclusive int64) ([]SequenceRow, error) {
	table, ok := tableForPlatform(platform)
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT sequence, event_id, event_data FROM %s WHERE sequence > ? AND sequence <= ? ORDER BY sequence ASC", table),
		fromExclusive, toInclusive)
	if err != nil {
		return nil, fmt.Errorf("sequence range for %s: %w", platform, err)
	}
	defer rows.Close()

	var out []SequenceRow
	for rows.Next() {
		var r SequenceRow
		if err := rows.Scan(&r.Sequence, &r.EventID, &r.EventData); err != nil {
			return nil, fmt.Errorf("scan sequence range row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastBackfillSequence returns the highest sequence this CDC backfill has
// already republished a pointer for, so a restart resumes the gap scan
// from where it left off instead of rescanning (and re-publishing) the
// same trailing window every time. Returns 0 if platform has never been
// checkpointed.
func (s *Store) LastBackfillSequence(ctx context.Context, platform string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT last_sequence FROM cdc_backfill_checkpoints WHERE platform = ?", platform).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read backfill checkpoint for %s: %w", platform, err)
	}
	return seq, nil
}

// SetLastBackfillSequence persists the highest sequence the CDC backfill
// has republished a pointer for, so the next restart's gap scan starts
// past it.
func (s *Store) SetLastBackfillSequence(ctx context.Context, platform string, sequence int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO cdc_backfill_checkpoints (platform, last_sequence) VALUES (?, ?) ON CONFLICT(platform) DO UPDATE SET last_sequence = excluded.last_sequence",
		platform, sequence)
	if err != nil {
		return fmt.Errorf("set backfill checkpoint for %s: %w", platform, err)
	}
	return nil
}

// ReadSessionTraces returns every raw trace row for an external session,
// ordered by sequence, used by conversation reconstruction's rebuild path
// and by operator inspection tooling.
func (s *Store) ReadSessionTraces(ctx context.Context, platform, externalSessionID string) ([]SequenceRow, error) {
	table, ok := tableForPlatform(platform)
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT sequence, event_id, event_data FROM %s WHERE external_session_id = ? ORDER BY sequence ASC", table),
		externalSessionID)
	if err != nil {
		return nil, fmt.Errorf("read session traces: %w", err)
	}
	defer rows.Close()

	var out []SequenceRow
	for rows.Next() {
		var r SequenceRow
		if err := rows.Scan(&r.Sequence, &r.EventID, &r.EventData); err != nil {
			return nil, fmt.Errorf("scan session trace row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
