package tracestore

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetentionResult summarizes one vacuum pass, returned for logging and for
// the /stats endpoint.
type RetentionResult struct {
	RawTracesDeleted int64
	DLQMirrorDeleted int64
}

// Vacuum deletes raw trace rows older than rawTraceRetention and DLQ mirror
// rows older than dlqRetention, then reclaims freed space with VACUUM
// (spec §4.3's retention policy, supplemented by the DLQ mirror retention
// added in the expanded spec). VacuumScheduler runs it on a daily timer.
func (s *Store) Vacuum(ctx context.Context, rawTraceRetention, dlqRetention time.Duration, now time.Time) (RetentionResult, error) {
	var result RetentionResult

	rawCutoff := now.Add(-rawTraceRetention)
	for _, table := range []string{cursorRawTracesTable, claudeRawTracesTable} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", table), rawCutoff)
		if err != nil {
			return result, fmt.Errorf("delete expired rows from %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		result.RawTracesDeleted += n
	}

	dlqCutoff := now.Add(-dlqRetention)
	res, err := s.db.ExecContext(ctx, "DELETE FROM dlq_mirror WHERE queued_at < ?", dlqCutoff)
	if err != nil {
		return result, fmt.Errorf("delete expired dlq_mirror rows: %w", err)
	}
	n, _ := res.RowsAffected()
	result.DLQMirrorDeleted = n

	if result.RawTracesDeleted > 0 || result.DLQMirrorDeleted > 0 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return result, fmt.Errorf("vacuum: %w", err)
		}
	}
	return result, nil
}

// VacuumScheduler runs Vacuum on a fixed daily tick (spec §4.3/§6's
// retention policy), the same ticker-goroutine shape as
// controlplane.IdleSessionSweeper.
type VacuumScheduler struct {
	store             *Store
	rawTraceRetention time.Duration
	dlqRetention      time.Duration
	interval          time.Duration
	logger            zerolog.Logger
}

// NewVacuumScheduler builds a scheduler. interval defaults to 24h if <=0.
func NewVacuumScheduler(store *Store, rawTraceRetention, dlqRetention, interval time.Duration, logger zerolog.Logger) *VacuumScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &VacuumScheduler{
		store: store, rawTraceRetention: rawTraceRetention, dlqRetention: dlqRetention, interval: interval,
		logger: logger.With().Str("component", "vacuum-scheduler").Logger(),
	}
}

// Run blocks, vacuuming on a fixed tick until ctx is cancelled.
func (v *VacuumScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := v.store.Vacuum(ctx, v.rawTraceRetention, v.dlqRetention, time.Now().UTC())
			if err != nil {
				v.logger.Error().Err(err).Msg("vacuum failed")
				continue
			}
			if result.RawTracesDeleted > 0 || result.DLQMirrorDeleted > 0 {
				v.logger.Info().
					Int64("raw_traces_deleted", result.RawTracesDeleted).
					Int64("dlq_mirror_deleted", result.DLQMirrorDeleted).
					Msg("vacuum pass completed")
			}
		}
	}
}

// MirrorDeadLetter records a dead-lettered event in the local dlq_mirror
// table so operators can inspect DLQ contents without a Redis client
// (SPEC_FULL.md ambient supplement).
func (s *Store) MirrorDeadLetter(ctx context.Context, streamID, streamName, originalEventID, errorType, errorMessage string, queuedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dlq_mirror (stream_id, stream, original_event_id, error_type, error_message, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO NOTHING
	`, streamID, streamName, originalEventID, errorType, errorMessage, queuedAt)
	if err != nil {
		return fmt.Errorf("mirror dead letter %s: %w", streamID, err)
	}
	return nil
}

// IncrementRetryCounter counts a worker's attempts to process one CDC
// entry and returns the new count, persisted so the bounded-retry-then-deadletter policy (spec §4.7)
// survives a worker crash and restart rather than resetting to zero.
func (s *Store) IncrementRetryCounter(ctx context.Context, workerType, cdcID string, now time.Time) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_retry_counters (worker_type, cdc_id, retry_count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(worker_type, cdc_id) DO UPDATE SET
			retry_count = worker_retry_counters.retry_count + 1,
			updated_at = excluded.updated_at
	`, workerType, cdcID, now)
	if err != nil {
		return 0, fmt.Errorf("increment retry counter %s/%s: %w", workerType, cdcID, err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT retry_count FROM worker_retry_counters WHERE worker_type = ? AND cdc_id = ?
	`, workerType, cdcID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry counter %s/%s: %w", workerType, cdcID, err)
	}
	return count, nil
}

// ClearRetryCounter removes the retry counter after successful processing
// or after the entry has been dead-lettered.
func (s *Store) ClearRetryCounter(ctx context.Context, workerType, cdcID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worker_retry_counters WHERE worker_type = ? AND cdc_id = ?`, workerType, cdcID)
	if err != nil {
		return fmt.Errorf("clear retry counter %s/%s: %w", workerType, cdcID, err)
	}
	return nil
}
