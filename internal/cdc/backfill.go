package cdc

import (
	"context"
	"fmt"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/tracestore"
	"github.com/rs/zerolog"
)

// maxBackfillRows caps a single gap scan to the most recent 10,000 rows
// per platform (spec §4.6): a crash loop should not force an unbounded
// replay of the entire raw trace history.
const maxBackfillRows = 10000

// storeReader is the subset of tracestore.Store the backfill needs,
// narrowed so this package depends on behavior rather than the concrete
// store type.
type storeReader interface {
	MaxSequence(ctx context.Context, platform string) (int64, error)
	SequenceRange(ctx context.Context, platform string, fromExclusive, toInclusive int64) ([]tracestore.SequenceRow, error)
	LastBackfillSequence(ctx context.Context, platform string) (int64, error)
	SetLastBackfillSequence(ctx context.Context, platform string, sequence int64) error
}

// Backfill republishes a CDC pointer for every raw trace row committed
// after each platform's persisted checkpoint (store.LastBackfillSequence),
// capped at the trailing maxBackfillRows rows, and then advances the
// checkpoint to the platform's current max sequence. This recovers the
// pointers lost when the fast path crashes between batch_insert_traces
// and the CDC append (spec §4.6's startup recovery scenario). The scan
// does not check which rows already have a pointer, so rows past the
// checkpoint that were published normally are published again; resuming
// from the checkpoint limits that repeat to rows committed since the
// previous startup.
func Backfill(ctx context.Context, store storeReader, bus *Bus, logger zerolog.Logger) error {
	for _, platform := range []string{string(envelope.PlatformClaudeCode), string(envelope.PlatformCursor)} {
		maxSeq, err := store.MaxSequence(ctx, platform)
		if err != nil {
			return fmt.Errorf("read max sequence for %s: %w", platform, err)
		}
		if maxSeq == 0 {
			continue
		}

		from, err := store.LastBackfillSequence(ctx, platform)
		if err != nil {
			return fmt.Errorf("read backfill checkpoint for %s: %w", platform, err)
		}
		if maxSeq-from > maxBackfillRows {
			logger.Warn().
				Str("platform", platform).
				Int64("gap", maxSeq-from).
				Msg("cdc backfill gap exceeds window; only scanning the trailing 10000 rows")
			from = maxSeq - maxBackfillRows
		}
		if from >= maxSeq {
			continue
		}

		rows, err := store.SequenceRange(ctx, platform, from, maxSeq)
		if err != nil {
			return fmt.Errorf("scan sequence range for %s: %w", platform, err)
		}

		backfilled := 0
		for _, row := range rows {
			raw, decompressErr := envelope.Decompress(row.EventData)
			if decompressErr != nil {
				logger.Error().Err(decompressErr).Str("event_id", row.EventID).Msg("cdc backfill: could not decompress raw trace, skipping")
				continue
			}
			ev, decodeErr := envelope.DecodeBytes(raw)
			if decodeErr != nil {
				logger.Error().Err(decodeErr).Str("event_id", row.EventID).Msg("cdc backfill: could not decode raw trace, skipping")
				continue
			}
			_, err := bus.Append(ctx, Pointer{
				Platform:  platform,
				Sequence:  row.Sequence,
				EventID:   row.EventID,
				Priority:  envelope.PriorityOf(ev.EventType),
				EventType: string(ev.EventType),
			})
			if err != nil {
				return fmt.Errorf("append backfilled cdc pointer for %s: %w", row.EventID, err)
			}
			backfilled++
		}
		if backfilled > 0 {
			logger.Info().Str("platform", platform).Int("count", backfilled).Msg("cdc backfill appended missing pointers")
		}
		if err := store.SetLastBackfillSequence(ctx, platform, maxSeq); err != nil {
			return fmt.Errorf("checkpoint backfill progress for %s: %w", platform, err)
		}
	}
	return nil
}
