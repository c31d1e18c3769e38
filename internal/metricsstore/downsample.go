package metricsstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// resolutions is the fixed set of rollup tiers spec §4.4 names.
var resolutions = []string{Resolution1Min, Resolution5Min, Resolution1Hour}

// bucketWidth returns the time.Duration a resolution name buckets into.
func bucketWidth(resolution string) (time.Duration, error) {
	switch resolution {
	case Resolution1Min:
		return time.Minute, nil
	case Resolution5Min:
		return 5 * time.Minute, nil
	case Resolution1Hour:
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown resolution %q", resolution)
	}
}

// Downsample computes resolution-bucketed averages over raw points for key
// within [from, to] and upserts them into points_downsampled (spec §4.4's
// 1-minute/5-minute/1-hour rollups). Returns the number of buckets written.
func (s *Store) Downsample(ctx context.Context, key, resolution string, from, to time.Time) (int, error) {
	width, err := bucketWidth(resolution)
	if err != nil {
		return 0, err
	}

	points, err := s.Range(ctx, key, from, to)
	if err != nil {
		return 0, fmt.Errorf("read raw points for downsample: %w", err)
	}
	if len(points) == 0 {
		return 0, nil
	}

	type accumulator struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*accumulator)
	for _, p := range points {
		bucket := p.Timestamp.Truncate(width).Unix()
		acc, ok := buckets[bucket]
		if !ok {
			acc = &accumulator{}
			buckets[bucket] = acc
		}
		acc.sum += p.Value
		acc.count++
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin downsample transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO points_downsampled (series_key, resolution, bucket_ts, value, sample_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(series_key, resolution, bucket_ts) DO UPDATE SET
			value = excluded.value, sample_count = excluded.sample_count
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare downsample upsert: %w", err)
	}
	defer stmt.Close()

	for bucket, acc := range buckets {
		bucketTS := time.Unix(bucket, 0).UTC()
		avg := acc.sum / float64(acc.count)
		if _, err := stmt.ExecContext(ctx, key, resolution, bucketTS, avg, acc.count); err != nil {
			return 0, fmt.Errorf("upsert downsample bucket: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit downsample transaction: %w", err)
	}
	return len(buckets), nil
}

// RetentionFor returns the raw-point retention window for a series class,
// per spec §4.4: realtime series (queue depth, throughput) keep 1 hour of
// raw points, session series (per-conversation aggregates) keep 7 days,
// tool series (per-tool usage counts) keep 1 day.
func RetentionFor(seriesClass string) time.Duration {
	switch seriesClass {
	case "realtime":
		return time.Hour
	case "session":
		return 7 * 24 * time.Hour
	case "tools":
		return 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// DownsampleRetention returns how long rollup buckets at a resolution are
// kept before pruning, per spec §4.4.
func DownsampleRetention(resolution string) time.Duration {
	switch resolution {
	case Resolution1Min:
		return time.Hour
	case Resolution5Min:
		return 24 * time.Hour
	case Resolution1Hour:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Rollup periodically downsamples every known series into each resolution
// tier and prunes raw/downsampled points past their retention window (spec
// §4.4), the scheduled counterpart to the otherwise-inert Downsample/
// PruneRaw/PruneDownsampled library functions. Every series this module
// writes (internal/workerpool's per-platform, per-event-type series) is a "tools"
// class series (24h raw retention); there is no per-series class tagging
// in the schema, so Rollup applies that one class uniformly.
type Rollup struct {
	store    *Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewRollup builds a scheduler. interval defaults to 1 hour if <=0.
func NewRollup(store *Store, interval time.Duration, logger zerolog.Logger) *Rollup {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Rollup{store: store, interval: interval, logger: logger.With().Str("component", "metrics-rollup").Logger()}
}

// Run blocks, rolling up and pruning on a fixed tick until ctx is
// cancelled.
func (r *Rollup) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// rollupLookback bounds how far back Downsample scans raw points before
// they are pruned, comfortably past every raw retention tier RetentionFor
// defines so a stale point is always rolled up before it is deleted.
const rollupLookback = 30 * 24 * time.Hour

func (r *Rollup) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	rawCutoff := now.Add(-RetentionFor("tools"))
	downsampleFrom := now.Add(-rollupLookback)

	keys, err := r.store.Keys(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("rollup: failed to list series keys")
		return
	}

	for _, key := range keys {
		for _, resolution := range resolutions {
			if _, err := r.store.Downsample(ctx, key, resolution, downsampleFrom, now); err != nil {
				r.logger.Error().Err(err).Str("key", key).Str("resolution", resolution).Msg("rollup: downsample failed")
			}
		}
		if n, err := r.store.PruneRaw(ctx, key, rawCutoff); err != nil {
			r.logger.Error().Err(err).Str("key", key).Msg("rollup: prune raw failed")
		} else if n > 0 {
			r.logger.Info().Str("key", key).Int64("pruned", n).Msg("pruned raw points past retention")
		}
	}

	for _, resolution := range resolutions {
		cutoff := now.Add(-DownsampleRetention(resolution))
		if n, err := r.store.PruneDownsampled(ctx, resolution, cutoff); err != nil {
			r.logger.Error().Err(err).Str("resolution", resolution).Msg("rollup: prune downsampled failed")
		} else if n > 0 {
			r.logger.Info().Str("resolution", resolution).Int64("pruned", n).Msg("pruned downsampled points past retention")
		}
	}
}
