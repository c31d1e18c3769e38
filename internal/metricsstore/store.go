// Package metricsstore implements the metrics store (C4): a SQLite
// (key, ts) -> value time series table with windowed retention and
// downsampling, separate from the operational metrics the control plane
// exports over OpenTelemetry (internal/otelmetrics). These are
// domain-facing series — per-platform, per-event-type counts and payload
// measurements written by internal/workerpool — kept for dashboards to
// read back; /stats does not read them.
package metricsstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store is the embedded time-series store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the metrics store database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create metrics store directory: %w", err)
		}
	}
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metrics store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply metrics schema: %w", err)
	}
	return &Store{db: db, logger: logger.With().Str("component", "metricsstore").Logger()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSeries registers key if it does not already exist. Idempotent.
func (s *Store) CreateSeries(ctx context.Context, key string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO series (key, created_at) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, now)
	if err != nil {
		return fmt.Errorf("create series %s: %w", key, err)
	}
	return nil
}

// Add records a single raw sample for key at ts, creating the series if
// necessary.
func (s *Store) Add(ctx context.Context, key string, ts time.Time, value float64) error {
	if err := s.CreateSeries(ctx, key, ts); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO points (series_key, ts, value) VALUES (?, ?, ?)
		ON CONFLICT(series_key, ts) DO UPDATE SET value = excluded.value
	`, key, ts, value)
	if err != nil {
		return fmt.Errorf("add point to %s: %w", key, err)
	}
	return nil
}

// Point is one raw or downsampled sample.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Range returns raw points for key within [from, to].
func (s *Store) Range(ctx context.Context, key string, from, to time.Time) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, value FROM points WHERE series_key = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC
	`, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("range query for %s: %w", key, err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Latest returns the most recent raw sample for key, if any.
func (s *Store) Latest(ctx context.Context, key string) (Point, bool, error) {
	var p Point
	err := s.db.QueryRowContext(ctx, `
		SELECT ts, value FROM points WHERE series_key = ? ORDER BY ts DESC LIMIT 1
	`, key).Scan(&p.Timestamp, &p.Value)
	if err == sql.ErrNoRows {
		return Point{}, false, nil
	}
	if err != nil {
		return Point{}, false, fmt.Errorf("latest point for %s: %w", key, err)
	}
	return p, true, nil
}

// RangeDownsampled returns downsampled points at resolution for key within
// [from, to], used once a query window exceeds the raw retention tier.
func (s *Store) RangeDownsampled(ctx context.Context, key, resolution string, from, to time.Time) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_ts, value FROM points_downsampled
		WHERE series_key = ? AND resolution = ? AND bucket_ts >= ? AND bucket_ts <= ?
		ORDER BY bucket_ts ASC
	`, key, resolution, from, to)
	if err != nil {
		return nil, fmt.Errorf("downsampled range for %s/%s: %w", key, resolution, err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("scan downsampled point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneRaw deletes raw points for key older than cutoff, used after a
// downsample pass to enforce the raw retention tier (spec §4.4).
func (s *Store) PruneRaw(ctx context.Context, key string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM points WHERE series_key = ? AND ts < ?`, key, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune raw points for %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneDownsampled deletes downsampled points at resolution older than
// cutoff.
func (s *Store) PruneDownsampled(ctx context.Context, resolution string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM points_downsampled WHERE resolution = ? AND bucket_ts < ?`, resolution, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune downsampled points at %s: %w", resolution, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Keys returns every known series key, used by the downsampler's sweep.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM series`)
	if err != nil {
		return nil, fmt.Errorf("list series keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan series key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
