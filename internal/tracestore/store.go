// Package tracestore implements the trace store (C3): an embedded,
// WAL-mode relational store for platform-partitioned raw traces and for
// processed conversation/session/turn/code-change state.
//
// The pragma DSN construction and the busy-retry transaction helper are
// grounded on the pack's sam-saffron-jarvis-term-llm/internal/session
// SQLite store, which solves the same "single embedded writer, WAL
// concurrency, SQLITE_BUSY retry" problem for a session/message store.
package tracestore

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

// Store is the embedded relational store for raw traces and processed
// conversation state.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if absent) the trace store database at path,
// applying the WAL/synchronous/cache/mmap configuration spec §4.3 names.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create trace store directory: %w", err)
		}
	}

	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	// The store is the single mutator of raw-trace and conversation tables
	// (spec §5) — cap connections to one writer to keep sequence
	// assignment and turn numbering serialized through the same
	// *sql.DB/driver-level lock rather than racing independent connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With().Str("component", "tracestore").Logger()}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// buildDSN constructs the modernc.org/sqlite DSN with the pragma string
// from spec §4.3: WAL journal mode, synchronous=NORMAL, ~64 MiB cache,
// mmap up to 256 MiB.
func buildDSN(path string) string {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=mmap_size(268435456)"
	return dsn
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	for _, table := range []string{cursorRawTracesTable, claudeRawTracesTable} {
		if _, err := s.db.Exec(rawTraceSchema(table)); err != nil {
			return fmt.Errorf("apply raw trace schema for %s: %w", table, err)
		}
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema_version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", requiredSchemaVersion, time.Now().UTC()); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
		return nil
	}
	return s.checkSchemaVersion()
}

// checkSchemaVersion verifies applied schema_version >= requiredSchemaVersion.
// Migrations themselves are an external operation (spec §1); this is only
// a readiness gate.
func (s *Store) checkSchemaVersion() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1").Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if version < requiredSchemaVersion {
		return fmt.Errorf("schema_version %d is older than required %d; run pending migrations", version, requiredSchemaVersion)
	}
	return nil
}

// SchemaVersion returns the currently applied schema version, used by
// `telemetryd migrate status` and the control plane's readiness check.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return version, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries op with exponential backoff on SQLITE_BUSY, matching
// the 50ms/200ms/1s schedule named in spec §4.3 for batch-insert retries.
// Adapted from the pack's session store's retryOnBusy, generalized to a
// caller-supplied delay schedule instead of a fixed doubling sequence.
func retryOnBusy(ctx context.Context, delays []time.Duration, op func() error) error {
	var err error
	for i := 0; ; i++ {
		err = op()
		if err == nil || !isBusyError(err) {
			return err
		}
		if i >= len(delays) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[i]):
		}
	}
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// defaultBatchInsertBackoff is the 50ms/200ms/1s schedule spec §4.3 names
// for batch-insert retries (three retries after the first attempt).
var defaultBatchInsertBackoff = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 1 * time.Second}
