// Package cursormonitor polls Cursor's own embedded SQLite database for
// new AI generation/prompt records and republishes them as canonical
// events, since Cursor has no push hook of its own (spec §4.9).
//
// The fixed-interval-poll-with-change-callback shape is adapted from the
// teacher's provider.HealthPoller: a ticker-driven goroutine behind a
// Start/Stop lifecycle, generalized from "did a provider's health flip"
// to "are there rows past the checkpoint."
package cursormonitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// appender is the subset of stream.Client the monitor needs; narrowed to
// keep this package's test double small.
type appender interface {
	Append(ctx context.Context, streamName string, fields map[string]string, maxLen int64) (string, error)
	DeadLetter(ctx context.Context, dlqStream, originalStreamID string, reason envelope.DeadLetterReason, errMsg string, sourceFields map[string]string) (string, error)
}

// Config configures one Monitor instance.
type Config struct {
	DBPath         string
	CheckpointPath string
	WorkspaceHash  string
	WorkspacePath  string
	EventsStream   string
	DLQStream      string
	Interval       time.Duration
	MaxPayloadBytes int64
}

// Monitor polls a single Cursor state database on a fixed interval.
type Monitor struct {
	cfg    Config
	bus    appender
	logger zerolog.Logger

	mu    sync.Mutex
	cp    checkpoint
	db    *sql.DB

	cancel context.CancelFunc
	done   chan struct{}
}

// New loads the checkpoint file (starting from an empty checkpoint when the
// file does not exist yet) and returns a Monitor ready to Start.
func New(cfg Config, bus appender, logger zerolog.Logger) (*Monitor, error) {
	if cfg.Interval < 5*time.Second {
		cfg.Interval = 30 * time.Second
	}
	cp, err := loadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		return nil, fmt.Errorf("load cursor monitor checkpoint: %w", err)
	}
	return &Monitor{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With().Str("component", "cursormonitor").Logger(),
		cp:     cp,
		done:   make(chan struct{}),
	}, nil
}

// Start begins the background polling loop. Call Stop to shut it down.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.logger.Info().Dur("interval", m.cfg.Interval).Str("db_path", m.cfg.DBPath).Msg("starting cursor database monitor")
	go m.pollLoop(ctx)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
	m.mu.Lock()
	if m.db != nil {
		_ = m.db.Close()
	}
	m.mu.Unlock()
	m.logger.Info().Msg("cursor database monitor stopped")
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer close(m.done)

	m.poll(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll runs a single read-only pass over the Cursor database. A timeout
// or open failure is logged and the checkpoint is left unchanged so the
// next tick retries from the same position (spec §8: "DB monitor read
// failure: logged; checkpoint unchanged; next tick retries").
func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval/2)
	defer cancel()

	db, err := m.readonlyDB()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to open cursor database")
		return
	}

	advanced := false
	for _, key := range monitoredKeys {
		if err := m.pollKey(pollCtx, db, key); err != nil {
			m.logger.Error().Err(err).Str("key", key).Msg("cursor database poll failed")
			continue
		}
		advanced = true
	}
	if !advanced {
		return
	}
	m.mu.Lock()
	cp := m.cp
	m.mu.Unlock()
	if err := cp.save(m.cfg.CheckpointPath); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist cursor monitor checkpoint")
	}
}

func (m *Monitor) readonlyDB() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}
	dsn := m.cfg.DBPath
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "mode=ro&_pragma=busy_timeout(2000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cursor database read-only: %w", err)
	}
	m.db = db
	return db, nil
}

// pollKey reads the single ItemTable row for key, decodes its JSON array
// value, and emits every element newer than the checkpoint.
func (m *Monitor) pollKey(ctx context.Context, db *sql.DB, key string) error {
	var raw []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM ItemTable WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ItemTable row for %s: %w", key, err)
	}

	var elements []rawElement
	if err := json.Unmarshal(raw, &elements); err != nil {
		return fmt.Errorf("decode %s array: %w", key, err)
	}

	sort.SliceStable(elements, func(i, j int) bool {
		return elementSortKey(elements[i], i) < elementSortKey(elements[j], j)
	})

	m.mu.Lock()
	lastSeen := m.cp[key]
	m.mu.Unlock()

	maxSeen := lastSeen
	for i, el := range elements {
		ts := elementSortKey(el, i)
		if ts <= lastSeen {
			continue
		}
		if err := m.emit(ctx, key, el); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("dead-lettering malformed cursor element")
			m.deadLetter(ctx, key, i, err)
			continue
		}
		if ts > maxSeen {
			maxSeen = ts
		}
	}

	if maxSeen > lastSeen {
		m.mu.Lock()
		m.cp[key] = maxSeen
		m.mu.Unlock()
	}
	return nil
}

func (m *Monitor) emit(ctx context.Context, key string, el rawElement) error {
	ev, err := transform(key, m.cfg.WorkspaceHash, m.cfg.WorkspacePath, el)
	if err != nil {
		return err
	}
	if err := envelope.Validate(ev); err != nil {
		return err
	}
	fields, err := envelope.Encode(ev, m.cfg.MaxPayloadBytes)
	if err != nil {
		return err
	}
	if _, err := m.bus.Append(ctx, m.cfg.EventsStream, fields, 0); err != nil {
		return fmt.Errorf("append cursor event to stream: %w", err)
	}
	return nil
}

func (m *Monitor) deadLetter(ctx context.Context, key string, index int, cause error) {
	originalID := fmt.Sprintf("cursor:%s:%d", key, index)
	if _, err := m.bus.DeadLetter(ctx, m.cfg.DLQStream, originalID, envelope.ReasonCursorElementBad, cause.Error(), nil); err != nil {
		m.logger.Error().Err(err).Str("key", key).Msg("failed to dead-letter malformed cursor element")
	}
}
