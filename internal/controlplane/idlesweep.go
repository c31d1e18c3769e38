package controlplane

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// sessionSweeper is the subset of tracestore.Store the idle-session
// sweeper needs.
type sessionSweeper interface {
	SweepIdleSessions(ctx context.Context, idleFor time.Duration, now time.Time) (int, error)
}

// IdleSessionSweeper periodically closes out cursor_sessions rows whose
// most recent activity is older than IdleFor, the supplemented fallback
// for Cursor's lack of an explicit session-end event.
type IdleSessionSweeper struct {
	store    sessionSweeper
	idleFor  time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

// NewIdleSessionSweeper builds a sweeper. interval defaults to 15 minutes
// if <=0; idleFor defaults to 24h if <=0.
func NewIdleSessionSweeper(store sessionSweeper, idleFor, interval time.Duration, logger zerolog.Logger) *IdleSessionSweeper {
	if idleFor <= 0 {
		idleFor = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &IdleSessionSweeper{
		store: store, idleFor: idleFor, interval: interval,
		logger: logger.With().Str("component", "idle-sweep").Logger(),
	}
}

// Run blocks, sweeping on a fixed tick until ctx is cancelled.
func (s *IdleSessionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.SweepIdleSessions(ctx, s.idleFor, time.Now().UTC())
			if err != nil {
				s.logger.Error().Err(err).Msg("idle session sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Info().Int("closed", n).Msg("closed idle sessions")
			}
		}
	}
}
