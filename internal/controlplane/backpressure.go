package controlplane

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// priorityGate is the subset of workerpool.PriorityGate this monitor
// needs; declared locally to avoid an import cycle back into workerpool
// for what is otherwise a two-method dependency.
type priorityGate interface {
	Pause(floor int)
	Resume()
}

// lowPriorityFloor is the priority value at and above which work is
// paused under critical backpressure (spec §4.10: "priority 5 and 4
// first"). Priorities 1-3 (interaction, work output, diagnostic) keep
// flowing even while the stream is critically backed up.
const lowPriorityFloor = 4

// BackpressureMonitor polls the events stream's length on a fixed tick
// and logs/pauses per spec §4.5: warn_threshold logs, critical_threshold
// pauses the lowest-priority worker types until the stream drains back
// under critical.
type BackpressureMonitor struct {
	lenFunc    func(ctx context.Context) (int64, error)
	gate       priorityGate
	warnAt     int64
	criticalAt int64
	interval   time.Duration
	logger     zerolog.Logger
}

// NewBackpressureMonitor wires lenFunc (typically the events stream's
// Len) and gate (typically workerpool.Pool.Gate()) together.
func NewBackpressureMonitor(lenFunc func(ctx context.Context) (int64, error), gate priorityGate, warnAt, criticalAt int64, interval time.Duration, logger zerolog.Logger) *BackpressureMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &BackpressureMonitor{
		lenFunc: lenFunc, gate: gate, warnAt: warnAt, criticalAt: criticalAt,
		interval: interval, logger: logger.With().Str("component", "backpressure").Logger(),
	}
}

// Run blocks, polling until ctx is cancelled.
func (m *BackpressureMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	critical := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.lenFunc(ctx)
			if err != nil {
				m.logger.Error().Err(err).Msg("failed to read events stream length")
				continue
			}
			switch {
			case n >= m.criticalAt:
				if !critical {
					m.logger.Warn().Int64("length", n).Int64("critical_threshold", m.criticalAt).Msg("events stream critically backed up, pausing low-priority workers")
					m.gate.Pause(lowPriorityFloor)
					critical = true
				}
			case n >= m.warnAt:
				m.logger.Warn().Int64("length", n).Int64("warn_threshold", m.warnAt).Msg("events stream backlog above warn threshold")
				if critical {
					m.gate.Resume()
					critical = false
				}
			default:
				if critical {
					m.logger.Info().Int64("length", n).Msg("events stream drained below critical threshold, resuming paused workers")
					m.gate.Resume()
					critical = false
				}
			}
		}
	}
}
