package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/metricsstore"
)

// metricsSeries suffixes; full keys are "<platform>.<event_type>.<suffix>"
// so a dashboard can glob per-platform or per-event-type without a join.
const (
	seriesEventCount   = "count"
	seriesDuration     = "duration_ms"
	seriesLinesAdded   = "lines_added"
	seriesLinesRemoved = "lines_removed"
	seriesTokens       = "tokens_used"
)

// MetricsHandler feeds the rolling time-series store from every event
// that reaches the CDC bus, independent of and in parallel with
// conversation reconstruction (spec §4.8: "two independent consumer
// groups see every pointer").
type MetricsHandler struct {
	store *metricsstore.Store
}

// NewMetricsHandler wraps store for pool registration.
func NewMetricsHandler(store *metricsstore.Store) *MetricsHandler {
	return &MetricsHandler{store: store}
}

// Type implements Handler.
func (h *MetricsHandler) Type() string { return "metrics" }

// Handle implements Handler, recording one point per populated metric.
func (h *MetricsHandler) Handle(ctx context.Context, ev *envelope.Event) error {
	prefix := fmt.Sprintf("%s.%s", ev.Platform, ev.EventType)

	if err := h.record(ctx, prefix+"."+seriesEventCount, ev.Timestamp, 1); err != nil {
		return err
	}
	if v, ok := numeric(ev.Payload["duration_ms"]); ok {
		if err := h.record(ctx, prefix+"."+seriesDuration, ev.Timestamp, float64(v)); err != nil {
			return err
		}
	}
	if v, ok := numeric(ev.Payload["lines_added"]); ok {
		if err := h.record(ctx, prefix+"."+seriesLinesAdded, ev.Timestamp, float64(v)); err != nil {
			return err
		}
	}
	if v, ok := numeric(ev.Payload["lines_removed"]); ok {
		if err := h.record(ctx, prefix+"."+seriesLinesRemoved, ev.Timestamp, float64(v)); err != nil {
			return err
		}
	}
	if v, ok := numeric(ev.Payload["tokens_used"]); ok {
		if err := h.record(ctx, prefix+"."+seriesTokens, ev.Timestamp, float64(v)); err != nil {
			return err
		}
	}
	return nil
}

func (h *MetricsHandler) record(ctx context.Context, key string, ts time.Time, value float64) error {
	if err := h.store.Add(ctx, key, ts, value); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}

func numeric(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
