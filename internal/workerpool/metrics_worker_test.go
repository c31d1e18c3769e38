package workerpool

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/metricsstore"
	"github.com/rs/zerolog"
)

func TestMetricsHandlerRecordsPopulatedSeriesOnly(t *testing.T) {
	store, err := metricsstore.Open(":memory:", zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("open metrics store: %v", err)
	}
	defer store.Close()

	h := NewMetricsHandler(store)
	if h.Type() != "metrics" {
		t.Fatalf("expected type metrics, got %s", h.Type())
	}

	ev := &envelope.Event{
		Platform:  envelope.PlatformClaudeCode,
		EventType: envelope.EventToolUse,
		Timestamp: time.Now().UTC(),
		Payload: map[string]interface{}{
			"duration_ms": float64(120),
			"lines_added": 7,
		},
	}

	ctx := context.Background()
	if err := h.Handle(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	prefix := string(ev.Platform) + "." + string(ev.EventType)
	for _, suffix := range []string{seriesEventCount, seriesDuration, seriesLinesAdded} {
		latest, ok, err := store.Latest(ctx, prefix+"."+suffix)
		if err != nil {
			t.Fatalf("latest %s: %v", suffix, err)
		}
		if !ok {
			t.Fatalf("expected a recorded point for %s", suffix)
		}
		_ = latest
	}

	if _, ok, err := store.Latest(ctx, prefix+"."+seriesLinesRemoved); err == nil && ok {
		t.Fatalf("did not expect a lines_removed series for this event")
	}
}
