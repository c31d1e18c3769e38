package fastpath

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blueplane/telemetry-core/internal/cdc"
	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/stream"
	"github.com/blueplane/telemetry-core/internal/tracestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func sampleToolUseEvent() *envelope.Event {
	return &envelope.Event{
		EventID:           uuid.NewString(),
		EnqueuedAt:        time.Now().UTC(),
		Platform:          envelope.PlatformClaudeCode,
		ExternalSessionID: "session-1",
		HookType:          "PostToolUse",
		EventType:         envelope.EventToolUse,
		Timestamp:         time.Now().UTC(),
		Payload: map[string]interface{}{
			"tool_name":   "Edit",
			"duration_ms": float64(42),
			"lines_added": float64(3),
		},
		Metadata: map[string]interface{}{"workspace_hash": "wh-1"},
	}
}

func TestToRawTraceRowDenormalizesPayload(t *testing.T) {
	ev := sampleToolUseEvent()
	row, err := toRawTraceRow(ev)
	if err != nil {
		t.Fatalf("toRawTraceRow failed: %v", err)
	}
	if row.EventID != ev.EventID {
		t.Fatalf("expected event id to round-trip, got %s", row.EventID)
	}
	if !row.ToolName.Valid || row.ToolName.String != "Edit" {
		t.Fatalf("expected tool_name to be denormalized, got %+v", row.ToolName)
	}
	if !row.DurationMS.Valid || row.DurationMS.Int64 != 42 {
		t.Fatalf("expected duration_ms 42, got %+v", row.DurationMS)
	}
	if row.WorkspaceHash != "wh-1" {
		t.Fatalf("expected workspace_hash wh-1, got %s", row.WorkspaceHash)
	}
	if len(row.EventData) == 0 {
		t.Fatal("expected compressed event_data to be non-empty")
	}
}

func TestToRawTraceRowOmitsAbsentFields(t *testing.T) {
	ev := sampleToolUseEvent()
	ev.Payload = map[string]interface{}{}
	row, err := toRawTraceRow(ev)
	if err != nil {
		t.Fatalf("toRawTraceRow failed: %v", err)
	}
	if row.ToolName.Valid {
		t.Fatalf("expected tool_name to be absent, got %+v", row.ToolName)
	}
	if row.DurationMS.Valid {
		t.Fatalf("expected duration_ms to be absent, got %+v", row.DurationMS)
	}
}

// newTestEnv wires a real Redis-backed fast path consumer against
// TELEMETRY_TEST_REDIS_URL; skipped when unset since Streams semantics have
// no faithful in-memory fake in this module's dependency set.
func newTestEnv(t *testing.T) (*Consumer, *stream.Client, *tracestore.Store, string) {
	t.Helper()
	url := os.Getenv("TELEMETRY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TELEMETRY_TEST_REDIS_URL not set; skipping fast path integration test")
	}
	logger := zerolog.New(io.Discard)

	sc, err := stream.New(url, logger)
	if err != nil {
		t.Fatalf("stream.New failed: %v", err)
	}
	t.Cleanup(func() { _ = sc.Close() })

	store, err := tracestore.Open(filepath.Join(t.TempDir(), "trace.db"), logger)
	if err != nil {
		t.Fatalf("tracestore.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eventsStream := fmt.Sprintf("test-fastpath-events-%d", time.Now().UnixNano())
	cdcStream := fmt.Sprintf("test-fastpath-cdc-%d", time.Now().UnixNano())
	dlqStream := fmt.Sprintf("test-fastpath-dlq-%d", time.Now().UnixNano())

	bus := cdc.New(sc, cdcStream)

	cfg := Config{
		EventsStream:      eventsStream,
		Group:             "fastpath",
		ConsumerName:      "consumer-1",
		DLQStream:         dlqStream,
		BatchSize:         10,
		BatchTimeout:      50 * time.Millisecond,
		CriticalBatchSize: 100,
		CriticalThreshold: 1 << 30,
		MaxPayloadBytes:   1 << 20,
	}
	consumer, err := New(context.Background(), cfg, sc, store, bus, nil, logger)
	if err != nil {
		t.Fatalf("New consumer failed: %v", err)
	}
	return consumer, sc, store, eventsStream
}

func TestConsumerCommitsValidEventAndDeadLettersInvalidOne(t *testing.T) {
	consumer, sc, store, eventsStream := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev := sampleToolUseEvent()
	fields, err := envelope.Encode(ev, 1<<20)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := sc.Append(ctx, eventsStream, fields, 0); err != nil {
		t.Fatalf("Append valid event failed: %v", err)
	}
	if _, err := sc.Append(ctx, eventsStream, map[string]string{"event_id": "bad"}, 0); err != nil {
		t.Fatalf("Append invalid event failed: %v", err)
	}

	runCtx, runCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer runCancel()
	_ = consumer.Run(runCtx, nil)

	data, err := store.ReadTraceBySequence(context.Background(), "claude_code", 1)
	if err != nil {
		t.Fatalf("expected the valid event to be committed, ReadTraceBySequence failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty event_data for committed trace")
	}

	pending, err := sc.PendingCount(context.Background(), eventsStream, consumer.cfg.Group)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected both events acked (the invalid one after dead-lettering), got %d still pending", pending)
	}
}

func TestConsumerDeadLettersOversizePayload(t *testing.T) {
	consumer, sc, _, eventsStream := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev := sampleToolUseEvent()
	// Bypass Encode's own size check so the oversized payload reaches the
	// ingestion path exactly as an external producer's raw append would.
	fields, err := envelope.ToWireFields(ev)
	if err != nil {
		t.Fatalf("ToWireFields failed: %v", err)
	}
	big := make([]byte, consumer.cfg.MaxPayloadBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	fields[envelope.FieldPayload] = string(big)

	if _, err := sc.Append(ctx, eventsStream, fields, 0); err != nil {
		t.Fatalf("Append oversized event failed: %v", err)
	}

	runCtx, runCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer runCancel()
	_ = consumer.Run(runCtx, nil)

	pending, err := sc.PendingCount(context.Background(), eventsStream, consumer.cfg.Group)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected the oversized event to be dead-lettered and acked, got %d still pending", pending)
	}
}
