package workerpool

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blueplane/telemetry-core/internal/cdc"
	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/stream"
	"github.com/blueplane/telemetry-core/internal/tracestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// countingHandler records how many events it was asked to handle, failing
// the first N deliveries to exercise the retry-then-succeed path.
type countingHandler struct {
	typ       string
	failUntil int32
	attempts  int32
	handled   int32
}

func (h *countingHandler) Type() string { return h.typ }

func (h *countingHandler) Handle(ctx context.Context, ev *envelope.Event) error {
	n := atomic.AddInt32(&h.attempts, 1)
	if n <= h.failUntil {
		return fmt.Errorf("simulated failure %d", n)
	}
	atomic.AddInt32(&h.handled, 1)
	return nil
}

func newTestPoolEnv(t *testing.T) (*stream.Client, *tracestore.Store, *cdc.Bus) {
	t.Helper()
	url := os.Getenv("TELEMETRY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TELEMETRY_TEST_REDIS_URL not set; skipping worker pool integration test")
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

	cdcStream := fmt.Sprintf("test-pool-cdc-%d", time.Now().UnixNano())
	bus := cdc.New(sc, cdcStream)
	return sc, store, bus
}

// TestPoolDeliversEventToHandler exercises read -> resolve -> dispatch ->
// ack through a real consumer group, confirming a handler sees the
// original event payload reconstructed from the trace store.
func TestPoolDeliversEventToHandler(t *testing.T) {
	sc, store, bus := newTestPoolEnv(t)
	logger := zerolog.New(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ev := &envelope.Event{
		EventID:           uuid.NewString(),
		EnqueuedAt:        time.Now().UTC(),
		Platform:          envelope.PlatformClaudeCode,
		ExternalSessionID: "session-pool-1",
		HookType:          "PostToolUse",
		EventType:         envelope.EventToolUse,
		Timestamp:         time.Now().UTC(),
		Payload:           map[string]interface{}{"tool_name": "Edit"},
		Metadata:          map[string]interface{}{"workspace_hash": "wh-1"},
	}
	raw, err := envelope.EncodeBytes(ev)
	if err != nil {
		t.Fatalf("EncodeBytes failed: %v", err)
	}
	compressed, err := envelope.Compress(raw)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	row := tracestore.RawTraceRow{
		EventID:           ev.EventID,
		ExternalSessionID: ev.ExternalSessionID,
		EventType:         string(ev.EventType),
		WorkspaceHash:     "wh-1",
		EventData:         compressed,
		Timestamp:         ev.Timestamp,
	}
	sequences, err := store.BatchInsertTraces(ctx, "claude_code", []tracestore.RawTraceRow{row})
	if err != nil {
		t.Fatalf("BatchInsertTraces failed: %v", err)
	}
	seq, ok := sequences[ev.EventID]
	if !ok {
		t.Fatal("expected a sequence to be assigned to the inserted row")
	}
	if _, err := bus.Append(ctx, cdc.Pointer{
		Platform: "claude_code", Sequence: seq, EventID: ev.EventID,
		Priority: envelope.PriorityOf(ev.EventType), EventType: string(ev.EventType),
	}); err != nil {
		t.Fatalf("Append pointer failed: %v", err)
	}

	handler := &countingHandler{typ: "test-handler"}
	pool := New(Config{DLQStream: "test-pool-dlq", MaxWorkerRetries: 3, MinIdle: time.Minute}, bus, store, store, sc, nil, logger)
	pool.Register(handler)

	runCtx, runCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer runCancel()
	_ = pool.Run(runCtx)

	if atomic.LoadInt32(&handler.handled) != 1 {
		t.Fatalf("expected handler to process exactly one event, got %d", handler.handled)
	}
}

// TestPoolDeadLettersAfterMaxRetries confirms a handler that always fails
// is dead-lettered once the retry ceiling is exceeded, rather than
// retried forever.
func TestPoolDeadLettersAfterMaxRetries(t *testing.T) {
	sc, store, bus := newTestPoolEnv(t)
	logger := zerolog.New(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := &envelope.Event{
		EventID:           uuid.NewString(),
		EnqueuedAt:        time.Now().UTC(),
		Platform:          envelope.PlatformClaudeCode,
		ExternalSessionID: "session-pool-2",
		HookType:          "PostToolUse",
		EventType:         envelope.EventToolUse,
		Timestamp:         time.Now().UTC(),
		Payload:           map[string]interface{}{},
		Metadata:          map[string]interface{}{"workspace_hash": "wh-1"},
	}
	raw, _ := envelope.EncodeBytes(ev)
	compressed, _ := envelope.Compress(raw)
	row := tracestore.RawTraceRow{
		EventID:           ev.EventID,
		ExternalSessionID: ev.ExternalSessionID,
		EventType:         string(ev.EventType),
		WorkspaceHash:     "wh-1",
		EventData:         compressed,
		Timestamp:         ev.Timestamp,
	}
	sequences, err := store.BatchInsertTraces(ctx, "claude_code", []tracestore.RawTraceRow{row})
	if err != nil {
		t.Fatalf("BatchInsertTraces failed: %v", err)
	}
	seq := sequences[ev.EventID]
	dlqStream := fmt.Sprintf("test-pool-dlq-%d", time.Now().UnixNano())
	if _, err := bus.Append(ctx, cdc.Pointer{Platform: "claude_code", Sequence: seq, EventID: ev.EventID, Priority: 5, EventType: string(ev.EventType)}); err != nil {
		t.Fatalf("Append pointer failed: %v", err)
	}

	handler := &countingHandler{typ: "always-fails", failUntil: 1000}
	pool := New(Config{DLQStream: dlqStream, MaxWorkerRetries: 2, MinIdle: 100 * time.Millisecond}, bus, store, store, sc, nil, logger)
	pool.Register(handler)

	runCtx, runCancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer runCancel()
	_ = pool.Run(runCtx)

	if err := sc.EnsureGroup(context.Background(), dlqStream, "inspect"); err != nil {
		t.Fatalf("EnsureGroup on dlq stream failed: %v", err)
	}
	msgs, err := sc.ReadGroup(context.Background(), dlqStream, "inspect", "inspector", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup on dlq stream failed: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatal("expected the exhausted event to have been dead-lettered")
	}
}
