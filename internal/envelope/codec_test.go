package envelope_test

import (
	"testing"
	"time"

	"github.com/blueplane/telemetry-core/internal/envelope"
)

func sampleEvent() *envelope.Event {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &envelope.Event{
		EventID:           "e-1",
		EnqueuedAt:        now,
		RetryCount:        0,
		Platform:          envelope.PlatformClaudeCode,
		ExternalSessionID: "s-aaaa",
		HookType:          "PostToolUse",
		EventType:         envelope.EventToolUse,
		Timestamp:         now.Add(-2 * time.Second),
		Payload:           map[string]interface{}{"tool_name": "Read", "duration_ms": float64(120)},
		Metadata:          map[string]interface{}{"workspace_hash": "abc123"},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := sampleEvent()
	fields, err := envelope.Encode(e, envelope.MaxPayloadBytes)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := envelope.Decode(fields, envelope.MaxPayloadBytes)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.EventID != e.EventID || got.Platform != e.Platform || got.EventType != e.EventType {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
	if !got.Timestamp.Equal(e.Timestamp) || !got.EnqueuedAt.Equal(e.EnqueuedAt) {
		t.Fatalf("timestamp round trip mismatch: got %+v, want %+v", got, e)
	}
	if got.WorkspaceHash() != "abc123" {
		t.Fatalf("expected workspace_hash to round trip, got %q", got.WorkspaceHash())
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	e := sampleEvent()
	big := make([]byte, 2<<20)
	for i := range big {
		big[i] = 'x'
	}
	e.Payload = map[string]interface{}{"blob": string(big)}

	_, err := envelope.Encode(e, envelope.MaxPayloadBytes)
	if err == nil {
		t.Fatal("expected oversize payload to be rejected")
	}
	verr, ok := err.(*envelope.ValidationError)
	if !ok || verr.Reason != envelope.ReasonPayloadTooLarge {
		t.Fatalf("expected payload_too_large, got %v", err)
	}
}

func TestDecodeRejectsUnknownEventType(t *testing.T) {
	e := sampleEvent()
	fields, err := envelope.Encode(e, envelope.MaxPayloadBytes)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	fields[envelope.FieldEventType] = "not_a_real_type"

	_, err = envelope.Decode(fields, envelope.MaxPayloadBytes)
	if err == nil {
		t.Fatal("expected unknown event_type to be rejected")
	}
	verr, ok := err.(*envelope.ValidationError)
	if !ok || verr.Reason != envelope.ReasonSchemaViolation {
		t.Fatalf("expected schema_violation, got %v", err)
	}
}

func TestEventBytesRoundTrip(t *testing.T) {
	e := sampleEvent()
	data, err := envelope.EncodeBytes(e)
	if err != nil {
		t.Fatalf("EncodeBytes failed: %v", err)
	}
	got, err := envelope.DecodeBytes(data)
	if err != nil {
		t.Fatalf("DecodeBytes failed: %v", err)
	}
	if got.EventID != e.EventID || got.HookType != e.HookType {
		t.Fatalf("event bytes round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	e := sampleEvent()
	payload, err := envelope.EncodeBytes(e)
	if err != nil {
		t.Fatalf("EncodeBytes failed: %v", err)
	}

	compressed, err := envelope.Compress(payload)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	decompressed, err := envelope.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if string(decompressed) != string(payload) {
		t.Fatalf("compress/decompress round trip mismatch")
	}
}

func TestSkewExceeded(t *testing.T) {
	now := time.Now().UTC()
	// timestamp far AFTER enqueued_at violates timestamp <= enqueued_at + tolerance.
	e := &envelope.Event{EnqueuedAt: now, Timestamp: now.Add(10 * time.Minute)}
	if !e.SkewExceeded(5 * time.Minute) {
		t.Fatal("expected skew to be exceeded")
	}
	e2 := &envelope.Event{EnqueuedAt: now, Timestamp: now.Add(1 * time.Minute)}
	if e2.SkewExceeded(5 * time.Minute) {
		t.Fatal("expected skew within tolerance")
	}
	// timestamp before enqueued_at is never a skew violation.
	e3 := &envelope.Event{EnqueuedAt: now, Timestamp: now.Add(-1 * time.Hour)}
	if e3.SkewExceeded(5 * time.Minute) {
		t.Fatal("expected timestamp before enqueued_at to never exceed skew tolerance")
	}
}

func TestDecodeRejectsOversizePayload(t *testing.T) {
	e := sampleEvent()
	fields, err := envelope.Encode(e, envelope.MaxPayloadBytes)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, err = envelope.Decode(fields, 8)
	if err == nil {
		t.Fatal("expected oversize payload to be rejected at decode time")
	}
	verr, ok := err.(*envelope.ValidationError)
	if !ok || verr.Reason != envelope.ReasonPayloadTooLarge {
		t.Fatalf("expected payload_too_large, got %v", err)
	}
}
