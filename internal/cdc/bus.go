// Package cdc implements the change-data-capture bus (C6): a second Redis
// stream carrying lightweight pointers (platform, sequence, event id,
// priority, event type) into the trace store; workers read the full
// event back from the trace store by sequence. Each worker type reads the same stream through its
// own consumer group (spec §4.6/§4.7: "per-worker-type consumer groups"),
// so every pointer is seen once by the metrics workers and once by the
// conversation workers, independently acked and independently retried.
package cdc

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/blueplane/telemetry-core/internal/stream"
)

// Pointer wire field names.
const (
	FieldPlatform  = "platform"
	FieldSequence  = "sequence"
	FieldEventID   = "event_id"
	FieldPriority  = "priority"
	FieldEventType = "event_type"
)

// Pointer references one row already committed to the trace store.
type Pointer struct {
	Platform  string
	Sequence  int64
	EventID   string
	Priority  int
	EventType string
}

// Bus wraps a stream.Client scoped to the CDC stream. A Bus is shared by
// every writer (the fast path, backfill) and read through per-group
// handles obtained via Group.
type Bus struct {
	client     *stream.Client
	streamName string
}

// New wraps client for CDC use against streamName.
func New(client *stream.Client, streamName string) *Bus {
	return &Bus{client: client, streamName: streamName}
}

// Append publishes a pointer to the CDC stream.
func (b *Bus) Append(ctx context.Context, p Pointer) (string, error) {
	fields := map[string]string{
		FieldPlatform:  p.Platform,
		FieldSequence:  strconv.FormatInt(p.Sequence, 10),
		FieldEventID:   p.EventID,
		FieldPriority:  strconv.Itoa(p.Priority),
		FieldEventType: p.EventType,
	}
	return b.client.Append(ctx, b.streamName, fields, 0)
}

// Len returns the CDC stream's approximate length, reported by /stats as
// cdc_pending.
func (b *Bus) Len(ctx context.Context) (int64, error) {
	return b.client.Len(ctx, b.streamName)
}

// Group returns a handle scoped to one worker type's consumer group on the
// CDC stream, creating the group if it does not exist.
func (b *Bus) Group(ctx context.Context, group string) (*GroupReader, error) {
	if err := b.client.EnsureGroup(ctx, b.streamName, group); err != nil {
		return nil, fmt.Errorf("ensure cdc consumer group %s: %w", group, err)
	}
	return &GroupReader{bus: b, group: group}, nil
}

// GroupReader reads and acknowledges CDC pointers for one consumer group.
type GroupReader struct {
	bus   *Bus
	group string
}

// ReadResult pairs a stream ID with its decoded pointer (or decode error,
// which indicates a bug in the fast path rather than a retryable worker
// condition — surfaced to the caller instead of silently dropped).
type ReadResult struct {
	StreamID string
	Pointer  Pointer
	Err      error
}

// Read reads up to count pointers for consumer, blocking up to block.
func (g *GroupReader) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]ReadResult, error) {
	msgs, err := g.bus.client.ReadGroup(ctx, g.bus.streamName, g.group, consumer, count, block)
	if err != nil {
		return nil, fmt.Errorf("read cdc pointers for group %s: %w", g.group, err)
	}
	out := make([]ReadResult, 0, len(msgs))
	for _, m := range msgs {
		p, parseErr := parsePointer(m.Fields)
		out = append(out, ReadResult{StreamID: m.ID, Pointer: p, Err: parseErr})
	}
	return out, nil
}

func parsePointer(fields map[string]string) (Pointer, error) {
	seq, err := strconv.ParseInt(fields[FieldSequence], 10, 64)
	if err != nil {
		return Pointer{}, fmt.Errorf("parse sequence: %w", err)
	}
	priority, err := strconv.Atoi(fields[FieldPriority])
	if err != nil {
		return Pointer{}, fmt.Errorf("parse priority: %w", err)
	}
	return Pointer{
		Platform:  fields[FieldPlatform],
		Sequence:  seq,
		EventID:   fields[FieldEventID],
		Priority:  priority,
		EventType: fields[FieldEventType],
	}, nil
}

// Ack acknowledges processed CDC pointers for this group.
func (g *GroupReader) Ack(ctx context.Context, ids []string) error {
	return g.bus.client.Ack(ctx, g.bus.streamName, g.group, ids)
}

// ClaimStale reclaims pointers idle longer than minIdle for this group,
// reassigning them to consumer (recovery from a crashed or stuck worker,
// spec §4.7).
func (g *GroupReader) ClaimStale(ctx context.Context, consumer string, minIdle time.Duration) ([]ReadResult, error) {
	msgs, err := g.bus.client.ClaimStale(ctx, g.bus.streamName, g.group, consumer, minIdle)
	if err != nil {
		return nil, fmt.Errorf("claim stale cdc pointers for group %s: %w", g.group, err)
	}
	out := make([]ReadResult, 0, len(msgs))
	for _, m := range msgs {
		p, parseErr := parsePointer(m.Fields)
		out = append(out, ReadResult{StreamID: m.ID, Pointer: p, Err: parseErr})
	}
	return out, nil
}

// PendingCount returns how many pointers are delivered-but-unacked for
// this group.
func (g *GroupReader) PendingCount(ctx context.Context) (int64, error) {
	return g.bus.client.PendingCount(ctx, g.bus.streamName, g.group)
}
