// Package fastpath implements the fast path consumer (C5): the single
// hop between the durable events stream and the trace store. It decodes
// and validates each event, dead-letters what it cannot accept, batches
// the rest by size or time, and commits a batch as one trace-store
// transaction before appending a CDC pointer per row and acking the
// source messages.
//
// The channel-buffered batch-assembly shape (flush on size OR timeout,
// whichever comes first) is adapted from the teacher's analytics
// ingestion pipeline, generalized from an in-memory batch sink to a
// durable-stream-backed one.
package fastpath

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/internal/cdc"
	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/otelmetrics"
	"github.com/blueplane/telemetry-core/internal/stream"
	"github.com/blueplane/telemetry-core/internal/tracestore"
	"github.com/rs/zerolog"
)

// traceInserter is the subset of tracestore.Store the consumer needs.
type traceInserter interface {
	BatchInsertTraces(ctx context.Context, platform string, rows []tracestore.RawTraceRow) (map[string]int64, error)
}

// Config controls batch assembly and backpressure behavior.
type Config struct {
	EventsStream      string
	Group             string
	ConsumerName      string
	DLQStream         string
	BatchSize         int
	BatchTimeout      time.Duration
	CriticalBatchSize int
	CriticalThreshold int64
	MaxPayloadBytes   int64
	SkewTolerance     time.Duration
}

// Consumer reads the durable events stream, validates and batches events,
// and commits them to the trace store and CDC bus.
type Consumer struct {
	cfg     Config
	stream  *stream.Client
	store   traceInserter
	bus     *cdc.Bus
	metrics *otelmetrics.Instruments
	logger  zerolog.Logger
}

// New constructs a Consumer, ensuring its consumer group exists. metrics
// may be nil, in which case batch flush latency is not recorded.
func New(ctx context.Context, cfg Config, streamClient *stream.Client, store traceInserter, bus *cdc.Bus, metrics *otelmetrics.Instruments, logger zerolog.Logger) (*Consumer, error) {
	if err := streamClient.EnsureGroup(ctx, cfg.EventsStream, cfg.Group); err != nil {
		return nil, fmt.Errorf("ensure fast path consumer group: %w", err)
	}
	return &Consumer{
		cfg:     cfg,
		stream:  streamClient,
		store:   store,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With().Str("component", "fastpath").Logger(),
	}, nil
}

// pending holds one accepted, decoded event still awaiting a batch flush.
type pending struct {
	streamID string
	event    *envelope.Event
	fields   map[string]string
}

// Run drives the read -> validate -> batch -> commit -> ack loop until ctx
// is cancelled. currentStreamLen reports the events stream's current
// length so Run can switch to the larger critical batch size once the
// backlog crosses cfg.CriticalThreshold (spec §4.5's backpressure rule).
func (c *Consumer) Run(ctx context.Context, currentStreamLen func(ctx context.Context) (int64, error)) error {
	var batch []pending
	timer := time.NewTimer(c.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			resetTimer(timer, c.cfg.BatchTimeout)
			return nil
		}
		start := time.Now()
		if err := c.commitBatch(ctx, batch); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.RecordBatchFlush(ctx, time.Since(start).Seconds())
			c.metrics.EventsIngested.Add(ctx, float64(len(batch)))
		}
		batch = batch[:0]
		resetTimer(timer, c.cfg.BatchTimeout)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return flush()
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
		default:
		}

		batchSize := c.cfg.BatchSize
		if currentStreamLen != nil {
			if n, err := currentStreamLen(ctx); err == nil && n >= c.cfg.CriticalThreshold {
				batchSize = c.cfg.CriticalBatchSize
			}
		}

		msgs, err := c.stream.ReadGroup(ctx, c.cfg.EventsStream, c.cfg.Group, c.cfg.ConsumerName, int64(batchSize), 50*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return flush()
			}
			c.logger.Error().Err(err).Msg("fast path read_group failed")
			continue
		}

		for _, m := range msgs {
			ev, decodeErr := envelope.Decode(m.Fields, c.cfg.MaxPayloadBytes)
			if decodeErr != nil {
				if err := c.deadLetter(ctx, m, decodeErr); err != nil {
					c.logger.Error().Err(err).Str("stream_id", m.ID).Msg("failed to dead-letter invalid event")
				}
				continue
			}
			if c.cfg.SkewTolerance > 0 && ev.SkewExceeded(c.cfg.SkewTolerance) {
				// Outside tolerance is logged but still accepted (spec §3) —
				// clock skew alone is not a schema violation.
				c.logger.Warn().Str("event_id", ev.EventID).Str("stream_id", m.ID).Msg("event timestamp exceeds skew tolerance")
			}
			batch = append(batch, pending{streamID: m.ID, event: ev, fields: m.Fields})
		}

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (c *Consumer) deadLetter(ctx context.Context, m stream.Message, cause error) error {
	reason := envelope.ReasonSchemaViolation
	if ve, ok := cause.(*envelope.ValidationError); ok {
		reason = ve.Reason
	}
	_, err := c.stream.DeadLetter(ctx, c.cfg.DLQStream, m.ID, reason, cause.Error(), m.Fields)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.EventsDeadLettered.Add(ctx, 1)
	}
	return c.stream.Ack(ctx, c.cfg.EventsStream, c.cfg.Group, []string{m.ID})
}

// commitBatch compresses and denormalizes each event into a raw trace row,
// commits the batch in one trace-store transaction, appends a CDC pointer
// per successfully inserted row, and acks the source messages. A batch
// may mix platforms; rows are grouped per platform since each has its own
// raw trace table.
func (c *Consumer) commitBatch(ctx context.Context, batch []pending) error {
	if c.metrics != nil && c.metrics.Tracer != nil {
		var end func()
		ctx, end = c.metrics.Tracer.Start(ctx, "fastpath.commit_batch")
		defer end()
	}
	byPlatform := make(map[string][]tracestore.RawTraceRow)
	eventsByID := make(map[string]*envelope.Event)
	streamIDs := make([]string, 0, len(batch))

	for _, p := range batch {
		row, rowErr := toRawTraceRow(p.event)
		if rowErr != nil {
			if err := c.deadLetter(ctx, stream.Message{ID: p.streamID, Fields: p.fields}, rowErr); err != nil {
				c.logger.Error().Err(err).Str("stream_id", p.streamID).Msg("failed to dead-letter event during row assembly")
			}
			continue
		}
		byPlatform[string(p.event.Platform)] = append(byPlatform[string(p.event.Platform)], row)
		eventsByID[p.event.EventID] = p.event
		streamIDs = append(streamIDs, p.streamID)
	}

	for platform, rows := range byPlatform {
		sequences, err := c.store.BatchInsertTraces(ctx, platform, rows)
		if err != nil {
			return fmt.Errorf("commit fast path batch for %s: %w", platform, err)
		}
		for _, row := range rows {
			seq, isNew := sequences[row.EventID]
			if !isNew {
				// Already ingested on a prior attempt; its CDC pointer was
				// already appended then, so skip re-publishing it here.
				continue
			}
			ev := eventsByID[row.EventID]
			_, err := c.bus.Append(ctx, cdc.Pointer{
				Platform:  platform,
				Sequence:  seq,
				EventID:   row.EventID,
				Priority:  envelope.PriorityOf(ev.EventType),
				EventType: string(ev.EventType),
			})
			if err != nil {
				return fmt.Errorf("append cdc pointer for %s: %w", row.EventID, err)
			}
		}
	}

	if len(streamIDs) > 0 {
		if err := c.stream.Ack(ctx, c.cfg.EventsStream, c.cfg.Group, streamIDs); err != nil {
			return fmt.Errorf("ack fast path batch: %w", err)
		}
	}
	return nil
}

// toRawTraceRow compresses the event and extracts the denormalized
// scalar columns spec §4.5 names for the raw trace table.
func toRawTraceRow(ev *envelope.Event) (tracestore.RawTraceRow, error) {
	data, err := envelope.EncodeBytes(ev)
	if err != nil {
		return tracestore.RawTraceRow{}, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	compressed, err := envelope.Compress(data)
	if err != nil {
		return tracestore.RawTraceRow{}, fmt.Errorf("compress event %s: %w", ev.EventID, err)
	}

	row := tracestore.RawTraceRow{
		EventID:           ev.EventID,
		ExternalSessionID: ev.ExternalSessionID,
		EventType:         string(ev.EventType),
		Timestamp:         ev.Timestamp,
		WorkspaceHash:     ev.WorkspaceHash(),
		EventData:         compressed,
	}
	if v, ok := ev.Payload["generation_uuid"].(string); ok {
		row.GenerationUUID = sql.NullString{String: v, Valid: true}
	}
	if v, ok := ev.Payload["composer_id"].(string); ok {
		row.ComposerID = sql.NullString{String: v, Valid: true}
	}
	if v, ok := ev.Payload["bubble_id"].(string); ok {
		row.BubbleID = sql.NullString{String: v, Valid: true}
	}
	if v, ok := ev.Payload["tool_name"].(string); ok {
		row.ToolName = sql.NullString{String: v, Valid: true}
	}
	if v, ok := ev.Payload["model"].(string); ok {
		row.Model = sql.NullString{String: v, Valid: true}
	}
	if v, ok := numeric(ev.Payload["duration_ms"]); ok {
		row.DurationMS = sql.NullInt64{Int64: v, Valid: true}
	}
	if v, ok := numeric(ev.Payload["tokens_used"]); ok {
		row.TokensUsed = sql.NullInt64{Int64: v, Valid: true}
	}
	if v, ok := numeric(ev.Payload["lines_added"]); ok {
		row.LinesAdded = sql.NullInt64{Int64: v, Valid: true}
	}
	if v, ok := numeric(ev.Payload["lines_removed"]); ok {
		row.LinesRemoved = sql.NullInt64{Int64: v, Valid: true}
	}
	return row, nil
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
