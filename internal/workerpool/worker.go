// Package workerpool implements the worker pool (C7): a fan-out of
// per-worker-type goroutines that read pointers off the CDC bus, fetch
// the full event the fast path already persisted, dispatch it to a
// handler, and bound retries before dead-lettering (spec §4.7).
//
// The errgroup-supervised fan-out shape — N goroutines per concern,
// first error cancels the group — is adapted from the teacher's
// analytics ingestion pipeline's per-type worker goroutines, generalized
// from an in-memory batch channel to CDC-stream-backed consumer groups.
package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/internal/cdc"
	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/otelmetrics"
	"github.com/rs/zerolog"
)

// Handler processes one decoded event. Type identifies the handler for
// retry-counter namespacing and consumer group naming (spec §4.7: "per-
// worker-type Redis consumer groups").
type Handler interface {
	Type() string
	Handle(ctx context.Context, ev *envelope.Event) error
}

// traceReader fetches the full event a CDC pointer refers to.
type traceReader interface {
	ReadTraceBySequence(ctx context.Context, platform string, sequence int64) ([]byte, error)
}

// retryTracker persists per-(worker_type, cdc_id) retry counts across
// restarts (spec §4.7, SPEC_FULL.md's worker_retry_counters supplement).
type retryTracker interface {
	IncrementRetryCounter(ctx context.Context, workerType, cdcID string, now time.Time) (int, error)
	ClearRetryCounter(ctx context.Context, workerType, cdcID string) error
	MirrorDeadLetter(ctx context.Context, streamID, streamName, originalEventID, errorType, errorMessage string, queuedAt time.Time) error
}

// dlqWriter dead-letters an unprocessable CDC pointer.
type dlqWriter interface {
	DeadLetter(ctx context.Context, dlqStream, originalStreamID string, reason envelope.DeadLetterReason, errMsg string, sourceFields map[string]string) (string, error)
}

// worker drives one goroutine's read -> dispatch -> ack/retry loop for a
// single Handler.
type worker struct {
	handler      Handler
	group        *cdc.GroupReader
	traces       traceReader
	retries      retryTracker
	dlq          dlqWriter
	gate         *PriorityGate
	metrics      *otelmetrics.Instruments
	dlqStream    string
	consumerName string
	maxRetries   int
	minIdle      time.Duration
	logger       zerolog.Logger
}

func (w *worker) run(ctx context.Context) error {
	claimTicker := time.NewTicker(w.minIdle / 2)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-claimTicker.C:
			w.reclaimStale(ctx)
		default:
		}

		results, err := w.group.Read(ctx, w.consumerName, 10, 200*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Str("worker_type", w.handler.Type()).Msg("cdc read failed")
			continue
		}
		for _, res := range results {
			w.process(ctx, res)
		}
	}
}

func (w *worker) reclaimStale(ctx context.Context) {
	results, err := w.group.ClaimStale(ctx, w.consumerName, w.minIdle)
	if err != nil {
		w.logger.Error().Err(err).Str("worker_type", w.handler.Type()).Msg("claim stale failed")
		return
	}
	for _, res := range results {
		w.process(ctx, res)
	}
}

func (w *worker) process(ctx context.Context, res cdc.ReadResult) {
	if res.Err != nil {
		w.logger.Error().Err(res.Err).Str("stream_id", res.StreamID).Msg("malformed cdc pointer")
		_ = w.group.Ack(ctx, []string{res.StreamID})
		return
	}
	if w.gate != nil && !w.gate.Allow(res.Pointer.Priority) {
		// Left unacked: a later claim_stale sweep picks it back up once the
		// gate reopens, rather than busy-looping on it now.
		return
	}

	data, err := w.traces.ReadTraceBySequence(ctx, res.Pointer.Platform, res.Pointer.Sequence)
	if err != nil {
		w.fail(ctx, res, fmt.Errorf("read raw trace: %w", err))
		return
	}
	raw, err := envelope.Decompress(data)
	if err != nil {
		w.fail(ctx, res, fmt.Errorf("decompress raw trace: %w", err))
		return
	}
	ev, err := envelope.DecodeBytes(raw)
	if err != nil {
		w.fail(ctx, res, fmt.Errorf("decode raw trace: %w", err))
		return
	}

	if w.metrics != nil && w.metrics.Tracer != nil {
		var end func()
		ctx, end = w.metrics.Tracer.Start(ctx, "worker.handle."+w.handler.Type())
		defer end()
	}
	start := time.Now()
	if err := w.handler.Handle(ctx, ev); err != nil {
		w.fail(ctx, res, err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordWorkerHandle(ctx, time.Since(start).Seconds())
		w.metrics.EventsProcessed.Add(ctx, 1)
	}

	if err := w.group.Ack(ctx, []string{res.StreamID}); err != nil {
		w.logger.Error().Err(err).Str("stream_id", res.StreamID).Msg("ack failed after successful handling")
		return
	}
	if err := w.retries.ClearRetryCounter(ctx, w.handler.Type(), res.StreamID); err != nil {
		w.logger.Error().Err(err).Str("stream_id", res.StreamID).Msg("failed to clear retry counter")
	}
}

// fail applies the bounded-retry-then-deadletter policy (spec §4.7): a
// failure increments the persisted retry counter; once it reaches
// maxRetries the pointer is dead-lettered and acked off the CDC stream,
// otherwise it is left unacked so a later claim_stale sweep retries it.
func (w *worker) fail(ctx context.Context, res cdc.ReadResult, cause error) {
	count, err := w.retries.IncrementRetryCounter(ctx, w.handler.Type(), res.StreamID, time.Now().UTC())
	if err != nil {
		w.logger.Error().Err(err).Str("stream_id", res.StreamID).Msg("failed to increment retry counter")
		return
	}
	w.logger.Warn().Err(cause).Str("worker_type", w.handler.Type()).Str("event_id", res.Pointer.EventID).Int("retry_count", count).Msg("worker processing failed")

	if count < w.maxRetries {
		return
	}

	reason := envelope.ReasonWorkerExhausted
	fields := map[string]string{
		envelope.FieldEventID: res.Pointer.EventID,
		envelope.FieldPlatform: res.Pointer.Platform,
	}
	dlqID, dlqErr := w.dlq.DeadLetter(ctx, w.dlqStream, res.StreamID, reason, cause.Error(), fields)
	if dlqErr != nil {
		w.logger.Error().Err(dlqErr).Str("event_id", res.Pointer.EventID).Msg("failed to dead-letter exhausted event")
		return
	}
	if w.metrics != nil {
		w.metrics.EventsDeadLettered.Add(ctx, 1)
	}
	if mirrorErr := w.retries.MirrorDeadLetter(ctx, dlqID, w.dlqStream, res.Pointer.EventID, string(reason), cause.Error(), time.Now().UTC()); mirrorErr != nil {
		w.logger.Error().Err(mirrorErr).Str("event_id", res.Pointer.EventID).Msg("failed to mirror dead letter locally")
	}
	if err := w.group.Ack(ctx, []string{res.StreamID}); err != nil {
		w.logger.Error().Err(err).Str("stream_id", res.StreamID).Msg("failed to ack after dead-lettering")
	}
	if err := w.retries.ClearRetryCounter(ctx, w.handler.Type(), res.StreamID); err != nil {
		w.logger.Error().Err(err).Str("stream_id", res.StreamID).Msg("failed to clear retry counter after dead-lettering")
	}
}
