package otelmetrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Instruments bundles the fixed set of operational instruments shared
// across the pipeline's stages. Components take an *Instruments rather
// than the raw *Provider so call sites read as "record a queue depth",
// not "go find the right OTEL name string".
type Instruments struct {
	provider *Provider

	// Tracer provides correlated spans around batch flushes and worker
	// handling; see Tracer.Start.
	Tracer *Tracer

	EventsQueueDepth Gauge
	DLQDepth         Gauge
	ConsumerLag      Gauge

	BatchFlushLatency   metric.Float64Histogram
	WorkerHandleLatency metric.Float64Histogram

	EventsIngested     metric.Float64Counter
	EventsProcessed    metric.Float64Counter
	EventsDeadLettered metric.Float64Counter
}

// NewInstruments creates the standard instrument set against p.
func NewInstruments(p *Provider) *Instruments {
	return &Instruments{
		provider:         p,
		Tracer:           NewTracer("telemetry-core"),
		EventsQueueDepth: p.Gauge("pipeline.events.queue_depth", "pending entries on the events CDC stream"),
		DLQDepth:         p.Gauge("pipeline.dlq.depth", "entries on the dead-letter stream"),
		ConsumerLag:      p.Gauge("pipeline.consumer.lag", "unacked entries per consumer group"),

		BatchFlushLatency:   p.Histogram("pipeline.batch.flush_latency_seconds", "fast-path batch flush duration"),
		WorkerHandleLatency: p.Histogram("pipeline.worker.handle_latency_seconds", "worker handler duration"),

		EventsIngested:     p.Counter("pipeline.events.ingested_total", "events accepted by the fast path"),
		EventsProcessed:    p.Counter("pipeline.events.processed_total", "events successfully handled by workers"),
		EventsDeadLettered: p.Counter("pipeline.events.dead_lettered_total", "events moved to the dead-letter stream"),
	}
}

// RecordBatchFlush records a fast-path batch flush duration in seconds.
func (i *Instruments) RecordBatchFlush(ctx context.Context, seconds float64) {
	i.BatchFlushLatency.Record(ctx, seconds)
}

// RecordWorkerHandle records a worker handler duration in seconds.
func (i *Instruments) RecordWorkerHandle(ctx context.Context, seconds float64) {
	i.WorkerHandleLatency.Record(ctx, seconds)
}

// Snapshot exposes the gauge values for the control plane's /stats route.
func (i *Instruments) Snapshot() map[string]float64 {
	return i.provider.Snapshot()
}
