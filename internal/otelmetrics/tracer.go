package otelmetrics

import (
	"context"

	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer wraps an in-process OTEL TracerProvider. Like the meter
// provider, no external exporter is configured: spans wrap fast-path
// batch commits and worker handling with a trace context, and are
// neither exported nor copied into the structured logs.
type Tracer struct {
	tp     *trace.TracerProvider
	tracer oteltrace.Tracer
}

// NewTracer builds a Tracer for the given service/component name.
func NewTracer(name string) *Tracer {
	tp := trace.NewTracerProvider()
	return &Tracer{tp: tp, tracer: tp.Tracer(name)}
}

// Start begins a span named spanName, returning the derived context and
// an end function the caller defers.
func (t *Tracer) Start(ctx context.Context, spanName string) (context.Context, func()) {
	ctx, span := t.tracer.Start(ctx, spanName)
	return ctx, func() { span.End() }
}

// Shutdown releases the underlying TracerProvider's resources.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.tp.Shutdown(ctx)
}
