// Package otelmetrics bridges the pipeline's operational metrics (queue
// depths, batch latency, worker throughput — as opposed to the per-event
// domain metrics tracked by internal/metricsstore) onto the OpenTelemetry
// metrics SDK. There is no external collector in this deployment, so the
// default reader periodically snapshots every registered gauge and hands
// it to a zerolog sink, the same "structured log as fallback sink" philosophy
// used elsewhere in this codebase when no external system is configured.
package otelmetrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Provider wraps an OTEL MeterProvider and exposes the small set of
// instruments the control plane and pipeline stages need. Instruments are
// created once and cached by name so repeated calls with the same name
// (e.g. from per-worker-type code) return the same instrument.
type Provider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter

	counters   map[string]metric.Float64Counter
	gauges     map[string]*gauge
	histograms map[string]metric.Float64Histogram
}

// Options configures the provider's export behavior.
type Options struct {
	ServiceName string
	// LogInterval is not read by New or StartLogReader; StartLogReader
	// takes its interval as an argument (30s when <= 0).
	LogInterval time.Duration
}

// New builds a Provider backed by an in-process OTEL SDK MeterProvider.
// No external exporter is wired: readings reach the operator through the
// periodic log snapshot (StartLogReader) and through the control plane's
// /stats endpoint, consistent with this deployment's no-external-services
// posture.
func New(opts Options) *Provider {
	mp := sdkmetric.NewMeterProvider()
	name := opts.ServiceName
	if name == "" {
		name = "telemetry-core"
	}
	return &Provider{
		mp:         mp,
		meter:      mp.Meter(name),
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]*gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Counter returns (creating if necessary) a monotonic counter, used for
// worker throughput and events-processed totals.
func (p *Provider) Counter(name, description string) metric.Float64Counter {
	if c, ok := p.counters[name]; ok {
		return c
	}
	c, err := p.meter.Float64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noopCounter{}
	}
	p.counters[name] = c
	return c
}

// Gauge returns (creating if necessary) a settable gauge, used for queue
// depths and consumer lag. OTEL's UpDownCounter only supports deltas, so
// Gauge tracks the last-set value locally and applies the diff, the same
// trick the teacher's provider uses for its Set-semantics gauges.
func (p *Provider) Gauge(name, description string) Gauge {
	if g, ok := p.gauges[name]; ok {
		return g
	}
	inst, err := p.meter.Float64UpDownCounter(name, metric.WithDescription(description))
	if err != nil {
		return noopGauge{}
	}
	g := &gauge{name: name, inst: inst}
	p.gauges[name] = g
	return g
}

// Histogram returns (creating if necessary) a histogram, used for batch
// flush latency and worker handle duration.
func (p *Provider) Histogram(name, description string) metric.Float64Histogram {
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h, err := p.meter.Float64Histogram(name, metric.WithDescription(description))
	if err != nil {
		return noopHistogram{}
	}
	p.histograms[name] = h
	return h
}

// Snapshot returns the last-known value of every registered gauge, keyed
// by instrument name. Used both by the log reader and by the control
// plane's /stats handler.
func (p *Provider) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(p.gauges))
	for name, g := range p.gauges {
		out[name] = g.value()
	}
	return out
}

// StartLogReader periodically logs the current gauge snapshot until ctx
// is cancelled. It is the "fallback sink" for deployments with no
// external metrics backend configured.
func (p *Provider) StartLogReader(ctx context.Context, logger zerolog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger = logger.With().Str("component", "otelmetrics").Logger()
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ev := logger.Info()
				for name, v := range p.Snapshot() {
					ev = ev.Float64(name, v)
				}
				ev.Msg("operational metrics snapshot")
			}
		}
	}()
}

// Shutdown releases the underlying MeterProvider's resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
