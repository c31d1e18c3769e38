package otelmetrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// Gauge is a Set/Add-capable instrument, unlike OTEL's native
// UpDownCounter which only accepts deltas.
type Gauge interface {
	Set(v float64)
	Add(delta float64)
}

type gauge struct {
	name string
	inst metric.Float64UpDownCounter
	mu   sync.Mutex
	last float64
}

func (g *gauge) Set(v float64) {
	g.mu.Lock()
	diff := v - g.last
	g.last = v
	g.mu.Unlock()
	if diff != 0 {
		g.inst.Add(context.Background(), diff)
	}
}

func (g *gauge) Add(delta float64) {
	if delta == 0 {
		return
	}
	g.mu.Lock()
	g.last += delta
	g.mu.Unlock()
	g.inst.Add(context.Background(), delta)
}

func (g *gauge) value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// noop fallbacks, used when instrument creation fails (SDK misconfig).

type noopCounter struct{}

func (noopCounter) Add(context.Context, float64, ...metric.AddOption) {}

type noopGauge struct{}

func (noopGauge) Set(float64)   {}
func (noopGauge) Add(float64)   {}

type noopHistogram struct{}

func (noopHistogram) Record(context.Context, float64, ...metric.RecordOption) {}
