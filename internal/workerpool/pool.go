package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/internal/cdc"
	"github.com/blueplane/telemetry-core/internal/otelmetrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config tunes the pool's retry and reclaim behavior. Defaults are
// carried from config.Config (MaxWorkerRetries=3, MinIdle=5m).
type Config struct {
	DLQStream       string
	MaxWorkerRetries int
	MinIdle         time.Duration
	ConsumersPerType int
}

// Pool supervises one worker goroutine (or more, for ConsumersPerType>1)
// per registered Handler, each consuming the CDC bus through its own
// consumer group. Modeled on the teacher's errgroup-supervised ingestion
// pipeline: the first worker error cancels the whole group, Run blocks
// until every goroutine returns.
type Pool struct {
	cfg     Config
	bus     *cdc.Bus
	traces  traceReader
	retries retryTracker
	dlq     dlqWriter
	gate    *PriorityGate
	metrics *otelmetrics.Instruments
	logger  zerolog.Logger

	handlers []Handler
}

// New builds a pool with no handlers registered yet; call Register for
// each worker type before Run. metrics may be nil, in which case worker
// handle latency and throughput are not recorded.
func New(cfg Config, bus *cdc.Bus, traces traceReader, retries retryTracker, dlq dlqWriter, metrics *otelmetrics.Instruments, logger zerolog.Logger) *Pool {
	if cfg.MaxWorkerRetries <= 0 {
		cfg.MaxWorkerRetries = 3
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 5 * time.Minute
	}
	if cfg.ConsumersPerType <= 0 {
		cfg.ConsumersPerType = 1
	}
	return &Pool{cfg: cfg, bus: bus, traces: traces, retries: retries, dlq: dlq, metrics: metrics, gate: NewPriorityGate(), logger: logger}
}

// Gate returns the pool's shared priority gate, wired into the
// backpressure monitor so it can pause low-priority work under critical
// load (spec §4.10).
func (p *Pool) Gate() *PriorityGate { return p.gate }

// Register adds a worker type to the pool. Must be called before Run.
func (p *Pool) Register(h Handler) {
	p.handlers = append(p.handlers, h)
}

// Run launches ConsumersPerType goroutines for every registered handler
// and blocks until ctx is cancelled or a worker returns a fatal error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, h := range p.handlers {
		h := h
		group, err := p.bus.Group(ctx, h.Type())
		if err != nil {
			return fmt.Errorf("open consumer group for %s: %w", h.Type(), err)
		}
		for i := 0; i < p.cfg.ConsumersPerType; i++ {
			consumerName := fmt.Sprintf("%s-%d", h.Type(), i)
			w := &worker{
				handler:      h,
				group:        group,
				traces:       p.traces,
				retries:      p.retries,
				dlq:          p.dlq,
				gate:         p.gate,
				metrics:      p.metrics,
				dlqStream:    p.cfg.DLQStream,
				consumerName: consumerName,
				maxRetries:   p.cfg.MaxWorkerRetries,
				minIdle:      p.cfg.MinIdle,
				logger:       p.logger.With().Str("worker_type", h.Type()).Str("consumer", consumerName).Logger(),
			}
			g.Go(func() error {
				return w.run(ctx)
			})
		}
	}

	return g.Wait()
}
