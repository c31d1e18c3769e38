// Package controlplane implements the control plane (C10): the HTTP
// health/readiness/stats surface, the backpressure monitor, and the idle
// session sweeper. The startup/shutdown ordering itself lives in
// cmd/telemetryd's serve command.
package controlplane

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the control plane's HTTP listener and timeouts.
type Config struct {
	Addr              string
	AllowNonLoopback  bool
	RequestTimeout    time.Duration
	GracefulTimeout   time.Duration
	WarnThreshold     int64
	CriticalThreshold int64
	BackpressurePoll  time.Duration
	IdleSessionFor    time.Duration
	IdleSweepInterval time.Duration
}

// ControlPlane owns the loopback HTTP server and the backpressure
// monitor. Both are started after every other subsystem per spec §7's
// startup order ("... start worker pool → start DB monitor → expose
// health"). On shutdown the caller withdraws readiness before stopping
// anything else; the HTTP server itself is shut down after the DB
// monitor has stopped.
type ControlPlane struct {
	cfg     Config
	srv     *http.Server
	ready   *Readiness
	monitor *BackpressureMonitor
	sweeper *IdleSessionSweeper
	logger  zerolog.Logger
}

// New validates the configured address is loopback-safe (unless
// overridden) and builds the HTTP server, backpressure monitor, and idle
// session sweeper, but does not start them yet. sessions may be nil, in
// which case the idle session sweeper is not run.
func New(cfg Config, logger zerolog.Logger, stats StatsFunc, lenFunc func(ctx context.Context) (int64, error), gate priorityGate, sessions sessionSweeper) (*ControlPlane, error) {
	if err := requireLoopback(cfg.Addr, cfg.AllowNonLoopback); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}

	ready := &Readiness{}
	handler := NewRouter(logger, cfg.RequestTimeout, ready, stats)
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}
	monitor := NewBackpressureMonitor(lenFunc, gate, cfg.WarnThreshold, cfg.CriticalThreshold, cfg.BackpressurePoll, logger)

	var sweeper *IdleSessionSweeper
	if sessions != nil {
		sweeper = NewIdleSessionSweeper(sessions, cfg.IdleSessionFor, cfg.IdleSweepInterval, logger)
	}

	return &ControlPlane{cfg: cfg, srv: srv, ready: ready, monitor: monitor, sweeper: sweeper, logger: logger.With().Str("component", "controlplane").Logger()}, nil
}

// Start launches the backpressure monitor, the idle session sweeper, and
// the HTTP listener in the background. Call SetReady(true) once every
// upstream subsystem has finished starting (spec §7's "expose health" is
// the final startup step).
func (c *ControlPlane) Start(ctx context.Context) {
	go c.monitor.Run(ctx)
	if c.sweeper != nil {
		go c.sweeper.Run(ctx)
	}
	go func() {
		c.logger.Info().Str("addr", c.cfg.Addr).Msg("control plane listening")
		if err := c.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("control plane http server exited")
		}
	}()
}

// SetReady flips the /ready flag.
func (c *ControlPlane) SetReady(v bool) { c.ready.SetReady(v) }

// Shutdown gracefully stops the HTTP listener within the configured
// graceful timeout. The backpressure monitor stops on its own once ctx
// (passed to Start) is cancelled by the caller.
func (c *ControlPlane) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, c.cfg.GracefulTimeout)
	defer cancel()
	return c.srv.Shutdown(shutdownCtx)
}
