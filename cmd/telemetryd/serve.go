package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blueplane/telemetry-core/internal/cdc"
	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/controlplane"
	"github.com/blueplane/telemetry-core/internal/conversation"
	"github.com/blueplane/telemetry-core/internal/cursormonitor"
	"github.com/blueplane/telemetry-core/internal/fastpath"
	"github.com/blueplane/telemetry-core/internal/metricsstore"
	"github.com/blueplane/telemetry-core/internal/otelmetrics"
	"github.com/blueplane/telemetry-core/internal/stream"
	"github.com/blueplane/telemetry-core/internal/tracestore"
	"github.com/blueplane/telemetry-core/internal/workerpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the telemetry pipeline (fast path, worker pool, DB monitor, control plane)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, cfg, logger)
	},
}

// serve wires every subsystem in the startup order spec §7 names: open
// metrics store -> open trace store -> verify schema -> ensure streams
// and consumer groups -> CDC backfill -> start fast path -> start worker
// pool -> start DB monitor -> expose health and flip readiness. On
// shutdown it withdraws readiness, stops the DB monitor, shuts down the
// HTTP server, and waits for the fast path and worker pool, which stop
// when the signal context is cancelled; the HTTP shutdown and that wait
// share one GracefulTimeout budget. The stores are closed last.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	metricsStore, err := metricsstore.Open(cfg.MetricsStorePath, logger)
	if err != nil {
		return fmt.Errorf("open metrics store: %w", err)
	}
	defer metricsStore.Close()

	traceStore, err := tracestore.Open(cfg.TraceStorePath, logger)
	if err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}
	defer traceStore.Close()

	if _, err := traceStore.SchemaVersion(ctx); err != nil {
		return fmt.Errorf("verify trace store schema: %w", err)
	}

	sc, err := stream.New(cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer sc.Close()

	if err := sc.EnsureGroup(ctx, cfg.EventsStream, "fastpath"); err != nil {
		return fmt.Errorf("ensure fast path consumer group: %w", err)
	}

	bus := cdc.New(sc, cfg.CDCStream)
	if err := cdc.Backfill(ctx, traceStore, bus, logger); err != nil {
		return fmt.Errorf("cdc backfill: %w", err)
	}

	metrics := otelmetrics.New(otelmetrics.Options{ServiceName: "telemetryd"})
	instruments := otelmetrics.NewInstruments(metrics)
	metrics.StartLogReader(ctx, logger, 30*time.Second)

	fpConsumer, err := fastpath.New(ctx, fastpath.Config{
		EventsStream:      cfg.EventsStream,
		Group:             "fastpath",
		ConsumerName:      "fastpath-1",
		DLQStream:         cfg.DLQStream,
		BatchSize:         cfg.BatchSize,
		BatchTimeout:      cfg.BatchTimeout,
		CriticalBatchSize: cfg.CriticalBatchSize,
		CriticalThreshold: cfg.CriticalThreshold,
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		SkewTolerance:     cfg.SkewTolerance,
	}, sc, traceStore, bus, instruments, logger)
	if err != nil {
		return fmt.Errorf("start fast path: %w", err)
	}

	pool := workerpool.New(workerpool.Config{
		DLQStream:        cfg.DLQStream,
		MaxWorkerRetries: cfg.MaxWorkerRetries,
		MinIdle:          cfg.MinIdle,
		ConsumersPerType: cfg.MetricsWorkers,
	}, bus, traceStore, traceStore, sc, instruments, logger)
	pool.Register(workerpool.NewMetricsHandler(metricsStore))
	reconstructor := conversation.New(traceStore, 4096, logger)
	pool.Register(workerpool.NewConversationHandler(reconstructor))

	var monitor *cursormonitor.Monitor
	if cfg.CursorDBPath != "" {
		sum := sha256.Sum256([]byte(cfg.CursorDBPath))
		monitor, err = cursormonitor.New(cursormonitor.Config{
			DBPath:          cfg.CursorDBPath,
			CheckpointPath:  cfg.CheckpointPath,
			WorkspaceHash:   hex.EncodeToString(sum[:]),
			WorkspacePath:   cfg.CursorDBPath,
			EventsStream:    cfg.EventsStream,
			DLQStream:       cfg.DLQStream,
			Interval:        cfg.PollInterval,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
		}, sc, logger)
		if err != nil {
			return fmt.Errorf("start cursor db monitor: %w", err)
		}
	}

	cp, err := controlplane.New(controlplane.Config{
		Addr:              cfg.Addr,
		AllowNonLoopback:  cfg.AllowNonLoopback,
		GracefulTimeout:   cfg.GracefulTimeout,
		WarnThreshold:     cfg.WarnThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
		BackpressurePoll:  5 * time.Second,
		IdleSessionFor:    time.Duration(cfg.IdleSessionHours) * time.Hour,
	}, logger, buildStatsFunc(sc, bus, traceStore, cfg, instruments), func(ctx context.Context) (int64, error) {
		return sc.Len(ctx, cfg.EventsStream)
	}, pool.Gate(), traceStore)
	if err != nil {
		return fmt.Errorf("build control plane: %w", err)
	}

	vacuumScheduler := tracestore.NewVacuumScheduler(
		traceStore,
		time.Duration(cfg.RetentionDays)*24*time.Hour,
		time.Duration(cfg.DLQRetentionDays)*24*time.Hour,
		24*time.Hour,
		logger,
	)
	metricsRollup := metricsstore.NewRollup(metricsStore, time.Hour, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fpConsumer.Run(gctx, func(ctx context.Context) (int64, error) {
			return sc.Len(ctx, cfg.EventsStream)
		})
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	go vacuumScheduler.Run(gctx)
	go metricsRollup.Run(gctx)
	if monitor != nil {
		monitor.Start()
	}
	cp.Start(gctx)
	cp.SetReady(true)
	logger.Info().Str("addr", cfg.Addr).Msg("telemetryd ready")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	cp.SetReady(false)

	if monitor != nil {
		monitor.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := cp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("control plane shutdown error")
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil && gctx.Err() == nil {
			logger.Error().Err(err).Msg("pipeline exited with error")
			return err
		}
	case <-shutdownCtx.Done():
		logger.Warn().Dur("timeout", cfg.GracefulTimeout).Msg("fast path and worker pool did not stop within the graceful timeout")
	}
	return nil
}

// buildStatsFunc assembles the /stats snapshot: queue depths, dead-letter
// backlog, and the operational gauges otelmetrics tracks. Deliberately no
// event-level query surface per spec §1's non-goals.
func buildStatsFunc(sc *stream.Client, bus *cdc.Bus, traceStore *tracestore.Store, cfg *config.Config, instruments *otelmetrics.Instruments) controlplane.StatsFunc {
	return func(ctx context.Context) (map[string]interface{}, error) {
		eventsLen, err := sc.Len(ctx, cfg.EventsStream)
		if err != nil {
			return nil, fmt.Errorf("read events stream length: %w", err)
		}
		cdcLen, err := bus.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("read cdc stream length: %w", err)
		}
		dlqLen, err := sc.Len(ctx, cfg.DLQStream)
		if err != nil {
			return nil, fmt.Errorf("read dlq stream length: %w", err)
		}
		schemaVersion, err := traceStore.SchemaVersion(ctx)
		if err != nil {
			return nil, fmt.Errorf("read schema version: %w", err)
		}

		snap := map[string]interface{}{
			"events_pending": eventsLen,
			"cdc_pending":    cdcLen,
			"dlq_depth":      dlqLen,
			"schema_version": schemaVersion,
			"operational":    instruments.Snapshot(),
		}
		return snap, nil
	}
}
