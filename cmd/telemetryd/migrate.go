package main

import (
	"fmt"

	"github.com/blueplane/telemetry-core/internal/metricsstore"
	"github.com/blueplane/telemetry-core/internal/tracestore"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect embedded store schema versions",
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the trace store schema version and the metrics store path",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := cmd.Context()

		traceStore, err := tracestore.Open(cfg.TraceStorePath, logger)
		if err != nil {
			return fmt.Errorf("open trace store: %w", err)
		}
		defer traceStore.Close()
		traceVersion, err := traceStore.SchemaVersion(ctx)
		if err != nil {
			return fmt.Errorf("read trace store schema version: %w", err)
		}

		metricsStore, err := metricsstore.Open(cfg.MetricsStorePath, logger)
		if err != nil {
			return fmt.Errorf("open metrics store: %w", err)
		}
		defer metricsStore.Close()

		fmt.Printf("trace_store: %s (schema v%d)\n", cfg.TraceStorePath, traceVersion)
		fmt.Printf("metrics_store: %s\n", cfg.MetricsStorePath)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
}
