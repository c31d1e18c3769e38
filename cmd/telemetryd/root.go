package main

import (
	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "telemetryd",
	Short: "Local telemetry pipeline for AI coding sessions",
	Long: `telemetryd ingests coding-session events over Redis Streams, persists
them to an embedded SQLite trace store, reconstructs conversation state,
and exposes a loopback-only health/stats surface. It refuses to listen on
a non-loopback address unless TELEMETRY_ALLOW_NONLOOPBACK is set, and never
talks to the network beyond the local Redis instance and SQLite files it
owns.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfigAndLogger loads configuration and builds the logger the same
// way every subcommand needs it.
func loadConfigAndLogger() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	return cfg, logging.New(cfg), nil
}
