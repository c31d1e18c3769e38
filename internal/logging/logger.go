// Package logging configures the single zerolog.Logger instance threaded
// through every component of the telemetry pipeline.
package logging

import (
	"os"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger for the given config.
func New(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out zerolog.ConsoleWriter
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
