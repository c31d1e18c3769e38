package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/blueplane/telemetry-core/internal/config"
)

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("TELEMETRY_REDIS_URL", "redis://localhost:6399")
	os.Setenv("TELEMETRY_ENV", "test")
	os.Setenv("TELEMETRY_BATCH_SIZE", "250")
	os.Setenv("TELEMETRY_BATCH_TIMEOUT_MS", "50")
	defer func() {
		os.Unsetenv("TELEMETRY_REDIS_URL")
		os.Unsetenv("TELEMETRY_ENV")
		os.Unsetenv("TELEMETRY_BATCH_SIZE")
		os.Unsetenv("TELEMETRY_BATCH_TIMEOUT_MS")
	}()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RedisURL != "redis://localhost:6399" {
		t.Fatalf("expected overridden RedisURL, got %s", cfg.RedisURL)
	}
	if cfg.Env != "test" {
		t.Fatalf("expected ENV=test, got %s", cfg.Env)
	}
	if cfg.BatchSize != 250 {
		t.Fatalf("expected BatchSize=250, got %d", cfg.BatchSize)
	}
	if cfg.BatchTimeout != 50*time.Millisecond {
		t.Fatalf("expected BatchTimeout=50ms, got %s", cfg.BatchTimeout)
	}
}

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.RetentionDays != 90 {
		t.Fatalf("expected default retention of 90 days, got %d", cfg.RetentionDays)
	}
	if cfg.DLQRetentionDays != 7 {
		t.Fatalf("expected default DLQ retention of 7 days, got %d", cfg.DLQRetentionDays)
	}
	if cfg.MinIdle != 5*time.Minute {
		t.Fatalf("expected default min idle of 5m, got %s", cfg.MinIdle)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected development mode by default")
	}
}
