// Package config loads Blueplane Telemetry Core configuration from defaults,
// an optional YAML file, and environment variables, in that order of
// precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the telemetry pipeline.
type Config struct {
	// Control plane
	Addr            string        `yaml:"addr"`
	Env             string        `yaml:"env"`
	GracefulTimeout time.Duration `yaml:"-"`

	// Storage
	DataDir           string `yaml:"data_dir"`
	TraceStorePath    string `yaml:"trace_store_path"`
	MetricsStorePath  string `yaml:"metrics_store_path"`
	RetentionDays     int    `yaml:"retention_days"`
	DLQRetentionDays  int    `yaml:"dlq_retention_days"`
	IdleSessionHours  int    `yaml:"idle_session_hours"`

	// Redis / durable stream
	RedisURL       string `yaml:"redis_url"`
	EventsStream   string `yaml:"events_stream"`
	CDCStream      string `yaml:"cdc_stream"`
	DLQStream      string `yaml:"dlq_stream"`
	EventsMaxLen   int64  `yaml:"events_max_len"`

	// Fast path
	FastPathConsumers  int           `yaml:"fast_path_consumers"`
	BatchSize          int           `yaml:"batch_size"`
	BatchTimeout       time.Duration `yaml:"-"`
	WarnThreshold      int64         `yaml:"warn_threshold"`
	CriticalThreshold  int64         `yaml:"critical_threshold"`
	CriticalBatchSize  int           `yaml:"critical_batch_size"`

	// Worker pool
	MetricsWorkers      int           `yaml:"metrics_workers"`
	ConversationWorkers int           `yaml:"conversation_workers"`
	MaxWorkerRetries    int           `yaml:"max_worker_retries"`
	MinIdle             time.Duration `yaml:"-"`

	// Event envelope
	SkewTolerance time.Duration `yaml:"-"`
	MaxPayloadBytes int64       `yaml:"max_payload_bytes"`

	// Cursor DB monitor
	CursorDBPath    string        `yaml:"cursor_db_path"`
	CheckpointPath  string        `yaml:"checkpoint_path"`
	PollInterval    time.Duration `yaml:"-"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Control plane HTTP
	AllowNonLoopback bool `yaml:"-"`
}

// fileOverlay mirrors Config's yaml-tagged fields plus the duration fields,
// which the YAML file stores as integer counts of the unit named in each
// key (seconds, milliseconds or minutes).
type fileOverlay struct {
	Config             `yaml:",inline"`
	GracefulTimeoutSec int `yaml:"graceful_timeout_sec"`
	BatchTimeoutMs     int `yaml:"batch_timeout_ms"`
	MinIdleMinutes     int `yaml:"min_idle_minutes"`
	SkewToleranceSec   int `yaml:"skew_tolerance_sec"`
	PollIntervalSec    int `yaml:"poll_interval_sec"`
}

// Default returns the built-in defaults, used before any overlay is applied.
func Default() *Config {
	return &Config{
		Addr:                "127.0.0.1:8734",
		Env:                 "development",
		GracefulTimeout:     10 * time.Second,
		DataDir:             defaultDataDir(),
		RetentionDays:       90,
		DLQRetentionDays:    7,
		IdleSessionHours:    24,
		RedisURL:            "redis://127.0.0.1:6379",
		EventsStream:        "events",
		CDCStream:           "cdc",
		DLQStream:           "dlq",
		EventsMaxLen:        10000,
		FastPathConsumers:   1,
		BatchSize:           100,
		BatchTimeout:        100 * time.Millisecond,
		WarnThreshold:       10000,
		CriticalThreshold:   50000,
		CriticalBatchSize:   250,
		MetricsWorkers:      2,
		ConversationWorkers: 2,
		MaxWorkerRetries:    3,
		MinIdle:             5 * time.Minute,
		SkewTolerance:       5 * time.Minute,
		MaxPayloadBytes:     1 << 20,
		PollInterval:        30 * time.Second,
		LogLevel:            "info",
		AllowNonLoopback:    false,
	}
}

// Load reads configuration from (in increasing precedence) built-in
// defaults, an optional YAML file, a .env file, and the process
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("TELEMETRY_CONFIG_FILE"); path != "" {
		if err := applyYAMLFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)

	if cfg.TraceStorePath == "" {
		cfg.TraceStorePath = cfg.DataDir + "/telemetry.db"
	}
	if cfg.MetricsStorePath == "" {
		cfg.MetricsStorePath = cfg.DataDir + "/metrics.db"
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = cfg.DataDir + "/cursor-checkpoint.json"
	}
	return cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	overlay := fileOverlay{Config: *cfg}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	*cfg = overlay.Config
	if overlay.GracefulTimeoutSec > 0 {
		cfg.GracefulTimeout = time.Duration(overlay.GracefulTimeoutSec) * time.Second
	}
	if overlay.BatchTimeoutMs > 0 {
		cfg.BatchTimeout = time.Duration(overlay.BatchTimeoutMs) * time.Millisecond
	}
	if overlay.MinIdleMinutes > 0 {
		cfg.MinIdle = time.Duration(overlay.MinIdleMinutes) * time.Minute
	}
	if overlay.SkewToleranceSec > 0 {
		cfg.SkewTolerance = time.Duration(overlay.SkewToleranceSec) * time.Second
	}
	if overlay.PollIntervalSec > 0 {
		cfg.PollInterval = time.Duration(overlay.PollIntervalSec) * time.Second
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("TELEMETRY_ADDR", cfg.Addr)
	cfg.Env = getEnv("TELEMETRY_ENV", cfg.Env)
	cfg.GracefulTimeout = getEnvDuration("TELEMETRY_GRACEFUL_TIMEOUT_SEC", cfg.GracefulTimeout, time.Second)
	cfg.DataDir = getEnv("TELEMETRY_DATA_DIR", cfg.DataDir)
	cfg.TraceStorePath = getEnv("TELEMETRY_TRACE_STORE_PATH", cfg.TraceStorePath)
	cfg.MetricsStorePath = getEnv("TELEMETRY_METRICS_STORE_PATH", cfg.MetricsStorePath)
	cfg.RetentionDays = getEnvInt("TELEMETRY_RETENTION_DAYS", cfg.RetentionDays)
	cfg.DLQRetentionDays = getEnvInt("TELEMETRY_DLQ_RETENTION_DAYS", cfg.DLQRetentionDays)
	cfg.IdleSessionHours = getEnvInt("TELEMETRY_IDLE_SESSION_HOURS", cfg.IdleSessionHours)

	cfg.RedisURL = getEnv("TELEMETRY_REDIS_URL", cfg.RedisURL)
	cfg.EventsStream = getEnv("TELEMETRY_EVENTS_STREAM", cfg.EventsStream)
	cfg.CDCStream = getEnv("TELEMETRY_CDC_STREAM", cfg.CDCStream)
	cfg.DLQStream = getEnv("TELEMETRY_DLQ_STREAM", cfg.DLQStream)
	cfg.EventsMaxLen = int64(getEnvInt("TELEMETRY_EVENTS_MAX_LEN", int(cfg.EventsMaxLen)))

	cfg.FastPathConsumers = getEnvInt("TELEMETRY_FAST_PATH_CONSUMERS", cfg.FastPathConsumers)
	cfg.BatchSize = getEnvInt("TELEMETRY_BATCH_SIZE", cfg.BatchSize)
	cfg.BatchTimeout = getEnvDuration("TELEMETRY_BATCH_TIMEOUT_MS", cfg.BatchTimeout, time.Millisecond)
	cfg.WarnThreshold = int64(getEnvInt("TELEMETRY_WARN_THRESHOLD", int(cfg.WarnThreshold)))
	cfg.CriticalThreshold = int64(getEnvInt("TELEMETRY_CRITICAL_THRESHOLD", int(cfg.CriticalThreshold)))
	cfg.CriticalBatchSize = getEnvInt("TELEMETRY_CRITICAL_BATCH_SIZE", cfg.CriticalBatchSize)

	cfg.MetricsWorkers = getEnvInt("TELEMETRY_METRICS_WORKERS", cfg.MetricsWorkers)
	cfg.ConversationWorkers = getEnvInt("TELEMETRY_CONVERSATION_WORKERS", cfg.ConversationWorkers)
	cfg.MaxWorkerRetries = getEnvInt("TELEMETRY_MAX_WORKER_RETRIES", cfg.MaxWorkerRetries)
	cfg.MinIdle = getEnvDuration("TELEMETRY_MIN_IDLE_MINUTES", cfg.MinIdle, time.Minute)

	cfg.SkewTolerance = getEnvDuration("TELEMETRY_SKEW_TOLERANCE_SEC", cfg.SkewTolerance, time.Second)
	cfg.MaxPayloadBytes = int64(getEnvInt("TELEMETRY_MAX_PAYLOAD_BYTES", int(cfg.MaxPayloadBytes)))

	cfg.CursorDBPath = getEnv("TELEMETRY_CURSOR_DB_PATH", cfg.CursorDBPath)
	cfg.CheckpointPath = getEnv("TELEMETRY_CHECKPOINT_PATH", cfg.CheckpointPath)
	cfg.PollInterval = getEnvDuration("TELEMETRY_POLL_INTERVAL_SEC", cfg.PollInterval, time.Second)

	cfg.LogLevel = getEnv("TELEMETRY_LOG_LEVEL", cfg.LogLevel)
	cfg.AllowNonLoopback = getEnvBool("TELEMETRY_ALLOW_NONLOOPBACK", cfg.AllowNonLoopback)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blueplane"
	}
	return home + "/.blueplane"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration, unit time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * unit
		}
	}
	return fallback
}
