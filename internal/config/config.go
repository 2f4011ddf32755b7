package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tabflow server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Processing ProcessingConfig
	Workers    WorkerConfig
	Reaper     ReaperConfig
	Tracing    TracingConfig
}

type ServerConfig struct {
	Port             int
	Env              string
	LogLevel         slog.Level
	RateLimitPerMin  int
	ShutdownTimeout  time.Duration
	MultipartOverage int64
	// ReadTimeout bounds reading a whole request, upload body included.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Backend           string
	Root              string
	GCSBucket         string
	GCSPrefix         string
	EmulatorHost      string
	MaxUploadBytes    int64
	AllowedExtensions []string
}

type ProcessingConfig struct {
	Mode            string
	Timeout         time.Duration
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RequiredColumns []string
	RulesFile       string
}

type WorkerConfig struct {
	Count              int
	QueueSize          int
	RecoveryInterval   time.Duration
	PendingRecoveryAge time.Duration
}

type ReaperConfig struct {
	Interval    time.Duration
	Grace       time.Duration
	OrphanSweep bool
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	ServiceName string
}

const (
	ProcessingModeAsync  = "async"
	ProcessingModeInline = "inline"

	StorageBackendLocal = "local"
	StorageBackendGCS   = "gcs"
)

var validBackends = map[string]bool{
	StorageBackendLocal: true,
	StorageBackendGCS:   true,
}

var validModes = map[string]bool{
	ProcessingModeAsync:  true,
	ProcessingModeInline: true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:             envInt("TABFLOW_PORT", 8080),
			Env:              envString("TABFLOW_ENV", "development"),
			LogLevel:         envLogLevel("TABFLOW_LOG_LEVEL", slog.LevelInfo),
			RateLimitPerMin:  envInt("TABFLOW_RATE_LIMIT_PER_MIN", 60),
			ShutdownTimeout:  envDuration("TABFLOW_SHUTDOWN_TIMEOUT", 30*time.Second),
			MultipartOverage: envInt64("TABFLOW_MULTIPART_OVERAGE_BYTES", 64<<10),
			ReadTimeout:      envDuration("TABFLOW_READ_TIMEOUT", 10*time.Minute),
			WriteTimeout:     envDuration("TABFLOW_WRITE_TIMEOUT", 15*time.Minute),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Backend:           strings.ToLower(envString("TABFLOW_STORAGE_BACKEND", StorageBackendLocal)),
			Root:              envString("TABFLOW_STORAGE_ROOT", "./data"),
			GCSBucket:         os.Getenv("TABFLOW_GCS_BUCKET"),
			GCSPrefix:         os.Getenv("TABFLOW_GCS_PREFIX"),
			EmulatorHost:      os.Getenv("STORAGE_EMULATOR_HOST"),
			MaxUploadBytes:    envInt64("TABFLOW_MAX_UPLOAD_BYTES", 50<<20),
			AllowedExtensions: envList("TABFLOW_ALLOWED_EXTENSIONS", []string{".csv", ".xlsx", ".xls"}),
		},
		Processing: ProcessingConfig{
			Mode:            strings.ToLower(envString("TABFLOW_PROCESSING_MODE", ProcessingModeAsync)),
			Timeout:         envDuration("TABFLOW_PROCESSING_TIMEOUT", 5*time.Minute),
			MaxRetries:      envInt("TABFLOW_PROCESSING_MAX_RETRIES", 3),
			InitialBackoff:  envDuration("TABFLOW_RETRY_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:      envDuration("TABFLOW_RETRY_MAX_BACKOFF", 10*time.Second),
			RequiredColumns: envList("TABFLOW_REQUIRED_COLUMNS", nil),
			RulesFile:       os.Getenv("TABFLOW_RULES_FILE"),
		},
		Workers: WorkerConfig{
			Count:              envInt("TABFLOW_WORKERS", 4),
			QueueSize:          envInt("TABFLOW_QUEUE_SIZE", 100),
			RecoveryInterval:   envDuration("TABFLOW_RECOVERY_INTERVAL", 30*time.Second),
			PendingRecoveryAge: envDuration("TABFLOW_PENDING_RECOVERY_AGE", time.Minute),
		},
		Reaper: ReaperConfig{
			Interval:    envDuration("TABFLOW_REAPER_INTERVAL", time.Minute),
			Grace:       envDuration("TABFLOW_REAPER_GRACE", 15*time.Minute),
			OrphanSweep: envBool("TABFLOW_ORPHAN_SWEEP", true),
		},
		Tracing: TracingConfig{
			Enabled:     envBool("OTEL_ENABLED", false),
			Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure:    envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio: envFloat("OTEL_SAMPLER_RATIO", 0.1),
			ServiceName: envString("OTEL_SERVICE_NAME", "tabflow"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("TABFLOW_READ_TIMEOUT must be positive")
	}
	// The write deadline starts once headers are read, so it has to cover
	// the body read as well.
	if c.Server.WriteTimeout < c.Server.ReadTimeout {
		return fmt.Errorf("TABFLOW_WRITE_TIMEOUT (%s) must not be shorter than TABFLOW_READ_TIMEOUT (%s)",
			c.Server.WriteTimeout, c.Server.ReadTimeout)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("TABFLOW_STORAGE_BACKEND must be one of local, gcs; got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == StorageBackendLocal && c.Storage.Root == "" {
		return fmt.Errorf("TABFLOW_STORAGE_ROOT is required when TABFLOW_STORAGE_BACKEND is local")
	}
	if c.Storage.Backend == StorageBackendGCS && c.Storage.GCSBucket == "" {
		return fmt.Errorf("TABFLOW_GCS_BUCKET is required when TABFLOW_STORAGE_BACKEND is gcs")
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("TABFLOW_MAX_UPLOAD_BYTES must be positive, got %d", c.Storage.MaxUploadBytes)
	}
	if len(c.Storage.AllowedExtensions) == 0 {
		return fmt.Errorf("TABFLOW_ALLOWED_EXTENSIONS must list at least one extension")
	}
	for i, ext := range c.Storage.AllowedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Storage.AllowedExtensions[i] = ext
	}

	if !validModes[c.Processing.Mode] {
		return fmt.Errorf("TABFLOW_PROCESSING_MODE must be one of async, inline; got %q", c.Processing.Mode)
	}
	if c.Processing.Timeout <= 0 {
		return fmt.Errorf("TABFLOW_PROCESSING_TIMEOUT must be positive")
	}
	if c.Processing.MaxRetries < 0 {
		return fmt.Errorf("TABFLOW_PROCESSING_MAX_RETRIES must not be negative, got %d", c.Processing.MaxRetries)
	}

	if c.Workers.Count <= 0 {
		return fmt.Errorf("TABFLOW_WORKERS must be positive, got %d", c.Workers.Count)
	}
	if c.Workers.QueueSize <= 0 {
		return fmt.Errorf("TABFLOW_QUEUE_SIZE must be positive, got %d", c.Workers.QueueSize)
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("TABFLOW_REAPER_INTERVAL must be positive")
	}
	if c.Reaper.Grace <= c.Processing.Timeout {
		return fmt.Errorf("TABFLOW_REAPER_GRACE (%s) must exceed TABFLOW_PROCESSING_TIMEOUT (%s)",
			c.Reaper.Grace, c.Processing.Timeout)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLER_RATIO must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "":
		return defaultVal
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated value, dropping empty items.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func envLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
