// Package config loads fleetbatch configuration from YAML or TOML files and
// FLEETBATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLEETBATCH_"

// Queue backends.
const (
	QueueLocal = "local"
	QueueRedis = "redis"
)

// Blob backends.
const (
	BlobMemory   = "memory"
	BlobFS       = "fs"
	BlobSQLite   = "sqlite"
	BlobPostgres = "postgres"
)

// Executor kinds.
const (
	ExecutorEcho = "echo"
	ExecutorHTTP = "http"
)

// Config is the complete configuration.
type Config struct {
	Queue     QueueConfig     `yaml:"queue" toml:"queue" envPrefix:"QUEUE_"`
	Blob      BlobConfig      `yaml:"blob" toml:"blob" envPrefix:"BLOB_"`
	Processor ProcessorConfig `yaml:"processor" toml:"processor" envPrefix:"PROCESSOR_"`
	Results   ResultsConfig   `yaml:"results" toml:"results" envPrefix:"RESULTS_"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache" envPrefix:"CACHE_"`
	Executor  ExecutorConfig  `yaml:"executor" toml:"executor" envPrefix:"EXECUTOR_"`
	Cleanup   CleanupConfig   `yaml:"cleanup" toml:"cleanup" envPrefix:"CLEANUP_"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http" envPrefix:"HTTP_"`
	Admin     AdminConfig     `yaml:"admin" toml:"admin" envPrefix:"ADMIN_"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
}

// QueueConfig selects the queue transport and its retry policy.
type QueueConfig struct {
	Backend           string        `yaml:"backend" toml:"backend" env:"BACKEND"`
	Name              string        `yaml:"name" toml:"name" env:"NAME"`
	JournalDir        string        `yaml:"journal_dir" toml:"journal_dir" env:"JOURNAL_DIR"`
	SyncOnAppend      bool          `yaml:"sync_on_append" toml:"sync_on_append" env:"SYNC_ON_APPEND"`
	RedisAddr         string        `yaml:"redis_addr" toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword     string        `yaml:"redis_password" toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB           int           `yaml:"redis_db" toml:"redis_db" env:"REDIS_DB"`
	RedisPrefix       string        `yaml:"redis_prefix" toml:"redis_prefix" env:"REDIS_PREFIX"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" toml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
	MessageTTL        time.Duration `yaml:"message_ttl" toml:"message_ttl" env:"MESSAGE_TTL"`
	MaxDequeueCount   int           `yaml:"max_dequeue_count" toml:"max_dequeue_count" env:"MAX_DEQUEUE_COUNT"`
}

// DeadLetterName is the dead-letter channel paired with the main queue.
func (q QueueConfig) DeadLetterName() string {
	return q.Name + "-deadletter"
}

// BlobConfig selects the object store shared by results and cache.
type BlobConfig struct {
	Backend string `yaml:"backend" toml:"backend" env:"BACKEND"`
	Dir     string `yaml:"dir" toml:"dir" env:"DIR"`
	DSN     string `yaml:"dsn" toml:"dsn" env:"DSN"`
	Table   string `yaml:"table" toml:"table" env:"TABLE"`
}

// ProcessorConfig controls polling and concurrency.
type ProcessorConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" toml:"max_concurrent" env:"MAX_CONCURRENT"`
	PollInterval  time.Duration `yaml:"poll_interval" toml:"poll_interval" env:"POLL_INTERVAL"`
	IdleInterval  time.Duration `yaml:"idle_interval" toml:"idle_interval" env:"IDLE_INTERVAL"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" toml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	BatchSize     int           `yaml:"batch_size" toml:"batch_size" env:"BATCH_SIZE"`
}

// ResultsConfig controls result retention.
type ResultsConfig struct {
	Retention        time.Duration `yaml:"retention" toml:"retention" env:"RETENTION"`
	FetchConcurrency int           `yaml:"fetch_concurrency" toml:"fetch_concurrency" env:"FETCH_CONCURRENCY"`
}

// CacheConfig controls the query cache.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	TTL         time.Duration `yaml:"ttl" toml:"ttl" env:"TTL"`
	Compression string        `yaml:"compression" toml:"compression" env:"COMPRESSION"`
}

// ExecutorConfig selects the batch execution callback.
type ExecutorConfig struct {
	Kind     string        `yaml:"kind" toml:"kind" env:"KIND"`
	Endpoint string        `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
}

// CleanupConfig schedules retention sweeps in the run command.
type CleanupConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" toml:"interval" env:"INTERVAL"`
}

// HTTPConfig holds HTTP API settings.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" toml:"addr" env:"ADDR"`
}

// AdminConfig holds gRPC admin settings.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" toml:"addr" env:"ADDR"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Backend:           QueueLocal,
			Name:              "vm-telemetry-batches",
			JournalDir:        "data/queue",
			RedisAddr:         "localhost:6379",
			RedisPrefix:       "fleetbatch",
			VisibilityTimeout: 300 * time.Second,
			MessageTTL:        7 * 24 * time.Hour,
			MaxDequeueCount:   3,
		},
		Blob: BlobConfig{
			Backend: BlobFS,
			Dir:     "data/blobs",
			Table:   "fleetbatch_objects",
		},
		Processor: ProcessorConfig{
			MaxConcurrent: 5,
			PollInterval:  5 * time.Second,
			IdleInterval:  30 * time.Second,
			ShutdownGrace: 60 * time.Second,
			BatchSize:     100,
		},
		Results: ResultsConfig{
			Retention:        24 * time.Hour,
			FetchConcurrency: 8,
		},
		Cache: CacheConfig{
			Enabled:     true,
			TTL:         24 * time.Hour,
			Compression: "zstd",
		},
		Executor: ExecutorConfig{
			Kind:    ExecutorEcho,
			Timeout: 30 * time.Second,
		},
		Cleanup: CleanupConfig{
			Enabled:  true,
			Interval: 24 * time.Hour,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    ":50051",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads defaults, then the file at path (when non-empty), then
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	return nil
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	var errs []error

	switch c.Queue.Backend {
	case QueueLocal:
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			errs = append(errs, errors.New("queue.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	if c.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	if c.Queue.VisibilityTimeout <= 0 || c.Queue.MessageTTL <= 0 {
		errs = append(errs, errors.New("queue timeouts must be positive"))
	}
	if c.Queue.MaxDequeueCount <= 0 {
		errs = append(errs, errors.New("queue.max_dequeue_count must be positive"))
	}

	switch c.Blob.Backend {
	case BlobMemory:
	case BlobFS:
		if c.Blob.Dir == "" {
			errs = append(errs, errors.New("blob.dir is required for the fs backend"))
		}
	case BlobSQLite, BlobPostgres:
		if c.Blob.DSN == "" {
			errs = append(errs, fmt.Errorf("blob.dsn is required for the %s backend", c.Blob.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}

	if c.Processor.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("processor.max_concurrent must be positive"))
	}
	if c.Processor.PollInterval <= 0 || c.Processor.IdleInterval <= 0 || c.Processor.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("processor intervals must be positive"))
	}
	if c.Processor.BatchSize <= 0 {
		errs = append(errs, errors.New("processor.batch_size must be positive"))
	}
	if c.Results.Retention <= 0 {
		errs = append(errs, errors.New("results.retention must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}

	switch c.Executor.Kind {
	case ExecutorEcho:
	case ExecutorHTTP:
		if c.Executor.Endpoint == "" {
			errs = append(errs, errors.New("executor.endpoint is required for the http executor"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown executor kind %q", c.Executor.Kind))
	}

	if c.Cleanup.Enabled && c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("cleanup.interval must be positive"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown logging format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown logging level %q", s)
	}
	return level, nil
}

// NewLogger builds a logger writing to w.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
