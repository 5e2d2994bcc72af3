package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 300*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Queue.MessageTTL)
	assert.Equal(t, 3, cfg.Queue.MaxDequeueCount)
	assert.Equal(t, 5, cfg.Processor.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Processor.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Processor.IdleInterval)
	assert.Equal(t, 60*time.Second, cfg.Processor.ShutdownGrace)
	assert.Equal(t, 24*time.Hour, cfg.Results.Retention)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "vm-telemetry-batches-deadletter", cfg.Queue.DeadLetterName())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "fleetbatch.yaml", `
queue:
  backend: redis
  redis_addr: redis:6379
  visibility_timeout: 45s
processor:
  max_concurrent: 8
cache:
  compression: lz4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, QueueRedis, cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Queue.RedisAddr)
	assert.Equal(t, 45*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 8, cfg.Processor.MaxConcurrent)
	assert.Equal(t, "lz4", cfg.Cache.Compression)
	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Queue.MaxDequeueCount)
	assert.Equal(t, BlobFS, cfg.Blob.Backend)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "fleetbatch.toml", `
[blob]
backend = "sqlite"
dsn = "file:results.db"

[results]
retention = "48h"

[logging]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BlobSQLite, cfg.Blob.Backend)
	assert.Equal(t, "file:results.db", cfg.Blob.DSN)
	assert.Equal(t, 48*time.Hour, cfg.Results.Retention)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "fleetbatch.yaml", "processor:\n  max_concurrent: 8\n")
	t.Setenv("FLEETBATCH_PROCESSOR_MAX_CONCURRENT", "12")
	t.Setenv("FLEETBATCH_QUEUE_MAX_DEQUEUE_COUNT", "5")
	t.Setenv("FLEETBATCH_CACHE_TTL", "90m")
	t.Setenv("FLEETBATCH_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Processor.MaxConcurrent)
	assert.Equal(t, 5, cfg.Queue.MaxDequeueCount)
	assert.Equal(t, 90*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "fleetbatch.json", "{}"))
	assert.ErrorContains(t, err, "unsupported")

	_, err = Load(writeFile(t, "bad.yaml", "queue: [unclosed"))
	assert.ErrorContains(t, err, "YAML")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "unknown queue backend", mutate: func(c *Config) { c.Queue.Backend = "sqs" }, wantErr: "queue backend"},
		{name: "redis without addr", mutate: func(c *Config) { c.Queue.Backend = QueueRedis; c.Queue.RedisAddr = "" }, wantErr: "redis_addr"},
		{name: "sqlite without dsn", mutate: func(c *Config) { c.Blob.Backend = BlobSQLite }, wantErr: "blob.dsn"},
		{name: "unknown blob backend", mutate: func(c *Config) { c.Blob.Backend = "s3" }, wantErr: "blob backend"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Processor.MaxConcurrent = 0 }, wantErr: "max_concurrent"},
		{name: "http executor without endpoint", mutate: func(c *Config) { c.Executor.Kind = ExecutorHTTP }, wantErr: "endpoint"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging level"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}
