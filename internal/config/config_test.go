package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.WorkerPool.Workers)
	assert.Equal(t, int64(64*1024), cfg.Stream.MinChunkSize)
	assert.Equal(t, int64(16*1024*1024), cfg.Stream.MaxChunkSize)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfigMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_pool:
  workers: 8
  queue_size: 32
stream:
  min_chunk_size: 1024
  max_chunk_size: 4096
  initial_chunk_size: 2048
logging:
  level: debug
  format: console
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.WorkerPool.Workers)
	assert.Equal(t, 32, cfg.WorkerPool.QueueSize)
	assert.Equal(t, int64(1024), cfg.Stream.MinChunkSize)
	assert.Equal(t, int64(2048), cfg.Stream.InitialChunkSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_pool: ["), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestEnvironmentOverridesTakePrecedence(t *testing.T) {
	t.Setenv("DATAPILOT_WORKERS", "12")
	t.Setenv("DATAPILOT_MAX_MEMORY_MB", "2048")
	t.Setenv("DATAPILOT_CACHE_DIR", "/tmp/dp-cache")
	t.Setenv("DATAPILOT_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.WorkerPool.Workers)
	assert.Equal(t, int64(2048), cfg.Memory.MaxMemoryMB)
	assert.Equal(t, "/tmp/dp-cache", cfg.Cache.Dir)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvironmentOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("DATAPILOT_WORKERS", "plenty")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerPool.Workers)
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no workers", func(c *Config) { c.WorkerPool.Workers = 0 }, "workers"},
		{"zero queue", func(c *Config) { c.WorkerPool.QueueSize = -4 }, "queue_size"},
		{"pressure above one", func(c *Config) { c.Memory.PressureThreshold = 1.5 }, "pressure_threshold"},
		{"critical below pressure", func(c *Config) { c.Memory.CriticalThreshold = 0.5 }, "critical_threshold"},
		{"inverted chunk bounds", func(c *Config) {
			c.Stream.MinChunkSize = 1 << 20
			c.Stream.MaxChunkSize = 1 << 10
		}, "min_chunk_size"},
		{"initial outside bounds", func(c *Config) { c.Stream.InitialChunkSize = 1 }, "initial_chunk_size"},
		{"hysteresis above one", func(c *Config) { c.Stream.HysteresisRatio = 2 }, "hysteresis_ratio"},
		{"metrics port too high", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
