package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerPoolConfig holds worker pool configuration
type WorkerPoolConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
	MemoryCeilingMB    int64         `yaml:"memory_ceiling_mb"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
}

// HealthConfig holds worker health monitor configuration
type HealthConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	AutoRecovery        bool          `yaml:"auto_recovery"`
	GracePeriod         time.Duration `yaml:"grace_period"`
}

// BreakerConfig holds default circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	VolumeThreshold  int           `yaml:"volume_threshold"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`
	MaxHalfOpenCalls int           `yaml:"max_half_open_calls"`
}

// ErrorHandlerConfig holds retry and recovery configuration
type ErrorHandlerConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	RecentErrorSpan time.Duration `yaml:"recent_error_span"`
}

// MemoryConfig holds memory optimizer configuration
type MemoryConfig struct {
	MaxMemoryMB       int64         `yaml:"max_memory_mb"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
	PressureThreshold float64       `yaml:"pressure_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
	TrendWindow       int           `yaml:"trend_window"`
	GCMinInterval     time.Duration `yaml:"gc_min_interval"`
	GCPressureFloor   float64       `yaml:"gc_pressure_floor"`
	BufferBucketCap   int           `yaml:"buffer_bucket_cap"`
}

// ResourcePoolConfig holds generic resource pool defaults
type ResourcePoolConfig struct {
	MaxPoolSize     int           `yaml:"max_pool_size"`
	MaxIdle         int           `yaml:"max_idle"`
	MaxResourceAge  time.Duration `yaml:"max_resource_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LeakDetectorConfig holds resource leak detector configuration
type LeakDetectorConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	MaxAge       time.Duration `yaml:"max_age"`
	CountWarning int           `yaml:"count_warning"`
}

// StreamConfig holds adaptive streamer configuration
type StreamConfig struct {
	MinChunkSize          int64         `yaml:"min_chunk_size"`
	MaxChunkSize          int64         `yaml:"max_chunk_size"`
	InitialChunkSize      int64         `yaml:"initial_chunk_size"`
	TargetThroughputMBps  float64       `yaml:"target_throughput_mbps"`
	AdaptationInterval    int           `yaml:"adaptation_interval"`
	HysteresisRatio       float64       `yaml:"hysteresis_ratio"`
	MaxConcurrentSessions int64         `yaml:"max_concurrent_sessions"`
	ReadTimeout           time.Duration `yaml:"read_timeout"`
}

// ChunkerConfig holds intelligent chunker configuration
type ChunkerConfig struct {
	SampleSize         int64 `yaml:"sample_size"`
	TargetRowsPerChunk int64 `yaml:"target_rows_per_chunk"`
	LearningEnabled    bool  `yaml:"learning_enabled"`
	MaxLearningHistory int   `yaml:"max_learning_history"`
}

// CacheConfig holds section cache configuration
type CacheConfig struct {
	Dir                  string        `yaml:"dir"`
	TTL                  time.Duration `yaml:"ttl"`
	MaxSizeBytes         int64         `yaml:"max_size_bytes"`
	MaxMemoryEntries     int           `yaml:"max_memory_entries"`
	MemoryEntryLimit     int64         `yaml:"memory_entry_limit"`
	HashSampleLimit      int64         `yaml:"hash_sample_limit"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	SchemaVersion        string        `yaml:"schema_version"`
	WatchFiles           bool          `yaml:"watch_files"`
}

// MetricsConfig holds ops server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the engine
type Config struct {
	WorkerPool   WorkerPoolConfig   `yaml:"worker_pool"`
	Health       HealthConfig       `yaml:"health"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	ErrorHandler ErrorHandlerConfig `yaml:"error_handler"`
	Memory       MemoryConfig       `yaml:"memory"`
	ResourcePool ResourcePoolConfig `yaml:"resource_pool"`
	LeakDetector LeakDetectorConfig `yaml:"leak_detector"`
	Stream       StreamConfig       `yaml:"stream"`
	Chunker      ChunkerConfig      `yaml:"chunker"`
	Cache        CacheConfig        `yaml:"cache"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// LoadConfig loads configuration from a file. A missing file is not an
// error; defaults and environment overrides still apply.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(filePath)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Environment variables take precedence
	applyEnvironmentOverrides(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is present
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.WorkerPool.Workers == 0 {
		cfg.WorkerPool.Workers = 4
	}
	if cfg.WorkerPool.QueueSize == 0 {
		cfg.WorkerPool.QueueSize = 256
	}
	if cfg.WorkerPool.DefaultTaskTimeout == 0 {
		cfg.WorkerPool.DefaultTaskTimeout = 30 * time.Second
	}
	if cfg.WorkerPool.MemoryCeilingMB == 0 {
		cfg.WorkerPool.MemoryCeilingMB = 256
	}
	if cfg.WorkerPool.DrainTimeout == 0 {
		cfg.WorkerPool.DrainTimeout = 10 * time.Second
	}

	if cfg.Health.HeartbeatInterval == 0 {
		cfg.Health.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Health.HeartbeatTimeout == 0 {
		cfg.Health.HeartbeatTimeout = 2 * time.Second
	}
	if cfg.Health.MaxMissedHeartbeats == 0 {
		cfg.Health.MaxMissedHeartbeats = 3
	}
	if cfg.Health.GracePeriod == 0 {
		cfg.Health.GracePeriod = 5 * time.Second
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 3
	}
	if cfg.Breaker.VolumeThreshold == 0 {
		cfg.Breaker.VolumeThreshold = 10
	}
	if cfg.Breaker.CallTimeout == 0 {
		cfg.Breaker.CallTimeout = 30 * time.Second
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = 60 * time.Second
	}
	if cfg.Breaker.MonitoringPeriod == 0 {
		cfg.Breaker.MonitoringPeriod = 60 * time.Second
	}
	if cfg.Breaker.MaxHalfOpenCalls == 0 {
		cfg.Breaker.MaxHalfOpenCalls = 1
	}

	if cfg.ErrorHandler.MaxRetries == 0 {
		cfg.ErrorHandler.MaxRetries = 3
	}
	if cfg.ErrorHandler.BaseDelay == 0 {
		cfg.ErrorHandler.BaseDelay = 100 * time.Millisecond
	}
	if cfg.ErrorHandler.MaxDelay == 0 {
		cfg.ErrorHandler.MaxDelay = 5 * time.Second
	}
	if cfg.ErrorHandler.RecentErrorSpan == 0 {
		cfg.ErrorHandler.RecentErrorSpan = time.Minute
	}

	if cfg.Memory.MaxMemoryMB == 0 {
		cfg.Memory.MaxMemoryMB = 1024
	}
	if cfg.Memory.SampleInterval == 0 {
		cfg.Memory.SampleInterval = time.Second
	}
	if cfg.Memory.PressureThreshold == 0 {
		cfg.Memory.PressureThreshold = 0.75
	}
	if cfg.Memory.CriticalThreshold == 0 {
		cfg.Memory.CriticalThreshold = 0.9
	}
	if cfg.Memory.TrendWindow == 0 {
		cfg.Memory.TrendWindow = 60
	}
	if cfg.Memory.GCMinInterval == 0 {
		cfg.Memory.GCMinInterval = 10 * time.Second
	}
	if cfg.Memory.GCPressureFloor == 0 {
		cfg.Memory.GCPressureFloor = 0.6
	}
	if cfg.Memory.BufferBucketCap == 0 {
		cfg.Memory.BufferBucketCap = 16
	}

	if cfg.ResourcePool.MaxPoolSize == 0 {
		cfg.ResourcePool.MaxPoolSize = 32
	}
	if cfg.ResourcePool.MaxIdle == 0 {
		cfg.ResourcePool.MaxIdle = 16
	}
	if cfg.ResourcePool.MaxResourceAge == 0 {
		cfg.ResourcePool.MaxResourceAge = 5 * time.Minute
	}
	if cfg.ResourcePool.CleanupInterval == 0 {
		cfg.ResourcePool.CleanupInterval = 30 * time.Second
	}

	if cfg.LeakDetector.ScanInterval == 0 {
		cfg.LeakDetector.ScanInterval = 30 * time.Second
	}
	if cfg.LeakDetector.MaxAge == 0 {
		cfg.LeakDetector.MaxAge = 2 * time.Minute
	}
	if cfg.LeakDetector.CountWarning == 0 {
		cfg.LeakDetector.CountWarning = 100
	}

	if cfg.Stream.MinChunkSize == 0 {
		cfg.Stream.MinChunkSize = 64 * 1024 // 64KB
	}
	if cfg.Stream.MaxChunkSize == 0 {
		cfg.Stream.MaxChunkSize = 16 * 1024 * 1024 // 16MB
	}
	if cfg.Stream.InitialChunkSize == 0 {
		cfg.Stream.InitialChunkSize = 1024 * 1024 // 1MB
	}
	if cfg.Stream.TargetThroughputMBps == 0 {
		cfg.Stream.TargetThroughputMBps = 50
	}
	if cfg.Stream.AdaptationInterval == 0 {
		cfg.Stream.AdaptationInterval = 4
	}
	if cfg.Stream.HysteresisRatio == 0 {
		cfg.Stream.HysteresisRatio = 0.1
	}
	if cfg.Stream.MaxConcurrentSessions == 0 {
		cfg.Stream.MaxConcurrentSessions = 8
	}
	if cfg.Stream.ReadTimeout == 0 {
		cfg.Stream.ReadTimeout = 30 * time.Second
	}

	if cfg.Chunker.SampleSize == 0 {
		cfg.Chunker.SampleSize = 64 * 1024
	}
	if cfg.Chunker.TargetRowsPerChunk == 0 {
		cfg.Chunker.TargetRowsPerChunk = 10000
	}
	if cfg.Chunker.MaxLearningHistory == 0 {
		cfg.Chunker.MaxLearningHistory = 200
	}

	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = ".datapilot-cache"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}
	if cfg.Cache.MaxSizeBytes == 0 {
		cfg.Cache.MaxSizeBytes = 512 * 1024 * 1024 // 512MB
	}
	if cfg.Cache.MaxMemoryEntries == 0 {
		cfg.Cache.MaxMemoryEntries = 128
	}
	if cfg.Cache.MemoryEntryLimit == 0 {
		cfg.Cache.MemoryEntryLimit = 10 * 1024 * 1024 // 10MB
	}
	if cfg.Cache.HashSampleLimit == 0 {
		cfg.Cache.HashSampleLimit = 4 * 1024 * 1024 // 4MB
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = 5 * time.Minute
	}
	if cfg.Cache.SchemaVersion == "" {
		cfg.Cache.SchemaVersion = "1"
	}

	if cfg.Metrics.Host == "" {
		cfg.Metrics.Host = "0.0.0.0"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if workers := os.Getenv("DATAPILOT_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			cfg.WorkerPool.Workers = n
		}
	}
	if maxMem := os.Getenv("DATAPILOT_MAX_MEMORY_MB"); maxMem != "" {
		if n, err := strconv.ParseInt(maxMem, 10, 64); err == nil {
			cfg.Memory.MaxMemoryMB = n
		}
	}
	if dir := os.Getenv("DATAPILOT_CACHE_DIR"); dir != "" {
		cfg.Cache.Dir = dir
	}
	if port := os.Getenv("DATAPILOT_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Metrics.Port = p
		}
	}
	if level := os.Getenv("DATAPILOT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.WorkerPool.Workers < 1 {
		return fmt.Errorf("worker_pool.workers must be at least 1")
	}
	if c.WorkerPool.QueueSize < 1 {
		return fmt.Errorf("worker_pool.queue_size must be at least 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.VolumeThreshold < 1 {
		return fmt.Errorf("breaker.volume_threshold must be at least 1")
	}
	if c.Memory.PressureThreshold <= 0 || c.Memory.PressureThreshold > 1 {
		return fmt.Errorf("memory.pressure_threshold must be between 0 and 1")
	}
	if c.Memory.CriticalThreshold <= c.Memory.PressureThreshold || c.Memory.CriticalThreshold > 1 {
		return fmt.Errorf("memory.critical_threshold must be between pressure_threshold and 1")
	}
	if c.Stream.MinChunkSize > c.Stream.MaxChunkSize {
		return fmt.Errorf("stream.min_chunk_size must not exceed stream.max_chunk_size")
	}
	if c.Stream.InitialChunkSize < c.Stream.MinChunkSize || c.Stream.InitialChunkSize > c.Stream.MaxChunkSize {
		return fmt.Errorf("stream.initial_chunk_size must be within [min_chunk_size, max_chunk_size]")
	}
	if c.Stream.HysteresisRatio < 0 || c.Stream.HysteresisRatio > 1 {
		return fmt.Errorf("stream.hysteresis_ratio must be between 0 and 1")
	}
	if c.Cache.MaxSizeBytes < 1 {
		return fmt.Errorf("cache.max_size_bytes must be positive")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
