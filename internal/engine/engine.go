// Package engine assembles the resource-management components into one
// processing facade: a worker pool guarded by circuit breakers and an
// error handler, an adaptive streamer fed by the intelligent chunker,
// memory and leak management, and the section cache. Everything is
// wired by explicit injection in New; nothing global, nothing lazy.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/breaker"
	"github.com/Mrassimo/datapilot-sub015/internal/cache"
	"github.com/Mrassimo/datapilot-sub015/internal/chunker"
	"github.com/Mrassimo/datapilot-sub015/internal/config"
	"github.com/Mrassimo/datapilot-sub015/internal/errorhandler"
	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/memory"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
	"github.com/Mrassimo/datapilot-sub015/internal/model"
	"github.com/Mrassimo/datapilot-sub015/internal/respool"
	"github.com/Mrassimo/datapilot-sub015/internal/stream"
	"github.com/Mrassimo/datapilot-sub015/internal/workerpool"
)

const defaultStopTimeout = 30 * time.Second

// Engine owns every component for one processing pipeline instance.
type Engine struct {
	id     string
	config *config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bus      *events.Bus

	buffers   *memory.BufferPool
	optimizer *memory.Optimizer
	gc        *memory.GCOptimizer
	leaks     *respool.LeakDetector
	pools     *respool.Manager
	pool      *workerpool.Pool
	monitor   *workerpool.HealthMonitor
	breakers  *breaker.Manager
	handler   *errorhandler.Handler
	chunker   *chunker.Chunker
	streamer  *stream.Streamer
	sections  *cache.Manager

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// New wires up an engine from configuration. The worker pool, streamer,
// and cache begin serving immediately; the sampling and monitoring
// loops wait for Start.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()[:8]
	logger = logger.Named("engine")

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry, id)
	bus := events.NewBus(256, logger)

	buffers := memory.NewBufferPool(cfg.Memory.BufferBucketCap, m, logger)
	optimizer := memory.NewOptimizer(memory.Config{
		MaxMemoryBytes:    cfg.Memory.MaxMemoryMB << 20,
		SampleInterval:    cfg.Memory.SampleInterval,
		PressureThreshold: cfg.Memory.PressureThreshold,
		CriticalThreshold: cfg.Memory.CriticalThreshold,
		TrendWindow:       cfg.Memory.TrendWindow,
		GCMinInterval:     cfg.Memory.GCMinInterval,
		GCPressureFloor:   cfg.Memory.GCPressureFloor,
		MinChunkSize:      cfg.Stream.MinChunkSize,
		MaxChunkSize:      cfg.Stream.MaxChunkSize,
	}, buffers, bus, m, logger)
	gc := memory.NewGCOptimizer(memory.GCConfig{
		MinInterval:   cfg.Memory.GCMinInterval,
		PressureFloor: cfg.Memory.GCPressureFloor,
	}, optimizer, logger)

	sections, err := cache.New(cache.Config{
		Dir:              cfg.Cache.Dir,
		TTL:              cfg.Cache.TTL,
		MaxSizeBytes:     cfg.Cache.MaxSizeBytes,
		MaxMemoryEntries: cfg.Cache.MaxMemoryEntries,
		MemoryEntryLimit: cfg.Cache.MemoryEntryLimit,
		HashSampleLimit:  cfg.Cache.HashSampleLimit,
		CleanupInterval:  cfg.Cache.CleanupInterval,
		SchemaVersion:    cfg.Cache.SchemaVersion,
		WatchFiles:       cfg.Cache.WatchFiles,
	}, m, logger)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("section cache: %w", err)
	}

	leaks := respool.NewLeakDetector(respool.LeakDetectorConfig{
		ScanInterval: cfg.LeakDetector.ScanInterval,
		MaxAge:       cfg.LeakDetector.MaxAge,
		CountWarning: cfg.LeakDetector.CountWarning,
	}, bus, m, logger)
	pools := respool.NewManager(gc, logger)

	memoryCeiling := cfg.WorkerPool.MemoryCeilingMB << 20
	pool := workerpool.New(workerpool.Config{
		Name:               "engine",
		Workers:            cfg.WorkerPool.Workers,
		QueueSize:          cfg.WorkerPool.QueueSize,
		DefaultTaskTimeout: cfg.WorkerPool.DefaultTaskTimeout,
		MemoryCeiling:      memoryCeiling,
		DrainTimeout:       cfg.WorkerPool.DrainTimeout,
	}, bus, leaks, m, logger)
	monitor := workerpool.NewHealthMonitor(workerpool.MonitorConfig{
		HeartbeatInterval:   cfg.Health.HeartbeatInterval,
		HeartbeatTimeout:    cfg.Health.HeartbeatTimeout,
		MaxMissedHeartbeats: cfg.Health.MaxMissedHeartbeats,
		AutoRecovery:        cfg.Health.AutoRecovery,
		GracePeriod:         cfg.Health.GracePeriod,
		MemoryCeiling:       memoryCeiling,
	}, pool, bus, logger)

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		VolumeThreshold:  cfg.Breaker.VolumeThreshold,
		CallTimeout:      cfg.Breaker.CallTimeout,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		MonitoringPeriod: cfg.Breaker.MonitoringPeriod,
		MaxHalfOpenCalls: cfg.Breaker.MaxHalfOpenCalls,
	}, bus, m, logger)
	handler := errorhandler.New(errorhandler.Config{
		MaxRetries:      cfg.ErrorHandler.MaxRetries,
		BaseDelay:       cfg.ErrorHandler.BaseDelay,
		MaxDelay:        cfg.ErrorHandler.MaxDelay,
		RecentErrorSpan: cfg.ErrorHandler.RecentErrorSpan,
	}, breakers, leaks, optimizer, m, logger)

	chk := chunker.New(chunker.Config{
		SampleSize:         cfg.Chunker.SampleSize,
		TargetRowsPerChunk: cfg.Chunker.TargetRowsPerChunk,
		MinChunkSize:       cfg.Stream.MinChunkSize,
		MaxChunkSize:       cfg.Stream.MaxChunkSize,
		LearningEnabled:    cfg.Chunker.LearningEnabled,
		MaxLearningHistory: cfg.Chunker.MaxLearningHistory,
	}, logger)
	streamer := stream.New(stream.Config{
		MinChunkSize:          cfg.Stream.MinChunkSize,
		MaxChunkSize:          cfg.Stream.MaxChunkSize,
		InitialChunkSize:      cfg.Stream.InitialChunkSize,
		TargetThroughputMBps:  cfg.Stream.TargetThroughputMBps,
		AdaptationInterval:    cfg.Stream.AdaptationInterval,
		HysteresisRatio:       cfg.Stream.HysteresisRatio,
		MaxConcurrentSessions: cfg.Stream.MaxConcurrentSessions,
		ReadTimeout:           cfg.Stream.ReadTimeout,
	}, optimizer, gc, bus, m, logger)

	e := &Engine{
		id:        id,
		config:    cfg,
		logger:    logger,
		registry:  registry,
		metrics:   m,
		bus:       bus,
		buffers:   buffers,
		optimizer: optimizer,
		gc:        gc,
		leaks:     leaks,
		pools:     pools,
		pool:      pool,
		monitor:   monitor,
		breakers:  breakers,
		handler:   handler,
		chunker:   chk,
		streamer:  streamer,
		sections:  sections,
	}

	logger.Info("engine assembled",
		zap.String("engine_id", id),
		zap.Int("workers", cfg.WorkerPool.Workers),
		zap.Int64("max_memory_mb", cfg.Memory.MaxMemoryMB),
		zap.String("cache_dir", cfg.Cache.Dir))
	return e, nil
}

// Start launches the background loops: memory sampling, leak scanning,
// and worker health monitoring. Safe to call once; later calls no-op.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.startOnce.Do(func() {
		e.optimizer.Start()
		e.leaks.Start()
		e.monitor.Start()
		e.logger.Info("engine started", zap.String("engine_id", e.id))
	})
	return nil
}

// Stop shuts the components down in dependency order: the task intake
// first, the observers last. Errors are aggregated; a stall past the
// timeout is reported rather than waited out.
func (e *Engine) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	e.stopOnce.Do(func() {
		errCh := make(chan error, 1)
		go func() {
			var err error
			e.monitor.Stop()
			err = multierr.Append(err, e.pool.Stop())
			e.streamer.Stop()
			e.breakers.Stop()
			e.leaks.Stop()
			err = multierr.Append(err, e.pools.CloseAll())
			e.sections.Stop()
			e.optimizer.Stop()
			e.bus.Close()
			errCh <- err
		}()

		select {
		case err := <-errCh:
			e.stopErr = err
			e.logger.Info("engine stopped", zap.String("engine_id", e.id))
		case <-time.After(timeout):
			e.stopErr = fmt.Errorf("engine stop timed out after %s", timeout)
			e.logger.Error("engine stop timed out", zap.Duration("timeout", timeout))
		}
	})
	return e.stopErr
}

// Execute routes a task through the full resilience chain: the error
// handler classifies and retries failures, the named circuit breaker
// sheds load when the operation keeps failing, and the worker pool runs
// the task.
func (e *Engine) Execute(ctx context.Context, opName string, task model.Task) (interface{}, error) {
	return e.handler.Execute(ctx, opName, func(c context.Context) (interface{}, error) {
		res := e.pool.SubmitWait(c, task)
		return res.Value, res.Err
	}, errorhandler.WithBreaker(opName))
}

// RegisterHandler binds a task-kind handler on the underlying pool.
func (e *Engine) RegisterHandler(kind model.TaskKind, h workerpool.Handler) {
	e.pool.RegisterHandler(kind, h)
}

// RecoveryReport summarizes one emergency recovery pass.
type RecoveryReport struct {
	BreakersReset    int
	BuffersCleared   int
	BufferBytesFreed int64
	GCFreedBytes     int64
	ResourcesCleaned int
	CleanupErr       error
	Duration         time.Duration
}

// EmergencyRecovery forces the system back toward a clean state: every
// circuit closed, the buffer pool emptied, a full collection, leaked
// resources cleaned, and the error ledger reset. Best effort; each step
// runs even if an earlier one reports problems.
func (e *Engine) EmergencyRecovery(ctx context.Context) RecoveryReport {
	start := time.Now()
	e.logger.Warn("emergency recovery requested", zap.String("engine_id", e.id))

	var report RecoveryReport
	report.BreakersReset = e.breakers.SystemHealth().Total
	e.breakers.ForceAllClosed()

	if ctx.Err() == nil {
		report.BuffersCleared, report.BufferBytesFreed = e.buffers.Clear()
		report.GCFreedBytes = e.optimizer.ForceGC("emergency recovery")
	}
	if ctx.Err() == nil {
		report.ResourcesCleaned, report.CleanupErr = e.leaks.ForceCleanupAll()
	}
	e.handler.ResetMetrics()

	report.Duration = time.Since(start)
	e.logger.Warn("emergency recovery complete",
		zap.Int("breakers_reset", report.BreakersReset),
		zap.Int("buffers_cleared", report.BuffersCleared),
		zap.Int64("gc_freed_bytes", report.GCFreedBytes),
		zap.Int("resources_cleaned", report.ResourcesCleaned),
		zap.Duration("took", report.Duration),
		zap.Error(report.CleanupErr))
	return report
}

// SystemSnapshot is a point-in-time view across every component.
type SystemSnapshot struct {
	EngineID      string
	Time          time.Time
	Pool          workerpool.Stats
	Workers       model.SystemHealthMetrics
	BreakerHealth breaker.SystemHealth
	Breakers      map[string]breaker.Stats
	Errors        errorhandler.HealthStatus
	Memory        memory.OptimizerStats
	GC            memory.GCStats
	Leaks         respool.ResourceStats
	Pools         map[string]respool.PoolStats
	Stream        stream.Stats
	Chunker       chunker.LearningStats
	Cache         cache.Stats
	EventsDropped int64
}

// SystemSnapshot gathers every component's stats. Best effort and
// non-blocking in spirit: each component hands out a copy and no error
// is possible.
func (e *Engine) SystemSnapshot() SystemSnapshot {
	return SystemSnapshot{
		EngineID:      e.id,
		Time:          time.Now(),
		Pool:          e.pool.Stats(),
		Workers:       e.monitor.SystemHealth(),
		BreakerHealth: e.breakers.SystemHealth(),
		Breakers:      e.breakers.AllStats(),
		Errors:        e.handler.HealthStatus(),
		Memory:        e.optimizer.Stats(),
		GC:            e.gc.Stats(),
		Leaks:         e.leaks.ResourceStats(),
		Pools:         e.pools.Stats(),
		Stream:        e.streamer.Stats(),
		Chunker:       e.chunker.LearningStats(),
		Cache:         e.sections.Stats(),
		EventsDropped: e.bus.Dropped(),
	}
}

// ID returns the engine instance id used in logs and metric labels.
func (e *Engine) ID() string { return e.id }

// Registry exposes the engine's private Prometheus registry for the
// ops server.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// Metrics returns the engine's metric set.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Pool returns the worker pool.
func (e *Engine) Pool() *workerpool.Pool { return e.pool }

// Monitor returns the worker health monitor.
func (e *Engine) Monitor() *workerpool.HealthMonitor { return e.monitor }

// Breakers returns the circuit breaker manager.
func (e *Engine) Breakers() *breaker.Manager { return e.breakers }

// ErrorHandler returns the retry and recovery handler.
func (e *Engine) ErrorHandler() *errorhandler.Handler { return e.handler }

// Memory returns the memory optimizer.
func (e *Engine) Memory() *memory.Optimizer { return e.optimizer }

// Leaks returns the resource leak detector.
func (e *Engine) Leaks() *respool.LeakDetector { return e.leaks }

// Pools returns the resource pool manager.
func (e *Engine) Pools() *respool.Manager { return e.pools }

// Chunker returns the adaptive chunk-size calculator.
func (e *Engine) Chunker() *chunker.Chunker { return e.chunker }

// Streamer returns the adaptive streamer.
func (e *Engine) Streamer() *stream.Streamer { return e.streamer }

// Cache returns the section cache.
func (e *Engine) Cache() *cache.Manager { return e.sections }

// Bus returns the event bus shared by the components.
func (e *Engine) Bus() *events.Bus { return e.bus }
