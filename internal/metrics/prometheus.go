package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Worker pool metrics
	TasksSubmittedTotal prometheus.Counter
	TasksCompletedTotal prometheus.Counter
	TasksFailedTotal    prometheus.CounterVec
	TaskDuration        prometheus.Histogram
	QueueDepth          prometheus.Gauge
	WorkersActive       prometheus.Gauge
	WorkersReplaced     prometheus.Counter

	// Circuit breaker metrics
	BreakerState       prometheus.GaugeVec
	BreakerCallsTotal  prometheus.CounterVec
	BreakerTransitions prometheus.CounterVec

	// Memory metrics
	MemoryPressure        prometheus.Gauge
	MemoryHeapBytes       prometheus.Gauge
	MemoryTrendMBps       prometheus.Gauge
	ForcedGCTotal         prometheus.Counter
	BufferPoolHitsTotal   prometheus.Counter
	BufferPoolMissesTotal prometheus.Counter
	BufferPoolBytes       prometheus.Gauge
	BufferPoolClearsTotal prometheus.Counter

	// Cache metrics
	CacheHitsTotal      prometheus.CounterVec
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.CounterVec
	CacheEntries        prometheus.GaugeVec
	CacheSizeBytes      prometheus.GaugeVec

	// Streaming metrics
	SessionsActive   prometheus.Gauge
	ChunksTotal      prometheus.Counter
	BytesReadTotal   prometheus.Counter
	ChunkSizeBytes   prometheus.Histogram
	AdaptationsTotal prometheus.CounterVec

	// Error handler metrics
	ErrorsTotal     prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	RecoveriesTotal prometheus.CounterVec

	// Resource pool metrics
	PoolAcquiresTotal  prometheus.CounterVec
	PoolReleasesTotal  prometheus.CounterVec
	LeaksDetectedTotal prometheus.CounterVec
	TrackedResources   prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
	GCRunsTotal      prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics on reg
func NewMetrics(reg prometheus.Registerer, engineID string) *Metrics {
	labels := prometheus.Labels{"engine_id": engineID}
	factory := promauto.With(reg)

	return &Metrics{
		// Worker pool metrics
		TasksSubmittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "workerpool",
			Name:        "tasks_submitted_total",
			Help:        "Total number of tasks admitted to the queue",
			ConstLabels: labels,
		}),
		TasksCompletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "workerpool",
			Name:        "tasks_completed_total",
			Help:        "Total number of tasks completed successfully",
			ConstLabels: labels,
		}),
		TasksFailedTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "workerpool",
			Name:        "tasks_failed_total",
			Help:        "Total number of failed tasks by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "datapilot",
			Subsystem:   "workerpool",
			Name:        "task_duration_seconds",
			Help:        "Histogram of task execution durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "workerpool",
			Name:        "queue_depth",
			Help:        "Current number of queued tasks",
			ConstLabels: labels,
		}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "workerpool",
			Name:        "workers_active",
			Help:        "Current number of live workers",
			ConstLabels: labels,
		}),
		WorkersReplaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "workerpool",
			Name:        "workers_replaced_total",
			Help:        "Total number of worker replacements",
			ConstLabels: labels,
		}),

		// Circuit breaker metrics
		BreakerState: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "breaker",
			Name:        "state",
			Help:        "Circuit state by name (0=closed, 1=half-open, 2=open)",
			ConstLabels: labels,
		}, []string{"name"}),
		BreakerCallsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "breaker",
			Name:        "calls_total",
			Help:        "Total circuit-wrapped calls by name and result",
			ConstLabels: labels,
		}, []string{"name", "result"}),
		BreakerTransitions: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "breaker",
			Name:        "transitions_total",
			Help:        "Total circuit state transitions by name and target state",
			ConstLabels: labels,
		}, []string{"name", "to"}),

		// Memory metrics
		MemoryPressure: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "memory",
			Name:        "pressure",
			Help:        "Current memory pressure (heap used / budget, 0..1)",
			ConstLabels: labels,
		}),
		MemoryHeapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "memory",
			Name:        "heap_bytes",
			Help:        "Current heap allocation in bytes",
			ConstLabels: labels,
		}),
		MemoryTrendMBps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "memory",
			Name:        "trend_mb_per_sec",
			Help:        "Heap growth trend in MB/s over the sampling window",
			ConstLabels: labels,
		}),
		ForcedGCTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "memory",
			Name:        "forced_gc_total",
			Help:        "Total number of forced garbage collections",
			ConstLabels: labels,
		}),
		BufferPoolHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "memory",
			Name:        "buffer_pool_hits_total",
			Help:        "Total buffer pool hits",
			ConstLabels: labels,
		}),
		BufferPoolMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "memory",
			Name:        "buffer_pool_misses_total",
			Help:        "Total buffer pool misses",
			ConstLabels: labels,
		}),
		BufferPoolBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "memory",
			Name:        "buffer_pool_bytes",
			Help:        "Bytes currently held in the buffer pool",
			ConstLabels: labels,
		}),
		BufferPoolClearsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "memory",
			Name:        "buffer_pool_clears_total",
			Help:        "Total buffer pool clears under extreme pressure",
			ConstLabels: labels,
		}),

		// Cache metrics
		CacheHitsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total cache hits by tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Total cache evictions by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		CacheEntries: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Current number of cache entries by tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		CacheSizeBytes: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "cache",
			Name:        "size_bytes",
			Help:        "Current cache size in bytes by tier",
			ConstLabels: labels,
		}, []string{"tier"}),

		// Streaming metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "stream",
			Name:        "sessions_active",
			Help:        "Current number of active streaming sessions",
			ConstLabels: labels,
		}),
		ChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "stream",
			Name:        "chunks_total",
			Help:        "Total chunks read across all sessions",
			ConstLabels: labels,
		}),
		BytesReadTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "stream",
			Name:        "bytes_read_total",
			Help:        "Total bytes read across all sessions",
			ConstLabels: labels,
		}),
		ChunkSizeBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "datapilot",
			Subsystem:   "stream",
			Name:        "chunk_size_bytes",
			Help:        "Histogram of chunk sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(65536, 2, 9), // 64KB to 16MB
		}),
		AdaptationsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "stream",
			Name:        "adaptations_total",
			Help:        "Total chunk-size adaptations by direction",
			ConstLabels: labels,
		}, []string{"direction"}),

		// Error handler metrics
		ErrorsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "errors",
			Name:        "total",
			Help:        "Total handled errors by category",
			ConstLabels: labels,
		}, []string{"category"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "errors",
			Name:        "retries_total",
			Help:        "Total retry attempts",
			ConstLabels: labels,
		}),
		RecoveriesTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "errors",
			Name:        "recoveries_total",
			Help:        "Total recovery attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		// Resource pool metrics
		PoolAcquiresTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "respool",
			Name:        "acquires_total",
			Help:        "Total resource acquisitions by pool and source",
			ConstLabels: labels,
		}, []string{"pool", "source"}),
		PoolReleasesTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "respool",
			Name:        "releases_total",
			Help:        "Total resource releases by pool and outcome",
			ConstLabels: labels,
		}, []string{"pool", "outcome"}),
		LeaksDetectedTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "datapilot",
			Subsystem:   "respool",
			Name:        "leaks_detected_total",
			Help:        "Total potential resource leaks by severity",
			ConstLabels: labels,
		}, []string{"severity"}),
		TrackedResources: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "respool",
			Name:        "tracked_resources",
			Help:        "Current number of tracked resource handles",
			ConstLabels: labels,
		}),

		// System metrics
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current process memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
		GCRunsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "datapilot",
			Subsystem:   "system",
			Name:        "gc_runs_total",
			Help:        "Cumulative garbage collection runs",
			ConstLabels: labels,
		}),
	}
}

// RecordTaskSubmitted records a task admitted to the queue
func (m *Metrics) RecordTaskSubmitted() {
	m.TasksSubmittedTotal.Inc()
}

// RecordTaskCompleted records a finished task
func (m *Metrics) RecordTaskCompleted(duration float64) {
	m.TasksCompletedTotal.Inc()
	m.TaskDuration.Observe(duration)
}

// RecordTaskFailed records a failed task
func (m *Metrics) RecordTaskFailed(reason string, duration float64) {
	m.TasksFailedTotal.WithLabelValues(reason).Inc()
	m.TaskDuration.Observe(duration)
}

// UpdatePoolGauges updates queue depth and live worker gauges
func (m *Metrics) UpdatePoolGauges(queueDepth, workers int) {
	m.QueueDepth.Set(float64(queueDepth))
	m.WorkersActive.Set(float64(workers))
}

// RecordWorkerReplaced records a worker replacement
func (m *Metrics) RecordWorkerReplaced() {
	m.WorkersReplaced.Inc()
}

// RecordBreakerCall records one circuit-wrapped call
func (m *Metrics) RecordBreakerCall(name, result string) {
	m.BreakerCallsTotal.WithLabelValues(name, result).Inc()
}

// RecordBreakerTransition records a state transition and updates the gauge
func (m *Metrics) RecordBreakerTransition(name, to string, stateValue float64) {
	m.BreakerTransitions.WithLabelValues(name, to).Inc()
	m.BreakerState.WithLabelValues(name).Set(stateValue)
}

// UpdateMemoryStats updates memory pressure gauges
func (m *Metrics) UpdateMemoryStats(pressure float64, heapBytes int64, trendMBps float64) {
	m.MemoryPressure.Set(pressure)
	m.MemoryHeapBytes.Set(float64(heapBytes))
	m.MemoryTrendMBps.Set(trendMBps)
}

// RecordForcedGC records a forced garbage collection
func (m *Metrics) RecordForcedGC() {
	m.ForcedGCTotal.Inc()
}

// RecordBufferPool records a buffer pool lookup
func (m *Metrics) RecordBufferPool(hit bool) {
	if hit {
		m.BufferPoolHitsTotal.Inc()
	} else {
		m.BufferPoolMissesTotal.Inc()
	}
}

// RecordCacheHit records a cache hit on the given tier
func (m *Metrics) RecordCacheHit(tier string) {
	m.CacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordCacheEviction records a cache eviction
func (m *Metrics) RecordCacheEviction(reason string) {
	m.CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// UpdateCacheStats updates per-tier cache gauges
func (m *Metrics) UpdateCacheStats(tier string, entries int, sizeBytes int64) {
	m.CacheEntries.WithLabelValues(tier).Set(float64(entries))
	m.CacheSizeBytes.WithLabelValues(tier).Set(float64(sizeBytes))
}

// RecordChunk records one streamed chunk
func (m *Metrics) RecordChunk(sizeBytes int64) {
	m.ChunksTotal.Inc()
	m.BytesReadTotal.Add(float64(sizeBytes))
	m.ChunkSizeBytes.Observe(float64(sizeBytes))
}

// RecordAdaptation records a chunk-size adaptation
func (m *Metrics) RecordAdaptation(direction string) {
	m.AdaptationsTotal.WithLabelValues(direction).Inc()
}

// RecordError records a handled error by category
func (m *Metrics) RecordError(category string) {
	m.ErrorsTotal.WithLabelValues(category).Inc()
}

// RecordRecovery records a recovery attempt outcome
func (m *Metrics) RecordRecovery(outcome string) {
	m.RecoveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordPoolAcquire records a resource acquisition
func (m *Metrics) RecordPoolAcquire(pool, source string) {
	m.PoolAcquiresTotal.WithLabelValues(pool, source).Inc()
}

// RecordPoolRelease records a resource release
func (m *Metrics) RecordPoolRelease(pool, outcome string) {
	m.PoolReleasesTotal.WithLabelValues(pool, outcome).Inc()
}

// RecordLeak records a detected potential leak
func (m *Metrics) RecordLeak(severity string) {
	m.LeaksDetectedTotal.WithLabelValues(severity).Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int, gcRuns uint32) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
	m.GCRunsTotal.Set(float64(gcRuns))
}
