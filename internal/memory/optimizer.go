package memory

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
)

// extremePressure is the level at which the buffer pool is dropped wholesale
const extremePressure = 0.95

// Config holds memory optimizer settings
type Config struct {
	MaxMemoryBytes    int64
	SampleInterval    time.Duration
	PressureThreshold float64
	CriticalThreshold float64
	TrendWindow       int
	GCMinInterval     time.Duration
	GCPressureFloor   float64
	MinChunkSize      int64
	MaxChunkSize      int64
}

func (c *Config) setDefaults() {
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = 1024 * 1024 * 1024 // 1GB
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = time.Second
	}
	if c.PressureThreshold == 0 {
		c.PressureThreshold = 0.75
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = 0.9
	}
	if c.TrendWindow == 0 {
		c.TrendWindow = 60
	}
	if c.GCMinInterval == 0 {
		c.GCMinInterval = 10 * time.Second
	}
	if c.GCPressureFloor == 0 {
		c.GCPressureFloor = 0.6
	}
	if c.MinChunkSize == 0 {
		c.MinChunkSize = 64 * 1024
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = 16 * 1024 * 1024
	}
}

// SizeRecommendation is the advisory result of GetAdaptiveChunkSize
type SizeRecommendation struct {
	RecommendedSize int64
	Reason          string
	Pressure        float64
}

// OptimizerStats is a snapshot of optimizer state
type OptimizerStats struct {
	Pressure       float64
	TrendMBps      float64
	HeapBytes      int64
	MaxMemoryBytes int64
	ForcedGCs      int64
	BufferPool     BufferPoolStats
}

type memSample struct {
	at   time.Time
	heap int64
}

// Optimizer samples process memory, derives pressure and trend signals,
// recommends chunk sizes, and owns the shared buffer pool.
type Optimizer struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	buffers *BufferPool

	gcLimiter *rate.Limiter
	forcedGCs int64

	mu        sync.RWMutex
	samples   []memSample
	head      int
	count     int
	pressure  float64
	trendMBps float64
	heapBytes int64

	readMemStats func(*runtime.MemStats)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOptimizer creates a memory optimizer. bus and m may be nil.
func NewOptimizer(cfg Config, buffers *BufferPool, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Optimizer {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffers == nil {
		buffers = NewBufferPool(0, m, logger)
	}
	return &Optimizer{
		config:       cfg,
		logger:       logger,
		metrics:      m,
		bus:          bus,
		buffers:      buffers,
		gcLimiter:    rate.NewLimiter(rate.Every(cfg.GCMinInterval), 1),
		samples:      make([]memSample, cfg.TrendWindow),
		readMemStats: runtime.ReadMemStats,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the background sampler
func (o *Optimizer) Start() {
	o.wg.Add(1)
	go o.sampleLoop()
	o.logger.Info("memory optimizer started",
		zap.Int64("max_memory_bytes", o.config.MaxMemoryBytes),
		zap.Duration("sample_interval", o.config.SampleInterval))
}

// Stop halts the sampler and waits for it to exit
func (o *Optimizer) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.wg.Wait()
}

func (o *Optimizer) sampleLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.sampleOnce()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Optimizer) sampleOnce() {
	var ms runtime.MemStats
	o.readMemStats(&ms)
	o.observe(int64(ms.HeapAlloc), time.Now())
}

// observe records one heap sample and propagates derived signals. Split from
// sampleOnce so state transitions can be driven deterministically in tests.
func (o *Optimizer) observe(heap int64, now time.Time) {
	o.mu.Lock()
	o.samples[o.head] = memSample{at: now, heap: heap}
	o.head = (o.head + 1) % len(o.samples)
	if o.count < len(o.samples) {
		o.count++
	}

	pressure := float64(heap) / float64(o.config.MaxMemoryBytes)
	if pressure < 0 {
		pressure = 0
	}
	if pressure > 1 {
		pressure = 1
	}
	o.pressure = pressure
	o.heapBytes = heap

	if o.count >= 2 {
		oldestIdx := (o.head - o.count + len(o.samples)) % len(o.samples)
		oldest := o.samples[oldestIdx]
		dt := now.Sub(oldest.at).Seconds()
		if dt > 0 {
			o.trendMBps = float64(heap-oldest.heap) / (1024 * 1024) / dt
		}
	}
	trend := o.trendMBps
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.UpdateMemoryStats(pressure, heap, trend)
	}

	if pressure >= extremePressure {
		o.buffers.Clear()
	}
	if o.bus != nil {
		if pressure > o.config.PressureThreshold {
			o.bus.Publish(events.Event{
				Type:     events.TypeMemoryPressure,
				Pressure: pressure,
				Bytes:    heap,
			})
		}
		if pressure > o.config.CriticalThreshold {
			o.bus.Publish(events.Event{
				Type:     events.TypeMemoryCritical,
				Pressure: pressure,
				Bytes:    heap,
			})
		}
	}
}

// Pressure returns current memory pressure in [0,1]
func (o *Optimizer) Pressure() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pressure
}

// TrendMBps returns the heap growth rate over the sampling window
func (o *Optimizer) TrendMBps() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.trendMBps
}

// HeapBytes returns the most recent heap sample
func (o *Optimizer) HeapBytes() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.heapBytes
}

// Buffers returns the shared buffer pool
func (o *Optimizer) Buffers() *BufferPool {
	return o.buffers
}

// GetAdaptiveChunkSize recommends a chunk size starting from base, adjusted
// for current pressure and trend, divided by data complexity, and clamped to
// the configured bounds.
func (o *Optimizer) GetAdaptiveChunkSize(base int64, complexity float64) SizeRecommendation {
	if base <= 0 {
		base = (o.config.MinChunkSize + o.config.MaxChunkSize) / 2
	}
	if complexity < 1 {
		complexity = 1
	}

	o.mu.RLock()
	pressure := o.pressure
	trend := o.trendMBps
	o.mu.RUnlock()

	size := float64(base)
	reason := "baseline"

	switch {
	case pressure >= extremePressure:
		size *= 0.25
		reason = "extreme memory pressure"
	case pressure > o.config.PressureThreshold:
		size *= 1 - pressure
		reason = "high memory pressure"
	case trend > 5:
		size *= 0.8
		reason = "rising memory trend"
	case pressure < 0.3 && trend < 1 && trend > -1:
		size *= 1.25
		reason = "low memory pressure"
	}

	size /= complexity

	result := int64(size)
	if result < o.config.MinChunkSize {
		result = o.config.MinChunkSize
	}
	if result > o.config.MaxChunkSize {
		result = o.config.MaxChunkSize
	}

	return SizeRecommendation{
		RecommendedSize: result,
		Reason:          reason,
		Pressure:        pressure,
	}
}

// TryForceGC runs a garbage collection only when pressure has reached the
// configured floor and the minimum interval since the last run has elapsed.
// Returns the freed byte estimate and whether a collection ran.
func (o *Optimizer) TryForceGC(reason string) (int64, bool) {
	if o.Pressure() < o.config.GCPressureFloor {
		return 0, false
	}
	if !o.gcLimiter.Allow() {
		return 0, false
	}
	return o.runGC(reason), true
}

// ForceGC runs a garbage collection unconditionally. Reserved for emergency
// recovery; routine callers use TryForceGC.
func (o *Optimizer) ForceGC(reason string) int64 {
	return o.runGC(reason)
}

func (o *Optimizer) runGC(reason string) int64 {
	var before, after runtime.MemStats
	o.readMemStats(&before)
	start := time.Now()
	runtime.GC()
	o.readMemStats(&after)

	freed := int64(before.HeapAlloc) - int64(after.HeapAlloc)
	if freed < 0 {
		freed = 0
	}
	atomic.AddInt64(&o.forcedGCs, 1)
	if o.metrics != nil {
		o.metrics.RecordForcedGC()
	}
	o.logger.Info("forced garbage collection",
		zap.String("reason", reason),
		zap.Int64("freed_bytes", freed),
		zap.Duration("took", time.Since(start)))

	o.observe(int64(after.HeapAlloc), time.Now())
	return freed
}

// Stats returns a snapshot of optimizer state
func (o *Optimizer) Stats() OptimizerStats {
	o.mu.RLock()
	pressure := o.pressure
	trend := o.trendMBps
	heap := o.heapBytes
	o.mu.RUnlock()

	return OptimizerStats{
		Pressure:       pressure,
		TrendMBps:      trend,
		HeapBytes:      heap,
		MaxMemoryBytes: o.config.MaxMemoryBytes,
		ForcedGCs:      atomic.LoadInt64(&o.forcedGCs),
		BufferPool:     o.buffers.Stats(),
	}
}
