package memory

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// GCConfig holds GC optimizer settings
type GCConfig struct {
	MinInterval        time.Duration
	PressureFloor      float64
	GrowthFloorMBps    float64
	EfficiencyWindow   int
}

func (c *GCConfig) setDefaults() {
	if c.MinInterval == 0 {
		c.MinInterval = 10 * time.Second
	}
	if c.PressureFloor == 0 {
		c.PressureFloor = 0.6
	}
	if c.GrowthFloorMBps == 0 {
		c.GrowthFloorMBps = 10
	}
	if c.EfficiencyWindow == 0 {
		c.EfficiencyWindow = 16
	}
}

type gcRun struct {
	at    time.Time
	freed int64
	took  time.Duration
}

// GCStats summarizes forced-GC history
type GCStats struct {
	Runs            int64
	TotalFreedBytes int64
	LastRun         time.Time
	LastFreedBytes  int64
	EfficiencyMBps  float64 // freed MB per second of GC time over the window
}

// GCOptimizer decides when forcing a collection is worth it: enough time
// since the last run, and either pressure at the floor or the heap growing
// fast. Actual collection is delegated to the memory optimizer.
type GCOptimizer struct {
	config    GCConfig
	optimizer *Optimizer
	logger    *zap.Logger

	mu         sync.Mutex
	lastRun    time.Time
	runs       []gcRun
	totalRuns  int64
	totalFreed int64
}

// NewGCOptimizer creates a GC optimizer bound to opt
func NewGCOptimizer(cfg GCConfig, opt *Optimizer, logger *zap.Logger) *GCOptimizer {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCOptimizer{
		config:    cfg,
		optimizer: opt,
		logger:    logger,
	}
}

// MaybeForceGC runs a collection when the gating conditions hold. Returns
// whether a collection ran.
func (g *GCOptimizer) MaybeForceGC(reason string) bool {
	g.mu.Lock()
	since := time.Since(g.lastRun)
	g.mu.Unlock()
	if since < g.config.MinInterval {
		return false
	}

	pressure := g.optimizer.Pressure()
	trend := g.optimizer.TrendMBps()
	if pressure < g.config.PressureFloor && trend < g.config.GrowthFloorMBps {
		return false
	}

	start := time.Now()
	freed := g.optimizer.ForceGC(reason)
	g.record(freed, time.Since(start))
	return true
}

func (g *GCOptimizer) record(freed int64, took time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastRun = time.Now()
	g.totalRuns++
	g.totalFreed += freed
	g.runs = append(g.runs, gcRun{at: g.lastRun, freed: freed, took: took})
	if len(g.runs) > g.config.EfficiencyWindow {
		g.runs = g.runs[len(g.runs)-g.config.EfficiencyWindow:]
	}
}

// Stats returns a snapshot of forced-GC history
func (g *GCOptimizer) Stats() GCStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := GCStats{
		Runs:            g.totalRuns,
		TotalFreedBytes: g.totalFreed,
		LastRun:         g.lastRun,
	}
	if n := len(g.runs); n > 0 {
		stats.LastFreedBytes = g.runs[n-1].freed

		var freed int64
		var took time.Duration
		for _, r := range g.runs {
			freed += r.freed
			took += r.took
		}
		if took > 0 {
			stats.EfficiencyMBps = float64(freed) / (1024 * 1024) / took.Seconds()
		}
	}
	return stats
}
