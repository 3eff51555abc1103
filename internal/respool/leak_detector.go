package respool

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
)

// Severity classifies how overdue a tracked resource is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityForAge maps age as a multiple of maxAge onto a severity
func severityForAge(age, maxAge time.Duration) Severity {
	ratio := float64(age) / float64(maxAge)
	switch {
	case ratio >= 10:
		return SeverityCritical
	case ratio >= 5:
		return SeverityHigh
	case ratio >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// escalate bumps a severity one level when leak counts pile up
func escalate(s Severity) Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

type trackedResource struct {
	resourceType string
	id           string
	createdAt    time.Time
	cleanup      func() error
	cleanupOnce  sync.Once
	lastSeverity Severity
}

// Leak describes one overdue handle found by a scan
type Leak struct {
	ResourceType string
	ID           string
	Age          time.Duration
	Severity     Severity
}

// ResourceStats summarizes detector state
type ResourceStats struct {
	Tracked         int
	TrackedByType   map[string]int
	PotentialLeaks  int
	LeaksBySeverity map[Severity]int64
	ForcedCleanups  int64
}

// LeakDetectorConfig holds detector settings
type LeakDetectorConfig struct {
	ScanInterval time.Duration
	MaxAge       time.Duration
	CountWarning int
}

func (c *LeakDetectorConfig) setDefaults() {
	if c.ScanInterval == 0 {
		c.ScanInterval = 30 * time.Second
	}
	if c.MaxAge == 0 {
		c.MaxAge = 2 * time.Minute
	}
	if c.CountWarning == 0 {
		c.CountWarning = 100
	}
}

// LeakDetector tracks the lifecycle of arbitrary handles by (type, id) and
// flags those outstanding past their expected lifetime.
type LeakDetector struct {
	config  LeakDetectorConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus

	mu              sync.Mutex
	resources       map[string]*trackedResource
	leaksBySeverity map[Severity]int64
	forcedCleanups  int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLeakDetector creates a leak detector. bus and m may be nil.
func NewLeakDetector(cfg LeakDetectorConfig, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *LeakDetector {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeakDetector{
		config:          cfg,
		logger:          logger.Named("leakdetector"),
		metrics:         m,
		bus:             bus,
		resources:       make(map[string]*trackedResource),
		leaksBySeverity: make(map[Severity]int64),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the periodic scan
func (d *LeakDetector) Start() {
	d.wg.Add(1)
	go d.scanLoop()
}

// Stop halts the scan loop
func (d *LeakDetector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

func resourceKey(resourceType, id string) string {
	return resourceType + "/" + id
}

// Track registers a handle. cleanup runs at most once, either through
// Untrack-less emergency cleanup or ForceCleanupAll.
func (d *LeakDetector) Track(resourceType, id string, cleanup func() error) {
	d.mu.Lock()
	d.resources[resourceKey(resourceType, id)] = &trackedResource{
		resourceType: resourceType,
		id:           id,
		createdAt:    time.Now(),
		cleanup:      cleanup,
	}
	tracked := len(d.resources)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.TrackedResources.Set(float64(tracked))
	}
}

// Untrack removes a handle, reporting whether it was known
func (d *LeakDetector) Untrack(resourceType, id string) bool {
	d.mu.Lock()
	key := resourceKey(resourceType, id)
	_, ok := d.resources[key]
	delete(d.resources, key)
	tracked := len(d.resources)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.TrackedResources.Set(float64(tracked))
	}
	return ok
}

func (d *LeakDetector) scanLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Scan()
		case <-d.stopCh:
			return
		}
	}
}

// Scan inspects tracked handles and reports those older than MaxAge. A leak
// is re-reported only when its severity escalates.
func (d *LeakDetector) Scan() []Leak {
	now := time.Now()

	d.mu.Lock()
	var overdueRes []*trackedResource
	for _, r := range d.resources {
		if now.Sub(r.createdAt) > d.config.MaxAge {
			overdueRes = append(overdueRes, r)
		}
	}
	overdue := len(overdueRes)
	countAlarm := overdue > d.config.CountWarning

	var leaks []Leak
	var fresh []Leak
	for _, r := range overdueRes {
		age := now.Sub(r.createdAt)
		sev := severityForAge(age, d.config.MaxAge)
		if countAlarm {
			sev = escalate(sev)
		}
		l := Leak{ResourceType: r.resourceType, ID: r.id, Age: age, Severity: sev}
		leaks = append(leaks, l)
		if sev != r.lastSeverity {
			r.lastSeverity = sev
			fresh = append(fresh, l)
			d.leaksBySeverity[sev]++
		}
	}
	d.mu.Unlock()

	for _, l := range fresh {
		if d.metrics != nil {
			d.metrics.RecordLeak(string(l.Severity))
		}
		if d.bus != nil {
			d.bus.Publish(events.Event{
				Type:     events.TypeLeakDetected,
				Name:     l.ResourceType,
				Detail:   l.ID,
				Duration: l.Age,
				Count:    int64(overdue),
			})
		}
		d.logger.Warn("potential resource leak",
			zap.String("resource_type", l.ResourceType),
			zap.String("id", l.ID),
			zap.Duration("age", l.Age),
			zap.String("severity", string(l.Severity)))
	}
	if countAlarm {
		d.logger.Error("outstanding resources exceed warning count",
			zap.Int("overdue", overdue),
			zap.Int("warning_at", d.config.CountWarning))
	}
	return leaks
}

// ResourceStats returns a snapshot of detector state
func (d *LeakDetector) ResourceStats() ResourceStats {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	stats := ResourceStats{
		Tracked:         len(d.resources),
		TrackedByType:   make(map[string]int),
		LeaksBySeverity: make(map[Severity]int64, len(d.leaksBySeverity)),
		ForcedCleanups:  d.forcedCleanups,
	}
	for _, r := range d.resources {
		stats.TrackedByType[r.resourceType]++
		if now.Sub(r.createdAt) > d.config.MaxAge {
			stats.PotentialLeaks++
		}
	}
	for sev, n := range d.leaksBySeverity {
		stats.LeaksBySeverity[sev] = n
	}
	return stats
}

// ForceCleanupAll invokes every tracked handle's cleanup exactly once and
// clears the registry. Errors are aggregated, never short-circuit.
func (d *LeakDetector) ForceCleanupAll() (int, error) {
	d.mu.Lock()
	snapshot := make([]*trackedResource, 0, len(d.resources))
	for key, r := range d.resources {
		snapshot = append(snapshot, r)
		delete(d.resources, key)
	}
	d.forcedCleanups += int64(len(snapshot))
	d.mu.Unlock()

	var err error
	cleaned := 0
	for _, r := range snapshot {
		if r.cleanup == nil {
			continue
		}
		r.cleanupOnce.Do(func() {
			if cerr := r.cleanup(); cerr != nil {
				err = multierr.Append(err, cerr)
				return
			}
			cleaned++
		})
	}

	if d.metrics != nil {
		d.metrics.TrackedResources.Set(0)
	}
	if len(snapshot) > 0 {
		d.logger.Info("forced cleanup of tracked resources",
			zap.Int("tracked", len(snapshot)),
			zap.Int("cleaned", cleaned),
			zap.Error(err))
	}
	return len(snapshot), err
}
