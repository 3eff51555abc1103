package workerpool

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/model"
)

// MonitorConfig holds health monitor settings
type MonitorConfig struct {
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	MaxMissedHeartbeats int
	// AutoRecovery enables replacement of unresponsive workers
	AutoRecovery bool
	// GracePeriod is how long a worker stays unresponsive before replacement
	GracePeriod time.Duration
	// MemoryCeiling mirrors the pool's soft per-worker limit in bytes
	MemoryCeiling int64
}

func (c *MonitorConfig) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
}

type probeResult struct {
	workerID string
	reply    HeartbeatReply
	rtt      time.Duration
	ok       bool
}

type probeFunc func(w *worker, timeout time.Duration, cancel <-chan struct{}) (HeartbeatReply, bool)

type healthQuery struct {
	workerID string
	reply    chan healthReply
}

type healthReply struct {
	health model.WorkerHealth
	ok     bool
}

// HealthMonitor observes pool workers through periodic heartbeats and
// passive lifecycle events. All records are owned by its loop goroutine;
// accessors hand out copies.
type HealthMonitor struct {
	config MonitorConfig
	pool   *Pool
	logger *zap.Logger

	sub   *events.Subscription
	probe probeFunc // swappable for tests

	healthCh chan healthQuery
	allCh    chan chan map[string]model.WorkerHealth
	sysCh    chan chan model.SystemHealthMetrics
	roundCh  chan []probeResult

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Owned by the loop goroutine.
	records      map[string]*model.WorkerHealth
	unrespSince  map[string]time.Time
	replacements int64
	roundActive  bool
}

// NewHealthMonitor creates a monitor for the given pool. bus must be
// the bus the pool publishes on.
func NewHealthMonitor(cfg MonitorConfig, pool *Pool, bus *events.Bus, logger *zap.Logger) *HealthMonitor {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		config: cfg,
		pool:   pool,
		logger: logger.Named("healthmonitor"),
		probe:  pingWorker,
		sub: bus.Subscribe(
			events.TypeTaskStarted,
			events.TypeTaskCompleted,
			events.TypeTaskFailed,
			events.TypeWorkerStarted,
			events.TypeWorkerStopped,
			events.TypeWorkerReplaced,
			events.TypeWorkerMemory,
		),
		healthCh:    make(chan healthQuery),
		allCh:       make(chan chan map[string]model.WorkerHealth),
		sysCh:       make(chan chan model.SystemHealthMetrics),
		roundCh:     make(chan []probeResult),
		stopCh:      make(chan struct{}),
		records:     make(map[string]*model.WorkerHealth),
		unrespSince: make(map[string]time.Time),
	}
}

// Start launches the monitor loop
func (m *HealthMonitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the monitor and detaches from the bus
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.sub.Cancel()
}

// WorkerHealth returns a copy of one worker's record
func (m *HealthMonitor) WorkerHealth(workerID string) (model.WorkerHealth, bool) {
	q := healthQuery{workerID: workerID, reply: make(chan healthReply, 1)}
	select {
	case m.healthCh <- q:
		rep := <-q.reply
		return rep.health, rep.ok
	case <-m.stopCh:
		return model.WorkerHealth{}, false
	}
}

// IsHealthy reports whether a worker is currently considered healthy
func (m *HealthMonitor) IsHealthy(workerID string) bool {
	h, ok := m.WorkerHealth(workerID)
	return ok && h.IsHealthy
}

// AllWorkerHealth returns copies of every worker record
func (m *HealthMonitor) AllWorkerHealth() map[string]model.WorkerHealth {
	reply := make(chan map[string]model.WorkerHealth, 1)
	select {
	case m.allCh <- reply:
		return <-reply
	case <-m.stopCh:
		return map[string]model.WorkerHealth{}
	}
}

// SystemHealth aggregates all worker records
func (m *HealthMonitor) SystemHealth() model.SystemHealthMetrics {
	reply := make(chan model.SystemHealthMetrics, 1)
	select {
	case m.sysCh <- reply:
		return <-reply
	case <-m.stopCh:
		return model.SystemHealthMetrics{}
	}
}

func (m *HealthMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	eventsC := m.sub.C
	for {
		select {
		case <-m.stopCh:
			return

		case ev, ok := <-eventsC:
			if !ok {
				eventsC = nil
				continue
			}
			m.applyEvent(ev)

		case <-ticker.C:
			if !m.roundActive {
				m.roundActive = true
				go m.probeAll()
			}

		case results := <-m.roundCh:
			m.roundActive = false
			m.applyRound(results)

		case q := <-m.healthCh:
			rec, ok := m.records[q.workerID]
			if !ok {
				q.reply <- healthReply{}
				continue
			}
			q.reply <- healthReply{health: *rec, ok: true}

		case reply := <-m.allCh:
			out := make(map[string]model.WorkerHealth, len(m.records))
			for id, rec := range m.records {
				out[id] = *rec
			}
			reply <- out

		case reply := <-m.sysCh:
			reply <- m.systemSnapshot()
		}
	}
}

// probeAll pings every worker concurrently and delivers the round to
// the loop. Runs outside the loop goroutine so slow replies never stall
// event handling.
func (m *HealthMonitor) probeAll() {
	refs := m.pool.workerRefs()
	results := make([]probeResult, len(refs))

	var wg sync.WaitGroup
	for i, w := range refs {
		wg.Add(1)
		go func(i int, w *worker) {
			defer wg.Done()
			start := time.Now()
			rep, ok := m.probe(w, m.config.HeartbeatTimeout, m.stopCh)
			results[i] = probeResult{
				workerID: w.id,
				reply:    rep,
				rtt:      time.Since(start),
				ok:       ok,
			}
		}(i, w)
	}
	wg.Wait()

	select {
	case m.roundCh <- results:
	case <-m.stopCh:
	}
}

func (m *HealthMonitor) applyRound(results []probeResult) {
	now := time.Now()
	seen := make(map[string]bool, len(results))

	for _, r := range results {
		seen[r.workerID] = true
		rec := m.ensureRecord(r.workerID, now)

		if r.ok {
			rec.LastHeartbeat = r.reply.RepliedAt
			rec.ResponseTime = r.rtt
			rec.MissedBeats = 0
			rec.IsHealthy = true
			rec.Status = r.reply.Status
			rec.TaskCount = r.reply.TasksDone
			rec.MemoryUsage = r.reply.MemoryInUse
			delete(m.unrespSince, r.workerID)
			continue
		}

		rec.MissedBeats++
		rec.ErrorCount++
		if rec.MissedBeats < m.config.MaxMissedHeartbeats {
			continue
		}
		rec.IsHealthy = false
		rec.Status = model.WorkerStatusUnresponsive
		m.logger.Warn("worker unresponsive",
			zap.String("worker_id", r.workerID),
			zap.Int("missed_beats", rec.MissedBeats))

		if !m.config.AutoRecovery {
			continue
		}
		since, tracked := m.unrespSince[r.workerID]
		if !tracked {
			m.unrespSince[r.workerID] = now
			since = now
		}
		if now.Sub(since) >= m.config.GracePeriod {
			if m.pool.ReplaceWorker(r.workerID, "missed heartbeats") {
				delete(m.records, r.workerID)
				delete(m.unrespSince, r.workerID)
			}
		}
	}

	// Backstop for stopped-event loss: drop records the pool no longer knows.
	for id, rec := range m.records {
		if !seen[id] && now.Sub(rec.StartedAt) > m.config.HeartbeatInterval {
			delete(m.records, id)
			delete(m.unrespSince, id)
		}
	}
}

func (m *HealthMonitor) applyEvent(ev events.Event) {
	now := time.Now()
	switch ev.Type {
	case events.TypeWorkerStarted:
		m.ensureRecord(ev.WorkerID, now)

	case events.TypeWorkerStopped:
		delete(m.records, ev.WorkerID)
		delete(m.unrespSince, ev.WorkerID)

	case events.TypeWorkerReplaced:
		m.replacements++

	case events.TypeTaskStarted:
		rec := m.ensureRecord(ev.WorkerID, now)
		rec.Status = model.WorkerStatusBusy

	case events.TypeTaskCompleted:
		rec := m.ensureRecord(ev.WorkerID, now)
		rec.Status = model.WorkerStatusIdle
		rec.TaskCount++

	case events.TypeTaskFailed:
		rec := m.ensureRecord(ev.WorkerID, now)
		rec.Status = model.WorkerStatusIdle
		rec.TaskCount++
		rec.ErrorCount++

	case events.TypeWorkerMemory:
		rec := m.ensureRecord(ev.WorkerID, now)
		rec.MemoryUsage = ev.Bytes
		if m.config.MemoryCeiling > 0 && ev.Bytes > m.config.MemoryCeiling {
			m.logger.Warn("worker above memory ceiling",
				zap.String("worker_id", ev.WorkerID),
				zap.Int64("memory_bytes", ev.Bytes),
				zap.Int64("ceiling_bytes", m.config.MemoryCeiling))
		}
	}
}

func (m *HealthMonitor) ensureRecord(workerID string, now time.Time) *model.WorkerHealth {
	if rec, ok := m.records[workerID]; ok {
		return rec
	}
	rec := &model.WorkerHealth{
		WorkerID:  workerID,
		IsHealthy: true,
		Status:    model.WorkerStatusActive,
		StartedAt: now,
	}
	m.records[workerID] = rec
	return rec
}

func (m *HealthMonitor) systemSnapshot() model.SystemHealthMetrics {
	sys := model.SystemHealthMetrics{
		TotalWorkers: len(m.records),
		Replacements: m.replacements,
	}
	var totalResponse time.Duration
	var responders int
	for _, rec := range m.records {
		if rec.IsHealthy {
			sys.HealthyWorkers++
		} else {
			sys.UnhealthyWorkers++
		}
		sys.TotalErrors += rec.ErrorCount
		sys.TotalTasks += rec.TaskCount
		if rec.ResponseTime > 0 {
			totalResponse += rec.ResponseTime
			responders++
		}
		if m.config.MemoryCeiling > 0 && rec.MemoryUsage > m.config.MemoryCeiling {
			sys.OverCeilingWorkers++
		}
	}
	if responders > 0 {
		sys.AverageResponseTime = totalResponse / time.Duration(responders)
	}
	return sys
}
