package breaker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
)

// SystemHealth aggregates the states of all registered breakers
type SystemHealth struct {
	Total    int
	Closed   int
	Open     int
	HalfOpen int
	// Ratio is closed/total, 1.0 when no breakers exist
	Ratio float64
}

// Healthy reports whether every circuit is currently closed
func (h SystemHealth) Healthy() bool { return h.Ratio == 1.0 }

// Manager indexes circuit breakers by operation name. Registration is
// idempotent; each name gets exactly one breaker for the process lifetime.
type Manager struct {
	defaults Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	bus      *events.Bus

	mu       sync.RWMutex
	breakers map[string]*Breaker
	stopped  bool
}

// NewManager creates a breaker manager. New breakers inherit defaults.
func NewManager(defaults Config, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Manager {
	defaults.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		defaults: defaults,
		logger:   logger,
		metrics:  m,
		bus:      bus,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker for name, creating it on first use
func (m *Manager) GetOrCreate(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, m.defaults, m.bus, m.metrics, m.logger)
	m.breakers[name] = b
	m.logger.Debug("created circuit breaker", zap.String("name", name))
	return b
}

// Get returns the breaker for name without creating one
func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// Execute runs op through the named breaker
func (m *Manager) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	return m.GetOrCreate(name).Execute(ctx, op)
}

// SystemHealth reports the aggregate state of all breakers
func (m *Manager) SystemHealth() SystemHealth {
	m.mu.RLock()
	snapshot := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		snapshot = append(snapshot, b)
	}
	m.mu.RUnlock()

	health := SystemHealth{Total: len(snapshot), Ratio: 1.0}
	for _, b := range snapshot {
		switch b.State() {
		case StateClosed:
			health.Closed++
		case StateOpen:
			health.Open++
		case StateHalfOpen:
			health.HalfOpen++
		}
	}
	if health.Total > 0 {
		health.Ratio = float64(health.Closed) / float64(health.Total)
	}
	return health
}

// AllStats returns a snapshot of every registered breaker
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	snapshot := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		snapshot = append(snapshot, b)
	}
	m.mu.RUnlock()

	stats := make(map[string]Stats, len(snapshot))
	for _, b := range snapshot {
		stats[b.Name()] = b.Stats()
	}
	return stats
}

// ForceAllClosed resets every breaker to closed. Used by emergency recovery.
func (m *Manager) ForceAllClosed() {
	m.mu.RLock()
	snapshot := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		snapshot = append(snapshot, b)
	}
	m.mu.RUnlock()

	for _, b := range snapshot {
		b.ForceClose()
	}
	if len(snapshot) > 0 {
		m.logger.Warn("forced all circuits closed", zap.Int("count", len(snapshot)))
	}
}

// Stop terminates every breaker's owner goroutine
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	snapshot := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		snapshot = append(snapshot, b)
	}
	m.mu.Unlock()

	for _, b := range snapshot {
		b.Stop()
	}
}
