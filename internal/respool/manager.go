package respool

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/memory"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
)

// Handle is the type-erased surface the manager keeps per pool
type Handle interface {
	Name() string
	Stats() PoolStats
	CleanupExpired() int
	Close() error
}

// Manager indexes named pools and shares one GC optimizer across their
// cleanup cycles.
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]Handle
	gc     *memory.GCOptimizer
	logger *zap.Logger
}

// NewManager creates a pool manager. gc may be nil.
func NewManager(gc *memory.GCOptimizer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pools:  make(map[string]Handle),
		gc:     gc,
		logger: logger.Named("respool"),
	}
}

// Register adds a pool under its name. Registration is rejected when the
// name is taken.
func (m *Manager) Register(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[h.Name()]; exists {
		return fmt.Errorf("pool %q already registered", h.Name())
	}
	m.pools[h.Name()] = h
	m.logger.Info("resource pool registered", zap.String("pool", h.Name()))
	return nil
}

// Get returns the named pool handle
func (m *Manager) Get(name string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.pools[name]
	return h, ok
}

// Stats returns per-pool snapshots keyed by pool name
func (m *Manager) Stats() map[string]PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]PoolStats, len(m.pools))
	for name, h := range m.pools {
		out[name] = h.Stats()
	}
	return out
}

// CleanupAll sweeps every pool and lets the GC optimizer decide whether the
// evictions justify a collection. Returns total evicted entries.
func (m *Manager) CleanupAll() int {
	m.mu.RLock()
	handles := make([]Handle, 0, len(m.pools))
	for _, h := range m.pools {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	evicted := 0
	for _, h := range handles {
		evicted += h.CleanupExpired()
	}
	if evicted > 0 && m.gc != nil {
		m.gc.MaybeForceGC("resource pool cleanup")
	}
	return evicted
}

// CloseAll closes every pool, aggregating errors
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	handles := make([]Handle, 0, len(m.pools))
	for name, h := range m.pools {
		handles = append(handles, h)
		delete(m.pools, name)
	}
	m.mu.Unlock()

	var err error
	for _, h := range handles {
		err = multierr.Append(err, h.Close())
	}
	return err
}

// RegisterPool builds a typed pool and registers it with the manager in one
// step.
func RegisterPool[T any](m *Manager, cfg Config, factory func() (T, error), validator func(T) bool, cleanup func(T) error, met *metrics.Metrics, logger *zap.Logger) (*Pool[T], error) {
	p, err := NewPool(cfg, factory, validator, cleanup, met, logger)
	if err != nil {
		return nil, err
	}
	if err := m.Register(p); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}
