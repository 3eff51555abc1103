package respool

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	perrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
)

// Pooled wraps a resource handed out by a Pool. Exactly one of the pool's
// free list or the caller owns it at any time; callers return it with
// Release and never share it.
type Pooled[T any] struct {
	Resource T

	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	healthy   bool
}

// Age returns how long ago the resource was created
func (p *Pooled[T]) Age() time.Duration { return time.Since(p.createdAt) }

// UseCount returns how many times the resource has been acquired
func (p *Pooled[T]) UseCount() int64 { return p.useCount }

// Config holds pool settings
type Config struct {
	Name            string
	MaxPoolSize     int
	MaxIdle         int
	MaxResourceAge  time.Duration
	CleanupInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 32
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 16
	}
	if c.MaxResourceAge == 0 {
		c.MaxResourceAge = 5 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 30 * time.Second
	}
}

// PoolStats is a snapshot of pool state
type PoolStats struct {
	Name        string
	Idle        int
	Outstanding int
	Capacity    int
	Created     int64
	Reused      int64
	Destroyed   int64
	Invalidated int64
}

// ReuseRatio returns the fraction of acquisitions served from the free list
func (s PoolStats) ReuseRatio() float64 {
	total := s.Created + s.Reused
	if total == 0 {
		return 0
	}
	return float64(s.Reused) / float64(total)
}

// Pool is a generic resource pool. Acquire prefers the free list over the
// factory; Release revalidates before reinsertion. A background sweep evicts
// expired idle entries and lazily invalidates expired outstanding ones.
type Pool[T any] struct {
	config    Config
	factory   func() (T, error)
	validator func(T) bool
	cleanup   func(T) error
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	idle        []*Pooled[T]
	outstanding map[*Pooled[T]]struct{}
	closed      bool

	created     int64
	reused      int64
	destroyed   int64
	invalidated int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool and starts its cleanup sweep. factory is required;
// validator and cleanup may be nil. metrics may be nil.
func NewPool[T any](cfg Config, factory func() (T, error), validator func(T) bool, cleanup func(T) error, m *metrics.Metrics, logger *zap.Logger) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("pool %q: factory is required", cfg.Name)
	}
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool[T]{
		config:      cfg,
		factory:     factory,
		validator:   validator,
		cleanup:     cleanup,
		logger:      logger.Named("respool").With(zap.String("pool", cfg.Name)),
		metrics:     m,
		outstanding: make(map[*Pooled[T]]struct{}),
		stopCh:      make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop()

	return p, nil
}

// Name returns the pool name
func (p *Pool[T]) Name() string { return p.config.Name }

// Acquire returns a pooled resource, reusing an idle one when a valid entry
// exists and constructing otherwise. Returns ErrPoolExhausted when every
// slot is outstanding.
func (p *Pool[T]) Acquire() (*Pooled[T], error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, perrors.ErrPoolClosed
	}

	// Newest idle entry first; expired or invalid ones are destroyed on
	// the way past.
	for n := len(p.idle); n > 0; n = len(p.idle) {
		pr := p.idle[n-1]
		p.idle = p.idle[:n-1]

		if !p.validLocked(pr) {
			p.destroyLocked(pr)
			continue
		}

		pr.lastUsed = time.Now()
		pr.useCount++
		p.reused++
		p.outstanding[pr] = struct{}{}
		p.mu.Unlock()
		p.recordAcquire("reuse")
		return pr, nil
	}

	if len(p.outstanding) >= p.config.MaxPoolSize {
		p.mu.Unlock()
		return nil, perrors.ErrPoolExhausted
	}
	p.mu.Unlock()

	res, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("pool %q: factory failed: %w", p.config.Name, err)
	}

	now := time.Now()
	pr := &Pooled[T]{
		Resource:  res,
		createdAt: now,
		lastUsed:  now,
		useCount:  1,
		healthy:   true,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyResource(res)
		return nil, perrors.ErrPoolClosed
	}
	p.created++
	p.outstanding[pr] = struct{}{}
	p.mu.Unlock()

	p.recordAcquire("new")
	return pr, nil
}

// Release returns a resource to the pool. Invalid, expired, or surplus
// entries are destroyed instead of reinserted.
func (p *Pool[T]) Release(pr *Pooled[T]) {
	if pr == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.outstanding[pr]; !ok {
		p.mu.Unlock()
		p.logger.Warn("release of resource the pool does not own")
		return
	}
	delete(p.outstanding, pr)

	if p.closed || !p.validLocked(pr) || len(p.idle) >= p.config.MaxIdle {
		p.destroyLocked(pr)
		p.mu.Unlock()
		p.recordRelease("destroyed")
		return
	}

	pr.lastUsed = time.Now()
	p.idle = append(p.idle, pr)
	p.mu.Unlock()
	p.recordRelease("reused")
}

// validLocked must be called with mu held
func (p *Pool[T]) validLocked(pr *Pooled[T]) bool {
	if !pr.healthy {
		return false
	}
	if time.Since(pr.createdAt) > p.config.MaxResourceAge {
		return false
	}
	if p.validator != nil && !p.validator(pr.Resource) {
		p.invalidated++
		return false
	}
	return true
}

// destroyLocked must be called with mu held
func (p *Pool[T]) destroyLocked(pr *Pooled[T]) {
	p.destroyed++
	p.destroyResource(pr.Resource)
}

func (p *Pool[T]) destroyResource(res T) {
	if p.cleanup == nil {
		return
	}
	if err := p.cleanup(res); err != nil {
		p.logger.Warn("resource cleanup failed", zap.Error(err))
	}
}

func (p *Pool[T]) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.CleanupExpired()
		case <-p.stopCh:
			return
		}
	}
}

// CleanupExpired evicts expired or invalid idle entries and marks expired
// outstanding entries unhealthy so they are destroyed on release.
func (p *Pool[T]) CleanupExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	kept := p.idle[:0]
	for _, pr := range p.idle {
		if p.validLocked(pr) {
			kept = append(kept, pr)
			continue
		}
		p.destroyLocked(pr)
		evicted++
	}
	p.idle = kept

	for pr := range p.outstanding {
		if time.Since(pr.createdAt) > p.config.MaxResourceAge {
			pr.healthy = false
		}
	}

	if evicted > 0 {
		p.logger.Debug("expired resources evicted", zap.Int("count", evicted))
	}
	return evicted
}

// Stats returns a snapshot of pool state
func (p *Pool[T]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Name:        p.config.Name,
		Idle:        len(p.idle),
		Outstanding: len(p.outstanding),
		Capacity:    p.config.MaxPoolSize,
		Created:     p.created,
		Reused:      p.reused,
		Destroyed:   p.destroyed,
		Invalidated: p.invalidated,
	}
}

// Close stops the sweep and destroys idle resources. Outstanding resources
// are destroyed as they are released.
func (p *Pool[T]) Close() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, pr := range p.idle {
		p.destroyLocked(pr)
	}
	p.idle = nil
	return nil
}

func (p *Pool[T]) recordAcquire(source string) {
	if p.metrics != nil {
		p.metrics.RecordPoolAcquire(p.config.Name, source)
	}
}

func (p *Pool[T]) recordRelease(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordPoolRelease(p.config.Name, outcome)
	}
}
