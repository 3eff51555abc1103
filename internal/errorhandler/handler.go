// Package errorhandler wraps operations with category-driven retries,
// circuit-breaker routing, and resource tracking. Classification picks
// the strategy; the strategy decides the retry budget, the backoff
// profile, and any relief action taken before the next attempt.
package errorhandler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/breaker"
	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/memory"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
	"github.com/Mrassimo/datapilot-sub015/internal/respool"
)

// Config holds retry and health-threshold settings
type Config struct {
	// MaxRetries bounds retries per call for retryable categories
	MaxRetries int
	// BaseDelay seeds the exponential backoff
	BaseDelay time.Duration
	// MaxDelay caps a single backoff interval
	MaxDelay time.Duration
	// WorkerRetryDelay is the fixed delay for worker-category retries
	WorkerRetryDelay time.Duration
	// RecentErrorSpan is the window health thresholds look at
	RecentErrorSpan time.Duration
	// RecentErrorsCap bounds the last-errors ring
	RecentErrorsCap int
	// DegradedErrors / UnhealthyErrors are recent-error counts that
	// flip the health state
	DegradedErrors  int
	UnhealthyErrors int
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.WorkerRetryDelay <= 0 {
		c.WorkerRetryDelay = 250 * time.Millisecond
	}
	if c.RecentErrorSpan <= 0 {
		c.RecentErrorSpan = time.Minute
	}
	if c.RecentErrorsCap <= 0 {
		c.RecentErrorsCap = 32
	}
	if c.DegradedErrors <= 0 {
		c.DegradedErrors = 5
	}
	if c.UnhealthyErrors <= 0 {
		c.UnhealthyErrors = 20
	}
}

// Operation is a unit of work the handler can retry
type Operation func(ctx context.Context) (interface{}, error)

type callOptions struct {
	breakerName  string
	resourceType string
	resourceID   string
	cleanup      func() error
}

// Option adjusts a single Execute call
type Option func(*callOptions)

// WithBreaker routes the call through the named circuit breaker
func WithBreaker(name string) Option {
	return func(o *callOptions) { o.breakerName = name }
}

// WithTracking registers the call with the leak detector for its
// duration. cleanup runs if the handle is force-cleaned while leaked.
func WithTracking(resourceType, id string, cleanup func() error) Option {
	return func(o *callOptions) {
		o.resourceType = resourceType
		o.resourceID = id
		o.cleanup = cleanup
	}
}

// ErrorRecord is one entry in the last-errors ring
type ErrorRecord struct {
	At       time.Time
	Op       string
	Category Category
	Message  string
}

// strategy is the per-category recovery plan
type strategy struct {
	maxRetries int
	fixedDelay time.Duration // overrides exponential backoff when set
	prepare    func()        // relief action before the next attempt
}

// Handler retries operations according to their error category.
// breakers, leaks, mem, and m may be nil; the matching features are
// then skipped.
type Handler struct {
	config   Config
	breakers *breaker.Manager
	leaks    *respool.LeakDetector
	memory   *memory.Optimizer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu           sync.RWMutex
	totalErrors  uint64
	totalRetries uint64
	recovered    uint64 // sequences that succeeded after at least one retry
	exhausted    uint64 // sequences that retried and still failed
	byCategory   map[Category]uint64
	recent       []ErrorRecord
	next         int
}

// New creates an error handler
func New(cfg Config, breakers *breaker.Manager, leaks *respool.LeakDetector, mem *memory.Optimizer, m *metrics.Metrics, logger *zap.Logger) *Handler {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		config:     cfg,
		breakers:   breakers,
		leaks:      leaks,
		memory:     mem,
		metrics:    m,
		logger:     logger.Named("errorhandler"),
		byCategory: make(map[Category]uint64),
		recent:     make([]ErrorRecord, 0, cfg.RecentErrorsCap),
	}
}

// Execute runs op, retrying per the category strategy of each failure.
// The returned error is the last attempt's error, unwrapped, so sentinel
// checks like circuit-open stay cheap for callers.
func (h *Handler) Execute(ctx context.Context, opName string, op Operation, opts ...Option) (interface{}, error) {
	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}

	if h.leaks != nil && call.resourceType != "" {
		h.leaks.Track(call.resourceType, call.resourceID, call.cleanup)
		defer h.leaks.Untrack(call.resourceType, call.resourceID)
	}

	bo := h.newBackOff()
	var attempts int
	for {
		value, err := h.invoke(ctx, call.breakerName, op)
		if err == nil {
			if attempts > 0 {
				h.recordOutcome(true)
				h.logger.Info("operation recovered",
					zap.String("op", opName),
					zap.Int("retries", attempts))
			}
			return value, nil
		}

		cat := Classify(err)
		h.recordError(opName, cat, err)

		strat := h.strategyFor(cat)
		if attempts >= strat.maxRetries || !xerrors.IsRetryable(err) {
			if attempts > 0 {
				h.recordOutcome(false)
			}
			return nil, err
		}

		if strat.prepare != nil {
			strat.prepare()
		}
		delay := strat.fixedDelay
		if delay <= 0 {
			if delay = bo.NextBackOff(); delay == backoff.Stop {
				if attempts > 0 {
					h.recordOutcome(false)
				}
				return nil, err
			}
		}

		attempts++
		h.recordRetry()
		h.logger.Warn("retrying after error",
			zap.String("op", opName),
			zap.String("category", string(cat)),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.recordOutcome(false)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (h *Handler) invoke(ctx context.Context, breakerName string, op Operation) (interface{}, error) {
	if breakerName == "" || h.breakers == nil {
		return op(ctx)
	}
	var value interface{}
	err := h.breakers.Execute(ctx, breakerName, func(c context.Context) error {
		v, err := op(c)
		if err == nil {
			value = v
		}
		return err
	})
	return value, err
}

func (h *Handler) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.config.BaseDelay
	bo.MaxInterval = h.config.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (h *Handler) strategyFor(cat Category) strategy {
	switch cat {
	case CategoryMemory:
		return strategy{maxRetries: h.config.MaxRetries, prepare: h.relieveMemory}
	case CategoryWorker:
		return strategy{maxRetries: h.config.MaxRetries, fixedDelay: h.config.WorkerRetryDelay}
	case CategoryFilesystem, CategoryNetwork:
		return strategy{maxRetries: h.config.MaxRetries}
	case CategoryTimeout, CategoryUnknown:
		return strategy{maxRetries: 1}
	default:
		// Circuit-open and validation failures never benefit from a retry.
		return strategy{}
	}
}

// relieveMemory frees what it can before a memory-category retry
func (h *Handler) relieveMemory() {
	if h.memory == nil {
		return
	}
	var buffers int
	var bufferBytes int64
	if pool := h.memory.Buffers(); pool != nil {
		buffers, bufferBytes = pool.Clear()
	}
	freed, ran := h.memory.TryForceGC("error recovery")
	h.logger.Info("memory relief before retry",
		zap.Int("buffers_cleared", buffers),
		zap.Int64("buffer_bytes", bufferBytes),
		zap.Bool("gc_ran", ran),
		zap.Int64("gc_freed_bytes", freed))
}

func (h *Handler) recordError(opName string, cat Category, err error) {
	if h.metrics != nil {
		h.metrics.RecordError(string(cat))
	}
	rec := ErrorRecord{At: time.Now(), Op: opName, Category: cat, Message: err.Error()}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalErrors++
	h.byCategory[cat]++
	if len(h.recent) < h.config.RecentErrorsCap {
		h.recent = append(h.recent, rec)
	} else {
		h.recent[h.next] = rec
	}
	h.next = (h.next + 1) % h.config.RecentErrorsCap
}

func (h *Handler) recordRetry() {
	if h.metrics != nil {
		h.metrics.RecordRecovery("attempted")
	}
	h.mu.Lock()
	h.totalRetries++
	h.mu.Unlock()
}

func (h *Handler) recordOutcome(success bool) {
	h.mu.Lock()
	if success {
		h.recovered++
	} else {
		h.exhausted++
	}
	h.mu.Unlock()

	if h.metrics == nil {
		return
	}
	if success {
		h.metrics.RecordRecovery("success")
	} else {
		h.metrics.RecordRecovery("exhausted")
	}
}

// RecentErrors returns the last-errors ring in chronological order
func (h *Handler) RecentErrors() []ErrorRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ErrorRecord, 0, len(h.recent))
	if len(h.recent) < h.config.RecentErrorsCap {
		return append(out, h.recent...)
	}
	out = append(out, h.recent[h.next:]...)
	return append(out, h.recent[:h.next]...)
}

// ResetMetrics clears all counters and the last-errors ring
func (h *Handler) ResetMetrics() {
	h.mu.Lock()
	h.totalErrors = 0
	h.totalRetries = 0
	h.recovered = 0
	h.exhausted = 0
	h.byCategory = make(map[Category]uint64)
	h.recent = h.recent[:0]
	h.next = 0
	h.mu.Unlock()

	h.logger.Info("error metrics reset")
}
