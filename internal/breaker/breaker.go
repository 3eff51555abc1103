// Package breaker implements the circuit breaker pattern for engine
// operations to protect against overload and cascading failures. All
// state lives in a single owner goroutine; callers talk to it over
// channels, so no lock guards the state machine.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
)

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed - circuit is closed, calls are allowed through
	StateClosed State = iota
	// StateOpen - circuit is open, calls are rejected immediately
	StateOpen
	// StateHalfOpen - circuit is half-open, limited probe calls test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// failureRateTrip is the window failure rate beyond which a closed
// breaker opens even before FailureThreshold absolute failures.
const failureRateTrip = 0.5

// Config holds configuration parameters for one circuit breaker
type Config struct {
	// FailureThreshold is the failure count within the window that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes required to close
	SuccessThreshold int
	// VolumeThreshold is the minimum calls in the window before the circuit may open
	VolumeThreshold int
	// CallTimeout bounds each wrapped call; zero disables the bound
	CallTimeout time.Duration
	// ResetTimeout is how long the circuit stays open before probing
	ResetTimeout time.Duration
	// MonitoringPeriod is the span of the sliding outcome window
	MonitoringPeriod time.Duration
	// MaxHalfOpenCalls caps concurrent probes while half-open
	MaxHalfOpenCalls int
}

func (c *Config) setDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 3
	}
	if c.VolumeThreshold == 0 {
		c.VolumeThreshold = 10
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.MonitoringPeriod == 0 {
		c.MonitoringPeriod = 60 * time.Second
	}
	if c.MaxHalfOpenCalls == 0 {
		c.MaxHalfOpenCalls = 1
	}
}

// Stats is a point-in-time snapshot of one breaker
type Stats struct {
	Name           string
	State          State
	WindowCalls    int
	WindowFailures int
	FailureRate    float64
	Rejections     int64
	Timeouts       int64
	Transitions    int64
	LastTransition time.Time
}

type callOutcome struct {
	at      time.Time
	success bool
}

type admitReply struct {
	gen uint64
	err error
}

type admitRequest struct {
	reply chan admitReply
}

type outcomeReport struct {
	gen     uint64
	success bool
	timeout bool
}

// Breaker wraps operations under one name and isolates them when they
// fail repeatedly. Construct with NewBreaker, stop with Stop.
type Breaker struct {
	name    string
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus

	admitCh  chan admitRequest
	reportCh chan outcomeReport
	statsCh  chan chan Stats
	forceCh  chan State
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Everything below is owned by the loop goroutine.
	state             State
	gen               uint64
	window            []callOutcome
	failures          int
	halfOpenInFlight  int
	halfOpenSuccesses int
	openedAt          time.Time
	rejections        int64
	timeouts          int64
	transitions       int64
	lastTransition    time.Time

	finalStats Stats
}

// NewBreaker creates a circuit breaker in the closed state and starts
// its owner goroutine. bus and m may be nil.
func NewBreaker(name string, cfg Config, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Breaker {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:     name,
		config:   cfg,
		logger:   logger.Named("breaker"),
		metrics:  m,
		bus:      bus,
		admitCh:  make(chan admitRequest),
		reportCh: make(chan outcomeReport),
		statsCh:  make(chan chan Stats),
		forceCh:  make(chan State),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if m != nil {
		m.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	}
	go b.loop()
	return b
}

// Name returns the operation name this breaker guards
func (b *Breaker) Name() string { return b.name }

// Execute runs op if the breaker admits the call. Rejections return
// ErrCircuitOpen (or ErrTooManyCalls while half-open) without invoking
// op. The call is bounded by CallTimeout; exceeding it returns
// ErrCallTimeout and counts as a failure.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := admitRequest{reply: make(chan admitReply, 1)}
	select {
	case b.admitCh <- req:
	case <-b.stopCh:
		return xerrors.ErrBreakerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	adm := <-req.reply
	if adm.err != nil {
		return adm.err
	}

	err := b.invoke(ctx, op)

	rep := outcomeReport{
		gen:     adm.gen,
		success: err == nil,
		timeout: errors.Is(err, xerrors.ErrCallTimeout),
	}
	select {
	case b.reportCh <- rep:
	case <-b.stopCh:
	}
	return err
}

func (b *Breaker) invoke(ctx context.Context, op func(context.Context) error) error {
	if b.config.CallTimeout <= 0 {
		return op(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	// Buffered so an abandoned call can finish and exit after timeout.
	errCh := make(chan error, 1)
	go func() { errCh <- op(cctx) }()

	select {
	case err := <-errCh:
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return xerrors.ErrCallTimeout
	}
}

// State returns the current state, applying the open to half-open
// transition if the reset timeout has elapsed.
func (b *Breaker) State() State {
	return b.Stats().State
}

// Stats returns a snapshot of the breaker
func (b *Breaker) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case b.statsCh <- reply:
		return <-reply
	case <-b.done:
		return b.finalStats
	}
}

// ForceClose moves the breaker to closed and clears its window
func (b *Breaker) ForceClose() { b.force(StateClosed) }

// ForceOpen moves the breaker to open, rejecting all calls
func (b *Breaker) ForceOpen() { b.force(StateOpen) }

func (b *Breaker) force(st State) {
	select {
	case b.forceCh <- st:
	case <-b.done:
	}
}

// Stop terminates the owner goroutine. In-flight calls complete but
// their outcomes are discarded.
func (b *Breaker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.done
}

func (b *Breaker) loop() {
	for {
		select {
		case req := <-b.admitCh:
			req.reply <- b.admit(time.Now())
		case rep := <-b.reportCh:
			b.record(rep, time.Now())
		case reply := <-b.statsCh:
			now := time.Now()
			b.refresh(now)
			reply <- b.snapshot(now)
		case st := <-b.forceCh:
			b.transition(st, time.Now())
		case <-b.stopCh:
			b.finalStats = b.snapshot(time.Now())
			close(b.done)
			return
		}
	}
}

func (b *Breaker) admit(now time.Time) admitReply {
	b.refresh(now)
	switch b.state {
	case StateOpen:
		b.rejections++
		b.recordCall("rejected")
		return admitReply{err: xerrors.ErrCircuitOpen}
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.MaxHalfOpenCalls {
			b.rejections++
			b.recordCall("rejected")
			return admitReply{err: xerrors.ErrTooManyCalls}
		}
		b.halfOpenInFlight++
	}
	return admitReply{gen: b.gen}
}

func (b *Breaker) record(rep outcomeReport, now time.Time) {
	switch {
	case rep.timeout:
		b.timeouts++
		b.recordCall("timeout")
	case rep.success:
		b.recordCall("success")
	default:
		b.recordCall("failure")
	}

	b.refresh(now)
	if rep.gen != b.gen {
		// Outcome of a call admitted before the last transition.
		return
	}

	switch b.state {
	case StateClosed:
		b.window = append(b.window, callOutcome{at: now, success: rep.success})
		if !rep.success {
			b.failures++
		}
		b.prune(now)
		if b.shouldTrip() {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.halfOpenInFlight--
		if rep.success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.config.SuccessThreshold {
				b.transition(StateClosed, now)
			}
		} else {
			b.transition(StateOpen, now)
		}
	}
}

// refresh applies the timed open to half-open transition
func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.ResetTimeout {
		b.transition(StateHalfOpen, now)
	}
}

// prune drops window entries older than the monitoring period
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringPeriod)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		if !b.window[i].success {
			b.failures--
		}
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) shouldTrip() bool {
	if len(b.window) < b.config.VolumeThreshold {
		return false
	}
	rate := float64(b.failures) / float64(len(b.window))
	return b.failures >= b.config.FailureThreshold || rate > failureRateTrip
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.gen++
	b.transitions++
	b.lastTransition = now

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.window = b.window[:0]
		b.failures = 0
	}

	if b.metrics != nil {
		b.metrics.RecordBreakerTransition(b.name, to.String(), float64(to))
	}
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:   events.TypeBreakerStateChange,
			Name:   b.name,
			Detail: from.String() + "->" + to.String(),
		})
	}
	b.logger.Info("circuit state changed",
		zap.String("name", b.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

func (b *Breaker) snapshot(now time.Time) Stats {
	if b.state == StateClosed {
		b.prune(now)
	}
	s := Stats{
		Name:           b.name,
		State:          b.state,
		WindowCalls:    len(b.window),
		WindowFailures: b.failures,
		Rejections:     b.rejections,
		Timeouts:       b.timeouts,
		Transitions:    b.transitions,
		LastTransition: b.lastTransition,
	}
	if s.WindowCalls > 0 {
		s.FailureRate = float64(s.WindowFailures) / float64(s.WindowCalls)
	}
	return s
}

func (b *Breaker) recordCall(result string) {
	if b.metrics != nil {
		b.metrics.RecordBreakerCall(b.name, result)
	}
}
