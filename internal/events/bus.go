package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type identifies an event class on the bus
type Type string

const (
	TypeTaskStarted        Type = "task-started"
	TypeTaskCompleted      Type = "task-completed"
	TypeTaskFailed         Type = "task-failed"
	TypeWorkerStarted      Type = "worker-started"
	TypeWorkerStopped      Type = "worker-stopped"
	TypeWorkerReplaced     Type = "worker-replaced"
	TypeWorkerMemory       Type = "memory-usage"
	TypeMemoryPressure     Type = "memory-pressure"
	TypeMemoryCritical     Type = "memory-critical"
	TypeLeakDetected       Type = "leak-detected"
	TypeBreakerStateChange Type = "breaker-state-change"
)

// Event is a single notification. Producers fill only the fields that apply.
type Event struct {
	Type      Type
	Time      time.Time
	WorkerID  string
	TaskID    string
	SessionID string
	Name      string // breaker, pool, or resource-type name
	Pressure  float64
	Bytes     int64
	Count     int64
	Duration  time.Duration
	Detail    string
}

// Subscription is a live feed of matching events. Cancel releases it;
// reading C after Cancel returns the zero value once drained.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel detaches the subscription from the bus and closes C
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

type subscriber struct {
	id    int
	types map[Type]struct{} // nil means all types
	ch    chan Event
}

// Bus is a typed publish-subscribe fan-out with bounded per-subscriber
// buffers. Publish never blocks; events to a full subscriber are dropped
// and counted. Delivery is best-effort.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	bufSize int
	closed  bool
	dropped int64
	logger  *zap.Logger
}

// NewBus creates a bus with the given per-subscriber buffer size
func NewBus(bufSize int, logger *zap.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[int]*subscriber),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe returns a subscription receiving the listed event types, or all
// types when none are listed.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	sub := &subscriber{ch: make(chan Event, b.bufSize)}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return &Subscription{C: sub.ch}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
		},
	}
}

// Publish delivers ev to every matching subscriber without blocking.
// A zero Time is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			atomic.AddInt64(&b.dropped, 1)
			b.logger.Debug("event dropped, subscriber buffer full",
				zap.String("type", string(ev.Type)))
		}
	}
}

// Dropped returns the number of events discarded due to full buffers
func (b *Bus) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close detaches and closes every subscription. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
