// Package workerpool runs tasks on a bounded set of workers fed from a
// priority queue. A single dispatcher goroutine owns the queue and the
// worker registry; workers communicate with it only through channels.
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
	"github.com/Mrassimo/datapilot-sub015/internal/model"
	"github.com/Mrassimo/datapilot-sub015/internal/respool"
)

// Handler executes tasks of one kind. Registered once at setup; the
// FuncPayload kind bypasses the registry.
type Handler func(ctx context.Context, task model.Task) (interface{}, error)

// Config holds worker pool configuration
type Config struct {
	Name               string
	Workers            int
	QueueSize          int
	DefaultTaskTimeout time.Duration
	// MemoryCeiling is the soft per-worker payload limit in bytes; zero disables it
	MemoryCeiling int64
	// DrainTimeout bounds how long Stop waits for queued and in-flight tasks
	DrainTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "tasks"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name            string
	MaxWorkers      int
	WorkerCount     int
	ActiveWorkers   int
	QueueSize       int
	QueuedTasks     int
	TotalTasks      uint64
	CompletedTasks  uint64
	FailedTasks     uint64
	TimedOutTasks   uint64
	RejectedTasks   uint64
	ReplacedWorkers uint64
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return (float64(s.QueuedTasks) / float64(s.QueueSize)) * 100.0
}

// WorkerUtilization returns the worker utilization as a percentage
func (s Stats) WorkerUtilization() float64 {
	if s.MaxWorkers == 0 {
		return 0
	}
	return (float64(s.ActiveWorkers) / float64(s.MaxWorkers)) * 100.0
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	if s.TotalTasks == 0 {
		return 100.0
	}
	return (float64(s.CompletedTasks) / float64(s.TotalTasks)) * 100.0
}

type submitRequest struct {
	qt    *queuedTask
	reply chan error
}

type replaceRequest struct {
	workerID string
	reason   string
	reply    chan bool
}

// Pool manages a bounded set of workers fed from a priority queue
type Pool struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	leaks   *respool.LeakDetector

	handlersMu sync.RWMutex
	handlers   map[model.TaskKind]Handler

	submitCh  chan submitRequest
	doneCh    chan taskDone
	statsCh   chan chan Stats
	workersCh chan chan []*worker
	replaceCh chan replaceRequest

	rootCtx    context.Context
	rootCancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	workerWG sync.WaitGroup

	// Everything below is owned by the dispatcher goroutine.
	queue    taskHeap
	workers  map[string]*worker
	idle     []*worker
	inflight map[string]*queuedTask
	seq      uint64
	draining bool

	total     uint64
	completed uint64
	failed    uint64
	timedOut  uint64
	rejected  uint64
	replaced  uint64

	finalStats Stats
}

// New creates a worker pool, spawns its workers, and starts the
// dispatcher. bus, leaks, and m may be nil.
func New(cfg Config, bus *events.Bus, leaks *respool.LeakDetector, m *metrics.Metrics, logger *zap.Logger) *Pool {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	p := &Pool{
		config:     cfg,
		logger:     logger.Named("workerpool"),
		metrics:    m,
		bus:        bus,
		leaks:      leaks,
		handlers:   make(map[model.TaskKind]Handler),
		submitCh:   make(chan submitRequest),
		doneCh:     make(chan taskDone),
		statsCh:    make(chan chan Stats),
		workersCh:  make(chan chan []*worker),
		replaceCh:  make(chan replaceRequest),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
		workers:    make(map[string]*worker),
		inflight:   make(map[string]*queuedTask),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.spawnWorker(fmt.Sprintf("worker-%d", i+1), "")
	}
	go p.dispatch()

	p.logger.Info("worker pool started",
		zap.String("name", cfg.Name),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

// RegisterHandler binds a handler to a task kind. Later registrations
// replace earlier ones.
func (p *Pool) RegisterHandler(kind model.TaskKind, h Handler) {
	p.handlersMu.Lock()
	p.handlers[kind] = h
	p.handlersMu.Unlock()
}

func (p *Pool) handler(kind model.TaskKind) Handler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return p.handlers[kind]
}

// Submit enqueues a task and returns its future. Fails fast with
// ErrQueueFull when the queue is at capacity and ErrPoolStopped after
// shutdown began.
func (p *Pool) Submit(task model.Task) (*Future, error) {
	task = p.prepare(task)
	req := submitRequest{
		qt:    &queuedTask{task: task, future: newFuture(task.ID)},
		reply: make(chan error, 1),
	}
	select {
	case p.submitCh <- req:
	case <-p.stopped:
		return nil, xerrors.ErrPoolStopped
	}
	if err := <-req.reply; err != nil {
		return nil, err
	}
	return req.qt.future, nil
}

// SubmitWait submits a task and blocks for its result
func (p *Pool) SubmitWait(ctx context.Context, task model.Task) model.TaskResult {
	f, err := p.Submit(task)
	if err != nil {
		return model.TaskResult{TaskID: task.ID, Err: err}
	}
	res, _ := f.Wait(ctx)
	return res
}

// SubmitAll fans out tasks and joins their results. The returned slice
// is index-aligned with tasks; each entry reports its own success or
// failure, so siblings are unaffected by one task failing.
func (p *Pool) SubmitAll(ctx context.Context, tasks []model.Task) []model.TaskResult {
	results := make([]model.TaskResult, len(tasks))
	futures := make([]*Future, len(tasks))

	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = uuid.NewString()
		}
		f, err := p.Submit(tasks[i])
		if err != nil {
			results[i] = model.TaskResult{TaskID: tasks[i].ID, Err: err}
			continue
		}
		futures[i] = f
	}

	for i, f := range futures {
		if f == nil {
			continue
		}
		res, err := f.Wait(ctx)
		if err != nil {
			results[i] = model.TaskResult{TaskID: f.TaskID(), Err: err}
			continue
		}
		results[i] = res
	}
	return results
}

func (p *Pool) prepare(task model.Task) model.Task {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Timeout <= 0 {
		task.Timeout = p.config.DefaultTaskTimeout
	}
	task.SubmittedAt = time.Now()
	return task
}

// Stats returns a snapshot of pool counters
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.stopped:
		return p.finalStats
	}
}

// WorkerIDs returns the ids of all live workers, sorted
func (p *Pool) WorkerIDs() []string {
	refs := p.workerRefs()
	ids := make([]string, 0, len(refs))
	for _, w := range refs {
		ids = append(ids, w.id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pool) workerRefs() []*worker {
	reply := make(chan []*worker, 1)
	select {
	case p.workersCh <- reply:
		return <-reply
	case <-p.stopped:
		return nil
	}
}

// Heartbeat pings one worker and waits up to timeout for its reply
func (p *Pool) Heartbeat(workerID string, timeout time.Duration) (HeartbeatReply, bool) {
	for _, w := range p.workerRefs() {
		if w.id == workerID {
			return pingWorker(w, timeout, p.stopped)
		}
	}
	return HeartbeatReply{}, false
}

func pingWorker(w *worker, timeout time.Duration, cancel <-chan struct{}) (HeartbeatReply, bool) {
	req := heartbeatRequest{reply: make(chan HeartbeatReply, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case w.ctrlCh <- req:
	case <-w.quitCh:
		return HeartbeatReply{}, false
	case <-timer.C:
		return HeartbeatReply{}, false
	case <-cancel:
		return HeartbeatReply{}, false
	}

	select {
	case rep := <-req.reply:
		return rep, true
	case <-timer.C:
		return HeartbeatReply{}, false
	}
}

// ReplaceWorker gracefully terminates a worker and spawns a fresh one.
// Reports false if the worker is unknown.
func (p *Pool) ReplaceWorker(workerID, reason string) bool {
	req := replaceRequest{workerID: workerID, reason: reason, reply: make(chan bool, 1)}
	select {
	case p.replaceCh <- req:
		return <-req.reply
	case <-p.stopped:
		return false
	}
}

// Stop drains the queue, waits for in-flight tasks up to the drain
// timeout, then force-fails stragglers and terminates the workers.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.stopped

	// Cancel contexts of any abandoned task functions.
	p.rootCancel()

	done := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped", zap.String("name", p.config.Name))
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("worker pool %q stop timeout", p.config.Name)
	}
}

func (p *Pool) dispatch() {
	defer close(p.stopped)

	stopC := p.stopCh
	var drainC <-chan time.Time

	for {
		if p.draining && len(p.queue) == 0 && len(p.inflight) == 0 {
			p.finish(nil)
			return
		}

		select {
		case req := <-p.submitCh:
			req.reply <- p.handleSubmit(req.qt)

		case d := <-p.doneCh:
			p.handleDone(d)

		case reply := <-p.statsCh:
			reply <- p.snapshotStats()

		case reply := <-p.workersCh:
			reply <- p.workerList()

		case req := <-p.replaceCh:
			req.reply <- p.handleReplace(req.workerID, req.reason)

		case <-stopC:
			stopC = nil
			p.draining = true
			timer := time.NewTimer(p.config.DrainTimeout)
			defer timer.Stop()
			drainC = timer.C
			p.logger.Info("draining worker pool",
				zap.String("name", p.config.Name),
				zap.Int("queued", len(p.queue)),
				zap.Int("in_flight", len(p.inflight)))

		case <-drainC:
			p.finish(xerrors.ErrPoolStopped)
			return
		}
	}
}

func (p *Pool) handleSubmit(qt *queuedTask) error {
	if p.draining {
		p.rejected++
		return xerrors.ErrPoolStopped
	}
	if len(p.queue) >= p.config.QueueSize {
		p.rejected++
		return xerrors.ErrQueueFull
	}

	p.seq++
	qt.seq = p.seq
	heap.Push(&p.queue, qt)
	p.total++

	if p.metrics != nil {
		p.metrics.RecordTaskSubmitted()
	}
	p.tryDispatch()
	return nil
}

func (p *Pool) tryDispatch() {
	for len(p.queue) > 0 && len(p.idle) > 0 {
		qt := heap.Pop(&p.queue).(*queuedTask)
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.inflight[w.id] = qt
		w.taskCh <- qt
	}
	p.updateGauges()
}

func (p *Pool) handleDone(d taskDone) {
	_, known := p.workers[d.worker.id]
	delete(p.inflight, d.worker.id)

	if d.requeue {
		// The worker quit before starting this task; another worker
		// picks it up in its original queue position.
		heap.Push(&p.queue, d.qt)
		p.tryDispatch()
		return
	}

	d.qt.future.complete(d.result)

	durationSec := d.result.Duration.Seconds()
	if d.result.Err != nil {
		p.failed++
		reason := "error"
		if errors.Is(d.result.Err, xerrors.ErrTaskTimeout) {
			p.timedOut++
			reason = "timeout"
		}
		if p.metrics != nil {
			p.metrics.RecordTaskFailed(reason, durationSec)
		}
	} else {
		p.completed++
		if p.metrics != nil {
			p.metrics.RecordTaskCompleted(durationSec)
		}
	}

	switch {
	case !known:
		// Already replaced by the health monitor; the report only
		// carried the task outcome.
	case d.recycle:
		delete(p.workers, d.worker.id)
		if !p.draining {
			p.spawnWorker(fmt.Sprintf("worker-%s", shortID()), d.worker.id)
		}
	default:
		p.idle = append(p.idle, d.worker)
	}

	p.tryDispatch()
}

func (p *Pool) handleReplace(workerID, reason string) bool {
	w, ok := p.workers[workerID]
	if !ok {
		return false
	}
	delete(p.workers, workerID)
	p.removeIdle(workerID)
	close(w.quitCh)

	p.logger.Warn("replacing worker",
		zap.String("worker_id", workerID),
		zap.String("reason", reason))

	if !p.draining {
		p.spawnWorker(fmt.Sprintf("worker-%s", shortID()), workerID)
	}
	p.tryDispatch()
	return true
}

// spawnWorker registers and starts a worker. replaced names the worker
// this one stands in for, empty at pool startup.
func (p *Pool) spawnWorker(id, replaced string) {
	w := newWorker(id, p)
	p.workers[id] = w
	p.idle = append(p.idle, w)
	p.workerWG.Add(1)
	go w.run()

	if replaced != "" {
		p.replaced++
		if p.metrics != nil {
			p.metrics.RecordWorkerReplaced()
		}
		if p.bus != nil {
			p.bus.Publish(events.Event{
				Type:     events.TypeWorkerReplaced,
				WorkerID: id,
				Detail:   replaced,
			})
		}
		p.logger.Info("worker replaced",
			zap.String("old_worker_id", replaced),
			zap.String("new_worker_id", id))
	}
}

func (p *Pool) removeIdle(workerID string) {
	for i, w := range p.idle {
		if w.id == workerID {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// finish fails any remaining work and terminates all workers. failErr
// is nil on a clean drain.
func (p *Pool) finish(failErr error) {
	if failErr != nil {
		for _, qt := range p.queue {
			qt.future.complete(model.TaskResult{TaskID: qt.task.ID, Err: failErr})
			p.failed++
		}
		p.queue = p.queue[:0]
		for id, qt := range p.inflight {
			qt.future.complete(model.TaskResult{TaskID: qt.task.ID, Err: failErr, WorkerID: id})
			p.failed++
		}
		p.logger.Warn("drain timeout, failing remaining tasks",
			zap.String("name", p.config.Name),
			zap.Int("in_flight", len(p.inflight)))
		p.inflight = make(map[string]*queuedTask)
	}
	for _, w := range p.workers {
		close(w.quitCh)
	}
	p.updateGauges()
	p.finalStats = p.snapshotStats()
}

func (p *Pool) workerList() []*worker {
	refs := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		refs = append(refs, w)
	}
	return refs
}

func (p *Pool) snapshotStats() Stats {
	return Stats{
		Name:            p.config.Name,
		MaxWorkers:      p.config.Workers,
		WorkerCount:     len(p.workers),
		ActiveWorkers:   len(p.inflight),
		QueueSize:       p.config.QueueSize,
		QueuedTasks:     len(p.queue),
		TotalTasks:      p.total,
		CompletedTasks:  p.completed,
		FailedTasks:     p.failed,
		TimedOutTasks:   p.timedOut,
		RejectedTasks:   p.rejected,
		ReplacedWorkers: p.replaced,
	}
}

func (p *Pool) updateGauges() {
	if p.metrics != nil {
		p.metrics.UpdatePoolGauges(len(p.queue), len(p.inflight))
	}
}

func shortID() string {
	return uuid.NewString()[:8]
}
