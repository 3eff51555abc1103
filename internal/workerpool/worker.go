package workerpool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/model"
)

// HeartbeatReply carries a worker's liveness details back to the
// health monitor.
type HeartbeatReply struct {
	WorkerID    string
	Status      model.WorkerStatus
	CurrentTask string
	TasksDone   int64
	MemoryInUse int64
	RepliedAt   time.Time
}

type heartbeatRequest struct {
	reply chan HeartbeatReply
}

type execResult struct {
	value interface{}
	err   error
}

// taskDone is a worker's report to the dispatcher. recycle means the
// worker goroutine exited and the dispatcher should spawn a replacement;
// requeue means the task never started and should go back on the queue.
type taskDone struct {
	worker  *worker
	qt      *queuedTask
	result  model.TaskResult
	recycle bool
	requeue bool
}

// worker executes one task at a time. The goroutine keeps serving
// heartbeat requests while a task runs, so a long task never makes the
// worker look dead.
type worker struct {
	id     string
	pool   *Pool
	taskCh chan *queuedTask
	ctrlCh chan heartbeatRequest
	quitCh chan struct{}

	tasksDone int64
}

func newWorker(id string, p *Pool) *worker {
	return &worker{
		id:     id,
		pool:   p,
		taskCh: make(chan *queuedTask, 1),
		ctrlCh: make(chan heartbeatRequest),
		quitCh: make(chan struct{}),
	}
}

func (w *worker) run() {
	defer w.pool.workerWG.Done()

	w.publish(events.Event{Type: events.TypeWorkerStarted, WorkerID: w.id})
	w.pool.logger.Debug("worker started",
		zap.String("pool", w.pool.config.Name),
		zap.String("worker_id", w.id))

	for {
		select {
		case <-w.quitCh:
			w.requeuePending()
			w.exit()
			return

		case hb := <-w.ctrlCh:
			w.replyHeartbeat(hb, model.WorkerStatusIdle, "", 0)

		case qt := <-w.taskCh:
			done := w.execute(qt)
			w.report(done)
			if done.recycle {
				w.exit()
				return
			}
		}
	}
}

func (w *worker) exit() {
	w.publish(events.Event{Type: events.TypeWorkerStopped, WorkerID: w.id})
	w.pool.logger.Debug("worker stopped",
		zap.String("pool", w.pool.config.Name),
		zap.String("worker_id", w.id))
}

// requeuePending hands back a task that was assigned but never started.
// Quit can race with an assignment already sitting in taskCh.
func (w *worker) requeuePending() {
	select {
	case qt := <-w.taskCh:
		w.report(taskDone{worker: w, qt: qt, requeue: true})
	default:
	}
}

// execute runs one task bounded by its timeout. The task function runs
// in an inner goroutine so the worker stays responsive to heartbeats;
// on timeout or quit the function is abandoned under a canceled context
// and stays visible to the leak detector until it returns.
func (w *worker) execute(qt *queuedTask) taskDone {
	task := qt.task
	started := time.Now()
	payloadBytes := task.PayloadBytes()

	w.publish(events.Event{Type: events.TypeTaskStarted, WorkerID: w.id, TaskID: task.ID})
	if payloadBytes > 0 {
		w.publish(events.Event{Type: events.TypeWorkerMemory, WorkerID: w.id, Bytes: payloadBytes})
		if ceiling := w.pool.config.MemoryCeiling; ceiling > 0 && payloadBytes > ceiling {
			w.pool.logger.Warn("task payload above worker memory ceiling",
				zap.String("worker_id", w.id),
				zap.String("task_id", task.ID),
				zap.Int64("payload_bytes", payloadBytes),
				zap.Int64("ceiling_bytes", ceiling))
		}
	}

	ctx, cancel := context.WithCancel(w.pool.rootCtx)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.pool.config.DefaultTaskTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if w.pool.leaks != nil {
		w.pool.leaks.Track("task", task.ID, func() error {
			cancel()
			return nil
		})
	}

	resCh := make(chan execResult, 1)
	go func() {
		value, err := w.invoke(ctx, task)
		resCh <- execResult{value: value, err: err}
		if w.pool.leaks != nil {
			w.pool.leaks.Untrack("task", task.ID)
		}
	}()

	for {
		select {
		case hb := <-w.ctrlCh:
			w.replyHeartbeat(hb, model.WorkerStatusBusy, task.ID, payloadBytes)

		case res := <-resCh:
			cancel()
			duration := time.Since(started)
			w.tasksDone++
			if res.err != nil {
				w.publish(events.Event{Type: events.TypeTaskFailed, WorkerID: w.id, TaskID: task.ID, Duration: duration})
			} else {
				w.publish(events.Event{Type: events.TypeTaskCompleted, WorkerID: w.id, TaskID: task.ID, Duration: duration})
			}
			if payloadBytes > 0 {
				w.publish(events.Event{Type: events.TypeWorkerMemory, WorkerID: w.id, Bytes: 0})
			}
			return taskDone{
				worker: w,
				qt:     qt,
				result: model.TaskResult{
					TaskID:   task.ID,
					Value:    res.value,
					Err:      res.err,
					Duration: duration,
					WorkerID: w.id,
				},
			}

		case <-timer.C:
			cancel()
			duration := time.Since(started)
			w.tasksDone++
			w.publish(events.Event{Type: events.TypeTaskFailed, WorkerID: w.id, TaskID: task.ID, Duration: duration})
			w.pool.logger.Warn("task timed out, recycling worker",
				zap.String("worker_id", w.id),
				zap.String("task_id", task.ID),
				zap.Duration("timeout", timeout))
			return taskDone{
				worker: w,
				qt:     qt,
				result: model.TaskResult{
					TaskID:   task.ID,
					Err:      xerrors.ErrTaskTimeout,
					Duration: duration,
					WorkerID: w.id,
				},
				recycle: true,
			}

		case <-w.quitCh:
			cancel()
			duration := time.Since(started)
			return taskDone{
				worker: w,
				qt:     qt,
				result: model.TaskResult{
					TaskID:   task.ID,
					Err:      xerrors.New(xerrors.ErrCodeInternal, "worker terminated during execution", nil),
					Duration: duration,
					WorkerID: w.id,
				},
				recycle: true,
			}
		}
	}
}

// invoke resolves the handler for the task kind and runs it with panic
// recovery.
func (w *worker) invoke(ctx context.Context, task model.Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.ErrCodeInternal, fmt.Sprintf("task panicked: %v", r), nil)
			w.pool.logger.Error("task panic recovered",
				zap.String("pool", w.pool.config.Name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if fp, ok := task.Payload.(model.FuncPayload); ok {
		return fp.Fn(ctx)
	}

	handler := w.pool.handler(task.Kind())
	if handler == nil {
		return nil, xerrors.New(xerrors.ErrCodeUnknownTaskKind,
			fmt.Sprintf("no handler registered for task kind %q", task.Kind()), nil)
	}
	return handler(ctx, task)
}

func (w *worker) report(done taskDone) {
	select {
	case w.pool.doneCh <- done:
	case <-w.pool.stopped:
	}
}

func (w *worker) replyHeartbeat(hb heartbeatRequest, status model.WorkerStatus, taskID string, memory int64) {
	hb.reply <- HeartbeatReply{
		WorkerID:    w.id,
		Status:      status,
		CurrentTask: taskID,
		TasksDone:   w.tasksDone,
		MemoryInUse: memory,
		RepliedAt:   time.Now(),
	}
}

func (w *worker) publish(ev events.Event) {
	if w.pool.bus != nil {
		w.pool.bus.Publish(ev)
	}
}
