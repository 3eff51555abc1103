package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/model"
)

var errTaskFailed = errors.New("task failed")

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, nil, nil, nil, zap.NewNop())
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func funcTask(fn func(ctx context.Context) (interface{}, error)) model.Task {
	return model.Task{Payload: model.FuncPayload{Fn: fn}}
}

func TestPoolExecutesFuncTask(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2})

	res := p.SubmitWait(context.Background(), funcTask(func(context.Context) (interface{}, error) {
		return 42, nil
	}))

	require.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
	assert.NotEmpty(t, res.TaskID)
	assert.NotEmpty(t, res.WorkerID)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.TotalTasks)
	assert.Equal(t, uint64(1), stats.CompletedTasks)
	assert.Equal(t, uint64(0), stats.FailedTasks)
}

func TestPoolSubmitAllIndexAlignedWithFailures(t *testing.T) {
	p := newTestPool(t, Config{Workers: 4, QueueSize: 32})

	const n = 12
	failing := map[int]bool{1: true, 4: true, 6: true, 9: true, 11: true}

	tasks := make([]model.Task, n)
	for i := 0; i < n; i++ {
		i := i
		tasks[i] = funcTask(func(context.Context) (interface{}, error) {
			if failing[i] {
				return nil, errTaskFailed
			}
			return i, nil
		})
		tasks[i].ID = fmt.Sprintf("task-%02d", i)
	}

	results := p.SubmitAll(context.Background(), tasks)
	require.Len(t, results, n)

	var failed int
	for i, res := range results {
		assert.Equal(t, tasks[i].ID, res.TaskID, "result %d out of order", i)
		if failing[i] {
			failed++
			assert.ErrorIs(t, res.Err, errTaskFailed)
		} else {
			require.NoError(t, res.Err)
			assert.Equal(t, i, res.Value)
		}
	}
	assert.Equal(t, len(failing), failed)

	stats := p.Stats()
	assert.Equal(t, uint64(n), stats.TotalTasks)
	assert.Equal(t, uint64(n-len(failing)), stats.CompletedTasks)
	assert.Equal(t, uint64(len(failing)), stats.FailedTasks)
	assert.InDelta(t, 100.0*float64(n-len(failing))/float64(n), stats.SuccessRate(), 0.01)
}

func TestPoolDispatchesByPriorityThenFIFO(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, QueueSize: 16})

	var mu sync.Mutex
	var order []string
	record := func(name string) model.Task {
		return funcTask(func(context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		})
	}

	// Occupy the single worker so the rest queue up behind the gate.
	gate := make(chan struct{})
	blocker, err := p.Submit(funcTask(func(context.Context) (interface{}, error) {
		<-gate
		return nil, nil
	}))
	require.NoError(t, err)

	submit := func(name string, prio model.Priority) *Future {
		task := record(name)
		task.Priority = prio
		f, err := p.Submit(task)
		require.NoError(t, err)
		return f
	}
	futures := []*Future{
		submit("low-1", model.PriorityLow),
		submit("low-2", model.PriorityLow),
		submit("normal", model.PriorityNormal),
		submit("high", model.PriorityHigh),
	}

	close(gate)
	_, err = blocker.Wait(context.Background())
	require.NoError(t, err)
	for _, f := range futures {
		res, err := f.Wait(context.Background())
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "normal", "low-1", "low-2"}, order)
}

func TestPoolTaskTimeoutRecyclesWorker(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})

	task := funcTask(func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	task.Timeout = 25 * time.Millisecond

	res := p.SubmitWait(context.Background(), task)
	assert.ErrorIs(t, res.Err, xerrors.ErrTaskTimeout)
	assert.Equal(t, "worker-1", res.WorkerID)

	// The worker that owned the task is recycled and a fresh one stands in.
	ids := p.WorkerIDs()
	require.Len(t, ids, 1)
	assert.NotEqual(t, "worker-1", ids[0])

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.TimedOutTasks)
	assert.Equal(t, uint64(1), stats.FailedTasks)
	assert.Equal(t, uint64(1), stats.ReplacedWorkers)

	// The replacement serves new work.
	res = p.SubmitWait(context.Background(), funcTask(func(context.Context) (interface{}, error) {
		return "ok", nil
	}))
	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
}

func TestPoolQueueFullRejectsSubmit(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, QueueSize: 2})

	gate := make(chan struct{})
	defer close(gate)
	blocker, err := p.Submit(funcTask(func(context.Context) (interface{}, error) {
		<-gate
		return nil, nil
	}))
	require.NoError(t, err)

	quick := func(context.Context) (interface{}, error) { return nil, nil }
	f1, err := p.Submit(funcTask(quick))
	require.NoError(t, err)
	f2, err := p.Submit(funcTask(quick))
	require.NoError(t, err)

	_, err = p.Submit(funcTask(quick))
	assert.ErrorIs(t, err, xerrors.ErrQueueFull)

	gate <- struct{}{}
	for _, f := range []*Future{blocker, f1, f2} {
		res, err := f.Wait(context.Background())
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.RejectedTasks)
	assert.Equal(t, uint64(3), stats.TotalTasks)
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := New(Config{Workers: 1}, nil, nil, nil, zap.NewNop())
	require.NoError(t, p.Stop())

	_, err := p.Submit(funcTask(func(context.Context) (interface{}, error) { return nil, nil }))
	assert.ErrorIs(t, err, xerrors.ErrPoolStopped)

	res := p.SubmitWait(context.Background(), funcTask(func(context.Context) (interface{}, error) { return nil, nil }))
	assert.ErrorIs(t, res.Err, xerrors.ErrPoolStopped)
}

func TestPoolSectionHandlerRegistry(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})
	p.RegisterHandler(model.TaskKindSection, func(_ context.Context, task model.Task) (interface{}, error) {
		payload := task.Payload.(model.SectionPayload)
		return payload.Path + ":" + payload.Section, nil
	})

	res := p.SubmitWait(context.Background(), model.Task{
		Payload: model.SectionPayload{Path: "orders.csv", Section: "eda"},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, "orders.csv:eda", res.Value)

	// No chunk handler was registered.
	res = p.SubmitWait(context.Background(), model.Task{
		Payload: model.ChunkPayload{Path: "orders.csv", Data: []byte("a,b\n")},
	})
	require.Error(t, res.Err)
	assert.Equal(t, xerrors.ErrCodeUnknownTaskKind, xerrors.CodeOf(res.Err))
}

func TestPoolRecoversFromTaskPanic(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})

	res := p.SubmitWait(context.Background(), funcTask(func(context.Context) (interface{}, error) {
		panic("kaboom")
	}))
	require.Error(t, res.Err)
	assert.Equal(t, xerrors.ErrCodeInternal, xerrors.CodeOf(res.Err))
	assert.Contains(t, res.Err.Error(), "task panicked")

	// The worker survives the panic and keeps serving.
	res = p.SubmitWait(context.Background(), funcTask(func(context.Context) (interface{}, error) {
		return "alive", nil
	}))
	require.NoError(t, res.Err)
	assert.Equal(t, "alive", res.Value)
}

func TestPoolGracefulStopDrainsQueue(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 16}, nil, nil, nil, zap.NewNop())

	futures := make([]*Future, 6)
	for i := range futures {
		f, err := p.Submit(funcTask(func(context.Context) (interface{}, error) {
			time.Sleep(2 * time.Millisecond)
			return nil, nil
		}))
		require.NoError(t, err)
		futures[i] = f
	}

	require.NoError(t, p.Stop())

	for _, f := range futures {
		res, err := f.Wait(context.Background())
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}
	stats := p.Stats()
	assert.Equal(t, uint64(6), stats.CompletedTasks)
	assert.Equal(t, uint64(0), stats.FailedTasks)
}

func TestPoolForceStopFailsStragglers(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 4, DrainTimeout: 30 * time.Millisecond}, nil, nil, nil, zap.NewNop())

	hung, err := p.Submit(funcTask(func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, err)
	queued, err := p.Submit(funcTask(func(context.Context) (interface{}, error) {
		return nil, nil
	}))
	require.NoError(t, err)

	require.NoError(t, p.Stop())

	res, _ := hung.Wait(context.Background())
	assert.ErrorIs(t, res.Err, xerrors.ErrPoolStopped)
	res, _ = queued.Wait(context.Background())
	assert.ErrorIs(t, res.Err, xerrors.ErrPoolStopped)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.FailedTasks)
}

func TestPoolHeartbeat(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})

	rep, ok := p.Heartbeat("worker-1", 100*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "worker-1", rep.WorkerID)
	assert.Equal(t, model.WorkerStatusIdle, rep.Status)
	assert.Empty(t, rep.CurrentTask)

	gate := make(chan struct{})
	task := funcTask(func(context.Context) (interface{}, error) {
		<-gate
		return nil, nil
	})
	task.ID = "hb-task"
	f, err := p.Submit(task)
	require.NoError(t, err)

	// The worker answers heartbeats while the task runs.
	require.Eventually(t, func() bool {
		rep, ok := p.Heartbeat("worker-1", 100*time.Millisecond)
		return ok && rep.Status == model.WorkerStatusBusy && rep.CurrentTask == "hb-task"
	}, time.Second, 5*time.Millisecond)

	close(gate)
	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.Eventually(t, func() bool {
		rep, ok := p.Heartbeat("worker-1", 100*time.Millisecond)
		return ok && rep.Status == model.WorkerStatusIdle && rep.TasksDone == 1
	}, time.Second, 5*time.Millisecond)

	_, ok = p.Heartbeat("no-such-worker", 100*time.Millisecond)
	assert.False(t, ok)
}

func TestPoolReplaceWorkerMidTask(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, QueueSize: 4})

	started := make(chan struct{})
	hung, err := p.Submit(funcTask(func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, err)

	queued, err := p.Submit(funcTask(func(context.Context) (interface{}, error) {
		return "follow-up", nil
	}))
	require.NoError(t, err)

	<-started
	require.True(t, p.ReplaceWorker("worker-1", "stuck on task"))
	assert.False(t, p.ReplaceWorker("no-such-worker", "unknown"))

	res, _ := hung.Wait(context.Background())
	require.Error(t, res.Err)
	assert.Equal(t, xerrors.ErrCodeInternal, xerrors.CodeOf(res.Err))
	assert.Contains(t, res.Err.Error(), "worker terminated")

	res, err = queued.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "follow-up", res.Value)
	assert.NotEqual(t, "worker-1", res.WorkerID)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.ReplacedWorkers)
}

func TestFutureWaitHonorsContext(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1})

	gate := make(chan struct{})
	f, err := p.Submit(funcTask(func(context.Context) (interface{}, error) {
		<-gate
		return "done", nil
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	close(gate)
	res, err = f.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "done", res.Value)
}

func TestPoolStatsUtilization(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2, QueueSize: 4})

	gate := make(chan struct{})
	defer close(gate)
	block := func(context.Context) (interface{}, error) {
		<-gate
		return nil, nil
	}
	for i := 0; i < 3; i++ {
		_, err := p.Submit(funcTask(block))
		require.NoError(t, err)
	}

	stats := p.Stats()
	assert.Equal(t, 2, stats.ActiveWorkers)
	assert.Equal(t, 1, stats.QueuedTasks)
	assert.InDelta(t, 100.0, stats.WorkerUtilization(), 0.01)
	assert.InDelta(t, 25.0, stats.QueueUtilization(), 0.01)
}
