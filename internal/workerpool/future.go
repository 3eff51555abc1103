package workerpool

import (
	"context"
	"sync"

	"github.com/Mrassimo/datapilot-sub015/internal/model"
)

// Future tracks the outcome of one submitted task. It resolves exactly
// once, when the assigned worker reports completion or the task times out.
type Future struct {
	taskID string
	done   chan struct{}
	once   sync.Once
	result model.TaskResult
}

func newFuture(taskID string) *Future {
	return &Future{
		taskID: taskID,
		done:   make(chan struct{}),
	}
}

// complete resolves the future. Later calls are ignored.
func (f *Future) complete(res model.TaskResult) {
	f.once.Do(func() {
		f.result = res
		close(f.done)
	})
}

// TaskID returns the id of the task this future tracks
func (f *Future) TaskID() string { return f.taskID }

// Done returns a channel that closes when the result is available
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task resolves or ctx ends. Task failure is
// reported inside TaskResult.Err; the returned error is non-nil only
// when ctx ended first.
func (f *Future) Wait(ctx context.Context) (model.TaskResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return model.TaskResult{TaskID: f.taskID, Err: ctx.Err()}, ctx.Err()
	}
}
