package workerpool

import "github.com/Mrassimo/datapilot-sub015/internal/model"

// queuedTask pairs a pending task with its future while it waits for
// a worker. seq preserves FIFO order within a priority tier.
type queuedTask struct {
	task   model.Task
	future *Future
	seq    uint64
}

// taskHeap orders queued tasks by priority (high first), then by
// submission sequence (oldest first). Used with container/heap.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	qt := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qt
}
