package scheduler

import (
	"container/heap"
	"sync"

	"notebook-scheduler/internal/models"
)

// taskHeap orders by priority, then by push sequence.
type taskHeap []*models.Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Sequence < h[j].Sequence
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*models.Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// TaskQueue is a blocking priority queue. Lower priority values come out
// first; equal priorities come out in push order.
type TaskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  taskHeap
	seq    uint64
	closed bool
}

func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push stamps task.Sequence and enqueues it. Pushing onto a closed queue is
// allowed; the task waits for Reopen.
func (q *TaskQueue) Push(task *models.Task) {
	q.mu.Lock()
	q.seq++
	task.Sequence = q.seq
	heap.Push(&q.items, task)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until a task is available or the queue is closed. ok is false
// once the queue is closed, even if tasks remain.
func (q *TaskQueue) Pop() (task *models.Task, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	return heap.Pop(&q.items).(*models.Task), true
}

// Close wakes every blocked Pop.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Drain removes and returns every queued task in dequeue order.
func (q *TaskQueue) Drain() []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Task, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*models.Task))
	}
	return out
}

func (q *TaskQueue) Reopen() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
