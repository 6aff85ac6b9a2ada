// Package queue is the bounded priority holding area between submission and
// the worker pool. Ordering is priority-desc then FIFO within a priority.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/browserd/browserd/internal/model"
)

type item struct {
	job   *model.Job
	seq   uint64 // breaks exact-time ties
	index int
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is safe for concurrent use by the submitter and all workers.
type Queue struct {
	mu       sync.Mutex
	items    jobHeap
	capacity int
	seq      uint64
	closed   bool
	wake     chan struct{}
}

// Item is a snapshot entry returned by Snapshot.
type Item struct {
	RequestID string  `json:"request_id"`
	Priority  int     `json:"priority"`
	WaitTime  float64 `json:"wait_time"`
}

// New creates a queue holding at most capacity jobs.
func New(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// EnqueueWith atomically commits a submission: under the queue mutex it
// first runs commit (the store insert) and then appends the job. If commit
// fails nothing is enqueued. Fails fast with ErrQueueFull at capacity.
func (q *Queue) EnqueueWith(job *model.Job, commit func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("enqueue %s: queue closed", job.RequestID)
	}
	if len(q.items) >= q.capacity {
		return fmt.Errorf("enqueue %s: %w", job.RequestID, model.ErrQueueFull)
	}
	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	q.push(job)
	return nil
}

// Enqueue appends a job without a commit callback. Used by the startup
// recovery sweep, whose rows are already durable.
func (q *Queue) Enqueue(job *model.Job) error {
	return q.EnqueueWith(job, nil)
}

func (q *Queue) push(job *model.Job) {
	q.seq++
	heap.Push(&q.items, &item{job: job, seq: q.seq})
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a job is available or ctx is done. Returns the
// highest-priority, earliest-submitted job.
func (q *Queue) Dequeue(ctx context.Context) (*model.Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*item)
			// Keep later waiters runnable if more work remains.
			if len(q.items) > 0 {
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return it.job, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			// Pass the token on so other waiters observe the close too.
			select {
			case q.wake <- struct{}{}:
			default:
			}
			return nil, fmt.Errorf("dequeue: queue closed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured maximum depth.
func (q *Queue) Capacity() int { return q.capacity }

// Position returns the best-effort 1-based position a job at the given
// priority would dequeue at if submitted now.
func (q *Queue) Position(priority int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	pos := 1
	for _, it := range q.items {
		if it.job.Priority >= priority {
			pos++
		}
	}
	return pos
}

// Snapshot returns up to n queued items in dequeue order. Advisory only.
func (q *Queue) Snapshot(n int) []Item {
	q.mu.Lock()
	tmp := make(jobHeap, len(q.items))
	for i, it := range q.items {
		cp := *it
		tmp[i] = &cp
	}
	q.mu.Unlock()

	heap.Init(&tmp)
	now := time.Now()
	out := make([]Item, 0, n)
	for len(tmp) > 0 && len(out) < n {
		it := heap.Pop(&tmp).(*item)
		out = append(out, Item{
			RequestID: it.job.RequestID,
			Priority:  it.job.Priority,
			WaitTime:  now.Sub(it.job.CreatedAt).Seconds(),
		})
	}
	return out
}

// Close stops accepting jobs and unblocks waiting workers once drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
