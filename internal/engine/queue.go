package engine

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("queue closed")

// Envelope is the unit a queue carries. Payload holds the serialized job so
// a durable queue can rehydrate it after a restart; the in-memory engine
// normally resolves jobs by ID from its job table.
type Envelope struct {
	ID        string
	Payload   []byte
	Priority  int
	NotBefore time.Time
	Attempts  int

	seq     uint64
	redisID string
	stream  string
}

// QueueStats is the live depth of one queue.
type QueueStats struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
}

// Queue is the abstract job queue the engine runs on. Dequeue blocks until
// an eligible envelope exists or ctx is done. Every dequeued envelope must
// be finished with exactly one of Ack, Retry or Fail.
type Queue interface {
	Enqueue(ctx context.Context, e *Envelope) error
	Dequeue(ctx context.Context) (*Envelope, error)
	Ack(ctx context.Context, e *Envelope) error
	Retry(ctx context.Context, e *Envelope, delay time.Duration) error
	Fail(ctx context.Context, e *Envelope) error
	Stats() QueueStats
	Close() error
}

// MemoryQueue is the in-process implementation: a ready heap ordered by
// (priority weight desc, enqueue sequence asc) plus a delay heap ordered by
// eligibility time. Within one priority weight ordering is FIFO.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayHeap
	seq     uint64
	active  int64
	notify  chan struct{}
	closed  bool
}

const idlePoll = 250 * time.Millisecond

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, e *Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	e.seq = q.seq
	if e.NotBefore.After(time.Now()) {
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Envelope, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		now := time.Now()
		for q.delayed.Len() > 0 && !q.delayed[0].NotBefore.After(now) {
			heap.Push(&q.ready, heap.Pop(&q.delayed).(*Envelope))
		}

		if q.ready.Len() > 0 {
			e := heap.Pop(&q.ready).(*Envelope)
			q.active++
			q.mu.Unlock()
			return e, nil
		}

		wait := idlePoll
		if q.delayed.Len() > 0 {
			if d := time.Until(q.delayed[0].NotBefore); d < wait {
				wait = d
			}
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, e *Envelope) error {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, e *Envelope, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.active--
	e.NotBefore = time.Now().Add(delay)
	heap.Push(&q.delayed, e)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, e *Envelope) error {
	return q.Ack(ctx, e)
}

func (q *MemoryQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Waiting: int64(q.ready.Len()),
		Delayed: int64(q.delayed.Len()),
		Active:  q.active,
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type readyHeap []*Envelope

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*Envelope)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type delayHeap []*Envelope

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	return h[i].NotBefore.Before(h[j].NotBefore)
}
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(*Envelope)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
