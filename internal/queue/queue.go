package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

// Item is a single entry in the queue
type Item[T any] struct {
	Value    T
	Priority int64
	seq      uint64
	index    int
}

// itemHeap implements heap.Interface.
// Lower priority values are popped first; equal priorities keep insertion order.
type itemHeap[T any] []*Item[T]

func (h itemHeap[T]) Len() int {
	return len(h)
}

func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].Priority == h[j].Priority {
		return h[i].seq < h[j].seq
	}
	return h[i].Priority < h[j].Priority
}

func (h itemHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[T]) Push(x any) {
	item := x.(*Item[T])
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// JobQueue is an unbounded, thread-safe priority queue with a blocking Pop.
// Producers never block on Push, which keeps them independent of consumers.
type JobQueue[T any] struct {
	mu     sync.Mutex
	heap   itemHeap[T]
	seq    uint64
	closed bool
	// ready holds a token whenever the heap may be non-empty or the queue closed
	ready chan struct{}
}

func NewJobQueue[T any]() *JobQueue[T] {
	q := &JobQueue[T]{
		heap:  make(itemHeap[T], 0),
		ready: make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Len returns the number of queued items
func (q *JobQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Push adds a value with the given priority
func (q *JobQueue[T]) Push(value T, priority int64) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	heap.Push(&q.heap, &Item[T]{Value: value, Priority: priority, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

// TryPop removes and returns the head of the queue without blocking
func (q *JobQueue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	item := heap.Pop(&q.heap).(*Item[T])
	if q.heap.Len() > 0 {
		q.signal()
	}
	return item.Value, true
}

// Pop blocks until an item is available, the queue is closed and drained, or ctx is done.
// Items pushed before Close are still handed out after it.
func (q *JobQueue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}

		q.mu.Lock()
		closed := q.closed && q.heap.Len() == 0
		q.mu.Unlock()
		if closed {
			q.signal()
			var zero T
			return zero, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Close stops intake. Consumers drain the remaining items and then receive ErrQueueClosed.
func (q *JobQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	// wake every waiter; each re-signals on its way out
	q.signal()
}

// Drain removes and returns all queued items in priority order
func (q *JobQueue[T]) Drain() []T {
	items := make([]T, 0, q.Len())
	for {
		v, ok := q.TryPop()
		if !ok {
			return items
		}
		items = append(items, v)
	}
}

func (q *JobQueue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
