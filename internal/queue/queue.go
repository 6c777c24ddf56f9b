// Package queue provides the unbounded FIFO queues that connect the front end,
// the notification adapter and the dispatcher.
package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded multi-producer FIFO. Push never blocks; Pop blocks
// until an item is available. Depth is not capped.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends item to the tail of the queue.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

// PushAll appends items to the tail as one contiguous run; no concurrent
// Push lands between them.
func (q *Queue[T]) PushAll(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.signal()
}

// Pop removes and returns the head of the queue, waiting for one to arrive if
// the queue is empty. It returns ctx.Err() if ctx is done first.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// TryPop removes and returns the head of the queue without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	// Pass the wakeup on so a second waiter is not left behind.
	if remaining > 0 {
		q.signal()
	}
	return item, true
}

// Drain discards every queued item and returns how many were removed.
func (q *Queue[T]) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// DrainFunc discards the queued items for which discard returns true, keeping
// the relative order of the rest. It returns how many were removed.
func (q *Queue[T]) DrainFunc(discard func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if discard(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return removed
}

// Len returns the current depth.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
