package kiosk

import (
	"sync"
	"time"
)

// Queue is an unbounded FIFO safe for any number of producers and
// consumers. Push never blocks; consumers either poll with TryPop or wait
// with PopTimeout.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	// ready holds a token while items is non-empty.
	ready chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends v.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// TryPop removes and returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signalLocked()
	}
	return v, true
}

// PopTimeout waits up to d for an item.
func (q *Queue[T]) PopTimeout(d time.Duration) (T, bool) {
	if v, ok := q.TryPop(); ok {
		return v, true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-q.ready:
			if v, ok := q.TryPop(); ok {
				return v, true
			}
		case <-timer.C:
			return q.TryPop()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns everything queued, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.signalLocked()
	}
}

func (q *Queue[T]) signalLocked() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
