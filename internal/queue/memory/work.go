// Package memory provides the in-process queues connecting the loader and the
// worker pool: a bounded work queue of URL ids and an unbounded ack queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQueueClosed is returned once a queue has been closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// WorkQueue is a bounded FIFO of URL ids with context-aware operations.
// Enqueue applies backpressure when the queue is full; it never drops items.
type WorkQueue struct {
	ch        chan int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewWorkQueue constructs a queue with the provided capacity.
func NewWorkQueue(capacity int) *WorkQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &WorkQueue{
		ch:   make(chan int64, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an id, blocking while the queue is full, until ctx ends.
func (q *WorkQueue) Enqueue(ctx context.Context, id int64) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- id:
		return nil
	}
}

// Dequeue waits up to timeout for the next id. It returns ok=false with a nil
// error when the timeout elapses, so callers can re-check their stop signal.
func (q *WorkQueue) Dequeue(ctx context.Context, timeout time.Duration) (int64, bool, error) {
	if timeout <= 0 {
		select {
		case id := <-q.ch:
			return id, true, nil
		default:
			return 0, false, q.closedErr()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, true, nil
	case <-ctx.Done():
		return 0, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		select {
		case id := <-q.ch:
			return id, true, nil
		default:
			return 0, false, ErrQueueClosed
		}
	case <-timer.C:
		return 0, false, nil
	}
}

func (q *WorkQueue) closedErr() error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
		return nil
	}
}

// Len reports the number of buffered ids.
func (q *WorkQueue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *WorkQueue) Cap() int {
	return cap(q.ch)
}

// Close stops accepting new ids. Buffered ids remain available to Dequeue.
func (q *WorkQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
