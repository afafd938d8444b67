package htsp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = errors.New("queue closed")

// ErrBufferFull is returned when a queue is at capacity and cannot accept more items.
// This error indicates backpressure - the consumer is not keeping up.
// Recommended handling strategies:
//   - Drop the message (for non-critical requests)
//   - Use Conn.SendContext to wait for buffer space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// Queue is a fixed-capacity FIFO safe for concurrent producers and consumers.
// Enqueue blocks while the queue is full and Dequeue blocks while it is empty.
type Queue[T any] struct {
	items chan T
	done  chan struct{}
	once  sync.Once
}

// NewQueue returns a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue appends v, blocking while the queue is full.
func (q *Queue[T]) Enqueue(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.items <- v:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer appends v without blocking. It returns ErrBufferFull when the queue is at capacity.
func (q *Queue[T]) Offer(v T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.items <- v:
		return nil
	default:
		return ErrBufferFull
	}
}

// Dequeue removes the oldest item, blocking while the queue is empty.
// Items still queued when Close is called are not delivered.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T

	select {
	case <-q.done:
		return zero, ErrQueueClosed
	default:
	}

	select {
	case v := <-q.items:
		return v, nil
	case <-q.done:
		return zero, ErrQueueClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Drain removes and returns every queued item without blocking.
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-q.items:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Close wakes all blocked producers and consumers. Safe to call multiple times.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}
