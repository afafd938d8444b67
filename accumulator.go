package htsp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrAccumulatorClosed is returned by Peek and Consume once the accumulator is closed.
var ErrAccumulatorClosed = errors.New("accumulator closed")

// Accumulator is a growable byte buffer fed by one writer and drained by one
// reader. Peek and Consume block until enough bytes have been appended.
type Accumulator struct {
	mu     sync.Mutex
	buf    []byte
	off    int
	notify chan struct{} // closed and replaced on every Append
	closed bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{notify: make(chan struct{})}
}

// Append adds p to the end of the buffer. It never blocks.
func (a *Accumulator) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAccumulatorClosed
	}

	// reclaim the consumed prefix before growing
	if a.off > 0 && len(a.buf)+len(p) > cap(a.buf) {
		n := copy(a.buf, a.buf[a.off:])
		a.buf = a.buf[:n]
		a.off = 0
	}
	a.buf = append(a.buf, p...)

	close(a.notify)
	a.notify = make(chan struct{})
	return nil
}

// Peek returns a copy of the first n bytes without removing them.
func (a *Accumulator) Peek(ctx context.Context, n int) ([]byte, error) {
	return a.take(ctx, n, false)
}

// Consume removes and returns the first n bytes.
func (a *Accumulator) Consume(ctx context.Context, n int) ([]byte, error) {
	return a.take(ctx, n, true)
}

func (a *Accumulator) take(ctx context.Context, n int, remove bool) ([]byte, error) {
	for {
		a.mu.Lock()
		if len(a.buf)-a.off >= n {
			out := make([]byte, n)
			copy(out, a.buf[a.off:a.off+n])
			if remove {
				a.off += n
				if a.off == len(a.buf) {
					a.buf = a.buf[:0]
					a.off = 0
				}
			}
			a.mu.Unlock()
			return out, nil
		}
		if a.closed {
			a.mu.Unlock()
			return nil, ErrAccumulatorClosed
		}
		wait := a.notify
		a.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of buffered bytes.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf) - a.off
}

// Close wakes all waiters and releases the buffer. Safe to call multiple times.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	a.buf = nil
	a.off = 0
	close(a.notify)
}
