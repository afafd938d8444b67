package htsp

import "sync"

// callbackQueue runs response handlers and event listeners in order on a
// goroutine of its own, so a slow callback never holds up the dispatcher
// and a callback may call Stop.
//
// The queue is unbounded: teardown must be able to fail every pending
// request even while a callback is blocked.
type callbackQueue struct {
	mu     sync.Mutex
	fns    []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newCallbackQueue() *callbackQueue {
	return &callbackQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push schedules fn. Once the queue is closed fn runs on a new goroutine.
func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		go fn()
		return
	}
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
	q.signal()
}

func (q *callbackQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close lets run return after the queued callbacks have been delivered.
func (q *callbackQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// run delivers callbacks until the queue is closed and empty.
func (q *callbackQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		fns := q.fns
		q.fns = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range fns {
			fn()
		}
		if len(fns) == 0 {
			if closed {
				return
			}
			<-q.wake
		}
	}
}
