package htsp

import (
	"container/list"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Request lifecycle errors delivered to response handlers.
var (
	// ErrRequestTimeout is delivered when no reply arrives within the request timeout.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRequestEvicted is delivered when an unanswered request is dropped to make room.
	ErrRequestEvicted = errors.New("request evicted")
)

// ResponseHandler receives the reply to a request, or the error that ended it.
// It is called exactly once, on the connection's callback goroutine, in the
// order replies and events arrive. A handler that blocks delays later
// handlers and event listeners but not reply dispatch or Call.
type ResponseHandler func(reply *Message, err error)

type pendingEntry struct {
	seq     uint32
	method  string
	handler ResponseHandler
	inline  bool
	sentAt  time.Time
	timer   *time.Timer
	elem    *list.Element
}

func (e *pendingEntry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (e *pendingEntry) complete(reply *Message, err error) {
	e.stopTimer()
	if e.handler != nil {
		e.handler(reply, err)
	}
}

// pendingTable maps sequence numbers to outstanding requests.
// Entries are kept in insertion order so the oldest can be evicted when full.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint32]*pendingEntry
	order   *list.List
	max     int

	timeout   time.Duration
	onTimeout func(*pendingEntry)
}

func newPendingTable(max int, timeout time.Duration, onTimeout func(*pendingEntry)) *pendingTable {
	return &pendingTable{
		entries:   make(map[uint32]*pendingEntry),
		order:     list.New(),
		max:       max,
		timeout:   timeout,
		onTimeout: onTimeout,
	}
}

// add registers e and returns entries evicted to make room. The caller
// completes evicted entries outside the lock.
func (t *pendingTable) add(e *pendingEntry) []*pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []*pendingEntry
	if old, ok := t.entries[e.seq]; ok {
		t.removeLocked(old)
		evicted = append(evicted, old)
	}
	for t.max > 0 && len(t.entries) >= t.max {
		front := t.order.Front()
		if front == nil {
			break
		}
		old := front.Value.(*pendingEntry)
		t.removeLocked(old)
		evicted = append(evicted, old)
	}

	e.elem = t.order.PushBack(e)
	t.entries[e.seq] = e
	if t.timeout > 0 {
		e.timer = time.AfterFunc(t.timeout, func() {
			if t.takeEntry(e) && t.onTimeout != nil {
				t.onTimeout(e)
			}
		})
	}
	return evicted
}

// take removes and returns the entry for seq.
func (t *pendingTable) take(seq uint32) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[seq]
	if !ok {
		return nil
	}
	t.removeLocked(e)
	return e
}

// takeEntry removes e only if it is still the entry registered for its seq.
func (t *pendingTable) takeEntry(e *pendingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.entries[e.seq]; !ok || cur != e {
		return false
	}
	t.removeLocked(e)
	return true
}

// drain removes and returns every entry, oldest first.
func (t *pendingTable) drain() []*pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*pendingEntry, 0, len(t.entries))
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*pendingEntry))
	}
	t.entries = make(map[uint32]*pendingEntry)
	t.order.Init()
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *pendingTable) removeLocked(e *pendingEntry) {
	delete(t.entries, e.seq)
	if e.elem != nil {
		t.order.Remove(e.elem)
		e.elem = nil
	}
}
