package dispatch

import (
	"sync"

	"github.com/mapswipe/mapswipe-workers/internal/store"
)

// invocation is one pending handler delivery: an event matched to a route,
// with its bound parameters and the attempt count for at-least-once retry.
type invocation struct {
	route   *route
	event   store.Event
	params  map[string]string
	attempt int
}

// deliveryQueue is a thread-safe unbounded FIFO. It is unbounded because a
// cascade (ingestion → completion → progress) enqueues follow-on events
// from inside handler execution and must never block the writer.
//
// A one-slot signal channel coalesces wakeups so workers can select on it
// together with context cancellation.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []invocation
	closed bool
	signal chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{
		items:  make([]invocation, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends an invocation. Returns false if the queue is closed.
func (q *deliveryQueue) enqueue(inv invocation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, inv)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue pops the front invocation without blocking.
func (q *deliveryQueue) tryDequeue() (invocation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return invocation{}, false
	}
	inv := q.items[0]
	// Zero the slot so the backing array does not pin event snapshots.
	q.items[0] = invocation{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return inv, true
}

// wait returns the wakeup channel for select-based waiting.
func (q *deliveryQueue) wait() <-chan struct{} {
	return q.signal
}

// length returns the number of pending invocations.
func (q *deliveryQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close marks the queue closed and wakes all waiters.
func (q *deliveryQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
