package ddnio

import (
	"sync"

	"github.com/eapache/queue"
)

// taskQueue is the many-producer, single-consumer handoff into a selector.
// Producers hold the lock only for one ring append; the consumer swaps the
// whole ring out and drains it unlocked.
type taskQueue struct {
	mu      sync.Mutex
	pending *queue.Queue
	// only touched by the consumer
	draining *queue.Queue
	closed   bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		pending:  queue.New(),
		draining: queue.New(),
	}
}

// push appends v and reports whether the queue was empty before, in which
// case the consumer may be parked and needs a wakeup. ok is false once the
// queue has been closed.
func (q *taskQueue) push(v interface{}) (wasEmpty bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, false
	}
	wasEmpty = q.pending.Length() == 0
	q.pending.Add(v)
	return wasEmpty, true
}

// close refuses every later push. Elements already queued can still be drained.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Length()
}

// drain hands every element queued so far to fn in push order. Elements pushed
// by fn itself are left for the next drain.
func (q *taskQueue) drain(fn func(v interface{})) int {
	q.mu.Lock()
	if q.pending.Length() == 0 {
		q.mu.Unlock()
		return 0
	}
	batch := q.pending
	q.pending = q.draining
	q.mu.Unlock()
	defer func() { q.draining = batch }()

	n := 0
	for batch.Length() > 0 {
		fn(batch.Remove())
		n++
	}
	return n
}
