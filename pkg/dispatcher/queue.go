package dispatcher

import (
	"sync"

	"github.com/Sternrassler/graph-batch-client/pkg/batch"
)

// queue is an unbounded FIFO of items with a wakeup channel for its single
// consumer.
type queue struct {
	name string

	mu     sync.Mutex
	items  []*batch.Item
	closed bool
	notify chan struct{}
}

func newQueue(name string) *queue {
	return &queue{
		name:   name,
		notify: make(chan struct{}, 1),
	}
}

// push appends it. It reports false once the queue is closed.
func (q *queue) push(it *batch.Item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	queueDepth.WithLabelValues(q.name).Inc()
	q.wake()
	return true
}

func (q *queue) tryPop() (*batch.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	queueDepth.WithLabelValues(q.name).Dec()
	return it, true
}

// close stops intake. Items already queued stay poppable.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// completed reports closed and drained.
func (q *queue) completed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
