package broker

import (
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/eventcore/internal/event"
)

// queue is a fixed-capacity FIFO shared by all producers and workers.
// Producers never block: a full queue rejects the event.
type queue struct {
	items chan event.Event

	mu     sync.Mutex
	notify chan struct{} // closed and replaced after every enqueue

	done      chan struct{}
	closeOnce sync.Once
}

func newQueue(capacity int) *queue {
	return &queue{
		items:  make(chan event.Event, capacity),
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// enqueue appends ev or returns ErrQueueFull without blocking.
func (q *queue) enqueue(ev event.Event) error {
	select {
	case q.items <- ev:
	default:
		return ErrQueueFull
	}
	q.mu.Lock()
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
	return nil
}

// dequeue blocks until the oldest event is available or the queue is closed.
func (q *queue) dequeue() (event.Event, bool) {
	select {
	case <-q.done:
		return event.Event{}, false
	default:
	}
	select {
	case ev := <-q.items:
		return ev, true
	case <-q.done:
		return event.Event{}, false
	}
}

// wait blocks until the queue is non-empty, the timeout elapses (0 waits
// forever) or the queue is closed. It does not consume anything.
func (q *queue) wait(timeout time.Duration) bool {
	q.mu.Lock()
	if len(q.items) > 0 {
		q.mu.Unlock()
		return true
	}
	signal := q.notify
	q.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-signal:
		return true
	case <-expired:
		return false
	case <-q.done:
		return false
	}
}

// close wakes every blocked dequeue and wait. Pending events are abandoned.
func (q *queue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *queue) len() int {
	return len(q.items)
}

func (q *queue) capacity() int {
	return cap(q.items)
}
