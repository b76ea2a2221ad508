package mode

import "sync"

// Queue is an unbounded FIFO of Events with a single channel consumer.
// Push never blocks, so backend receive loops are never stalled by a slow
// client. Close stops delivery; anything still queued is dropped.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool

	notify    chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue starts the delivery goroutine for a new queue.
func NewQueue() *Queue {
	q := &Queue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push enqueues ev. Returns false once the queue is closed.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Events is the consumer side. It is closed after Close.
func (q *Queue) Events() <-chan Event {
	return q.out
}

// Len reports the number of undelivered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			return
		}
	}
}

// closedEvents is returned by modes that have never connected.
var closedEvents = func() chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}()

// ClosedEvents returns an already-closed channel for unconnected modes.
func ClosedEvents() <-chan Event {
	return closedEvents
}
