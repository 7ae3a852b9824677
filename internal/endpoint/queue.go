package endpoint

import (
	"sync"

	"github.com/roach88/realmsup/internal/badge"
)

// message is one queued send. The body is the CBOR encoding of the
// payload taken at send time; the receiver decodes its own copy.
type message struct {
	seq   int64
	badge badge.Badge
	body  []byte
	reply *replySlot // nil for one-way sends
}

// messageQueue is the unbounded FIFO behind an endpoint.
//
// Senders enqueue from any goroutine; the owner's receive loop dequeues.
// A buffered signal channel lets Receive select on it together with
// ctx.Done(). Close closes the signal so a blocked receiver wakes up and
// drains what is left.
type messageQueue struct {
	mu     sync.Mutex
	items  []message
	closed bool
	signal chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		items:  make([]message, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends m. Returns false once the queue is closed.
func (q *messageQueue) Enqueue(m message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front message without blocking.
func (q *messageQueue) TryDequeue() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return message{}, false
	}
	m := q.items[0]
	// Clear the slot so the body and reply slot can be collected.
	q.items[0] = message{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return m, true
}

// Wait returns the availability signal. It is closed after Close.
func (q *messageQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *messageQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further enqueues and removes the queued calls, whose
// callers are still blocked and must be failed. One-way messages stay
// queued: their senders were told they were delivered, so the receiver
// drains them before Receive reports ErrClosed.
func (q *messageQueue) Close() []message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)

	var calls []message
	kept := q.items[:0]
	for _, m := range q.items {
		if m.reply != nil {
			calls = append(calls, m)
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = message{}
	}
	q.items = kept
	return calls
}
