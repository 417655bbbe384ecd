// Package eventqueue provides an ordered queue whose data are entered and
// removed via channels, so that a producer never waits on a slow consumer.
package eventqueue

import "sync/atomic"

// Queue is a FIFO between one producer and one consumer. Sends on In are
// accepted as soon as the queue's goroutine is free, regardless of whether
// anything is receiving from Out.
//
// With a positive limit, a full queue discards its oldest droppable item to make
// room. Items that are not droppable are always kept, so the queue can exceed
// the limit when it holds nothing else. Each drop removes a single item, with
// no regard to any grouping among the items.
// Beware! You almost certainly want T to be a small value; use pointers for large objects.
type Queue[T any] struct {
	in        chan T
	out       chan T
	queue     []T
	limit     int
	droppable func(T) bool
	onDrop    func(T)
	dropped   atomic.Uint64
}

// New creates a Queue and starts its goroutine. A limit <= 0 makes the queue
// unbounded. A nil droppable means every item may be dropped.
func New[T any](limit int, droppable func(T) bool) *Queue[T] {
	q := &Queue[T]{
		in:        make(chan T),
		out:       make(chan T),
		queue:     make([]T, 0),
		limit:     limit,
		droppable: droppable,
	}
	go q.run()
	return q
}

// OnDrop registers f to be called (on the queue goroutine) with each discarded item.
// Call it before the first send.
func (q *Queue[T]) OnDrop(f func(T)) {
	q.onDrop = f
}

func (q *Queue[T]) run() {
	for {
		if len(q.queue) == 0 {
			// If queue is empty, only listen for new incoming data
			val, ok := <-q.in
			if !ok {
				close(q.out)
				return
			}
			q.push(val)
		} else {
			// If queue has data, try to send it and also listen for new incoming data
			select {
			case q.out <- q.queue[0]:
				var zero T
				q.queue[0] = zero
				q.queue = q.queue[1:]
			case val, ok := <-q.in:
				if !ok {
					// When the input channel is closed, send all data currently in the queue, then close the output.
					for _, item := range q.queue {
						q.out <- item
					}
					q.queue = nil
					close(q.out)
					return
				}
				q.push(val)
			}
		}
	}
}

func (q *Queue[T]) push(val T) {
	q.queue = append(q.queue, val)
	if q.limit <= 0 || len(q.queue) <= q.limit {
		return
	}
	for i, item := range q.queue {
		if q.droppable == nil || q.droppable(item) {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop(item)
			}
			return
		}
	}
}

// In returns the input channel for sending data. Close it to end the queue;
// items already queued are still delivered before Out is closed.
func (q *Queue[T]) In() chan<- T {
	return q.in
}

// Out returns the output channel for receiving data
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Dropped returns how many items have been discarded because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
