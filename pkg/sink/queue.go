// Package sink moves accepted items from concurrent producers to append-only
// JSON-lines files. Each destination is fed by its own unbounded FIFO queue and
// drained by exactly one Sink.
package sink

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned when pushing to, or closing, a queue whose
// end-of-stream marker has already been pushed.
var ErrQueueClosed = errors.New("queue closed")

// Item is one queued entry. Payload is serialized by the draining Sink.
type Item struct {
	Index   int
	Payload any
}

// entry wraps an Item so the end-of-stream marker cannot collide with any valid item.
type entry struct {
	item Item
	end  bool
}

// Queue is an unbounded FIFO with many writers and a single reader. Push never
// blocks. Close pushes the end-of-stream marker exactly once.
type Queue struct {
	mu     sync.Mutex
	data   []entry
	closed bool
	ready  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends an item.
func (q *Queue) Push(item Item) error {
	return q.push(entry{item: item})
}

// Close pushes the end-of-stream marker after every item already pushed.
func (q *Queue) Close() error {
	return q.push(entry{end: true})
}

func (q *Queue) push(e entry) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.data = append(q.data, e)
	if e.end {
		q.closed = true
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest entry, waiting until one is available. It returns
// ok=false once the end-of-stream marker is reached, and ctx.Err() if the
// context is cancelled while waiting.
func (q *Queue) Pop(ctx context.Context) (item Item, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.data) > 0 {
			e := q.data[0]
			q.data[0] = entry{}
			q.data = q.data[1:]
			q.mu.Unlock()
			if e.end {
				return Item{}, false, nil
			}
			return e.item, true, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Item{}, false, ctx.Err()
		}
	}
}

// Len returns the number of queued entries, including a pending end marker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}
