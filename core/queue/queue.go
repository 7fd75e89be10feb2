// Package queue implements the work queue that hands accepted connections
// to workers and tracks how many of them are still in flight.
package queue

import (
	"container/list"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Dequeue once the queue is closed and empty
var ErrClosed = errors.New("queue: closed")

// Item is one accepted connection waiting to be processed
type Item struct {
	Seq        uint64
	RequestID  string
	Conn       net.Conn
	EnqueuedAt time.Time

	completed atomic.Bool
}

// Queue is an unbounded FIFO of items with an in-flight counter.
// An item counts as in flight from Enqueue until Complete.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	drained  *sync.Cond
	items    *list.List
	closed   bool

	seq       uint64
	enqueued  uint64
	completed uint64
	inFlight  int64
}

// Stats is a point-in-time snapshot of the queue counters
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	InFlight  int64  `json:"in_flight"`
	Pending   int    `json:"pending"`
}

// New creates an empty queue
func New() *Queue {
	q := &Queue{items: list.New()}
	q.notEmpty = sync.NewCond(&q.mu)
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends conn and returns its item. It never rejects, even after
// Close, so a connection accepted while shutting down is still answered.
func (q *Queue) Enqueue(conn net.Conn) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	item := &Item{
		Seq:        q.seq,
		RequestID:  uuid.NewString(),
		Conn:       conn,
		EnqueuedAt: time.Now(),
	}
	q.items.PushBack(item)
	q.enqueued++
	q.inFlight++
	q.notEmpty.Signal()

	return item
}

// Dequeue blocks until an item is available. Once the queue is closed it
// keeps handing out what is left and returns ErrClosed when empty.
func (q *Queue) Dequeue() (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		q.notEmpty.Wait()
	}

	return q.items.Remove(q.items.Front()).(*Item), nil
}

// Complete removes item from the in-flight count. Completing an item more
// than once has no effect.
func (q *Queue) Complete(item *Item) {
	if item == nil || !item.completed.CompareAndSwap(false, true) {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.completed++
	q.inFlight--
	if q.inFlight == 0 {
		q.drained.Broadcast()
	}
}

// WaitDrained blocks until no item is in flight or ctx is done
func (q *Queue) WaitDrained(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.drained.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.inFlight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.drained.Wait()
	}
	return nil
}

// Close wakes every blocked consumer. Items already queued are still
// delivered by Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
}

// Stats returns a snapshot taken under the queue lock, so
// Enqueued == Completed + InFlight always holds for it.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Enqueued:  q.enqueued,
		Completed: q.completed,
		InFlight:  q.inFlight,
		Pending:   q.items.Len(),
	}
}
