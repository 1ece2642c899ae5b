// Package workqueue provides the single-consumer FIFO and worker loop that
// drive all replication-side processing of a device.
package workqueue

import (
	"fmt"
	"sync"
)

// Kind tags a work item for logging and metrics.
type Kind int

const (
	KindResyncScan Kind = iota
	KindVerifyRequest
	KindSendBarrier
	KindSendWriteHint
	KindSendDataBlock
	KindSendReadRequest
	KindReadRetryRemote
	KindEntry
	KindResyncFinished
	KindIOError
	KindStartResync
	KindSendState
	KindFlush
)

func (k Kind) String() string {
	switch k {
	case KindResyncScan:
		return "resync-scan"
	case KindVerifyRequest:
		return "verify-request"
	case KindSendBarrier:
		return "send-barrier"
	case KindSendWriteHint:
		return "send-write-hint"
	case KindSendDataBlock:
		return "send-data-block"
	case KindSendReadRequest:
		return "send-read-request"
	case KindReadRetryRemote:
		return "read-retry-remote"
	case KindEntry:
		return "entry"
	case KindResyncFinished:
		return "resync-finished"
	case KindIOError:
		return "io-error"
	case KindStartResync:
		return "start-resync"
	case KindSendState:
		return "send-state"
	case KindFlush:
		return "flush"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Func is the callback of a work item. cancel is true when the connection
// is down or the queue is being torn down; the callback must then release
// whatever it owns without touching the network.
type Func func(cancel bool) error

// Item is one unit of work. An item is identified by its pointer and can be
// on the queue at most once.
type Item struct {
	Kind Kind
	fn   Func

	queued bool // guarded by Queue.mu
}

// NewItem returns an item running fn.
func NewItem(kind Kind, fn Func) *Item {
	return &Item{Kind: kind, fn: fn}
}

// Run invokes the callback.
func (it *Item) Run(cancel bool) error {
	return it.fn(cancel)
}

// Queue is a FIFO of work items with a wake signal for the consumer.
type Queue struct {
	mu     sync.Mutex
	items  []*Item
	closed bool
	wake   chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends it and wakes the consumer. It returns false if it is
// already queued. Items enqueued after Close are run with cancel set on
// their own goroutine so that nothing they own leaks.
func (q *Queue) Enqueue(it *Item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		go func() { _ = it.Run(true) }()
		return true
	}
	if it.queued {
		q.mu.Unlock()
		return false
	}
	it.queued = true
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes and returns the head of the queue, or nil if it is empty.
func (q *Queue) TryPop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	it.queued = false
	return it
}

// Wake returns the channel signalled on every enqueue.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and returns whatever was still queued.
func (q *Queue) Close() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	for _, it := range rest {
		it.queued = false
	}
	return rest
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
