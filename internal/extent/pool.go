// Package extent owns the in-flight block ranges exchanged with the peer:
// reads on behalf of the peer, resync blocks and verify blocks.
package extent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// SyncerID is the correlation id of requests generated by the local resync
// or verify scan rather than by the peer.
const SyncerID = ^uint64(0)

var (
	// ErrPoolExhausted is returned by Alloc when max entries are live.
	ErrPoolExhausted = errors.New("extent pool exhausted")
	// ErrReleased is returned when an entry is released twice.
	ErrReleased = errors.New("extent entry already released")
)

// Queue identifies the ownership domain an entry currently lives in.
type Queue int

const (
	QueueNone Queue = iota
	QueueRead
	QueueActive
	QueueSync
	QueueDone
	QueueNet
	numQueues
)

func (q Queue) String() string {
	switch q {
	case QueueNone:
		return "none"
	case QueueRead:
		return "read"
	case QueueActive:
		return "active"
	case QueueSync:
		return "sync"
	case QueueDone:
		return "done"
	case QueueNet:
		return "net"
	default:
		return fmt.Sprintf("queue(%d)", int(q))
	}
}

// Flags modify how an entry's write completion is handled.
type Flags uint8

const (
	// FlagBarrier marks a write submitted as a barrier probe.
	FlagBarrier Flags = 1 << iota
	// FlagCallActivityLog asks for the activity log hook on completion.
	FlagCallActivityLog
)

// Entry is one in-flight block range.
type Entry struct {
	Sector uint64
	Size   int
	ID     uint64
	Flags  Flags
	// Epoch is the barrier epoch of a mirrored write.
	Epoch uint32
	// Digest is the peer digest carried by checksum and verify requests.
	Digest []byte
	// Err is the outcome of the local I/O.
	Err error
	// Continuation runs on the device worker once the local I/O completed.
	Continuation func(e *Entry, cancel bool) error

	buf       *Buffer
	queue     Queue
	released  bool
	destroyed bool
}

// Buffer returns the entry's data buffer.
func (e *Entry) Buffer() *Buffer { return e.buf }

// Data returns the entry's data.
func (e *Entry) Data() []byte { return e.buf.Bytes() }

// IsSyncer reports whether the entry was generated by the local scan.
func (e *Entry) IsSyncer() bool { return e.ID == SyncerID }

// Stats is a snapshot of pool counters.
type Stats struct {
	Allocated uint64         `json:"allocated"`
	Destroyed uint64         `json:"destroyed"`
	Live      int            `json:"live"`
	Queues    map[string]int `json:"queues"`
}

// Pool allocates entries, tracks which queue each lives on and destroys
// them exactly once.
type Pool struct {
	mu        sync.Mutex
	max       int
	live      int
	queues    [numQueues]map[*Entry]struct{}
	allocated uint64
	destroyed uint64
	emptied   chan struct{}

	bufs    sync.Pool
	bufSize int
	logger  zerolog.Logger
}

// NewPool creates a pool holding at most max live entries with buffers of
// up to bufSize bytes taken from a shared free list.
func NewPool(max, bufSize int, logger zerolog.Logger) *Pool {
	p := &Pool{
		max:     max,
		bufSize: bufSize,
		emptied: make(chan struct{}),
		logger:  logger.With().Str("component", "extent-pool").Logger(),
	}
	for i := range p.queues {
		p.queues[i] = make(map[*Entry]struct{})
	}
	p.bufs.New = func() any {
		b := make([]byte, p.bufSize)
		return &b
	}
	return p
}

// Alloc creates an entry with a zeroed buffer of size bytes on QueueNone.
func (p *Pool) Alloc(sector uint64, size int, id uint64) (*Entry, error) {
	if size <= 0 {
		return nil, fmt.Errorf("extent: invalid entry size %d", size)
	}
	p.mu.Lock()
	if p.max > 0 && p.live >= p.max {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.live++
	p.allocated++
	e := &Entry{Sector: sector, Size: size, ID: id, queue: QueueNone}
	p.queues[QueueNone][e] = struct{}{}
	p.mu.Unlock()

	data, pooled := p.getBytes(size)
	e.buf = newBuffer(data, func() { p.bufferFree(e, data, pooled) })
	return e, nil
}

func (p *Pool) getBytes(size int) ([]byte, bool) {
	if size > p.bufSize {
		return make([]byte, size), false
	}
	bp := p.bufs.Get().(*[]byte)
	b := (*bp)[:size]
	clear(b)
	return b, true
}

// Move transfers e to queue to. It panics if e was already released, since
// that would let one entry appear on two queues.
func (p *Pool) Move(e *Entry, to Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.released {
		panic(fmt.Sprintf("extent: move of released entry at sector %d", e.Sector))
	}
	p.moveLocked(e, to)
}

func (p *Pool) moveLocked(e *Entry, to Queue) {
	from := e.queue
	delete(p.queues[from], e)
	p.queues[to][e] = struct{}{}
	e.queue = to
	if len(p.queues[from]) == 0 && from != to {
		close(p.emptied)
		p.emptied = make(chan struct{})
	}
}

// QueueOf returns the queue e currently lives on.
func (p *Pool) QueueOf(e *Entry) Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return e.queue
}

// Release ends the entry's life on the device side. If a network send still
// references its buffer the entry is parked on QueueNet until that send drops
// its reference; otherwise it is destroyed immediately.
func (p *Pool) Release(e *Entry) error {
	p.mu.Lock()
	if e.released {
		p.mu.Unlock()
		return ErrReleased
	}
	e.released = true
	p.moveLocked(e, QueueNet)
	p.mu.Unlock()

	e.buf.Put()
	return nil
}

func (p *Pool) bufferFree(e *Entry, data []byte, pooled bool) {
	if pooled {
		b := data[:cap(data)]
		p.bufs.Put(&b)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.destroyed {
		p.logger.Error().Uint64("sector", e.Sector).Msg("Entry destroyed twice")
		return
	}
	e.destroyed = true
	delete(p.queues[e.queue], e)
	if len(p.queues[e.queue]) == 0 {
		close(p.emptied)
		p.emptied = make(chan struct{})
	}
	e.queue = QueueNone
	p.live--
	p.destroyed++
}

// Len returns the number of entries on q.
func (p *Pool) Len(q Queue) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[q])
}

// WaitEmpty blocks until q is empty or ctx is done.
func (p *Pool) WaitEmpty(ctx context.Context, q Queue) error {
	for {
		p.mu.Lock()
		if len(p.queues[q]) == 0 {
			p.mu.Unlock()
			return nil
		}
		ch := p.emptied
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Allocated: p.allocated,
		Destroyed: p.destroyed,
		Live:      p.live,
		Queues:    make(map[string]int, numQueues),
	}
	for q := QueueNone; q < numQueues; q++ {
		s.Queues[q.String()] = len(p.queues[q])
	}
	return s
}
