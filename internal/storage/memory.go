package storage

import (
	"sync"
	"sync/atomic"
)

// Memory is an in-memory backend with fault injection. Completions run on
// their own goroutine, like interrupts from a real device.
type Memory struct {
	mu       sync.RWMutex
	data     []byte
	closed   bool
	badRead  map[uint64]bool
	badWrite map[uint64]bool

	rejectBarriers atomic.Bool
	reads          atomic.Uint64
	writes         atomic.Uint64
	wg             sync.WaitGroup
}

// NewMemory returns a zeroed device of the given size in sectors.
func NewMemory(sectors uint64) *Memory {
	return &Memory{
		data:     make([]byte, sectors*512),
		badRead:  make(map[uint64]bool),
		badWrite: make(map[uint64]bool),
	}
}

// Capacity implements Backend.
func (m *Memory) Capacity() uint64 { return uint64(len(m.data)) / 512 }

// Submit implements Backend.
func (m *Memory) Submit(dir Direction, sector uint64, buf []byte, flags Flags, done Completion) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		done(m.do(dir, sector, buf, flags))
	}()
}

func (m *Memory) do(dir Direction, sector uint64, buf []byte, flags Flags) error {
	if err := checkRange(m.Capacity(), sector, len(buf)); err != nil {
		return err
	}
	off := sector * 512
	if dir == Read {
		m.reads.Add(1)
		m.mu.RLock()
		defer m.mu.RUnlock()
		if m.closed {
			return ErrClosed
		}
		if m.faultLocked(m.badRead, sector, len(buf)) {
			return ErrMedium
		}
		copy(buf, m.data[off:])
		return nil
	}

	m.writes.Add(1)
	if flags&FlagBarrier != 0 && m.rejectBarriers.Load() {
		return ErrBarrierNotSupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.faultLocked(m.badWrite, sector, len(buf)) {
		return ErrMedium
	}
	copy(m.data[off:], buf)
	return nil
}

func (m *Memory) faultLocked(bad map[uint64]bool, sector uint64, n int) bool {
	for s := sector; s < sector+uint64(n/512); s++ {
		if bad[s] {
			return true
		}
	}
	return false
}

// FailReads makes reads touching sector fail with ErrMedium.
func (m *Memory) FailReads(sector uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.badRead[sector] = true
}

// FailWrites makes writes touching sector fail with ErrMedium.
func (m *Memory) FailWrites(sector uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.badWrite[sector] = true
}

// Heal removes all injected faults.
func (m *Memory) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.badRead)
	clear(m.badWrite)
}

// RejectBarriers makes barrier writes fail with ErrBarrierNotSupported.
func (m *Memory) RejectBarriers(reject bool) { m.rejectBarriers.Store(reject) }

// Bytes returns a copy of the device contents.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

// Counts returns the number of reads and writes submitted so far.
func (m *Memory) Counts() (reads, writes uint64) {
	return m.reads.Load(), m.writes.Load()
}

// Close waits for in-flight completions and fails later I/O.
func (m *Memory) Close() error {
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
