// Package bitmap tracks which blocks of a mirrored device differ from the peer.
//
// One bit covers one 4 KiB block. A set bit means the block is out of sync.
// Bits can additionally be reserved while a resync request covering them is
// in flight, so that a second scan never schedules the same block twice.
package bitmap

import (
	"math/bits"
	"sync"
)

const (
	// SectorShift is log2 of the sector size.
	SectorShift = 9
	// SectorSize is the addressing unit of the device.
	SectorSize = 1 << SectorShift

	// BlockShift is log2 of the number of bytes covered by one bit.
	BlockShift = 12
	// BlockSize is the number of bytes covered by one bit.
	BlockSize = 1 << BlockShift

	// SectorsPerBit is the number of sectors covered by one bit.
	SectorsPerBit = BlockSize >> SectorShift

	// ExtentBits is the number of bits in one resync accounting extent (4 MiB).
	// Merged resync requests never cross an extent boundary.
	ExtentBits = 1024
)

// State is the three-way result of testing or reserving a bit.
type State int

const (
	// Clear means the block is in sync.
	Clear State = iota
	// Set means the block is out of sync and free to be scheduled.
	Set
	// Reserved means a request covering the block is already in flight.
	Reserved
)

func (s State) String() string {
	switch s {
	case Clear:
		return "clear"
	case Set:
		return "set"
	case Reserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// SectorToBit returns the bit covering sector.
func SectorToBit(sector uint64) uint64 { return sector >> (BlockShift - SectorShift) }

// BitToSector returns the first sector covered by bit.
func BitToSector(bit uint64) uint64 { return bit << (BlockShift - SectorShift) }

// Memory is an in-memory out-of-sync bitmap with a reservation table.
// It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	sectors  uint64
	nbits    uint64
	dirty    []uint64
	reserved []uint64
	weight   uint64
	nres     int
}

// NewMemory returns a clean bitmap for a device of the given capacity in sectors.
func NewMemory(sectors uint64) *Memory {
	nbits := (sectors + SectorsPerBit - 1) / SectorsPerBit
	words := (nbits + 63) / 64
	return &Memory{
		sectors:  sectors,
		nbits:    nbits,
		dirty:    make([]uint64, words),
		reserved: make([]uint64, words),
	}
}

// Bits returns the number of bits in the bitmap.
func (m *Memory) Bits() uint64 { return m.nbits }

// Sectors returns the capacity the bitmap was sized for.
func (m *Memory) Sectors() uint64 { return m.sectors }

// FindNextDirty returns the first out-of-sync bit at or after from.
// Reserved bits are reported too; the caller learns about the reservation
// when it tries to reserve the bit.
func (m *Memory) FindNextDirty(from uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if from >= m.nbits {
		return 0, false
	}
	w := from / 64
	word := m.dirty[w] &^ ((uint64(1) << (from % 64)) - 1)
	for {
		if word != 0 {
			bit := w*64 + uint64(bits.TrailingZeros64(word))
			if bit >= m.nbits {
				return 0, false
			}
			return bit, true
		}
		w++
		if w >= uint64(len(m.dirty)) {
			return 0, false
		}
		word = m.dirty[w]
	}
}

// Test reports the state of bit. Reserved takes precedence over Set.
// Bits beyond the end of the device test as Clear.
func (m *Memory) Test(bit uint64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.testLocked(bit)
}

func (m *Memory) testLocked(bit uint64) State {
	if bit >= m.nbits {
		return Clear
	}
	mask := uint64(1) << (bit % 64)
	if m.reserved[bit/64]&mask != 0 {
		return Reserved
	}
	if m.dirty[bit/64]&mask != 0 {
		return Set
	}
	return Clear
}

// Reserve atomically tests bit and reserves it if it is out of sync.
// It returns Set when the caller now owns the reservation, Clear when the
// block needs no work, and Reserved when somebody else holds it.
func (m *Memory) Reserve(bit uint64) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.testLocked(bit)
	if st == Set {
		m.reserved[bit/64] |= uint64(1) << (bit % 64)
		m.nres++
	}
	return st
}

// TryReserve reserves bit whether or not it is out of sync, for walks
// that visit every block. It reports false when the bit is already
// reserved or lies beyond the device.
func (m *Memory) TryReserve(bit uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bit >= m.nbits {
		return false
	}
	mask := uint64(1) << (bit % 64)
	if m.reserved[bit/64]&mask != 0 {
		return false
	}
	m.reserved[bit/64] |= mask
	m.nres++
	return true
}

// Release drops the reservations on every bit touched by the sector range.
func (m *Memory) Release(sector uint64, size int) {
	if size < SectorSize {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	first := SectorToBit(sector)
	last := SectorToBit(sector + uint64(size>>SectorShift) - 1)
	for b := first; b <= last && b < m.nbits; b++ {
		mask := uint64(1) << (b % 64)
		if m.reserved[b/64]&mask != 0 {
			m.reserved[b/64] &^= mask
			m.nres--
		}
	}
}

// ReservedCount returns the number of reserved bits.
func (m *Memory) ReservedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nres
}

// CancelReservations drops every reservation.
func (m *Memory) CancelReservations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.reserved)
	m.nres = 0
}

// SetInSync clears the bits fully covered by the sector range and returns
// how many bits changed. A partial block at either edge stays dirty, except
// the final block of the device which may be shorter than a full block.
func (m *Memory) SetInSync(sector uint64, size int) int {
	if size < SectorSize {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	end := sector + uint64(size>>SectorShift) - 1
	if end >= m.sectors {
		end = m.sectors - 1
	}
	first := (sector + SectorsPerBit - 1) / SectorsPerBit
	var last uint64
	if end == m.sectors-1 {
		last = SectorToBit(end)
	} else {
		next := SectorToBit(end + 1)
		if next == 0 {
			return 0
		}
		last = next - 1
	}

	changed := 0
	for b := first; b <= last && b < m.nbits; b++ {
		mask := uint64(1) << (b % 64)
		if m.dirty[b/64]&mask != 0 {
			m.dirty[b/64] &^= mask
			m.weight--
			changed++
		}
	}
	return changed
}

// SetOutOfSync sets every bit touched by the sector range and returns how
// many bits changed.
func (m *Memory) SetOutOfSync(sector uint64, size int) int {
	if size < SectorSize {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	first := SectorToBit(sector)
	last := SectorToBit(sector + uint64(size>>SectorShift) - 1)
	changed := 0
	for b := first; b <= last && b < m.nbits; b++ {
		mask := uint64(1) << (b % 64)
		if m.dirty[b/64]&mask == 0 {
			m.dirty[b/64] |= mask
			m.weight++
			changed++
		}
	}
	return changed
}

// SetAll marks the whole device out of sync.
func (m *Memory) SetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.dirty {
		m.dirty[i] = ^uint64(0)
	}
	if tail := m.nbits % 64; tail != 0 && len(m.dirty) > 0 {
		m.dirty[len(m.dirty)-1] = (uint64(1) << tail) - 1
	}
	m.weight = m.nbits
}

// TotalWeight returns the number of out-of-sync bits.
func (m *Memory) TotalWeight() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weight
}

// Recount recomputes the cached weight from the bit words.
func (m *Memory) Recount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for _, w := range m.dirty {
		n += uint64(bits.OnesCount64(w))
	}
	m.weight = n
	return n
}
