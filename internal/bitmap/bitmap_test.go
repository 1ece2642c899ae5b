package bitmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_FindNextDirty(t *testing.T) {
	m := NewMemory(8 * 200)
	require.Equal(t, uint64(200), m.Bits())

	_, ok := m.FindNextDirty(0)
	assert.False(t, ok)

	m.SetOutOfSync(BitToSector(3), BlockSize)
	m.SetOutOfSync(BitToSector(130), BlockSize)

	bit, ok := m.FindNextDirty(0)
	require.True(t, ok)
	assert.Equal(t, uint64(3), bit)

	bit, ok = m.FindNextDirty(4)
	require.True(t, ok)
	assert.Equal(t, uint64(130), bit)

	_, ok = m.FindNextDirty(131)
	assert.False(t, ok)

	_, ok = m.FindNextDirty(10_000)
	assert.False(t, ok)
}

func TestMemory_ReserveIsTriState(t *testing.T) {
	m := NewMemory(8 * 16)
	m.SetOutOfSync(BitToSector(5), BlockSize)

	assert.Equal(t, Clear, m.Reserve(4))
	assert.Equal(t, Set, m.Reserve(5))
	assert.Equal(t, Reserved, m.Reserve(5), "second reservation must fail")
	assert.Equal(t, Reserved, m.Test(5))
	assert.Equal(t, 1, m.ReservedCount())

	m.Release(BitToSector(5), BlockSize)
	assert.Equal(t, Set, m.Test(5))
	assert.Equal(t, 0, m.ReservedCount())
}

func TestMemory_TryReserveIgnoresDirtyState(t *testing.T) {
	m := NewMemory(8 * 16)
	m.SetOutOfSync(BitToSector(5), BlockSize)

	assert.True(t, m.TryReserve(4))
	assert.True(t, m.TryReserve(5))
	assert.False(t, m.TryReserve(4))
	assert.Equal(t, Reserved, m.Reserve(5))
	assert.False(t, m.TryReserve(16), "beyond the device")
	assert.Equal(t, 2, m.ReservedCount())
	assert.Equal(t, uint64(1), m.TotalWeight())

	m.Release(BitToSector(4), 2*BlockSize)
	assert.Equal(t, Clear, m.Test(4))
	assert.Equal(t, Set, m.Test(5))
	assert.Zero(t, m.ReservedCount())
}

func TestMemory_SubSectorRangesIgnored(t *testing.T) {
	m := NewMemory(8 * 16)
	m.SetOutOfSync(0, BlockSize)
	require.Equal(t, Set, m.Reserve(0))

	for _, size := range []int{-1, 0, 1, SectorSize - 1} {
		assert.Zero(t, m.SetOutOfSync(0, size), "size %d", size)
		assert.Zero(t, m.SetInSync(0, size), "size %d", size)
		m.Release(0, size)
	}
	assert.Equal(t, uint64(1), m.TotalWeight())
	assert.Equal(t, 1, m.ReservedCount())
	assert.Equal(t, Clear, m.Test(15))
}

func TestMemory_ReserveConcurrent(t *testing.T) {
	m := NewMemory(8 * 64)
	m.SetOutOfSync(0, 64*BlockSize)

	var mu sync.Mutex
	owners := make(map[uint64]int)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := uint64(0); b < 64; b++ {
				if m.Reserve(b) == Set {
					mu.Lock()
					owners[b]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, owners, 64)
	for b, n := range owners {
		assert.Equal(t, 1, n, "bit %d reserved more than once", b)
	}
}

func TestMemory_SetInSyncRoundsInward(t *testing.T) {
	m := NewMemory(8 * 16)
	m.SetOutOfSync(0, 4*BlockSize)
	require.Equal(t, uint64(4), m.TotalWeight())

	// Covers half of bit 0 and all of bit 1.
	n := m.SetInSync(4, BlockSize+SectorSize*4)
	assert.Equal(t, 1, n)
	assert.Equal(t, Set, m.Test(0))
	assert.Equal(t, Clear, m.Test(1))
	assert.Equal(t, uint64(3), m.TotalWeight())
}

func TestMemory_SetInSyncShortLastBlock(t *testing.T) {
	// 20 sectors: bits 0,1 full and bit 2 only four sectors long.
	m := NewMemory(20)
	require.Equal(t, uint64(3), m.Bits())
	m.SetOutOfSync(16, 4*SectorSize)
	assert.Equal(t, Set, m.Test(2))

	assert.Equal(t, 1, m.SetInSync(16, 4*SectorSize))
	assert.Equal(t, uint64(0), m.TotalWeight())
}

func TestMemory_SetAllAndRecount(t *testing.T) {
	m := NewMemory(8 * 70)
	m.SetAll()
	assert.Equal(t, uint64(70), m.TotalWeight())
	assert.Equal(t, uint64(70), m.Recount())

	_, ok := m.FindNextDirty(70)
	assert.False(t, ok)
}

func TestMemory_CancelReservations(t *testing.T) {
	m := NewMemory(8 * 8)
	m.SetAll()
	for b := uint64(0); b < 8; b++ {
		require.Equal(t, Set, m.Reserve(b))
	}
	m.CancelReservations()
	assert.Equal(t, 0, m.ReservedCount())
	assert.Equal(t, Set, m.Test(3))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "clear", Clear.String())
	assert.Equal(t, "set", Set.String())
	assert.Equal(t, "reserved", Reserved.String())
}
