package mirror

import (
	"testing"
	"time"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastVerify(c *Config) { c.SyncRate = 40 * 1024 * 1024 }

func TestVerify_FindsDivergence(t *testing.T) {
	a, b := newPair(t, fastVerify)
	fill(t, b, 100, 0x77)
	fill(t, b, 101, 0x77)
	fill(t, a, 300, 0x10)
	fill(t, b, 300, 0x10)

	require.NoError(t, a.dev.StartVerify(0))
	waitFor(t, func() bool { return a.dev.LastRun() != nil && b.dev.LastRun() != nil })

	bits := int(a.bm.Bits())
	assert.Equal(t, bits, a.link.Sent(peerlink.KindOVRequest))
	assert.Equal(t, bits, b.link.Sent(peerlink.KindOVReply))
	assert.Equal(t, bits, a.link.Sent(peerlink.KindOVResult))

	for _, n := range []*node{a, b} {
		run := n.dev.LastRun()
		assert.Equal(t, "verify", run.Kind)
		assert.Equal(t, uint64(2*bitmap.BlockSize), run.OutOfSyncBytes)
		assert.Equal(t, uint64(2), n.bm.TotalWeight())
		assert.Equal(t, bitmap.Set, n.bm.Test(100))
		assert.Equal(t, bitmap.Set, n.bm.Test(101))
		assert.True(t, n.notify.seen(EventOutOfSync))
		assert.Equal(t, Connected, n.dev.State().Conn)
		assert.Zero(t, n.dev.Stats().Pending)
	}
	assert.Equal(t, "VerifyS", a.dev.LastRun().Side)
	assert.Equal(t, "VerifyT", b.dev.LastRun().Side)
}

func TestVerify_CleanFromStartSector(t *testing.T) {
	a, b := newPair(t, fastVerify)

	require.NoError(t, a.dev.StartVerify(515))
	waitFor(t, func() bool { return a.dev.LastRun() != nil && b.dev.LastRun() != nil })

	assert.Equal(t, int(a.bm.Bits())-64, a.link.Sent(peerlink.KindOVRequest))
	assert.Zero(t, a.dev.LastRun().OutOfSyncBytes)
	assert.Zero(t, a.bm.TotalWeight())
	assert.False(t, a.notify.seen(EventOutOfSync))
}

func TestVerify_PeerReadErrorCountsAsMismatch(t *testing.T) {
	a, b := newPair(t, fastVerify)
	b.store.FailReads(bitmap.BitToSector(10))

	require.NoError(t, a.dev.StartVerify(0))
	waitFor(t, func() bool { return a.dev.LastRun() != nil && b.dev.LastRun() != nil })

	assert.Equal(t, uint64(bitmap.BlockSize), a.dev.LastRun().OutOfSyncBytes)
	assert.Equal(t, bitmap.Set, a.bm.Test(10))
}

func TestVerify_WaitsForReservedBlock(t *testing.T) {
	a, b := newPair(t, fastVerify)
	require.True(t, a.bm.TryReserve(2))

	require.NoError(t, a.dev.StartVerify(0))
	waitFor(t, func() bool { return a.link.Sent(peerlink.KindOVRequest) == 2 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, a.link.Sent(peerlink.KindOVRequest))
	assert.Equal(t, bitmap.BitToSector(2), a.dev.Stats().VerifyPosition)
	assert.Equal(t, VerifyS, a.dev.State().Conn)

	a.bm.Release(bitmap.BitToSector(2), bitmap.BlockSize)
	waitFor(t, func() bool { return a.dev.LastRun() != nil && b.dev.LastRun() != nil })
	assert.Equal(t, int(a.bm.Bits()), a.link.Sent(peerlink.KindOVRequest))
	assert.Zero(t, a.dev.LastRun().OutOfSyncBytes)
}

func TestVerify_BlocksReservedUntilResult(t *testing.T) {
	a, b := newPair(t, fastVerify)
	b.link.Cork()

	require.NoError(t, a.dev.StartVerify(0))
	waitFor(t, func() bool { return b.link.Sent(peerlink.KindOVReply) > 0 })
	assert.Positive(t, a.bm.ReservedCount())
	assert.Positive(t, b.bm.ReservedCount())
	// Reservations alone do not make a block out of sync.
	assert.Zero(t, a.bm.TotalWeight())

	b.link.Uncork()
	waitFor(t, func() bool { return a.dev.LastRun() != nil && b.dev.LastRun() != nil })
	for _, n := range []*node{a, b} {
		assert.Zero(t, n.bm.ReservedCount())
		assert.Equal(t, Connected, n.dev.State().Conn)
		assert.Zero(t, n.dev.Stats().Pending)
	}
}

func TestVerify_RequiresConnection(t *testing.T) {
	n := newNode(t, nil, 0, nil)
	var te *TransitionError
	require.ErrorAs(t, n.dev.StartVerify(0), &te)
	assert.Equal(t, StandAlone, te.From)
}

func TestVerify_RangeMerging(t *testing.T) {
	n, _ := connectedNode(t)
	n.dev.mu.Lock()
	n.dev.ovOOSFoundLocked(80, bitmap.BlockSize)
	n.dev.ovOOSFoundLocked(88, bitmap.BlockSize)
	start, size := n.dev.run.ovLastOOSStart, n.dev.run.ovLastOOSSize
	n.dev.ovOOSFoundLocked(200, bitmap.BlockSize)
	found := n.dev.run.ovFound
	n.dev.mu.Unlock()

	assert.Equal(t, uint64(80), start)
	assert.Equal(t, uint64(16), size)
	assert.Equal(t, uint64(24), found)
	assert.Equal(t, uint64(3), n.bm.TotalWeight())
}
