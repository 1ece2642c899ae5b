package mirror

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirrord/mirrord/internal/digest"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tenBits = []uint64{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}

func TestResync_TenBlocksInOneTick(t *testing.T) {
	a, b := newPair(t, func(c *Config) {
		c.SyncRate = 400 * 1024
		c.Tick = 100 * time.Millisecond
	})
	for i, bit := range tenBits {
		fill(t, a, bit, byte(i+1))
	}
	dirty(tenBits, a, b)

	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.LastRun() != nil && a.dev.LastRun() != nil })
	waitFor(t, idle(a))
	waitFor(t, idle(b))

	assert.Equal(t, 10, b.link.Sent(peerlink.KindRSDataRequest))
	assert.Equal(t, 10, a.link.Sent(peerlink.KindRSDataReply))
	assert.Equal(t, 0, a.link.Sent(peerlink.KindNegRSDReply))

	run := b.dev.LastRun()
	assert.Equal(t, "resync", run.Kind)
	assert.Equal(t, "SyncTarget", run.Side)
	assert.Equal(t, uint64(10), run.Total)
	assert.Zero(t, run.Failed)
	assert.NoError(t, run.Err())

	for _, n := range []*node{a, b} {
		st := n.dev.State()
		assert.Equal(t, UpToDate, st.Disk)
		assert.Equal(t, UpToDate, st.PeerDisk)
		assert.Zero(t, n.bm.TotalWeight())
		s := n.dev.Stats()
		assert.Zero(t, s.Pending)
		assert.Equal(t, s.Pool.Allocated, s.Pool.Destroyed)
	}
	for _, bit := range tenBits {
		assert.Equal(t, block(a, bit), block(b, bit))
	}

	ga, _ := a.dev.Generations()
	gb, _ := b.dev.Generations()
	assert.Equal(t, ga.Current, gb.Current)
	assert.Equal(t, ga.History[0], gb.History[0])
	assert.Zero(t, gb.Bitmap)
	assert.True(t, b.notify.seen(EventAfterResyncTarget))
	assert.False(t, a.notify.seen(EventAfterResyncTarget))
}

func TestResync_SendFailureOnThirdRequest(t *testing.T) {
	a, b := newPair(t, func(c *Config) {
		c.SyncRate = 400 * 1024
		c.Tick = 100 * time.Millisecond
	})
	dirty(tenBits, a, b)

	var attempts atomic.Int32
	b.link.SetSendHook(func(m *peerlink.Message) error {
		if m.Kind == peerlink.KindRSDataRequest && attempts.Add(1) == 3 {
			return errors.New("link down")
		}
		return nil
	})

	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.State().Conn == NetworkFailure })
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, b.link.Sent(peerlink.KindRSDataRequest))
	s := b.dev.Stats()
	assert.Zero(t, s.Pending)
	assert.Zero(t, b.bm.ReservedCount())
	assert.Equal(t, Inconsistent, s.State.Disk)
	require.NotNil(t, s.LastRun)
	assert.True(t, s.LastRun.Aborted)
}

func TestResync_ChecksumMatchSkipsTransfer(t *testing.T) {
	a, b := newPair(t, func(c *Config) { c.CsumAlgorithm = digest.XXH64 })
	bits := []uint64{3, 4, 5, 40}
	for _, bit := range bits {
		fill(t, a, bit, 0x5a)
		fill(t, b, bit, 0x5a)
	}
	dirty(bits, a, b)

	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.LastRun() != nil && a.dev.LastRun() != nil })
	waitFor(t, idle(b))

	assert.Zero(t, a.link.Sent(peerlink.KindRSDataReply))
	assert.Equal(t, 3, b.link.Sent(peerlink.KindCsumRSRequest), "bits 4 and 5 merge, bit 3 is unaligned")
	assert.Equal(t, uint64(4), b.dev.LastRun().SameCsum)
	assert.Equal(t, uint64(4), a.dev.LastRun().SameCsum)
	assert.Zero(t, a.bm.TotalWeight())
	assert.Zero(t, b.bm.TotalWeight())
	assert.Equal(t, UpToDate, b.dev.State().Disk)
}

func TestResync_ChecksumMismatchTransfersData(t *testing.T) {
	a, b := newPair(t, func(c *Config) { c.CsumAlgorithm = digest.SHA256 })
	fill(t, a, 7, 0x11)
	fill(t, b, 7, 0x22)
	fill(t, a, 9, 0x33)
	fill(t, b, 9, 0x33)
	dirty([]uint64{7, 9}, a, b)

	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.LastRun() != nil && a.dev.LastRun() != nil })

	assert.Equal(t, 1, a.link.Sent(peerlink.KindRSDataReply))
	assert.Equal(t, uint64(1), b.dev.LastRun().SameCsum)
	assert.Equal(t, block(a, 7), block(b, 7))
}

func TestResync_ChecksumDisabledMidRunStillConverges(t *testing.T) {
	a, b := newPair(t, func(c *Config) { c.CsumAlgorithm = digest.CRC32C })
	bits := []uint64{1, 3, 5, 7}
	for _, bit := range bits {
		fill(t, a, bit, 0x42)
		fill(t, b, bit, 0x42)
	}
	dirty(bits, a, b)
	require.NoError(t, a.dev.SetCsumAlgorithm(""))

	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.LastRun() != nil && a.dev.LastRun() != nil })

	// The source has no algorithm any more, so every digest mismatches.
	assert.Equal(t, 4, a.link.Sent(peerlink.KindRSDataReply))
	assert.Zero(t, b.dev.LastRun().SameCsum)
	assert.Zero(t, b.bm.TotalWeight())
}

func TestResync_SourceReadErrorFailsBlock(t *testing.T) {
	a, b := newPair(t, nil)
	dirty([]uint64{2, 6}, a, b)
	a.store.FailReads(6 * 8)

	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.LastRun() != nil && a.dev.LastRun() != nil })

	rb := b.dev.LastRun()
	assert.Equal(t, uint64(1), rb.Failed)
	assert.NoError(t, rb.Err())
	assert.Equal(t, Inconsistent, b.dev.State().Disk)
	assert.Equal(t, UpToDate, b.dev.State().PeerDisk)
	assert.Equal(t, UpToDate, a.dev.State().Disk)
	assert.Equal(t, Inconsistent, a.dev.State().PeerDisk)
	assert.Equal(t, uint64(1), b.bm.TotalWeight())
}

func TestResync_TargetChecksumReadErrorFailsBlockOnBothSides(t *testing.T) {
	a, b := newPair(t, func(c *Config) { c.CsumAlgorithm = digest.XXH64 })
	fill(t, a, 3, 0x5a)
	fill(t, b, 3, 0x5a)
	dirty([]uint64{3, 9}, a, b)
	b.store.FailReads(9 * 8)

	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.LastRun() != nil && a.dev.LastRun() != nil })

	assert.Equal(t, 1, b.link.Sent(peerlink.KindNegCsumRS))
	assert.Equal(t, uint64(1), a.dev.LastRun().Failed)
	assert.Equal(t, uint64(1), b.dev.LastRun().Failed)
	assert.Equal(t, uint64(1), a.dev.LastRun().SameCsum)

	sa, sb := a.dev.State(), b.dev.State()
	assert.Equal(t, Connected, sa.Conn)
	assert.Equal(t, Connected, sb.Conn)
	assert.Equal(t, UpToDate, sa.Disk)
	assert.Equal(t, Inconsistent, sa.PeerDisk)
	assert.Equal(t, Inconsistent, sb.Disk)
	assert.Zero(t, a.dev.Stats().Pending)
}

func TestResync_MergesAlignedNeighbours(t *testing.T) {
	a, b := newPair(t, func(c *Config) { c.MaxSegmentSize = 32 * 1024 })
	bits := make([]uint64, 0, 16)
	for bit := uint64(16); bit < 32; bit++ {
		bits = append(bits, bit)
	}
	dirty(bits, a, b)

	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.LastRun() != nil && a.dev.LastRun() != nil })

	// 16 aligned blocks in segments of at most 8 blocks.
	assert.Equal(t, 2, b.link.Sent(peerlink.KindRSDataRequest))
	assert.Zero(t, b.bm.TotalWeight())
}

func TestResync_NothingOutOfSyncFinishesImmediately(t *testing.T) {
	a, b := newPair(t, nil)

	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.LastRun() != nil && a.dev.LastRun() != nil })

	assert.Zero(t, b.link.Sent(peerlink.KindRSDataRequest))
	assert.Equal(t, UpToDate, b.dev.State().Disk)
	assert.Equal(t, Connected, a.dev.State().Conn)
}

func TestResync_BeforeTargetHelperVetoes(t *testing.T) {
	_, b := newPair(t, nil)
	b.notify.codes[EventBeforeResyncTarget] = 3

	err := b.dev.StartResync(SyncTarget)
	require.ErrorIs(t, err, ErrVetoed)
	assert.Equal(t, Disconnecting, b.dev.State().Conn)
}

func TestResync_UserPauseHoldsTarget(t *testing.T) {
	a, b := newPair(t, nil)
	dirty([]uint64{1, 9}, a, b)

	require.NoError(t, b.dev.PauseSync())
	require.ErrorIs(t, b.dev.PauseSync(), ErrAlreadyPaused)
	require.NoError(t, a.dev.StartResync(SyncSource))

	waitFor(t, func() bool { return b.dev.State().Conn == PausedSyncTarget })
	waitFor(t, func() bool { return a.dev.State().Conn == PausedSyncSource })
	assert.Equal(t, PausePeer, a.dev.State().Pause)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, b.link.Sent(peerlink.KindRSDataRequest))

	require.NoError(t, b.dev.ResumeSync())
	waitFor(t, func() bool { return b.dev.LastRun() != nil && a.dev.LastRun() != nil })
	assert.Equal(t, 2, b.link.Sent(peerlink.KindRSDataRequest))
	assert.Equal(t, PauseFlags(0), a.dev.State().Pause)
}

func TestResync_ForceConnectedAbortsRun(t *testing.T) {
	a, b := newPair(t, func(c *Config) {
		c.SyncRate = 4 * 1024
		c.Tick = time.Second
	})
	bits := make([]uint64, 0, 64)
	for bit := uint64(0); bit < 128; bit += 2 {
		bits = append(bits, bit)
	}
	dirty(bits, a, b)
	require.NoError(t, a.dev.StartResync(SyncSource))
	waitFor(t, func() bool { return b.dev.State().Conn == SyncTarget })

	var te *TransitionError
	require.ErrorAs(t, b.dev.ForceState(VerifyS), &te)
	assert.Equal(t, VerifyS, te.To)

	require.NoError(t, b.dev.ForceState(Connected))
	st := b.dev.State()
	assert.Equal(t, Connected, st.Conn)
	assert.Equal(t, Inconsistent, st.Disk)
	require.NotNil(t, b.dev.LastRun())
	assert.True(t, b.dev.LastRun().Aborted)
	assert.Zero(t, b.dev.Stats().Pending)

	// The source ends its side of the run too.
	waitFor(t, func() bool { return a.dev.State().Conn == Connected })
	require.NotNil(t, a.dev.LastRun())
	assert.True(t, a.dev.LastRun().Aborted)
	assert.Equal(t, errAbortedByPeer.Error(), a.dev.LastRun().Error)
	assert.Zero(t, a.dev.Stats().Pending)
	assert.Equal(t, 1, b.link.Sent(peerlink.KindAbortRun))
	assert.Zero(t, a.link.Sent(peerlink.KindAbortRun))
}
