package mirror

import (
	"sync"
	"testing"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLink struct {
	mu   sync.Mutex
	msgs []peerlink.Message
}

func (l *recordingLink) Send(m *peerlink.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, *m)
	m.Done()
	return nil
}

func (l *recordingLink) count(kind peerlink.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// connectedNode returns a device connected to a recording link whose worker
// is not running, so queued work stays queued.
func connectedNode(t *testing.T) (*node, *recordingLink) {
	t.Helper()
	n := newNode(t, nil, 0, nil)
	link := &recordingLink{}
	n.dev.AttachLink(link)
	require.NoError(t, n.dev.Connect(UpToDate, Generations{Current: 0xfeed}))
	return n, link
}

func TestFinish_ConcurrentFinalizeRunsOnce(t *testing.T) {
	n, _ := connectedNode(t)
	dirty([]uint64{1, 2, 3}, n)
	require.NoError(t, n.dev.StartResync(SyncSource))
	require.Equal(t, SyncSource, n.dev.State().Conn)
	before, _ := n.dev.Generations()

	n.bm.SetInSync(0, 8*bitmap.BlockSize)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, n.dev.resyncFinished(false))
		}()
	}
	wg.Wait()

	first := n.dev.LastRun()
	require.NotNil(t, first)
	assert.Equal(t, Connected, n.dev.State().Conn)
	assert.Equal(t, UpToDate, n.dev.State().PeerDisk)

	require.NoError(t, n.dev.resyncFinished(false))
	assert.Same(t, first, n.dev.LastRun())

	after, peer := n.dev.Generations()
	assert.Zero(t, after.Bitmap)
	assert.Equal(t, before.Bitmap, after.History[0])
	assert.Equal(t, before.Current, after.Current)
	assert.Equal(t, after, peer)

	s := n.dev.Stats()
	assert.Zero(t, s.ResyncTotal)
	assert.Zero(t, s.Pending)
	assert.Zero(t, s.Cursor)
}

func TestFinish_UnexplainedWeightIsAnError(t *testing.T) {
	n, _ := connectedNode(t)
	dirty([]uint64{5}, n)
	require.NoError(t, n.dev.StartResync(SyncSource))

	require.NoError(t, n.dev.resyncFinished(false))
	run := n.dev.LastRun()
	require.NotNil(t, run)
	assert.ErrorIs(t, run.Err(), ErrResyncInconsistent)
	st := n.dev.State()
	assert.Equal(t, Connected, st.Conn)
	assert.Equal(t, Inconsistent, st.PeerDisk)
}

func TestFinish_NewBitmapGenerationPerRun(t *testing.T) {
	n, link := connectedNode(t)
	dirty([]uint64{1}, n)
	require.NoError(t, n.dev.StartResync(SyncSource))
	g1, _ := n.dev.Generations()
	require.NotZero(t, g1.Bitmap)

	require.NoError(t, n.dev.ForceState(Connected))
	require.NoError(t, n.dev.StartResync(SyncSource))
	g2, _ := n.dev.Generations()
	assert.Equal(t, g1.Bitmap+newBitmapOffset, g2.Bitmap)
	assert.Zero(t, link.count(peerlink.KindSyncUUID), "worker not running")
}

func TestFinish_StrayAcksKeepPendingAtZero(t *testing.T) {
	n, _ := connectedNode(t)

	for _, kind := range []peerlink.Kind{peerlink.KindRSWriteAck, peerlink.KindNegRSDReply, peerlink.KindRSIsInSync, peerlink.KindOVResult} {
		n.dev.HandlePeerMessage(&peerlink.Message{Kind: kind, Sector: 8, Size: bitmap.BlockSize})
		assert.Zero(t, n.dev.Stats().Pending, kind.String())
	}

	n.dev.mu.Lock()
	n.dev.decPendingLocked()
	n.dev.mu.Unlock()
	assert.Zero(t, n.dev.Stats().Pending)
}

func TestFinish_DroppedWhenNotConnected(t *testing.T) {
	n := newNode(t, nil, 0, nil)
	n.bm.SetOutOfSync(0, bitmap.BlockSize)

	n.dev.HandlePeerMessage(&peerlink.Message{Kind: peerlink.KindRSWriteAck, Sector: 0, Size: bitmap.BlockSize})
	assert.Equal(t, uint64(1), n.bm.TotalWeight())
}
