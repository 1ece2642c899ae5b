package mirror

import (
	"bytes"
	"testing"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeer_MalformedRequestsGetNegativeReplies(t *testing.T) {
	a, b := newPair(t, nil)

	bad := []*peerlink.Message{
		{Kind: peerlink.KindDataRequest, Sector: 0, Size: -512, ID: 1},
		{Kind: peerlink.KindDataRequest, Sector: 0, Size: 100, ID: 2},
		{Kind: peerlink.KindRSDataRequest, Sector: 0, Size: MaxRequestSize * 64, ID: 3},
		{Kind: peerlink.KindCsumRSRequest, Sector: testSectors - 1, Size: bitmap.BlockSize, ID: 4},
		{Kind: peerlink.KindOVRequest, Sector: ^uint64(0), Size: bitmap.BlockSize, ID: 5},
		{Kind: peerlink.KindData, Sector: 0, Size: bitmap.BlockSize, ID: 6, Data: make([]byte, 512)},
	}
	for _, m := range bad {
		require.NoError(t, a.link.Send(m))
	}

	waitFor(t, func() bool {
		return b.link.Sent(peerlink.KindNegDReply) == 2 &&
			b.link.Sent(peerlink.KindNegRSDReply) == 2 &&
			b.link.Sent(peerlink.KindOVReply) == 1 &&
			b.link.Sent(peerlink.KindNegAck) == 1
	})

	// Nothing was allocated for them and nothing was counted.
	st := b.dev.Stats()
	assert.Equal(t, 0, st.Pool.Live)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, Connected, st.State.Conn)
	assert.Zero(t, b.bm.TotalWeight())

	// The link stays usable.
	r, err := a.dev.SubmitWrite(bitmap.BitToSector(2), payload(0x2b), nil)
	require.NoError(t, err)
	require.NoError(t, waitRequest(t, r))
	waitFor(t, idle(b))
	assert.True(t, bytes.Equal(payload(0x2b), block(b, 2)))
}

func TestPeer_MalformedRepliesDropped(t *testing.T) {
	a, b := newPair(t, nil)

	require.NoError(t, a.link.Send(&peerlink.Message{Kind: peerlink.KindRSWriteAck, Sector: 0, Size: -4096}))
	require.NoError(t, a.link.Send(&peerlink.Message{Kind: peerlink.KindRSDataReply, Sector: 0, Size: bitmap.BlockSize, Data: make([]byte, 8)}))
	require.NoError(t, a.link.Send(&peerlink.Message{Kind: peerlink.KindNegAck, Sector: testSectors, Size: bitmap.BlockSize}))

	r, err := a.dev.SubmitWrite(bitmap.BitToSector(5), payload(0x55), nil)
	require.NoError(t, err)
	require.NoError(t, waitRequest(t, r))
	waitFor(t, idle(b))

	st := b.dev.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, Connected, st.State.Conn)
	assert.Equal(t, 0, b.link.Sent(peerlink.KindNegAck))
	assert.True(t, bytes.Equal(payload(0x55), block(b, 5)))
}

func TestRequest_SizeLimits(t *testing.T) {
	n := newNode(t, nil, 0, nil)

	_, err := n.dev.SubmitRead(0, -512, nil)
	assert.Error(t, err)
	_, err = n.dev.SubmitRead(0, MaxRequestSize+bitmap.SectorSize, nil)
	assert.Error(t, err)
	_, err = n.dev.SubmitWrite(0, make([]byte, MaxRequestSize+bitmap.SectorSize), nil)
	assert.Error(t, err)
	_, err = n.dev.SubmitWrite(^uint64(0), payload(1), nil)
	assert.Error(t, err)
}
