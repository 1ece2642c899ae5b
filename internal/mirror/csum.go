package mirror

import (
	"github.com/mirrord/mirrord/internal/digest"
	"github.com/mirrord/mirrord/internal/extent"
	"github.com/mirrord/mirrord/internal/peerlink"
)

// csumMatches compares the local block against the peer's digest using the
// currently configured checksum algorithm. The algorithm is read once; a
// concurrent reconfiguration only affects later blocks, and an unset
// algorithm never matches.
func (d *Device) csumMatches(e *extent.Entry) bool {
	alg := d.csumAlg.Load()
	if alg == nil || e.Err != nil {
		return false
	}
	sum, err := digest.Sum(*alg, e.Data())
	if err != nil {
		return false
	}
	return digest.Equal(sum, e.Digest)
}

// csumCompare runs on the source once the block named by a checksum
// request has been read. Matching blocks are marked in sync without any
// data transfer.
func (d *Device) csumCompare(e *extent.Entry, cancel bool) error {
	if cancel {
		return nil
	}
	if e.Err != nil {
		d.mu.Lock()
		d.rsFailedLocked(e.Size)
		d.checkFinishedLocked()
		d.mu.Unlock()
		return d.sendAck(peerlink.KindNegRSDReply, e)
	}

	if d.csumMatches(e) {
		d.bm.SetInSync(e.Sector, e.Size)
		d.mu.Lock()
		d.run.sameCsum += blocks(e.Size)
		d.checkFinishedLocked()
		d.mu.Unlock()
		return d.sendAck(peerlink.KindRSIsInSync, e)
	}

	d.mu.Lock()
	d.pending++
	d.mu.Unlock()
	return d.sendBlock(peerlink.KindRSDataReply, e)
}
