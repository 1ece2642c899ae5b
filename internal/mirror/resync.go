package mirror

import (
	"time"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/digest"
	"github.com/mirrord/mirrord/internal/extent"
	"github.com/mirrord/mirrord/internal/peerlink"
)

type rsRequest struct {
	sector uint64
	size   int
}

// budgetLocked is the number of block requests the next tick may issue.
func (d *Device) budgetLocked() int {
	rate := d.syncRate.Load()
	perTick := rate * int64(d.cfg.Tick) / int64(time.Second)
	return int(perTick/bitmap.BlockSize) - d.pending
}

// makeResyncRequest is the SyncTarget scan tick: it reserves dirty blocks
// within the rate budget and asks the peer for them.
func (d *Device) makeResyncRequest(cancel bool) error {
	if cancel {
		return nil
	}

	d.mu.Lock()
	if d.st.Conn < Connected {
		d.mu.Unlock()
		d.logger.Error().Msg("Resync scan while not connected")
		return nil
	}
	if d.st.Conn != SyncTarget {
		d.logger.Debug().Str("conn", d.st.Conn.String()).Msg("Resync scan skipped")
		d.mu.Unlock()
		return nil
	}
	if d.st.Disk <= Failed {
		d.stopScanLocked()
		d.mu.Unlock()
		d.logger.Warn().Msg("Local disk gone, resync scan deactivated")
		return nil
	}

	number := d.budgetLocked()
	if number <= 0 {
		d.armScanLocked(d.cfg.Tick)
		d.mu.Unlock()
		return nil
	}

	alg := d.csumAlg.Load()
	capacity := d.store.Capacity()
	maxSeg := d.cfg.MaxSegmentSize
	var (
		reqs  []rsRequest
		reads []*extent.Entry
		done  bool
	)

scan:
	for i := 0; i < number; i++ {
		bit, ok := d.bm.FindNextDirty(d.cursor)
		if !ok {
			d.cursor = d.bm.Bits()
			done = true
			break
		}

		switch d.bm.Reserve(bit) {
		case bitmap.Clear:
			d.cursor = bit + 1
			continue
		case bitmap.Reserved:
			// still in flight; retry on the next tick
			d.cursor = bit
			break scan
		}

		sector := bitmap.BitToSector(bit)
		size := bitmap.BlockSize
		align := 1
		for size+bitmap.BlockSize <= maxSeg {
			if sector&((1<<(align+3))-1) != 0 {
				break
			}
			if (bit+1)%bitmap.ExtentBits == 0 {
				break
			}
			if d.bm.Test(bit+1) != bitmap.Set {
				break
			}
			if d.bm.Reserve(bit+1) != bitmap.Set {
				break
			}
			bit++
			size += bitmap.BlockSize
			if (bitmap.BlockSize << align) <= size {
				align++
			}
			i++
		}
		d.cursor = bit + 1

		if end := sector + uint64(size>>bitmap.SectorShift); end > capacity {
			size = int(capacity-sector) << bitmap.SectorShift
		}

		if alg != nil {
			e, err := d.pool.Alloc(sector, size, extent.SyncerID)
			if err != nil {
				d.bm.Release(sector, size)
				d.cursor = bitmap.SectorToBit(sector)
				break
			}
			e.Continuation = d.csumReadDone(*alg)
			d.pending++
			reads = append(reads, e)
			continue
		}
		d.pending++
		reqs = append(reqs, rsRequest{sector: sector, size: size})
	}

	if done {
		d.logger.Debug().Int("pending", d.pending).Msg("Resync scan reached end of bitmap")
		d.checkFinishedLocked()
	} else {
		d.armScanLocked(d.cfg.Tick)
	}
	d.mu.Unlock()

	for _, e := range reads {
		d.submitRead(e)
	}
	for i, r := range reqs {
		if err := d.sendRequest(peerlink.KindRSDataRequest, r.sector, r.size, extent.SyncerID); err != nil {
			d.mu.Lock()
			for range reqs[i:] {
				d.decPendingLocked()
			}
			d.mu.Unlock()
			return err
		}
	}
	return nil
}

// csumReadDone sends the digest of a locally read candidate block.
func (d *Device) csumReadDone(alg digest.Algorithm) func(*extent.Entry, bool) error {
	return func(e *extent.Entry, cancel bool) error {
		if cancel {
			return nil
		}
		var sum []byte
		err := e.Err
		if err == nil {
			sum, err = digest.Sum(alg, e.Data())
		}
		if err != nil {
			d.bm.Release(e.Sector, e.Size)
			d.mu.Lock()
			d.decPendingLocked()
			d.rsFailedLocked(e.Size)
			d.checkFinishedLocked()
			d.mu.Unlock()
			// The source holds the same dirty bit and must count it too.
			return d.sendAck(peerlink.KindNegCsumRS, e)
		}
		return d.sendDigest(peerlink.KindCsumRSRequest, e, sum)
	}
}

// rsDataReadDone answers a resync data request on the source.
func (d *Device) rsDataReadDone(e *extent.Entry, cancel bool) error {
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
	d.mu.Lock()
	d.pending++
	d.mu.Unlock()
	return d.sendBlock(peerlink.KindRSDataReply, e)
}

// rsDataWritten acknowledges resync data written on the target.
func (d *Device) rsDataWritten(e *extent.Entry, cancel bool) error {
	if cancel {
		return nil
	}
	if e.Err != nil {
		d.mu.Lock()
		d.rsFailedLocked(e.Size)
		d.checkFinishedLocked()
		d.mu.Unlock()
		return d.sendAck(peerlink.KindNegAck, e)
	}
	d.bm.SetInSync(e.Sector, e.Size)
	d.mu.Lock()
	d.checkFinishedLocked()
	d.mu.Unlock()
	return d.sendAck(peerlink.KindRSWriteAck, e)
}

func (d *Device) rsFailedLocked(size int) {
	d.run.failed += blocks(size)
}

// decPendingLocked drops one pending acknowledgment; the counter never goes
// below zero.
func (d *Device) decPendingLocked() {
	if d.pending <= 0 {
		d.logger.Warn().Msg("Pending resync acknowledgments would go negative")
		d.pending = 0
		return
	}
	d.pending--
}
