package mirror

import (
	"fmt"
	"time"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/digest"
	"github.com/mirrord/mirrord/internal/extent"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/mirrord/mirrord/internal/workqueue"
)

// StartVerify starts an online verify from startSector (rounded down to a
// block) with this device as VerifyS. The peer follows as VerifyT.
func (d *Device) StartVerify(startSector uint64) error {
	r := d.registry
	r.mu.Lock()
	d.mu.Lock()
	if d.st.Conn != Connected {
		from := d.st.Conn
		d.mu.Unlock()
		r.mu.Unlock()
		return &TransitionError{Device: d.id.Name, From: from, To: VerifyS, Message: ErrNotConnected.Error()}
	}
	if d.st.Disk < Inconsistent {
		d.mu.Unlock()
		r.mu.Unlock()
		return ErrNoDisk
	}
	start := bitmap.BitToSector(bitmap.SectorToBit(startSector))
	if start >= d.store.Capacity() {
		d.mu.Unlock()
		r.mu.Unlock()
		return fmt.Errorf("verify start sector %d beyond capacity %d", startSector, d.store.Capacity())
	}
	left := d.bm.Bits() - bitmap.SectorToBit(start)
	d.beginVerifyLocked(VerifyS, start, left)
	d.mu.Unlock()
	r.recomputeLocked()
	r.mu.Unlock()

	// The peer must enter VerifyT before the first request reaches it, so
	// the scan starts only after the announcement went out.
	d.enqueue(workqueue.NewItem(workqueue.KindSendState, func(cancel bool) error {
		if cancel {
			return nil
		}
		if err := d.send(&peerlink.Message{Kind: peerlink.KindVerifyStart, Sector: start}); err != nil {
			return err
		}
		d.mu.Lock()
		if d.st.Conn == VerifyS {
			d.startScanLocked(0)
		}
		d.mu.Unlock()
		return nil
	}))
	return nil
}

// beginVerifyLocked enters a verify state. d.mu and the registry write lock
// must be held.
func (d *Device) beginVerifyLocked(side ConnState, start, left uint64) {
	ns := d.st
	ns.Conn = side
	d.setStateLocked(ns, "start verify")
	d.run = run{
		start:      time.Now(),
		total:      left,
		ovStart:    start,
		ovPosition: start,
		ovLeft:     left,
	}
	d.pending = 0
	d.logger.Info().
		Str("side", side.String()).
		Uint64("start_sector", start).
		Uint64("blocks", left).
		Msg("Online verify started")
	d.checkVerifyDoneLocked()
}

// receiveVerifyStart makes this device the VerifyT side of a peer's verify.
func (d *Device) receiveVerifyStart(m *peerlink.Message) {
	r := d.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	d.mu.Lock()
	if d.st.Conn != Connected {
		d.logger.Warn().Str("conn", d.st.Conn.String()).Msg("Verify start from peer ignored")
		d.mu.Unlock()
		return
	}
	start := bitmap.BitToSector(bitmap.SectorToBit(m.Sector))
	var left uint64
	if start < d.store.Capacity() {
		left = d.bm.Bits() - bitmap.SectorToBit(start)
	}
	d.beginVerifyLocked(VerifyT, start, left)
	d.mu.Unlock()
	r.recomputeLocked()
}

// makeVerifyRequest is the VerifyS scan tick. Verify walks sectors in order
// regardless of the bitmap.
func (d *Device) makeVerifyRequest(cancel bool) error {
	if cancel {
		return nil
	}

	d.mu.Lock()
	if d.st.Conn != VerifyS {
		d.mu.Unlock()
		return nil
	}
	number := d.budgetLocked()
	if number <= 0 {
		d.armScanLocked(d.cfg.Tick)
		d.mu.Unlock()
		return nil
	}

	capacity := d.store.Capacity()
	var reqs []rsRequest
	done := false
	for i := 0; i < number; i++ {
		sector := d.run.ovPosition
		if sector >= capacity {
			done = true
			break
		}
		size := bitmap.BlockSize
		if end := sector + bitmap.SectorsPerBit; end > capacity {
			size = int(capacity-sector) << bitmap.SectorShift
		}
		if !d.bm.TryReserve(bitmap.SectorToBit(sector)) {
			// still in flight; retry on the next tick
			break
		}
		d.run.ovPosition += bitmap.SectorsPerBit
		d.pending++
		reqs = append(reqs, rsRequest{sector: sector, size: size})
	}
	if d.run.ovPosition >= capacity {
		done = true
	}
	if !done {
		d.armScanLocked(d.cfg.Tick)
	}
	d.mu.Unlock()

	for i, r := range reqs {
		if err := d.sendRequest(peerlink.KindOVRequest, r.sector, r.size, extent.SyncerID); err != nil {
			d.mu.Lock()
			for _, u := range reqs[i:] {
				d.bm.Release(u.sector, u.size)
				d.decPendingLocked()
			}
			d.mu.Unlock()
			return err
		}
	}
	return nil
}

// receiveOVRequest serves a VerifyS request. The block stays reserved
// until its result comes back.
func (d *Device) receiveOVRequest(m *peerlink.Message) {
	if !d.bm.TryReserve(bitmap.SectorToBit(m.Sector)) {
		d.logger.Debug().Uint64("sector", m.Sector).Msg("Verify request for a block already reserved")
	}
	d.receiveRead(m, d.ovReplyRead, peerlink.KindOVReply)
}

// ovReplyRead runs on VerifyT once the requested block was read. A read
// error is reported as an empty digest, which never matches.
func (d *Device) ovReplyRead(e *extent.Entry, cancel bool) error {
	if cancel {
		return nil
	}
	var sum []byte
	if e.Err == nil {
		alg := d.verifyAlg.Load()
		s, err := digest.Sum(*alg, e.Data())
		if err == nil {
			sum = s
		}
	}
	d.mu.Lock()
	d.pending++
	d.mu.Unlock()
	return d.sendDigest(peerlink.KindOVReply, e, sum)
}

// ovCompare runs on VerifyS once the local copy of a block digested by the
// peer was read.
func (d *Device) ovCompare(e *extent.Entry, cancel bool) error {
	d.bm.Release(e.Sector, e.Size)
	if cancel {
		return nil
	}
	equal := false
	if e.Err == nil {
		alg := d.verifyAlg.Load()
		sum, err := digest.Sum(*alg, e.Data())
		equal = err == nil && digest.Equal(sum, e.Digest)
	}

	result := peerlink.OVInSync
	d.mu.Lock()
	if !equal {
		result = peerlink.OVOutOfSync
		d.ovOOSFoundLocked(e.Sector, e.Size)
	} else {
		d.ovOOSPrintLocked()
	}
	d.ovDoneLocked()
	d.mu.Unlock()

	return d.send(&peerlink.Message{Kind: peerlink.KindOVResult, Sector: e.Sector, Size: e.Size, ID: result})
}

// receiveOVResult accounts a verify result on VerifyT.
func (d *Device) receiveOVResult(m *peerlink.Message) {
	d.bm.Release(m.Sector, m.Size)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.st.Conn.Verifying() {
		return
	}
	d.decPendingLocked()
	if m.ID == peerlink.OVOutOfSync {
		d.ovOOSFoundLocked(m.Sector, m.Size)
	} else {
		d.ovOOSPrintLocked()
	}
	d.ovDoneLocked()
}

// ovOOSFoundLocked records a diverging range, extending the previous one
// when contiguous.
func (d *Device) ovOOSFoundLocked(sector uint64, size int) {
	sectors := uint64(size >> bitmap.SectorShift)
	if d.run.ovLastOOSSize > 0 && d.run.ovLastOOSStart+d.run.ovLastOOSSize == sector {
		d.run.ovLastOOSSize += sectors
	} else {
		d.ovOOSPrintLocked()
		d.run.ovLastOOSStart = sector
		d.run.ovLastOOSSize = sectors
	}
	d.run.ovFound += sectors
	d.bm.SetOutOfSync(sector, size)
	d.writeBMAfter = true
}

func (d *Device) ovOOSPrintLocked() {
	if d.run.ovLastOOSSize == 0 {
		return
	}
	d.logger.Warn().
		Uint64("start_sector", d.run.ovLastOOSStart).
		Uint64("sectors", d.run.ovLastOOSSize).
		Msg("Out of sync range found by verify")
	d.run.ovLastOOSSize = 0
}

func (d *Device) ovDoneLocked() {
	if d.run.ovLeft > 0 {
		d.run.ovLeft--
	}
	d.checkVerifyDoneLocked()
}

func (d *Device) checkVerifyDoneLocked() {
	if !d.st.Conn.Verifying() || d.run.finishQueued || d.run.ovLeft > 0 {
		return
	}
	d.run.finishQueued = true
	d.stopScanLocked()
	d.enqueue(d.finishItem)
}
