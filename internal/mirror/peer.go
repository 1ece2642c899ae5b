package mirror

import (
	"fmt"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/extent"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/mirrord/mirrord/internal/storage"
	"github.com/mirrord/mirrord/internal/workqueue"
)

// HandlePeerMessage processes one inbound message. It is meant to be
// installed as the link's handler and never blocks on I/O.
func (d *Device) HandlePeerMessage(m *peerlink.Message) {
	defer m.Done()

	if m.Kind != peerlink.KindPauseState && ConnState(d.conn.Load()) < Connected {
		d.logger.Debug().Str("kind", m.Kind.String()).Msg("Dropping message while not connected")
		return
	}

	if carriesRange(m.Kind) {
		if err := d.checkPeerRange(m); err != nil {
			d.rejectPeerRange(m, err)
			return
		}
	}

	switch m.Kind {
	case peerlink.KindData:
		d.receiveData(m)
	case peerlink.KindDataRequest:
		d.receiveRead(m, d.dataReadDone, peerlink.KindNegDReply)
	case peerlink.KindRSDataRequest:
		d.receiveRead(m, d.rsDataReadDone, peerlink.KindNegRSDReply)
	case peerlink.KindCsumRSRequest:
		d.receiveRead(m, d.csumCompare, peerlink.KindNegRSDReply)
	case peerlink.KindOVRequest:
		d.receiveOVRequest(m)
	case peerlink.KindOVReply:
		d.mu.Lock()
		d.decPendingLocked()
		d.mu.Unlock()
		d.receiveRead(m, d.ovCompare, peerlink.KindOVResult)
	case peerlink.KindRSDataReply:
		d.receiveRSData(m)

	case peerlink.KindDataReply:
		d.remoteAck(m, evDataReceived, nil)
	case peerlink.KindNegDReply:
		d.peerLog.Warn().Uint64("sector", m.Sector).Msg("Peer failed to serve read")
		d.remoteAck(m, evNegAcked, ErrIO)
	case peerlink.KindWriteAck:
		d.remoteAck(m, evWriteAcked, nil)
	case peerlink.KindNegAck:
		if m.ID == extent.SyncerID {
			d.peerLog.Warn().Uint64("sector", m.Sector).Msg("Peer failed to write resync data")
			d.mu.Lock()
			d.decPendingLocked()
			d.rsFailedLocked(m.Size)
			d.checkFinishedLocked()
			d.mu.Unlock()
			return
		}
		d.remoteAck(m, evNegAcked, ErrIO)

	case peerlink.KindRSWriteAck:
		d.bm.SetInSync(m.Sector, m.Size)
		d.mu.Lock()
		d.decPendingLocked()
		d.checkFinishedLocked()
		d.mu.Unlock()
	case peerlink.KindRSIsInSync:
		d.bm.Release(m.Sector, m.Size)
		d.bm.SetInSync(m.Sector, m.Size)
		d.mu.Lock()
		d.run.sameCsum += blocks(m.Size)
		d.decPendingLocked()
		d.checkFinishedLocked()
		d.mu.Unlock()
	case peerlink.KindNegRSDReply:
		d.peerLog.Warn().Uint64("sector", m.Sector).Msg("Peer failed to read resync data")
		d.bm.Release(m.Sector, m.Size)
		d.mu.Lock()
		d.decPendingLocked()
		d.rsFailedLocked(m.Size)
		d.checkFinishedLocked()
		d.mu.Unlock()

	case peerlink.KindNegCsumRS:
		// The target gave up on a block it never asked data for; no ack
		// is pending for it here.
		d.peerLog.Warn().Uint64("sector", m.Sector).Msg("Peer failed to read checksum candidate")
		d.mu.Lock()
		d.rsFailedLocked(m.Size)
		d.checkFinishedLocked()
		d.mu.Unlock()
	case peerlink.KindAbortRun:
		if err := d.abortRun(errAbortedByPeer, false); err != nil {
			d.logger.Debug().Err(err).Msg("Ignoring run abort from peer")
		}

	case peerlink.KindOVResult:
		d.receiveOVResult(m)
	case peerlink.KindVerifyStart:
		d.receiveVerifyStart(m)

	case peerlink.KindBarrier:
		d.receiveBarrier(m.Epoch)
	case peerlink.KindBarrierAck:
		d.mu.Lock()
		if d.unacked > 0 {
			d.unacked--
		}
		d.mu.Unlock()
	case peerlink.KindWriteHint:
		d.logger.Trace().Msg("Write hint from peer")

	case peerlink.KindSyncUUID:
		d.receiveSyncUUID(m)
	case peerlink.KindPauseState:
		d.receivePauseState(m.Paused)

	default:
		d.logger.Warn().Str("kind", m.Kind.String()).Msg("Unexpected message from peer")
	}
}

// carriesRange reports whether messages of kind name a block range.
func carriesRange(kind peerlink.Kind) bool {
	switch kind {
	case peerlink.KindBarrier, peerlink.KindBarrierAck, peerlink.KindWriteHint,
		peerlink.KindSyncUUID, peerlink.KindPauseState, peerlink.KindVerifyStart,
		peerlink.KindAbortRun:
		return false
	}
	return true
}

// checkPeerRange validates the block range of a peer message before any
// buffer is sized from it.
func (d *Device) checkPeerRange(m *peerlink.Message) error {
	switch {
	case m.Size <= 0 || m.Size%bitmap.SectorSize != 0:
		return fmt.Errorf("size %d is not a positive multiple of the sector size", m.Size)
	case m.Size > MaxRequestSize:
		return fmt.Errorf("size %d exceeds %d", m.Size, MaxRequestSize)
	case m.Sector >= d.store.Capacity() || uint64(m.Size>>bitmap.SectorShift) > d.store.Capacity()-m.Sector:
		return fmt.Errorf("range %d+%d beyond capacity %d: %w", m.Sector, m.Size>>bitmap.SectorShift, d.store.Capacity(), storage.ErrOutOfRange)
	case m.Kind.HasPayload() && len(m.Bytes()) != m.Size:
		return fmt.Errorf("payload of %d bytes for size %d", len(m.Bytes()), m.Size)
	}
	return nil
}

// rejectPeerRange answers a malformed request with its negative reply and
// drops a malformed reply. Nothing is accounted locally: the range never
// named a block of this device.
func (d *Device) rejectPeerRange(m *peerlink.Message, err error) {
	var neg peerlink.Kind
	switch m.Kind {
	case peerlink.KindData:
		neg = peerlink.KindNegAck
	case peerlink.KindDataRequest:
		neg = peerlink.KindNegDReply
	case peerlink.KindRSDataRequest, peerlink.KindCsumRSRequest:
		neg = peerlink.KindNegRSDReply
	case peerlink.KindOVRequest:
		neg = peerlink.KindOVReply
	default:
		d.peerLog.Error().Err(err).Str("kind", m.Kind.String()).Msg("Dropping malformed reply from peer")
		return
	}
	d.peerLog.Error().Err(err).Str("kind", m.Kind.String()).Msg("Rejecting malformed request from peer")
	sector, size, id := m.Sector, m.Size, m.ID
	d.enqueue(workqueue.NewItem(workqueue.KindEntry, func(cancel bool) error {
		if cancel {
			return nil
		}
		return d.sendRequest(neg, sector, size, id)
	}))
}

// receiveRead serves a peer request that starts with a local read. When no
// entry can be allocated the negative reply is sent right away.
func (d *Device) receiveRead(m *peerlink.Message, cont func(*extent.Entry, bool) error, neg peerlink.Kind) {
	e, err := d.pool.Alloc(m.Sector, m.Size, m.ID)
	if err != nil {
		d.peerLog.Warn().Err(err).Str("kind", m.Kind.String()).Msg("Cannot serve peer request")
		sector, size, id := m.Sector, m.Size, m.ID
		d.enqueue(workqueue.NewItem(workqueue.KindEntry, func(cancel bool) error {
			if cancel {
				return nil
			}
			return d.allocFailed(neg, sector, size, id)
		}))
		return
	}
	e.Digest = append([]byte(nil), m.Digest...)
	e.Continuation = cont
	d.submitRead(e)
}

// allocFailed answers a request that could not be served for lack of
// buffers the way a failed local read would be answered.
func (d *Device) allocFailed(neg peerlink.Kind, sector uint64, size int, id uint64) error {
	d.mu.Lock()
	switch neg {
	case peerlink.KindNegRSDReply:
		d.rsFailedLocked(size)
		d.checkFinishedLocked()
	case peerlink.KindOVReply:
		d.pending++
	case peerlink.KindOVResult:
		d.bm.Release(sector, size)
		d.ovOOSFoundLocked(sector, size)
		d.ovDoneLocked()
		d.mu.Unlock()
		return d.send(&peerlink.Message{Kind: neg, Sector: sector, Size: size, ID: peerlink.OVOutOfSync})
	}
	d.mu.Unlock()
	return d.sendRequest(neg, sector, size, id)
}

// receiveData writes a mirrored application write. The first write of each
// epoch is submitted as a barrier probe under barrier ordering.
func (d *Device) receiveData(m *peerlink.Message) {
	e, err := d.pool.Alloc(m.Sector, m.Size, m.ID)
	if err != nil {
		d.peerLog.Warn().Err(err).Uint64("sector", m.Sector).Msg("Cannot buffer mirrored write")
		sector, size, id := m.Sector, m.Size, m.ID
		d.enqueue(workqueue.NewItem(workqueue.KindEntry, func(cancel bool) error {
			if cancel {
				return nil
			}
			return d.sendRequest(peerlink.KindNegAck, sector, size, id)
		}))
		return
	}
	copy(e.Data(), m.Data)
	e.Epoch = m.Epoch
	if d.al != nil {
		e.Flags |= extent.FlagCallActivityLog
	}

	d.mu.Lock()
	first := !d.rx.probed[m.Epoch]
	d.rx.probed[m.Epoch] = true
	d.rx.inflight[m.Epoch]++
	ordering := d.ordering
	d.mu.Unlock()

	if first && ordering == OrderBarrier {
		e.Flags |= extent.FlagBarrier
	}
	e.Continuation = d.dataWritten
	d.submitWrite(e, extent.QueueActive, d.writeFlags(first))
}

// dataWritten acknowledges a mirrored write and, when it was the last write
// of a closed epoch, the epoch's barrier.
func (d *Device) dataWritten(e *extent.Entry, cancel bool) error {
	if cancel {
		return nil
	}
	kind := peerlink.KindWriteAck
	if e.Err != nil {
		kind = peerlink.KindNegAck
	}
	if err := d.sendAck(kind, e); err != nil {
		return err
	}

	d.mu.Lock()
	ack := false
	if n := d.rx.inflight[e.Epoch] - 1; n > 0 {
		d.rx.inflight[e.Epoch] = n
	} else {
		delete(d.rx.inflight, e.Epoch)
		if d.rx.barriers[e.Epoch] {
			delete(d.rx.barriers, e.Epoch)
			delete(d.rx.probed, e.Epoch)
			ack = true
		}
	}
	d.mu.Unlock()
	if ack {
		return d.send(&peerlink.Message{Kind: peerlink.KindBarrierAck, Epoch: e.Epoch})
	}
	return nil
}

func (d *Device) receiveBarrier(epoch uint32) {
	d.mu.Lock()
	if d.rx.inflight[epoch] > 0 {
		d.rx.barriers[epoch] = true
		d.mu.Unlock()
		return
	}
	delete(d.rx.probed, epoch)
	d.mu.Unlock()
	d.enqueue(workqueue.NewItem(workqueue.KindSendBarrier, func(cancel bool) error {
		if cancel {
			return nil
		}
		return d.send(&peerlink.Message{Kind: peerlink.KindBarrierAck, Epoch: epoch})
	}))
}

// dataReadDone answers a peer's application read.
func (d *Device) dataReadDone(e *extent.Entry, cancel bool) error {
	if cancel {
		return nil
	}
	if e.Err != nil {
		return d.sendAck(peerlink.KindNegDReply, e)
	}
	return d.sendBlock(peerlink.KindDataReply, e)
}

// receiveRSData writes resync data on the target.
func (d *Device) receiveRSData(m *peerlink.Message) {
	d.mu.Lock()
	d.decPendingLocked()
	d.mu.Unlock()

	e, err := d.pool.Alloc(m.Sector, m.Size, m.ID)
	if err != nil {
		d.peerLog.Warn().Err(err).Uint64("sector", m.Sector).Msg("Cannot buffer resync data")
		d.bm.Release(m.Sector, m.Size)
		sector, size := m.Sector, m.Size
		d.mu.Lock()
		d.rsFailedLocked(size)
		d.checkFinishedLocked()
		d.mu.Unlock()
		d.enqueue(workqueue.NewItem(workqueue.KindEntry, func(cancel bool) error {
			if cancel {
				return nil
			}
			return d.sendRequest(peerlink.KindNegAck, sector, size, extent.SyncerID)
		}))
		return
	}
	copy(e.Data(), m.Data)
	e.Continuation = d.rsDataWritten
	d.submitWrite(e, extent.QueueSync, storage.Flags(0))
}

// receiveSyncUUID adopts the source's new bitmap generation and becomes
// SyncTarget.
func (d *Device) receiveSyncUUID(m *peerlink.Message) {
	g, ok := generationsFrom(m.Generations)
	if !ok {
		d.logger.Error().Int("len", len(m.Generations)).Msg("Malformed sync generations from peer")
		return
	}
	d.mu.Lock()
	d.peerGen = g
	d.gen.Current = g.Bitmap
	d.gen.Bitmap = 0
	d.mu.Unlock()

	d.enqueue(workqueue.NewItem(workqueue.KindStartResync, func(cancel bool) error {
		if cancel {
			return nil
		}
		if err := d.StartResync(SyncTarget); err != nil {
			d.logger.Error().Err(err).Msg("Starting resync as target")
		}
		return nil
	}))
}

// receivePauseState mirrors the peer's pause state into PausePeer.
func (d *Device) receivePauseState(paused bool) {
	r := d.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.setPause(PausePeer, paused) {
		r.recomputeLocked()
	}
}
