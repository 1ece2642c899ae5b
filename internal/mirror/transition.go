package mirror

import (
	"time"

	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/mirrord/mirrord/internal/workqueue"
)

// setStateLocked installs ns and runs the immediate consequences of the
// change. d.mu must be held; the registry lock must be held for writing
// when the change can affect resync eligibility.
func (d *Device) setStateLocked(ns State, reason string) bool {
	ns = ns.sanitize()
	old := d.st
	if ns == old {
		return false
	}
	d.st = ns
	d.conn.Store(int32(ns.Conn))

	d.logger.Info().
		Str("reason", reason).
		Str("from", old.String()).
		Str("to", ns.String()).
		Msg("State change")

	now := time.Now()

	// Into a paused resync.
	if (old.Conn == SyncSource || old.Conn == SyncTarget) && (ns.Conn == PausedSyncSource || ns.Conn == PausedSyncTarget) {
		d.run.pausedAt = now
		d.stopScanLocked()
		d.logger.Info().Str("pause", ns.Pause.String()).Msg("Resync suspended")
	}

	// Out of a paused resync.
	if old.Conn == PausedSyncSource || old.Conn == PausedSyncTarget {
		if ns.Conn == SyncSource || ns.Conn == SyncTarget {
			if !d.run.pausedAt.IsZero() {
				d.run.paused += now.Sub(d.run.pausedAt)
				d.run.pausedAt = time.Time{}
			}
			d.logger.Info().Msg("Resync resumed")
			if ns.Conn == SyncTarget {
				d.startScanLocked(0)
			}
		}
	}

	// Tell the peer when our own reasons for pausing change.
	own := PauseDependency | PauseUser
	if ns.Conn >= Connected && (old.Pause&own != 0) != (ns.Pause&own != 0) {
		paused := ns.Pause&own != 0
		if paused != d.sentPaused {
			d.sentPaused = paused
			d.enqueue(workqueue.NewItem(workqueue.KindSendState, func(cancel bool) error {
				if cancel {
					return nil
				}
				return d.send(&peerlink.Message{Kind: peerlink.KindPauseState, Paused: paused})
			}))
		}
	}

	if ns.Disk == Failed && old.Disk != Failed {
		d.stopScanLocked()
	}
	return true
}

// connectionLost forces the connection to cs (below Connected) and cancels
// everything that depended on the peer: pending acknowledgments, scan,
// reservations and requests waiting for the peer.
func (d *Device) connectionLost(cs ConnState, cause error) {
	r := d.registry
	r.mu.Lock()
	d.mu.Lock()
	if d.st.Conn < Connected && d.st.Conn <= cs {
		d.mu.Unlock()
		r.mu.Unlock()
		return
	}
	wasConnected := d.st.Conn >= Connected
	old := d.st
	ns := d.st
	ns.Conn = cs
	ns.PeerDisk = DUnknown
	ns.Pause &^= PausePeer
	if old.Conn.IsTarget() && ns.Disk > Inconsistent {
		ns.Disk = Inconsistent
	}
	d.setStateLocked(ns, "connection lost")

	var reqs []*Request
	if wasConnected {
		if cause != nil {
			d.logger.Warn().Err(cause).Str("from", old.Conn.String()).Msg("Connection lost")
		}
		if d.pending != 0 {
			d.logger.Debug().Int("pending", d.pending).Msg("Dropping pending resync acknowledgments")
		}
		d.pending = 0
		d.unacked = 0
		d.stopScanLocked()
		d.bm.CancelReservations()
		if old.Conn.SyncLike() {
			d.lastRun = d.abortedRunLocked(old.Conn, cause)
		}
		d.run = run{}
		d.sentPaused = false
		d.rx.reset()
		for _, req := range d.requests {
			reqs = append(reqs, req)
		}
	}
	d.mu.Unlock()
	r.recomputeLocked()
	r.mu.Unlock()

	for _, req := range reqs {
		req.mod(evConnectionLost, ErrNotConnected)
	}
}

// ForceNetworkFailure drops the connection as a transport failure would.
func (d *Device) ForceNetworkFailure(cause error) {
	d.connectionLost(NetworkFailure, cause)
}

func (d *Device) startScanLocked(delay time.Duration) {
	d.scanStopped = false
	d.armScanLocked(delay)
}

func (d *Device) armScanLocked(delay time.Duration) {
	if d.scanStopped || d.stopped {
		return
	}
	if d.scanTimer == nil {
		d.scanTimer = time.AfterFunc(delay, d.scanTick)
		return
	}
	d.scanTimer.Reset(delay)
}

func (d *Device) stopScanLocked() {
	d.scanStopped = true
	if d.scanTimer != nil {
		d.scanTimer.Stop()
	}
}

// scanTick queues the scan work matching the current state.
func (d *Device) scanTick() {
	d.mu.Lock()
	stopped := d.scanStopped
	conn := d.st.Conn
	d.mu.Unlock()
	if stopped {
		return
	}
	switch conn {
	case SyncTarget:
		d.enqueue(d.scanItem)
	case VerifyS:
		d.enqueue(d.verifyItem)
	}
}

// rxEpochs tracks mirrored writes per barrier epoch received from the peer
// so that a barrier is acknowledged only once its writes are on disk.
type rxEpochs struct {
	inflight map[uint32]int
	barriers map[uint32]bool
	// probed records epochs whose first write was submitted as a barrier probe.
	probed map[uint32]bool
}

func newRxEpochs() rxEpochs {
	return rxEpochs{
		inflight: make(map[uint32]int),
		barriers: make(map[uint32]bool),
		probed:   make(map[uint32]bool),
	}
}

func (r *rxEpochs) reset() {
	clear(r.inflight)
	clear(r.barriers)
	clear(r.probed)
}
