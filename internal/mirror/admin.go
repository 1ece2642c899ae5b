package mirror

import (
	"errors"
	"fmt"
	"time"

	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/mirrord/mirrord/internal/workqueue"
)

var (
	// ErrAlreadyPaused is returned by PauseSync when the user pause is set.
	ErrAlreadyPaused = errors.New("resync already paused")
	// ErrNotPaused is returned by ResumeSync when the user pause is not set.
	ErrNotPaused = errors.New("resync not paused")

	errAbortedByAdmin = errors.New("aborted by administrator")
	errAbortedByPeer  = errors.New("aborted by peer")
)

// StartResync starts a resync run with this device on side (SyncSource or
// SyncTarget). The source announces a new bitmap generation to the peer,
// which then starts as target on its own.
func (d *Device) StartResync(side ConnState) error {
	if side != SyncSource && side != SyncTarget {
		return &TransitionError{Device: d.id.Name, From: d.State().Conn, To: side, Message: "resync side must be SyncSource or SyncTarget"}
	}
	if st := d.State(); st.Conn != Connected {
		return &TransitionError{Device: d.id.Name, From: st.Conn, To: side, Message: ErrNotConnected.Error()}
	}

	if rc, ok := d.bm.(Recounter); ok {
		rc.Recount()
	}
	d.bm.CancelReservations()

	if side == SyncTarget {
		code, err := d.notify(EventBeforeResyncTarget)
		if err == nil && code != 0 {
			d.logger.Warn().Int("code", code).Msg("before-resync-target handler refused, dropping connection")
			d.connectionLost(Disconnecting, ErrVetoed)
			return fmt.Errorf("%w: exit code %d", ErrVetoed, code)
		}
	}

	r := d.registry
	r.mu.Lock()
	may := r.mayResyncNow(d)
	d.mu.Lock()
	if d.st.Conn != Connected {
		from := d.st.Conn
		d.mu.Unlock()
		r.mu.Unlock()
		return &TransitionError{Device: d.id.Name, From: from, To: side, Message: ErrNotConnected.Error()}
	}

	var announce []uint64
	if side == SyncSource {
		if d.gen.Bitmap != 0 {
			d.gen.Bitmap += newBitmapOffset
		} else {
			d.gen.Bitmap = newGeneration()
		}
		announce = d.gen.slice()
	}

	ns := d.st
	ns.Conn = side
	if may {
		ns.Pause &^= PauseDependency
	} else {
		ns.Pause |= PauseDependency
	}
	if side == SyncTarget {
		ns.Disk = Inconsistent
	} else {
		ns.PeerDisk = Inconsistent
	}

	if announce != nil {
		// The announcement must precede any pause notification the state
		// change queues.
		d.enqueue(workqueue.NewItem(workqueue.KindSendState, func(cancel bool) error {
			if cancel {
				return nil
			}
			return d.send(&peerlink.Message{Kind: peerlink.KindSyncUUID, Generations: announce})
		}))
	}

	now := time.Now()
	d.setStateLocked(ns, "start resync")
	d.run = run{start: now, total: d.bm.TotalWeight()}
	if d.st.Pause != 0 {
		d.run.pausedAt = now
	}
	d.cursor = 0
	d.pending = 0
	d.logger.Info().
		Str("side", side.String()).
		Uint64("blocks", d.run.total).
		Str("pause", d.st.Pause.String()).
		Msg("Resync started")

	if d.run.total == 0 {
		d.checkFinishedLocked()
	} else if d.st.Conn == SyncTarget {
		d.startScanLocked(0)
	}
	d.mu.Unlock()
	r.recomputeLocked()
	r.mu.Unlock()
	return nil
}

// ForceState moves the connection to cs. States below Connected tear the
// connection down; Connected aborts a running resync or verify. Resync and
// verify states can only be entered through StartResync and StartVerify.
func (d *Device) ForceState(cs ConnState) error {
	switch {
	case cs < Connected:
		d.connectionLost(cs, nil)
		return nil
	case cs == Connected:
		return d.abortRun(errAbortedByAdmin, true)
	default:
		return &TransitionError{Device: d.id.Name, From: d.State().Conn, To: cs, Message: "not reachable by force"}
	}
}

// abortRun stops a resync or verify and returns to Connected. A target
// stays Inconsistent. With tellPeer set the peer is asked to end its side
// of the run as well.
func (d *Device) abortRun(cause error, tellPeer bool) error {
	r := d.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	d.mu.Lock()
	old := d.st
	if old.Conn == Connected {
		d.mu.Unlock()
		return nil
	}
	if !old.Conn.SyncLike() {
		d.mu.Unlock()
		return &TransitionError{Device: d.id.Name, From: old.Conn, To: Connected, Message: "not connected"}
	}
	d.stopScanLocked()
	d.bm.CancelReservations()
	d.lastRun = d.abortedRunLocked(old.Conn, cause)
	d.run = run{}
	d.pending = 0
	d.cursor = 0
	ns := old
	ns.Conn = Connected
	if tellPeer {
		d.enqueue(workqueue.NewItem(workqueue.KindSendState, func(cancel bool) error {
			if cancel {
				return nil
			}
			return d.send(&peerlink.Message{Kind: peerlink.KindAbortRun})
		}))
	}
	d.setStateLocked(ns, "abort")
	d.mu.Unlock()
	r.recomputeLocked()
	return nil
}

// PauseSync sets the user pause flag.
func (d *Device) PauseSync() error { return d.userPause(true) }

// ResumeSync clears the user pause flag.
func (d *Device) ResumeSync() error { return d.userPause(false) }

func (d *Device) userPause(on bool) error {
	r := d.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if !d.setPause(PauseUser, on) {
		if on {
			return ErrAlreadyPaused
		}
		return ErrNotPaused
	}
	r.recomputeLocked()
	return nil
}

// AlterDependency makes this device resync only after the device with minor
// after; a negative value removes the dependency.
func (d *Device) AlterDependency(after int) error {
	return d.registry.AlterDependency(d, after)
}

// After returns the minor this device waits for, or -1.
func (d *Device) After() int {
	d.registry.mu.RLock()
	defer d.registry.mu.RUnlock()
	return d.after
}

// State returns the current replication state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st
}
