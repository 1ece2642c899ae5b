package mirror

import (
	"time"

	"github.com/mirrord/mirrord/internal/bitmap"
)

// RunResult summarises a finished or aborted resync or verify run.
type RunResult struct {
	Kind      string        `json:"kind"`
	Side      string        `json:"side"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Duration  time.Duration `json:"duration"`
	Paused    time.Duration `json:"paused"`
	Total     uint64        `json:"total_blocks"`
	Failed    uint64        `json:"failed_blocks"`
	SameCsum  uint64        `json:"same_csum_blocks"`
	KiBPerSec uint64        `json:"kib_per_sec"`
	// OutOfSyncBytes is the divergence found by a verify run.
	OutOfSyncBytes uint64 `json:"out_of_sync_bytes"`
	Aborted        bool   `json:"aborted"`
	Error          string `json:"error,omitempty"`

	err error
}

// Err returns the error the run ended with, if any.
func (r *RunResult) Err() error { return r.err }

func runKind(c ConnState) string {
	if c.Verifying() {
		return "verify"
	}
	return "resync"
}

// resultLocked fills the common part of a run summary.
func (d *Device) resultLocked(side ConnState, now time.Time) *RunResult {
	paused := d.run.paused
	if !d.run.pausedAt.IsZero() {
		paused += now.Sub(d.run.pausedAt)
	}
	dt := now.Sub(d.run.start) - paused
	if dt < time.Second {
		dt = time.Second
	}
	done := d.run.total
	if !side.Verifying() {
		if w := d.bm.TotalWeight(); w < done {
			done -= w
		} else {
			done = 0
		}
	}
	return &RunResult{
		Kind:      runKind(side),
		Side:      side.Active().String(),
		Start:     d.run.start,
		End:       now,
		Duration:  dt,
		Paused:    paused,
		Total:     d.run.total,
		Failed:    d.run.failed,
		SameCsum:  d.run.sameCsum,
		KiBPerSec: done * (bitmap.BlockSize / 1024) / uint64(dt/time.Second),
	}
}

func (d *Device) abortedRunLocked(side ConnState, cause error) *RunResult {
	res := d.resultLocked(side, time.Now())
	res.Aborted = true
	if cause != nil {
		res.err = cause
		res.Error = cause.Error()
	}
	if side.Verifying() {
		res.OutOfSyncBytes = d.run.ovFound << bitmap.SectorShift
	}
	return res
}

// checkFinishedLocked queues the finalize step once no dirty block is left
// that a failure does not account for and every acknowledgment arrived.
func (d *Device) checkFinishedLocked() {
	if !d.st.Conn.Resyncing() || d.run.finishQueued || d.pending != 0 {
		return
	}
	if d.bm.TotalWeight() > d.run.failed {
		return
	}
	d.run.finishQueued = true
	d.stopScanLocked()
	d.enqueue(d.finishItem)
}

// resyncFinished finalizes a resync or verify run. Duplicate invocations
// after the state went back to Connected are no-ops.
func (d *Device) resyncFinished(cancel bool) error {
	if cancel {
		return nil
	}

	if n := d.bm.ReservedCount(); n > 0 {
		d.mu.Lock()
		resyncing := d.st.Conn.Resyncing()
		if resyncing && d.run.retries < d.cfg.MaxFinishRetries {
			d.run.retries++
			d.mu.Unlock()
			d.logger.Debug().Int("reserved", n).Msg("Resync finish waits for reservations")
			time.AfterFunc(d.cfg.FinishRetryDelay, func() { d.enqueue(d.finishItem) })
			return nil
		}
		if resyncing {
			d.writeBMAfter = true
			d.logger.Warn().Int("reserved", n).Msg("Reservations still held, finishing resync anyway")
		}
		d.mu.Unlock()
	}

	r := d.registry
	r.mu.Lock()
	d.mu.Lock()
	old := d.st
	if old.Conn <= Connected {
		d.mu.Unlock()
		r.mu.Unlock()
		return nil
	}

	now := time.Now()
	side := old.Conn.Active()
	res := d.resultLocked(side, now)
	ns := old
	ns.Conn = Connected
	var events []Event

	if side.Verifying() {
		d.ovOOSPrintLocked()
		res.OutOfSyncBytes = d.run.ovFound << bitmap.SectorShift
		if d.run.ovFound > 0 {
			events = append(events, EventOutOfSync)
		}
		d.logger.Info().
			Str("side", side.String()).
			Dur("duration", res.Duration).
			Uint64("out_of_sync_bytes", res.OutOfSyncBytes).
			Msg("Online verify done")
	} else {
		weight := d.bm.TotalWeight()
		target := side == SyncTarget
		d.logger.Info().
			Str("side", side.String()).
			Dur("duration", res.Duration).
			Dur("paused", res.Paused).
			Uint64("kib_per_sec", res.KiBPerSec).
			Uint64("total_blocks", res.Total).
			Uint64("same_csum_blocks", res.SameCsum).
			Uint64("failed_blocks", res.Failed).
			Msg("Resync done")

		switch {
		case weight > d.run.failed:
			res.err = ErrResyncInconsistent
			res.Error = ErrResyncInconsistent.Error()
			d.logger.Error().
				Uint64("weight", weight).
				Uint64("failed", d.run.failed).
				Msg("Resync finished with unexplained out-of-sync blocks")
			if target {
				ns.Disk = Inconsistent
			} else {
				ns.PeerDisk = Inconsistent
			}
		case d.run.failed > 0:
			if target {
				ns.Disk, ns.PeerDisk = Inconsistent, UpToDate
			} else {
				ns.Disk, ns.PeerDisk = UpToDate, Inconsistent
			}
		default:
			ns.Disk, ns.PeerDisk = UpToDate, UpToDate
			if target {
				own := d.gen.Current
				d.gen.History = d.peerGen.History
				d.gen.Bitmap = own
				d.gen.Current = d.peerGen.Current
			}
			d.gen.rotateBitmap()
			d.peerGen = d.gen
		}
		if target {
			events = append(events, EventAfterResyncTarget)
		}
	}

	d.setStateLocked(ns, runKind(side)+" finished")
	d.lastRun = res
	d.run = run{}
	d.cursor = 0
	d.pending = 0
	writeBM := d.writeBMAfter
	d.writeBMAfter = false
	d.mu.Unlock()
	r.recomputeLocked()
	r.mu.Unlock()

	for _, ev := range events {
		_, _ = d.notify(ev)
	}
	if writeBM {
		if w, ok := d.bm.(BitmapWriter); ok {
			if err := w.WriteAll(); err != nil {
				d.logger.Error().Err(err).Msg("Writing bitmap after resync")
			}
		}
	}
	if rc, ok := d.bm.(Recounter); ok {
		rc.Recount()
	}
	return nil
}

// LastRun returns the summary of the last finished or aborted run.
func (d *Device) LastRun() *RunResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRun
}
