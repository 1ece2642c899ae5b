package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/extent"
	"github.com/mirrord/mirrord/internal/storage"
	"github.com/mirrord/mirrord/internal/workqueue"
)

// MetaIO performs a synchronous metadata I/O and waits for its completion.
func (d *Device) MetaIO(ctx context.Context, dir storage.Direction, sector uint64, buf []byte) error {
	var flags storage.Flags
	if dir == storage.Write {
		flags = storage.FlagFlush
	}
	if err := storage.Do(ctx, d.store, dir, sector, buf, flags); err != nil {
		return fmt.Errorf("metadata %s at sector %d: %w", dir, sector, err)
	}
	return nil
}

// submitRead reads the entry's range on behalf of the peer or the scan.
func (d *Device) submitRead(e *extent.Entry) {
	d.pool.Move(e, extent.QueueRead)
	d.store.Submit(storage.Read, e.Sector, e.Data(), 0, func(err error) {
		d.secondaryReadCompleted(e, err)
	})
}

// submitWrite writes the entry's data. q is QueueActive for mirrored writes
// and QueueSync for resync data.
func (d *Device) submitWrite(e *extent.Entry, q extent.Queue, flags storage.Flags) {
	d.pool.Move(e, q)
	d.store.Submit(storage.Write, e.Sector, e.Data(), flags, func(err error) {
		d.secondaryWriteCompleted(e, q, err)
	})
}

func (d *Device) secondaryReadCompleted(e *extent.Entry, err error) {
	e.Err = err
	d.mu.Lock()
	d.readSectors += uint64(e.Size >> bitmap.SectorShift)
	d.mu.Unlock()
	d.pool.Move(e, extent.QueueDone)
	if err != nil {
		d.ioError(storage.Read, e.Sector, err)
	}
	d.queueContinuation(e)
}

func (d *Device) secondaryWriteCompleted(e *extent.Entry, q extent.Queue, err error) {
	if e.Flags&extent.FlagBarrier != 0 && errors.Is(err, storage.ErrBarrierNotSupported) {
		d.demoteOrdering(OrderFlush)
		e.Flags &^= extent.FlagBarrier
		d.enqueue(workqueue.NewItem(workqueue.KindEntry, func(bool) error {
			d.submitWrite(e, q, d.writeFlags(true))
			return nil
		}))
		return
	}

	e.Err = err
	d.mu.Lock()
	d.writtenSectors += uint64(e.Size >> bitmap.SectorShift)
	d.mu.Unlock()
	d.pool.Move(e, extent.QueueDone)

	if q == extent.QueueSync && e.IsSyncer() {
		d.bm.Release(e.Sector, e.Size)
	}
	if e.Flags&extent.FlagCallActivityLog != 0 && d.al != nil {
		d.al.Complete(e.Sector)
	}
	if err != nil {
		d.ioError(storage.Write, e.Sector, err)
	}
	d.queueContinuation(e)
}

// queueContinuation runs the entry's continuation on the worker and then
// releases the entry.
func (d *Device) queueContinuation(e *extent.Entry) {
	d.enqueue(workqueue.NewItem(workqueue.KindEntry, func(cancel bool) error {
		var err error
		if e.Continuation != nil {
			err = e.Continuation(e, cancel)
		}
		if rerr := d.pool.Release(e); rerr != nil {
			d.logger.Error().Err(rerr).Uint64("sector", e.Sector).Msg("Releasing entry")
		}
		return err
	}))
}

// primaryCompleted feeds the local outcome of an application request into
// its event log.
func (d *Device) primaryCompleted(r *Request, dir storage.Direction, err error) {
	switch {
	case err == nil:
		r.mod(evCompletedOK, nil)
	case dir == storage.Read:
		r.mod(evReadError, err)
		d.ioError(dir, r.Sector, err)
		d.enqueue(workqueue.NewItem(workqueue.KindReadRetryRemote, func(cancel bool) error {
			return d.readRetryRemote(r, cancel)
		}))
	default:
		r.mod(evWriteError, err)
		d.ioError(dir, r.Sector, err)
	}
}

// writeFlags returns the storage flags of a mirrored write under the current
// write ordering. first marks the first write of an epoch.
func (d *Device) writeFlags(first bool) storage.Flags {
	if !first {
		return 0
	}
	d.mu.Lock()
	o := d.ordering
	d.mu.Unlock()
	switch o {
	case OrderBarrier:
		return storage.FlagBarrier
	case OrderFlush:
		return storage.FlagFlush
	}
	return 0
}

// demoteOrdering lowers the write ordering to at most to.
func (d *Device) demoteOrdering(to WriteOrdering) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ordering >= to {
		return
	}
	d.logger.Warn().Str("from", d.ordering.String()).Str("to", to.String()).Msg("Backing device rejected barrier, demoting write ordering")
	d.ordering = to
}

// WriteOrdering returns the current write ordering.
func (d *Device) WriteOrdering() WriteOrdering {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ordering
}

// ioError applies the local I/O error policy.
func (d *Device) ioError(dir storage.Direction, sector uint64, err error) {
	d.mu.Lock()
	d.failedIO++
	d.mu.Unlock()
	d.ioLog.Error().Err(err).
		Str("dir", dir.String()).
		Uint64("sector", sector).
		Str("policy", d.cfg.OnIOError.String()).
		Msg("Local I/O error")

	switch d.cfg.OnIOError {
	case CallHelper:
		d.enqueue(workqueue.NewItem(workqueue.KindIOError, func(bool) error {
			_, _ = d.notify(EventLocalIOError)
			return nil
		}))
	case Detach:
		d.enqueue(workqueue.NewItem(workqueue.KindIOError, func(bool) error {
			d.SetDiskState(Failed)
			return nil
		}))
	}
}
