package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/mirrord/mirrord/internal/storage"
	"github.com/mirrord/mirrord/internal/workqueue"
)

// ErrIO is reported for requests that failed on both replicas.
var ErrIO = errors.New("i/o error")

// MaxRequestSize bounds application requests and every block range a peer
// may name.
const MaxRequestSize = 1 << 20

// RequestEvent is one entry of a request's lifecycle log.
type RequestEvent int

const (
	evSubmitted RequestEvent = iota
	evQueuedForNetwork
	evHandedOverToNetwork
	evSendCanceled
	evSendFailed
	evCompletedOK
	evReadError
	evWriteError
	evWriteAcked
	evNegAcked
	evDataReceived
	evConnectionLost
)

func (e RequestEvent) String() string {
	switch e {
	case evSubmitted:
		return "submitted"
	case evQueuedForNetwork:
		return "queued_for_network"
	case evHandedOverToNetwork:
		return "handed_over_to_network"
	case evSendCanceled:
		return "send_canceled"
	case evSendFailed:
		return "send_failed"
	case evCompletedOK:
		return "completed_ok"
	case evReadError:
		return "read_completed_with_error"
	case evWriteError:
		return "write_completed_with_error"
	case evWriteAcked:
		return "write_acked_by_peer"
	case evNegAcked:
		return "neg_acked"
	case evDataReceived:
		return "data_received"
	case evConnectionLost:
		return "connection_lost_while_pending"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Request is an application read or write on the primary. A write completes
// only after both the local and the remote half reached a final outcome.
type Request struct {
	ID     uint64
	Sector uint64
	Write  bool
	data   []byte
	dev    *Device

	mu         sync.Mutex
	events     []RequestEvent
	localDone  bool
	localOK    bool
	remoteWait bool
	remoteDone bool
	remoteOK   bool
	onNetwork  bool
	finished   bool
	err        error
	done       chan struct{}
	onComplete func(*Request)
}

func (r *Request) size() int { return len(r.data) }

// Events returns a copy of the lifecycle log.
func (r *Request) Events() []RequestEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RequestEvent(nil), r.events...)
}

// Done is closed when the request completed.
func (r *Request) Done() <-chan struct{} { return r.done }

// Err returns the final outcome; valid after Done.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Data returns the buffer of the request; for reads it holds the result.
func (r *Request) Data() []byte { return r.data }

// Wait blocks until the request completes.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mod records ev and completes the request once both halves are final.
func (r *Request) mod(ev RequestEvent, err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.events = append(r.events, ev)

	switch ev {
	case evQueuedForNetwork:
		r.remoteWait = true
		// Reads go to one replica only; one routed to the peer has no local half.
		if !r.Write {
			r.localDone = true
		}
	case evHandedOverToNetwork:
		r.onNetwork = true
	case evCompletedOK:
		r.localDone, r.localOK = true, true
	case evWriteError:
		r.localDone = true
	case evReadError:
		// the read is retried from the peer; the local half is final but
		// the request now waits for the remote one.
		r.localDone = true
		r.remoteWait = true
	case evWriteAcked, evDataReceived:
		r.remoteDone, r.remoteOK = true, true
	case evSendCanceled, evSendFailed, evNegAcked:
		r.remoteDone = true
	case evConnectionLost:
		if r.remoteWait {
			r.remoteDone = true
		}
	}
	if err != nil && r.err == nil && !r.remoteOK {
		r.err = err
	}

	if !r.localDone || (r.remoteWait && !r.remoteDone) {
		r.mu.Unlock()
		return
	}
	r.finished = true
	ok := r.localOK || r.remoteOK
	if ok {
		r.err = nil
	} else if r.err == nil {
		r.err = ErrIO
	}
	// A write only one replica holds leaves that block out of sync.
	diverged := r.Write && (!r.localOK || (r.remoteWait && !r.remoteOK) || !r.remoteWait)
	cb := r.onComplete
	r.mu.Unlock()

	r.dev.requestDone(r, diverged)
	close(r.done)
	if cb != nil {
		cb(r)
	}
}

// requestDone drops the request from the table and records divergence.
func (d *Device) requestDone(r *Request, diverged bool) {
	d.mu.Lock()
	delete(d.requests, r.ID)
	d.mu.Unlock()
	if diverged && r.size() > 0 {
		d.bm.SetOutOfSync(r.Sector, r.size())
	}
}

func (d *Device) newRequest(sector uint64, data []byte, write bool, cb func(*Request)) (*Request, error) {
	if err := checkRequestSize(len(data)); err != nil {
		return nil, err
	}
	if n, c := uint64(len(data)>>bitmap.SectorShift), d.store.Capacity(); sector >= c || n > c-sector {
		return nil, storage.ErrOutOfRange
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	d.nextReqID++
	r := &Request{
		ID:         d.nextReqID,
		Sector:     sector,
		Write:      write,
		data:       data,
		dev:        d,
		done:       make(chan struct{}),
		onComplete: cb,
		events:     []RequestEvent{evSubmitted},
	}
	d.requests[r.ID] = r
	d.mu.Unlock()
	return r, nil
}

// SubmitWrite writes data at sector locally and, while connected, mirrors it
// to the peer. cb, if set, runs once the request completed.
func (d *Device) SubmitWrite(sector uint64, data []byte, cb func(*Request)) (*Request, error) {
	r, err := d.newRequest(sector, data, true, cb)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	mirror := d.st.Conn >= Connected && d.st.PeerDisk >= Inconsistent
	local := d.st.Disk > Failed
	var epoch uint32
	closeEpoch := false
	if mirror {
		epoch = d.epoch
		d.epochWrites++
		if d.epochWrites >= d.cfg.EpochSize {
			closeEpoch = true
		}
	}
	d.mu.Unlock()

	if mirror {
		r.mod(evQueuedForNetwork, nil)
		d.enqueue(workqueue.NewItem(workqueue.KindSendDataBlock, func(cancel bool) error {
			return d.sendDataBlock(r, epoch, cancel)
		}))
		if closeEpoch {
			d.CloseEpoch()
		}
	}

	if !local {
		r.mod(evWriteError, ErrNoDisk)
		return r, nil
	}
	d.store.Submit(storage.Write, sector, data, 0, func(err error) {
		d.primaryCompleted(r, storage.Write, err)
	})
	return r, nil
}

func checkRequestSize(size int) error {
	if size <= 0 || size%bitmap.SectorSize != 0 {
		return fmt.Errorf("request size %d is not a positive multiple of the sector size", size)
	}
	if size > MaxRequestSize {
		return fmt.Errorf("request size %d exceeds %d", size, MaxRequestSize)
	}
	return nil
}

// SubmitRead reads size bytes at sector. Blocks not up to date locally are
// read from the peer, and local read errors are retried there.
func (d *Device) SubmitRead(sector uint64, size int, cb func(*Request)) (*Request, error) {
	if err := checkRequestSize(size); err != nil {
		return nil, err
	}
	r, err := d.newRequest(sector, make([]byte, size), false, cb)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	st := d.st
	d.mu.Unlock()

	if st.Disk < UpToDate && d.rangeDirty(sector, size) {
		if st.Conn < Connected || st.PeerDisk < UpToDate {
			r.mod(evReadError, ErrNoDisk)
			r.mod(evSendCanceled, ErrNotConnected)
			return r, nil
		}
		r.mod(evQueuedForNetwork, nil)
		d.enqueue(workqueue.NewItem(workqueue.KindSendReadRequest, func(cancel bool) error {
			return d.sendReadRequest(r, cancel)
		}))
		return r, nil
	}

	d.store.Submit(storage.Read, sector, r.data, 0, func(err error) {
		d.primaryCompleted(r, storage.Read, err)
	})
	return r, nil
}

func (d *Device) rangeDirty(sector uint64, size int) bool {
	first := bitmap.SectorToBit(sector)
	last := bitmap.SectorToBit(sector + uint64(size>>bitmap.SectorShift) - 1)
	bit, ok := d.bm.FindNextDirty(first)
	return ok && bit <= last
}

// CloseEpoch ends the current barrier epoch and queues its barrier.
func (d *Device) CloseEpoch() {
	d.mu.Lock()
	if d.epochWrites == 0 {
		d.mu.Unlock()
		return
	}
	epoch := d.epoch
	d.epoch++
	d.epochWrites = 0
	d.mu.Unlock()

	d.enqueue(workqueue.NewItem(workqueue.KindSendBarrier, func(cancel bool) error {
		return d.sendBarrier(epoch, cancel)
	}))
}

// Unplug asks the peer to kick its queued writes.
func (d *Device) Unplug() {
	d.enqueue(workqueue.NewItem(workqueue.KindSendWriteHint, d.sendWriteHint))
}

func (d *Device) lookupRequest(id uint64) *Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[id]
}

func (d *Device) remoteAck(m *peerlink.Message, ev RequestEvent, err error) {
	r := d.lookupRequest(m.ID)
	if r == nil {
		d.logger.Debug().Str("kind", m.Kind.String()).Uint64("id", m.ID).Msg("Ack for unknown request")
		return
	}
	if ev == evDataReceived {
		copy(r.data, m.Data)
	}
	r.mod(ev, err)
}
