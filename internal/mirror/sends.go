package mirror

import (
	"fmt"

	"github.com/mirrord/mirrord/internal/extent"
	"github.com/mirrord/mirrord/internal/peerlink"
)

// send hands m to the link. The payload reference is always consumed.
func (d *Device) send(m *peerlink.Message) error {
	l := d.peer()
	if l == nil {
		m.Done()
		return ErrNotConnected
	}
	if err := l.Send(m); err != nil {
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	return nil
}

// sendBlock sends the entry's data under kind; the link holds its own
// reference on the buffer until transmission.
func (d *Device) sendBlock(kind peerlink.Kind, e *extent.Entry) error {
	return d.send(&peerlink.Message{
		Kind:    kind,
		Sector:  e.Sector,
		Size:    e.Size,
		ID:      e.ID,
		Epoch:   e.Epoch,
		Payload: e.Buffer().Get(),
	})
}

func (d *Device) sendAck(kind peerlink.Kind, e *extent.Entry) error {
	return d.send(&peerlink.Message{Kind: kind, Sector: e.Sector, Size: e.Size, ID: e.ID, Epoch: e.Epoch})
}

func (d *Device) sendRequest(kind peerlink.Kind, sector uint64, size int, id uint64) error {
	return d.send(&peerlink.Message{Kind: kind, Sector: sector, Size: size, ID: id})
}

func (d *Device) sendDigest(kind peerlink.Kind, e *extent.Entry, sum []byte) error {
	return d.send(&peerlink.Message{Kind: kind, Sector: e.Sector, Size: e.Size, ID: e.ID, Digest: sum})
}

// sendDataBlock mirrors a primary write.
func (d *Device) sendDataBlock(r *Request, epoch uint32, cancel bool) error {
	if cancel {
		r.mod(evSendCanceled, ErrNotConnected)
		return nil
	}
	err := d.send(&peerlink.Message{
		Kind:   peerlink.KindData,
		Sector: r.Sector,
		Size:   r.size(),
		ID:     r.ID,
		Epoch:  epoch,
		Data:   r.data,
	})
	if err != nil {
		r.mod(evSendFailed, err)
		return err
	}
	r.mod(evHandedOverToNetwork, nil)
	return nil
}

// sendReadRequest asks the peer for the data of a primary read.
func (d *Device) sendReadRequest(r *Request, cancel bool) error {
	if cancel {
		r.mod(evSendCanceled, ErrNotConnected)
		return nil
	}
	if err := d.sendRequest(peerlink.KindDataRequest, r.Sector, r.size(), r.ID); err != nil {
		r.mod(evSendFailed, err)
		return err
	}
	r.mod(evHandedOverToNetwork, nil)
	return nil
}

// readRetryRemote resends a locally failed read to the peer if it holds
// good data.
func (d *Device) readRetryRemote(r *Request, cancel bool) error {
	d.mu.Lock()
	usable := d.st.Conn >= Connected && d.st.PeerDisk > Inconsistent
	d.mu.Unlock()
	if cancel || !usable {
		r.mod(evSendCanceled, ErrNotConnected)
		return nil
	}
	d.logger.Info().Uint64("sector", r.Sector).Int("size", r.size()).Msg("Retrying failed read from peer")
	return d.sendReadRequest(r, false)
}

func (d *Device) sendBarrier(epoch uint32, cancel bool) error {
	if cancel {
		return nil
	}
	if err := d.send(&peerlink.Message{Kind: peerlink.KindBarrier, Epoch: epoch}); err != nil {
		return err
	}
	d.mu.Lock()
	d.unacked++
	d.mu.Unlock()
	return nil
}

func (d *Device) sendWriteHint(cancel bool) error {
	if cancel {
		return nil
	}
	return d.send(&peerlink.Message{Kind: peerlink.KindWriteHint})
}
