// Package peerlink carries replication messages between the two nodes of a
// mirrored device.
package peerlink

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Send after the link was closed.
	ErrClosed = errors.New("peer link closed")
	// ErrSendFailed wraps transport errors returned by Send.
	ErrSendFailed = errors.New("peer link send failed")
)

// Kind identifies a message.
type Kind uint8

const (
	KindInvalid Kind = iota
	// KindData mirrors an application write.
	KindData
	KindDataRequest
	KindDataReply
	KindNegDReply
	KindRSDataRequest
	KindRSDataReply
	KindNegRSDReply
	KindCsumRSRequest
	KindRSIsInSync
	KindRSWriteAck
	KindWriteAck
	KindNegAck
	KindOVRequest
	KindOVReply
	KindOVResult
	KindVerifyStart
	KindBarrier
	KindBarrierAck
	KindWriteHint
	KindSyncUUID
	KindPauseState
	// KindNegCsumRS tells the source that the target could not read the
	// block it wanted to send a checksum for.
	KindNegCsumRS
	// KindAbortRun ends the peer's resync or verify run.
	KindAbortRun
	kindMax
)

var kindNames = [...]string{
	KindInvalid:       "invalid",
	KindData:          "data",
	KindDataRequest:   "data-request",
	KindDataReply:     "data-reply",
	KindNegDReply:     "neg-data-reply",
	KindRSDataRequest: "rs-data-request",
	KindRSDataReply:   "rs-data-reply",
	KindNegRSDReply:   "neg-rs-data-reply",
	KindCsumRSRequest: "csum-rs-request",
	KindRSIsInSync:    "rs-is-in-sync",
	KindRSWriteAck:    "rs-write-ack",
	KindWriteAck:      "write-ack",
	KindNegAck:        "neg-ack",
	KindOVRequest:     "ov-request",
	KindOVReply:       "ov-reply",
	KindOVResult:      "ov-result",
	KindVerifyStart:   "verify-start",
	KindBarrier:       "barrier",
	KindBarrierAck:    "barrier-ack",
	KindWriteHint:     "write-hint",
	KindSyncUUID:      "sync-uuid",
	KindPauseState:    "pause-state",
	KindNegCsumRS:     "neg-csum-rs",
	KindAbortRun:      "abort-run",
}

func (k Kind) String() string {
	if k < kindMax {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool { return k > KindInvalid && k < kindMax }

// HasPayload reports whether messages of this kind carry block data.
func (k Kind) HasPayload() bool {
	switch k {
	case KindData, KindDataReply, KindRSDataReply:
		return true
	}
	return false
}

// Buffer is a reference-counted payload. The link drops its reference once
// the payload has been transmitted or the send failed.
type Buffer interface {
	Bytes() []byte
	Put()
}

// Verify result values carried in Message.ID of KindOVResult.
const (
	OVInSync    uint64 = 4711
	OVOutOfSync uint64 = 4712
)

// Message is one replication message.
type Message struct {
	Kind   Kind
	Sector uint64
	Size   int
	// ID correlates requests and replies. Scan-generated requests use the
	// syncer id.
	ID    uint64
	Epoch uint32
	// Digest carries checksum and verify digests.
	Digest []byte
	// Data holds the payload of received messages.
	Data []byte
	// Payload holds the payload of outbound messages.
	Payload Buffer
	// Generations carries Current, Bitmap and two History identifiers.
	Generations []uint64
	// Paused carries the sender's aggregate pause state.
	Paused bool
}

// Bytes returns the message payload.
func (m *Message) Bytes() []byte {
	if m.Payload != nil {
		return m.Payload.Bytes()
	}
	return m.Data
}

// Done drops the link's reference on the outbound payload. It is safe to
// call more than once.
func (m *Message) Done() {
	if m.Payload != nil {
		m.Payload.Put()
		m.Payload = nil
	}
}

// Handler receives inbound messages in arrival order.
type Handler func(m *Message)

// Link is a bidirectional message link to the peer.
type Link interface {
	// Send transmits m. It always consumes m's payload reference.
	Send(m *Message) error
	// SetHandler installs the inbound message handler.
	SetHandler(h Handler)
	// SetCloseHandler installs a callback run once when the link fails.
	SetCloseHandler(f func(err error))
	Close() error
}

// Corker is implemented by links that can batch outbound messages.
type Corker interface {
	Cork()
	Uncork()
}
