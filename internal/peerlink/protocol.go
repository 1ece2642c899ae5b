package peerlink

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ProtocolVersion is the current peer link protocol version.
const ProtocolVersion = 1

const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

// ErrBadFrame is returned for frames that cannot be decoded.
var ErrBadFrame = errors.New("malformed peer frame")

// envelope is the wire form of a Message.
type envelope struct {
	Version     int      `json:"version"`
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	Sector      uint64   `json:"sector,omitempty"`
	Size        int      `json:"size,omitempty"`
	Correlation uint64   `json:"correlation,omitempty"`
	Epoch       uint32   `json:"epoch,omitempty"`
	Digest      []byte   `json:"digest,omitempty"`
	Data        []byte   `json:"data,omitempty"`
	Generations []uint64 `json:"generations,omitempty"`
	Paused      bool     `json:"paused,omitempty"`
}

// Codec encodes messages into frames, compressing large frames with zstd.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec returns a codec. Frames of at least threshold bytes are
// compressed; threshold <= 0 disables compression.
func NewCodec(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// Encode returns the frame for m.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	env := envelope{
		Version:     ProtocolVersion,
		ID:          uuid.New().String(),
		Kind:        m.Kind,
		Sector:      m.Sector,
		Size:        m.Size,
		Correlation: m.ID,
		Epoch:       m.Epoch,
		Digest:      m.Digest,
		Data:        m.Bytes(),
		Generations: m.Generations,
		Paused:      m.Paused,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Kind, err)
	}
	if c.threshold > 0 && len(body) >= c.threshold {
		out := make([]byte, 1, len(body)/2+1)
		out[0] = frameZstd
		return c.enc.EncodeAll(body, out), nil
	}
	return append([]byte{frameRaw}, body...), nil
}

// Decode parses a frame.
func (c *Codec) Decode(frame []byte) (*Message, error) {
	if len(frame) < 2 {
		return nil, ErrBadFrame
	}
	body := frame[1:]
	switch frame[0] {
	case frameRaw:
	case frameZstd:
		var err error
		body, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown frame type %d", ErrBadFrame, frame[0])
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrBadFrame, env.Version)
	}
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrBadFrame, env.Kind)
	}
	return &Message{
		Kind:        env.Kind,
		Sector:      env.Sector,
		Size:        env.Size,
		ID:          env.Correlation,
		Epoch:       env.Epoch,
		Digest:      env.Digest,
		Data:        env.Data,
		Generations: env.Generations,
		Paused:      env.Paused,
	}, nil
}

// Close releases the compressor state.
func (c *Codec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}
