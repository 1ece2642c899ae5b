// Package storage provides the block I/O backends a mirrored device submits
// its local reads and writes to.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Direction of an I/O.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Flags modify a submitted I/O.
type Flags uint8

const (
	// FlagBarrier orders the write after everything submitted before it.
	FlagBarrier Flags = 1 << iota
	// FlagFlush flushes the device cache after the write.
	FlagFlush
)

var (
	// ErrBarrierNotSupported is reported by backends that reject barrier writes.
	ErrBarrierNotSupported = errors.New("barrier writes not supported")
	// ErrOutOfRange is reported for I/O beyond the device capacity.
	ErrOutOfRange = errors.New("i/o beyond end of device")
	// ErrMedium is the generic media error injected by test backends.
	ErrMedium = errors.New("medium error")
	// ErrClosed is reported for I/O submitted after Close.
	ErrClosed = errors.New("backend closed")
)

// Completion receives the outcome of a submitted I/O. It may run on any
// goroutine and must not block.
type Completion func(err error)

// Backend is an asynchronous block device.
type Backend interface {
	// Submit starts an I/O of len(buf) bytes at sector and calls done once.
	Submit(dir Direction, sector uint64, buf []byte, flags Flags, done Completion)
	// Capacity returns the device size in sectors.
	Capacity() uint64
	Close() error
}

// Do submits an I/O and waits for its completion.
func Do(ctx context.Context, b Backend, dir Direction, sector uint64, buf []byte, flags Flags) error {
	ch := make(chan error, 1)
	b.Submit(dir, sector, buf, flags, func(err error) { ch <- err })
	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%s at sector %d: %w", dir, sector, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func checkRange(capacity, sector uint64, n int) error {
	if n%512 != 0 {
		return fmt.Errorf("%w: length %d is not sector aligned", ErrOutOfRange, n)
	}
	if sector+uint64(n/512) > capacity {
		return fmt.Errorf("%w: sector %d+%d > %d", ErrOutOfRange, sector, n/512, capacity)
	}
	return nil
}
