package extent

import "sync/atomic"

// Buffer is a reference-counted block buffer. The owning entry holds one
// reference; every concurrent network send holds another. The last Put
// returns the memory to the pool and reclaims the entry if it was parked.
type Buffer struct {
	data   []byte
	refs   atomic.Int32
	onZero func()
}

func newBuffer(data []byte, onZero func()) *Buffer {
	b := &Buffer{data: data, onZero: onZero}
	b.refs.Store(1)
	return b
}

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Get takes an additional reference and returns b.
func (b *Buffer) Get() *Buffer {
	b.refs.Add(1)
	return b
}

// Put drops a reference.
func (b *Buffer) Put() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		if b.onZero != nil {
			b.onZero()
		}
	case n < 0:
		panic("extent: buffer reference count went negative")
	}
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int32 { return b.refs.Load() }
