package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReadWrite(t *testing.T) {
	m := NewMemory(64)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	block := bytes.Repeat([]byte{0x5A}, 4096)
	require.NoError(t, Do(ctx, m, Write, 8, block, 0))

	got := make([]byte, 4096)
	require.NoError(t, Do(ctx, m, Read, 8, got, 0))
	assert.Equal(t, block, got)

	reads, writes := m.Counts()
	assert.Equal(t, uint64(1), reads)
	assert.Equal(t, uint64(1), writes)
}

func TestMemory_OutOfRange(t *testing.T) {
	m := NewMemory(8)
	t.Cleanup(func() { _ = m.Close() })

	err := Do(context.Background(), m, Read, 4, make([]byte, 4096), 0)
	assert.ErrorIs(t, err, ErrOutOfRange)

	err = Do(context.Background(), m, Read, 0, make([]byte, 100), 0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMemory_FaultInjection(t *testing.T) {
	m := NewMemory(64)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	m.FailReads(9)
	m.FailWrites(17)
	assert.ErrorIs(t, Do(ctx, m, Read, 8, make([]byte, 4096), 0), ErrMedium)
	assert.ErrorIs(t, Do(ctx, m, Write, 16, make([]byte, 4096), 0), ErrMedium)
	assert.NoError(t, Do(ctx, m, Read, 0, make([]byte, 4096), 0))

	m.RejectBarriers(true)
	assert.ErrorIs(t, Do(ctx, m, Write, 0, make([]byte, 4096), FlagBarrier), ErrBarrierNotSupported)
	assert.NoError(t, Do(ctx, m, Write, 0, make([]byte, 4096), 0))

	m.Heal()
	assert.NoError(t, Do(ctx, m, Read, 8, make([]byte, 4096), 0))
}
