//go:build unix

package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_ReadWriteFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := OpenFile(FileConfig{Path: path, Size: 1 << 20, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	ctx := context.Background()

	assert.Equal(t, uint64(2048), f.Capacity())

	block := bytes.Repeat([]byte{0xC3}, 8192)
	require.NoError(t, Do(ctx, f, Write, 128, block, FlagBarrier))

	got := make([]byte, 8192)
	require.NoError(t, Do(ctx, f, Read, 128, got, 0))
	assert.Equal(t, block, got)

	assert.ErrorIs(t, Do(ctx, f, Read, 2047, make([]byte, 4096), 0), ErrOutOfRange)
}

func TestFile_SubmitAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := OpenFile(FileConfig{Path: path, Size: 4096, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	err = Do(context.Background(), f, Read, 0, make([]byte, 512), 0)
	assert.ErrorIs(t, err, ErrClosed)
}
