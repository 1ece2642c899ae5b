//go:build unix

package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// File is a backend over a regular file or block device. I/O runs on a
// bounded set of goroutines using positional reads and writes; barrier and
// flush writes are followed by fdatasync.
type File struct {
	f       *os.File
	fd      int
	sectors uint64
	sem     chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	logger  zerolog.Logger
}

// FileConfig configures OpenFile.
type FileConfig struct {
	Path string
	// Size is used to create or extend a regular file, in bytes.
	Size int64
	// Concurrency bounds the number of in-flight I/Os (default 16).
	Concurrency int
	Logger      zerolog.Logger
}

// OpenFile opens (and if needed creates) the backing file.
func OpenFile(cfg FileConfig) (*File, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open backing file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat backing file: %w", err)
	}
	size := st.Size()
	if st.Mode().IsRegular() && cfg.Size > size {
		if err := f.Truncate(cfg.Size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("size backing file: %w", err)
		}
		size = cfg.Size
	}
	if !st.Mode().IsRegular() {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("size block device: %w", err)
		}
		size = end
	}

	return &File{
		f:       f,
		fd:      int(f.Fd()),
		sectors: uint64(size) / 512,
		sem:     make(chan struct{}, cfg.Concurrency),
		logger:  cfg.Logger.With().Str("component", "file-backend").Str("path", cfg.Path).Logger(),
	}, nil
}

// Capacity implements Backend.
func (b *File) Capacity() uint64 { return b.sectors }

// Submit implements Backend.
func (b *File) Submit(dir Direction, sector uint64, buf []byte, flags Flags, done Completion) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		done(ErrClosed)
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.wg.Done()
		b.sem <- struct{}{}
		err := b.do(dir, sector, buf, flags)
		<-b.sem
		done(err)
	}()
}

func (b *File) do(dir Direction, sector uint64, buf []byte, flags Flags) error {
	if err := checkRange(b.sectors, sector, len(buf)); err != nil {
		return err
	}
	off := int64(sector * 512)
	for done := 0; done < len(buf); {
		var n int
		var err error
		if dir == Read {
			n, err = unix.Pread(b.fd, buf[done:], off+int64(done))
		} else {
			n, err = unix.Pwrite(b.fd, buf[done:], off+int64(done))
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: short transfer at offset %d", dir, off+int64(done))
		}
		done += n
	}
	if dir == Write && flags&(FlagBarrier|FlagFlush) != 0 {
		if err := unix.Fdatasync(b.fd); err != nil {
			b.logger.Warn().Err(err).Msg("fdatasync failed")
			return fmt.Errorf("fdatasync: %w", err)
		}
	}
	return nil
}

// Close waits for in-flight I/O and closes the file.
func (b *File) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	return b.f.Close()
}
