// Package tracing keeps a runtime trace ring buffer that the admin interface
// can dump on demand, for post-mortem analysis of stalls in the resync path.
package tracing

import (
	"errors"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// Defaults of the flight recorder.
const (
	DefaultBufferSize = 10 * 1024 * 1024
	DefaultMinAge     = 30 * time.Second
)

// ErrNotEnabled is returned by Snapshot on a disabled recorder.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a runtime/trace flight recorder. The zero value and a nil
// *Recorder are disabled.
type Recorder struct {
	mu  sync.Mutex
	fr  *trace.FlightRecorder
	cfg trace.FlightRecorderConfig
}

// New starts a recorder keeping at least minAge of trace data in at most
// bufferSize bytes. Non-positive values select the defaults.
func New(bufferSize int, minAge time.Duration) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	r := &Recorder{cfg: trace.FlightRecorderConfig{MinAge: minAge, MaxBytes: uint64(bufferSize)}}
	r.fr = trace.NewFlightRecorder(r.cfg)
	if err := r.fr.Start(); err != nil {
		return nil, err
	}
	return r, nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop stops recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// ServeHTTP serves a snapshot as a download.
func (r *Recorder) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if !r.Enabled() {
		http.Error(w, "tracing not enabled (set admin.tracing)", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=mirrord-trace.out")
	if err := r.Snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
