// Package loki provides a zerolog writer that pushes logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // static labels of every stream
	BatchSize     int               // entries before an early flush (default 100)
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // HTTP timeout (default 10s)
	// StreamFields are JSON fields of a log line promoted to stream labels
	// (default "device" and "level").
	StreamFields []string
}

// Writer implements io.Writer for zerolog JSON output. Lines are buffered and
// pushed periodically, one Loki stream per distinct set of promoted fields.
type Writer struct {
	url          string
	labels       map[string]string
	streamFields []string
	client       *http.Client
	batchSize    int
	interval     time.Duration

	mu     sync.Mutex
	buffer []entry

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan struct{}

	flushing    atomic.Bool
	flushErrors atomic.Uint64
}

type entry struct {
	ts     time.Time
	line   string
	stream map[string]string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a writer. Call Start to begin flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.StreamFields == nil {
		cfg.StreamFields = []string{"device", "level"}
	}
	labels := map[string]string{"job": "mirrord"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		url:          strings.TrimSuffix(cfg.URL, "/"),
		labels:       labels,
		streamFields: cfg.StreamFields,
		client:       &http.Client{Timeout: cfg.Timeout},
		batchSize:    cfg.BatchSize,
		interval:     cfg.FlushInterval,
		buffer:       make([]entry, 0, cfg.BatchSize),
		ctx:          ctx,
		cancel:       cancel,
		trigger:      make(chan struct{}, 1),
	}
}

// Write implements io.Writer. It never fails so that an unreachable Loki
// does not disturb logging.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	e := entry{ts: time.Now(), line: line, stream: w.streamOf(p)}

	w.mu.Lock()
	w.buffer = append(w.buffer, e)
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// streamOf extracts the promoted fields of a JSON log line.
func (w *Writer) streamOf(p []byte) map[string]string {
	var fields map[string]any
	if json.Unmarshal(p, &fields) != nil {
		return nil
	}
	var s map[string]string
	for _, f := range w.streamFields {
		v, ok := fields[f].(string)
		if !ok || v == "" {
			continue
		}
		if s == nil {
			s = make(map[string]string, len(w.streamFields))
		}
		s[f] = v
	}
	return s
}

// Start begins the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.trigger:
				w.flush()
			}
		}
	}()
}

// Stop ends the flush loop and pushes what is left.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 { return w.flushErrors.Load() }

func (w *Writer) flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	data, err := json.Marshal(w.group(entries))
	if err != nil {
		w.fail("marshal payload", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(data))
	if err != nil {
		w.fail("create request", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.fail("send logs", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		w.fail("push", fmt.Errorf("server returned status %d", resp.StatusCode))
	}
}

// group splits entries into streams keyed by their promoted labels, in
// first-seen order.
func (w *Writer) group(entries []entry) pushRequest {
	var req pushRequest
	index := make(map[string]int)
	for _, e := range entries {
		key := streamKey(e.stream)
		i, ok := index[key]
		if !ok {
			labels := make(map[string]string, len(w.labels)+len(e.stream))
			for k, v := range w.labels {
				labels[k] = v
			}
			for k, v := range e.stream {
				labels[k] = v
			}
			i = len(req.Streams)
			index[key] = i
			req.Streams = append(req.Streams, stream{Stream: labels})
		}
		req.Streams[i].Values = append(req.Streams[i].Values, []string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line})
	}
	return req
}

func streamKey(s map[string]string) string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s[k])
		b.WriteByte(0)
	}
	return b.String()
}

// fail counts a push failure and reports the first few on stderr; logging
// them would feed back into this writer.
func (w *Writer) fail(what string, err error) {
	if n := w.flushErrors.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: %s: %v\n", what, err)
	}
}
