package workqueue

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// WorkerConfig wires a worker to its device.
type WorkerConfig struct {
	Queue *Queue
	// Cancel is evaluated before every item; true neutralises queued sends.
	Cancel func() bool
	// OnFailure is called when an item returns an error.
	OnFailure func(it *Item, err error)
	// Idle is called before the worker blocks on an empty queue.
	Idle func()
	// Busy is called when the worker wakes up with work.
	Busy   func()
	Logger zerolog.Logger
}

// Worker runs the items of one queue, one at a time, in FIFO order.
type Worker struct {
	cfg    WorkerConfig
	logger zerolog.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
	canceled  atomic.Uint64
}

// NewWorker creates a worker. Run starts it.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Cancel == nil {
		cfg.Cancel = func() bool { return false }
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "worker").Logger(),
	}
}

// Run processes items until ctx is done, then closes the queue and runs
// everything left on it with cancel set.
func (w *Worker) Run(ctx context.Context) {
	defer w.drain()

	busy := true
	for {
		if ctx.Err() != nil {
			return
		}
		it := w.cfg.Queue.TryPop()
		if it == nil {
			if busy && w.cfg.Idle != nil {
				w.cfg.Idle()
			}
			busy = false
			select {
			case <-ctx.Done():
				return
			case <-w.cfg.Queue.Wake():
			}
			continue
		}
		if !busy {
			busy = true
			if w.cfg.Busy != nil {
				w.cfg.Busy()
			}
		}
		w.run(it, w.cfg.Cancel())
	}
}

func (w *Worker) run(it *Item, cancel bool) {
	if cancel {
		w.canceled.Add(1)
	}
	err := it.Run(cancel)
	w.processed.Add(1)
	if err == nil {
		return
	}
	w.failed.Add(1)
	w.logger.Debug().Err(err).Str("kind", it.Kind.String()).Bool("cancel", cancel).Msg("Work item failed")
	if w.cfg.OnFailure != nil {
		w.cfg.OnFailure(it, err)
	}
}

func (w *Worker) drain() {
	rest := w.cfg.Queue.Close()
	if len(rest) > 0 {
		w.logger.Debug().Int("items", len(rest)).Msg("Draining work queue")
	}
	for _, it := range rest {
		w.run(it, true)
	}
	if w.cfg.Idle != nil {
		w.cfg.Idle()
	}
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Canceled  uint64 `json:"canceled"`
	Queued    int    `json:"queued"`
}

// Stats returns the current counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Canceled:  w.canceled.Load(),
		Queued:    w.cfg.Queue.Len(),
	}
}
