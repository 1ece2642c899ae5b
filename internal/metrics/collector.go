package metrics

import (
	"context"
	"time"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/mirror"
)

// DeviceSource lists the devices to collect from.
type DeviceSource interface {
	Devices() []*mirror.Device
}

// deviceSnapshot holds the last-seen counters of a device for delta
// calculation.
type deviceSnapshot struct {
	readSectors    uint64
	writtenSectors uint64
	failedIO       uint64
	processed      uint64
	failed         uint64
	sameCsum       uint64
	lastRun        *mirror.RunResult
}

// Collector periodically copies device stats into DeviceMetrics.
type Collector struct {
	metrics *DeviceMetrics
	source  DeviceSource

	last map[string]*deviceSnapshot
}

// NewCollector creates a collector.
func NewCollector(m *DeviceMetrics, source DeviceSource) *Collector {
	return &Collector{
		metrics: m,
		source:  source,
		last:    make(map[string]*deviceSnapshot),
	}
}

// Collect gathers metrics from every device. It is not safe for
// concurrent use; Run calls it from a single goroutine.
func (c *Collector) Collect() {
	seen := make(map[string]bool)
	for _, d := range c.source.Devices() {
		s := d.Stats()
		seen[s.Device.Name] = true
		c.collectDevice(s)
	}
	for name := range c.last {
		if !seen[name] {
			c.metrics.forget(name)
			delete(c.last, name)
		}
	}
}

func (c *Collector) collectDevice(s mirror.Stats) {
	m := c.metrics
	name := s.Device.Name

	m.ConnState.WithLabelValues(name).Set(float64(s.State.Conn))
	m.DiskState.WithLabelValues(name).Set(float64(s.State.Disk))
	m.PeerDiskState.WithLabelValues(name).Set(float64(s.State.PeerDisk))
	if s.State.Pause != 0 {
		m.Paused.WithLabelValues(name).Set(1)
	} else {
		m.Paused.WithLabelValues(name).Set(0)
	}

	m.OutOfSyncBytes.WithLabelValues(name).Set(float64(s.OutOfSyncBytes))
	m.ResyncTotal.WithLabelValues(name).Set(float64(s.ResyncTotal))
	m.ResyncFailed.WithLabelValues(name).Set(float64(s.ResyncFailed))
	m.VerifyLeft.WithLabelValues(name).Set(float64(s.VerifyLeft))
	m.PendingAcks.WithLabelValues(name).Set(float64(s.Pending))
	m.UnackedBarriers.WithLabelValues(name).Set(float64(s.Unacked))
	m.LiveEntries.WithLabelValues(name).Set(float64(s.Pool.Live))
	m.QueueLength.WithLabelValues(name).Set(float64(s.QueueLen))
	m.Requests.WithLabelValues(name).Set(float64(s.Requests))
	m.SyncRate.WithLabelValues(name).Set(float64(s.SyncRate))

	last, ok := c.last[name]
	if !ok {
		last = &deviceSnapshot{}
		c.last[name] = last
	}

	// Counters only move forward; a device recreated under the same name
	// restarts from zero and is resynchronized silently.
	if d := delta(s.ReadSectors, last.readSectors); d > 0 {
		m.ReadBytes.WithLabelValues(name).Add(float64(d << bitmap.SectorShift))
	}
	if d := delta(s.WrittenSectors, last.writtenSectors); d > 0 {
		m.WrittenBytes.WithLabelValues(name).Add(float64(d << bitmap.SectorShift))
	}
	if d := delta(s.FailedIO, last.failedIO); d > 0 {
		m.IOErrors.WithLabelValues(name).Add(float64(d))
	}
	if d := delta(s.Worker.Processed, last.processed); d > 0 {
		m.WorkProcessed.WithLabelValues(name).Add(float64(d))
	}
	if d := delta(s.Worker.Failed, last.failed); d > 0 {
		m.WorkFailed.WithLabelValues(name).Add(float64(d))
	}

	last.readSectors = s.ReadSectors
	last.writtenSectors = s.WrittenSectors
	last.failedIO = s.FailedIO
	last.processed = s.Worker.Processed
	last.failed = s.Worker.Failed

	// SameCsum resets at the start of every run, so it is folded in from
	// the finished run rather than the live counter.
	if r := s.LastRun; r != nil && r != last.lastRun {
		last.lastRun = r
		m.Runs.WithLabelValues(name, r.Kind, runResult(r)).Inc()
		m.LastRunDuration.WithLabelValues(name, r.Kind).Set(r.Duration.Seconds())
		if r.SameCsum > 0 {
			m.SameCsumBlocks.WithLabelValues(name).Add(float64(r.SameCsum))
		}
	}
}

func delta(now, before uint64) uint64 {
	if now < before {
		return now
	}
	return now - before
}

func runResult(r *mirror.RunResult) string {
	switch {
	case r.Aborted:
		return "aborted"
	case r.Error != "":
		return "error"
	case r.Failed > 0:
		return "failed_blocks"
	default:
		return "ok"
	}
}

// Run collects every interval until ctx is canceled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
