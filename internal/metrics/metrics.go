// Package metrics provides Prometheus metrics for mirrord devices.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// DeviceMetrics holds all per-device metrics. Every vector is labeled by
// device name.
type DeviceMetrics struct {
	// State gauges carry the numeric value of the ordered state.
	ConnState     *prometheus.GaugeVec
	DiskState     *prometheus.GaugeVec
	PeerDiskState *prometheus.GaugeVec
	Paused        *prometheus.GaugeVec

	OutOfSyncBytes  *prometheus.GaugeVec
	ResyncTotal     *prometheus.GaugeVec // blocks of the current run
	ResyncFailed    *prometheus.GaugeVec
	VerifyLeft      *prometheus.GaugeVec
	PendingAcks     *prometheus.GaugeVec
	UnackedBarriers *prometheus.GaugeVec
	LiveEntries     *prometheus.GaugeVec
	QueueLength     *prometheus.GaugeVec
	Requests        *prometheus.GaugeVec
	SyncRate        *prometheus.GaugeVec

	ReadBytes      *prometheus.CounterVec
	WrittenBytes   *prometheus.CounterVec
	IOErrors       *prometheus.CounterVec
	WorkProcessed  *prometheus.CounterVec
	WorkFailed     *prometheus.CounterVec
	SameCsumBlocks *prometheus.CounterVec

	// Runs counts finished runs by kind ("resync", "verify") and result.
	Runs            *prometheus.CounterVec
	LastRunDuration *prometheus.GaugeVec // labels: device, kind

	BuildInfo *prometheus.GaugeVec
}

// NewDeviceMetrics creates and registers the metrics with reg.
func NewDeviceMetrics(reg prometheus.Registerer, version string) *DeviceMetrics {
	f := promauto.With(reg)
	dev := []string{"device"}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Name: "mirrord_" + name, Help: help}, dev)
	}
	counter := func(name, help string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Name: "mirrord_" + name, Help: help}, dev)
	}

	m := &DeviceMetrics{
		ConnState:     gauge("connection_state", "Connection state (0 StandAlone ... 19 PausedSyncTarget)"),
		DiskState:     gauge("disk_state", "Local disk state (0 Diskless ... 8 UpToDate)"),
		PeerDiskState: gauge("peer_disk_state", "Peer disk state as last reported"),
		Paused:        gauge("sync_paused", "1 if resync is paused for any reason"),

		OutOfSyncBytes:  gauge("out_of_sync_bytes", "Bytes marked out of sync in the bitmap"),
		ResyncTotal:     gauge("resync_total_blocks", "Blocks to resync in the current run"),
		ResyncFailed:    gauge("resync_failed_blocks", "Blocks that failed in the current run"),
		VerifyLeft:      gauge("verify_left_blocks", "Blocks left to verify in the current run"),
		PendingAcks:     gauge("pending_acks", "Resync and verify requests awaiting an answer"),
		UnackedBarriers: gauge("unacked_barriers", "Barriers sent and not yet acknowledged"),
		LiveEntries:     gauge("live_entries", "Extent entries currently allocated"),
		QueueLength:     gauge("work_queue_length", "Items waiting for the device worker"),
		Requests:        gauge("inflight_requests", "Application requests not yet completed"),
		SyncRate:        gauge("sync_rate_bytes", "Configured resync rate in bytes per second"),

		ReadBytes:      counter("read_bytes_total", "Bytes read for resync, verify and peer reads"),
		WrittenBytes:   counter("written_bytes_total", "Bytes written for resync and mirrored writes"),
		IOErrors:       counter("io_errors_total", "Local I/O errors"),
		WorkProcessed:  counter("work_processed_total", "Work items run by the device worker"),
		WorkFailed:     counter("work_failed_total", "Work items that failed"),
		SameCsumBlocks: counter("same_csum_blocks_total", "Blocks skipped because checksums matched"),

		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrord_runs_total",
			Help: "Finished resync and verify runs",
		}, []string{"device", "kind", "result"}),
		LastRunDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirrord_last_run_duration_seconds",
			Help: "Duration of the last finished run, excluding paused time",
		}, []string{"device", "kind"}),

		BuildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mirrord_build_info",
			Help: "Build information (value is always 1)",
		}, []string{"version"}),
	}
	m.BuildInfo.WithLabelValues(version).Set(1)
	return m
}

// forget drops every series of device.
func (m *DeviceMetrics) forget(device string) {
	l := prometheus.Labels{"device": device}
	for _, g := range []*prometheus.GaugeVec{
		m.ConnState, m.DiskState, m.PeerDiskState, m.Paused,
		m.OutOfSyncBytes, m.ResyncTotal, m.ResyncFailed, m.VerifyLeft,
		m.PendingAcks, m.UnackedBarriers, m.LiveEntries, m.QueueLength,
		m.Requests, m.SyncRate, m.LastRunDuration,
	} {
		g.DeletePartialMatch(l)
	}
	for _, c := range []*prometheus.CounterVec{
		m.ReadBytes, m.WrittenBytes, m.IOErrors, m.WorkProcessed,
		m.WorkFailed, m.SameCsumBlocks, m.Runs,
	} {
		c.DeletePartialMatch(l)
	}
}
