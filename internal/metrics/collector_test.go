package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/mirrord/mirrord/internal/storage"
	"github.com/mirrord/mirrord/internal/workqueue"
)

const testSectors = 1 << 12

type fakeSource struct {
	mu      sync.Mutex
	devices []*mirror.Device
}

func (f *fakeSource) Devices() []*mirror.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mirror.Device(nil), f.devices...)
}

func (f *fakeSource) set(devices ...*mirror.Device) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()
}

func newDevice(t *testing.T, name string, minor int) (*mirror.Device, *bitmap.Memory) {
	t.Helper()
	bm := bitmap.NewMemory(testSectors)
	d, err := mirror.NewDevice(mirror.Config{
		Name:     name,
		Minor:    minor,
		Storage:  storage.NewMemory(testSectors),
		Bitmap:   bm,
		Registry: mirror.NewRegistry(zerolog.Nop()),
		Logger:   zerolog.Nop(),
		SyncRate: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop() })
	return d, bm
}

func newTestCollector(t *testing.T) (*Collector, *DeviceMetrics, *fakeSource) {
	t.Helper()
	m := NewDeviceMetrics(prometheus.NewRegistry(), "test")
	src := &fakeSource{}
	return NewCollector(m, src), m, src
}

func TestCollector_DeviceGauges(t *testing.T) {
	c, m, src := newTestCollector(t)
	d, bm := newDevice(t, "r0", 0)
	bm.SetOutOfSync(0, 3*bitmap.BlockSize)
	src.set(d)

	c.Collect()

	assert.Equal(t, float64(3*bitmap.BlockSize), testutil.ToFloat64(m.OutOfSyncBytes.WithLabelValues("r0")))
	assert.Equal(t, float64(mirror.StandAlone), testutil.ToFloat64(m.ConnState.WithLabelValues("r0")))
	assert.Equal(t, float64(mirror.UpToDate), testutil.ToFloat64(m.DiskState.WithLabelValues("r0")))
	assert.Equal(t, float64(1<<20), testutil.ToFloat64(m.SyncRate.WithLabelValues("r0")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Paused.WithLabelValues("r0")))
}

func TestCollector_ForgetsRemovedDevices(t *testing.T) {
	c, m, src := newTestCollector(t)
	d0, _ := newDevice(t, "r0", 0)
	d1, _ := newDevice(t, "r1", 1)
	src.set(d0, d1)

	c.Collect()
	assert.Equal(t, 2, testutil.CollectAndCount(m.ConnState))

	src.set(d0)
	c.Collect()
	assert.Equal(t, 1, testutil.CollectAndCount(m.ConnState))
	assert.NotContains(t, c.last, "r1")
}

func TestCollector_CountersUseDeltas(t *testing.T) {
	c, m, _ := newTestCollector(t)
	s := mirror.Stats{Device: mirror.Identity{Name: "r0"}}

	s.ReadSectors = 8
	s.WrittenSectors = 16
	s.FailedIO = 1
	s.Worker = workqueue.Stats{Processed: 10, Failed: 2}
	c.collectDevice(s)

	s.ReadSectors = 24
	s.WrittenSectors = 16
	s.Worker.Processed = 15
	c.collectDevice(s)

	assert.Equal(t, float64(24*bitmap.SectorSize), testutil.ToFloat64(m.ReadBytes.WithLabelValues("r0")))
	assert.Equal(t, float64(16*bitmap.SectorSize), testutil.ToFloat64(m.WrittenBytes.WithLabelValues("r0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IOErrors.WithLabelValues("r0")))
	assert.Equal(t, float64(15), testutil.ToFloat64(m.WorkProcessed.WithLabelValues("r0")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.WorkFailed.WithLabelValues("r0")))
}

func TestCollector_CounterReset(t *testing.T) {
	c, m, _ := newTestCollector(t)
	s := mirror.Stats{Device: mirror.Identity{Name: "r0"}, FailedIO: 5}
	c.collectDevice(s)

	s.FailedIO = 2
	c.collectDevice(s)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.IOErrors.WithLabelValues("r0")))
}

func TestCollector_RunsCountedOnce(t *testing.T) {
	c, m, _ := newTestCollector(t)
	run := &mirror.RunResult{Kind: "resync", Duration: 3 * time.Second, SameCsum: 4}
	s := mirror.Stats{Device: mirror.Identity{Name: "r0"}, LastRun: run}

	c.collectDevice(s)
	c.collectDevice(s)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Runs.WithLabelValues("r0", "resync", "ok")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LastRunDuration.WithLabelValues("r0", "resync")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.SameCsumBlocks.WithLabelValues("r0")))

	s.LastRun = &mirror.RunResult{Kind: "verify", Duration: time.Second}
	c.collectDevice(s)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Runs.WithLabelValues("r0", "verify", "ok")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.SameCsumBlocks.WithLabelValues("r0")))
}

func TestRunResult(t *testing.T) {
	tests := []struct {
		name string
		run  mirror.RunResult
		want string
	}{
		{"ok", mirror.RunResult{}, "ok"},
		{"aborted", mirror.RunResult{Aborted: true, Error: "x"}, "aborted"},
		{"error", mirror.RunResult{Error: "inconsistent"}, "error"},
		{"failed blocks", mirror.RunResult{Failed: 3}, "failed_blocks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runResult(&tt.run))
		})
	}
}

func TestCollector_RunStopsOnCancel(t *testing.T) {
	c, m, src := newTestCollector(t)
	d, _ := newDevice(t, "r0", 0)
	src.set(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.CollectAndCount(m.ConnState) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
