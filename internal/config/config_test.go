package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirrord/mirrord/internal/digest"
	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/mirrord/mirrord/pkg/bytesize"
	"github.com/mirrord/mirrord/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, content string) (*Config, error) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	return Load(testutil.TempFile(t, dir, "mirrord.yaml", content))
}

func TestLoad(t *testing.T) {
	cfg, err := load(t, `
log:
  level: debug
  json: true
admin:
  listen: "127.0.0.1:9000"
  token: "s3cret"
  tracing: true
link:
  listen: ":9001"
  compress_threshold: 8KB
  rate_limit: 1000
devices:
  - name: data
    minor: 1
    disk: /srv/data.img
    size: 1GB
    peer: ws://backup:9001
    sync_rate: 10MB/s
    max_segment_size: 64KB
    tick: 50ms
    csums_alg: xxh64
    verify_alg: sha256
    on_io_error: detach
    write_ordering: flush
    max_buffers: 512
    handler: /usr/lib/mirrord/handler
  - name: logs
    minor: 2
    disk: /srv/logs.img
    sync_after: 1
`)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "127.0.0.1:9000", cfg.Admin.Listen)
	assert.Equal(t, "s3cret", cfg.Admin.Token)
	assert.True(t, cfg.Admin.Tracing)
	assert.Equal(t, ":9001", cfg.Link.Listen)
	assert.Equal(t, 8*bytesize.KB, cfg.Link.CompressThreshold.Bytes())
	require.Len(t, cfg.Devices, 2)

	d := cfg.Devices[0]
	assert.Equal(t, "data", d.Name)
	assert.Equal(t, bytesize.GB, d.Size.Bytes())
	assert.Equal(t, 10*bytesize.MB, d.SyncRate.BytesPerSecond())
	assert.Equal(t, -1, d.After())

	mc, err := d.Mirror()
	require.NoError(t, err)
	assert.Equal(t, "data", mc.Name)
	assert.Equal(t, 1, mc.Minor)
	assert.Equal(t, 64*1024, mc.MaxSegmentSize)
	assert.Equal(t, 50*time.Millisecond, mc.Tick)
	assert.Equal(t, digest.XXH64, mc.CsumAlgorithm)
	assert.Equal(t, digest.SHA256, mc.VerifyAlgorithm)
	assert.Equal(t, mirror.Detach, mc.OnIOError)
	assert.Equal(t, mirror.OrderFlush, mc.WriteOrdering)
	assert.Equal(t, 512, mc.MaxBuffers)

	logs, ok := cfg.Device("logs")
	require.True(t, ok)
	assert.Equal(t, 1, logs.After())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t, `
devices:
  - minor: 3
    disk: /srv/r3.img
`)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:7790", cfg.Admin.Listen)
	assert.Equal(t, ":7789", cfg.Link.Listen)
	metrics, write, reconnect, flush := cfg.Durations()
	assert.Equal(t, 10*time.Second, metrics)
	assert.Equal(t, 10*time.Second, write)
	assert.Equal(t, 5*time.Second, reconnect)
	assert.Equal(t, 5*time.Second, flush)

	d := cfg.Devices[0]
	assert.Equal(t, "r3", d.Name)
	assert.Equal(t, 250*bytesize.KB, d.SyncRate.BytesPerSecond())
	assert.Equal(t, 32*bytesize.KB, d.MaxSegmentSize.Bytes())
	assert.Equal(t, "100ms", d.Tick)
	assert.Equal(t, "crc32c", d.VerifyAlg)
	assert.Empty(t, d.CsumAlg)
	assert.Equal(t, "pass_on", d.OnIOError)
	assert.Equal(t, "barrier", d.WriteOrdering)
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := load(t, `
devices:
  - disk: ~/mirrord/r0.img
`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "mirrord/r0.img"), cfg.Devices[0].Disk)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/mirrord.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := load(t, "devices: [invalid yaml\n")
	assert.Error(t, err)
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := load(t, `
devices:
  - disk: /srv/r0.img
    sync_rat: 10MB
`)
	assert.ErrorContains(t, err, "sync_rat")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "no devices",
			content: "log:\n  level: info\n",
			errMsg:  "at least one device",
		},
		{
			name:    "missing disk",
			content: "devices:\n  - name: a\n",
			errMsg:  "disk is required",
		},
		{
			name:    "duplicate name",
			content: "devices:\n  - {name: a, minor: 0, disk: /a}\n  - {name: a, minor: 1, disk: /b}\n",
			errMsg:  "duplicate device name",
		},
		{
			name:    "duplicate minor",
			content: "devices:\n  - {name: a, minor: 0, disk: /a}\n  - {name: b, minor: 0, disk: /b}\n",
			errMsg:  "duplicate minor",
		},
		{
			name:    "bad peer scheme",
			content: "devices:\n  - {disk: /a, peer: 'http://x:1'}\n",
			errMsg:  "ws://",
		},
		{
			name:    "bad csum algorithm",
			content: "devices:\n  - {disk: /a, csums_alg: rot13}\n",
			errMsg:  "csums_alg",
		},
		{
			name:    "bad policy",
			content: "devices:\n  - {disk: /a, on_io_error: panic}\n",
			errMsg:  "on-io-error",
		},
		{
			name:    "bad ordering",
			content: "devices:\n  - {disk: /a, write_ordering: chaos}\n",
			errMsg:  "write ordering",
		},
		{
			name:    "bad tick",
			content: "devices:\n  - {disk: /a, tick: soon}\n",
			errMsg:  "invalid tick",
		},
		{
			name:    "small segment",
			content: "devices:\n  - {disk: /a, max_segment_size: 512}\n",
			errMsg:  "max_segment_size",
		},
		{
			name:    "self dependency",
			content: "devices:\n  - {disk: /a, minor: 4, sync_after: 4}\n",
			errMsg:  "itself",
		},
		{
			name:    "unknown dependency",
			content: "devices:\n  - {disk: /a, sync_after: 9}\n",
			errMsg:  "unknown minor 9",
		},
		{
			name:    "dependency cycle",
			content: "devices:\n  - {name: a, minor: 0, disk: /a, sync_after: 1}\n  - {name: b, minor: 1, disk: /b, sync_after: 0}\n",
			errMsg:  "cycle",
		},
		{
			name:    "loki without url",
			content: "log:\n  loki: {enabled: true}\ndevices:\n  - {disk: /a}\n",
			errMsg:  "loki.url",
		},
		{
			name:    "bad reconnect interval",
			content: "link: {reconnect_interval: often}\ndevices:\n  - {disk: /a}\n",
			errMsg:  "reconnect_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.content)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_NegativeSyncAfterMeansNone(t *testing.T) {
	cfg, err := load(t, "devices:\n  - {disk: /a, sync_after: -1}\n")
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.Devices[0].After())
}
