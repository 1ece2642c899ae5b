package daemon

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/config"
	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/mirrord/mirrord/internal/storage"
	"github.com/mirrord/mirrord/testutil"
)

const nodeConfig = `
admin:
  listen: %q
  metrics_interval: 50ms
link:
  listen: 127.0.0.1:0
  token: s3cret
  reconnect_interval: 50ms
devices:
  - name: r0
    minor: 0
    disk: %q
    size: 1MB
    peer: %q
    sync_rate: 4MB
    tick: 20ms
`

func startNode(t *testing.T, dir, name, peer string) *Daemon {
	t.Helper()
	path := testutil.TempFile(t, dir, name+".yaml",
		fmt.Sprintf(nodeConfig, testutil.FreeAddr(t), filepath.Join(dir, name+".img"), peer))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	d, err := New(Options{Config: cfg, Logger: zerolog.Nop(), Version: "test", Metrics: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

// startPair starts a listening node b and a node a dialing it.
func startPair(t *testing.T) (a, b *Daemon) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	b = startNode(t, dir, "b", "")
	a = startNode(t, dir, "a", "ws://"+b.LinkAddr().String())
	for _, n := range []*Daemon{a, b} {
		testutil.WaitFor(t, 5*time.Second, connected(n))
	}
	return a, b
}

func connected(d *Daemon) func() bool {
	return func() bool { return d.Devices()[0].State().Conn == mirror.Connected }
}

func readBlock(t *testing.T, d *Daemon, bit uint64) []byte {
	t.Helper()
	buf := make([]byte, bitmap.BlockSize)
	require.NoError(t, storage.Do(context.Background(), d.replicas[0].store, storage.Read, bitmap.BitToSector(bit), buf, 0))
	return buf
}

func TestDaemon_ConnectsAndMirrorsWrites(t *testing.T) {
	a, b := startPair(t)

	ga, _ := a.Devices()[0].Generations()
	_, peerOfB := b.Devices()[0].Generations()
	assert.Equal(t, ga, peerOfB)
	assert.Equal(t, mirror.UpToDate, b.Devices()[0].State().PeerDisk)

	data := bytes.Repeat([]byte{0x5a}, bitmap.BlockSize)
	req, err := a.Devices()[0].SubmitWrite(bitmap.BitToSector(3), data, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, req.Wait(ctx))

	testutil.WaitFor(t, 5*time.Second, func() bool { return bytes.Equal(readBlock(t, b, 3), data) })
}

func TestDaemon_ResyncOverLink(t *testing.T) {
	a, b := startPair(t)
	bits := []uint64{1, 2, 40, 200}

	for i, bit := range bits {
		data := bytes.Repeat([]byte{byte(i + 1)}, bitmap.BlockSize)
		require.NoError(t, storage.Do(context.Background(), a.replicas[0].store, storage.Write, bitmap.BitToSector(bit), data, 0))
	}
	for _, d := range []*Daemon{a, b} {
		for _, bit := range bits {
			d.replicas[0].bm.SetOutOfSync(bitmap.BitToSector(bit), bitmap.BlockSize)
		}
	}

	require.NoError(t, a.Devices()[0].StartResync(mirror.SyncSource))
	testutil.WaitFor(t, 10*time.Second, func() bool {
		return a.Devices()[0].LastRun() != nil && b.Devices()[0].LastRun() != nil
	})

	run := b.Devices()[0].LastRun()
	assert.Equal(t, "SyncTarget", run.Side)
	assert.Equal(t, uint64(len(bits)), run.Total)
	assert.NoError(t, run.Err())
	for _, bit := range bits {
		assert.Equal(t, readBlock(t, a, bit), readBlock(t, b, bit))
	}
	testutil.WaitFor(t, 5*time.Second, func() bool { return b.replicas[0].bm.TotalWeight() == 0 })
}

func currentLink(r *replica) *peerlink.WSLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

func TestDaemon_RedialsAfterLinkLoss(t *testing.T) {
	a, b := startPair(t)
	before := currentLink(b.replicas[0])
	require.NotNil(t, before)

	b.replicas[0].closeLink()

	testutil.WaitFor(t, 5*time.Second, func() bool {
		l := currentLink(b.replicas[0])
		return l != nil && l != before
	})
	testutil.WaitFor(t, 5*time.Second, connected(a))
	testutil.WaitFor(t, 5*time.Second, connected(b))
}

func TestDaemon_LinkRejections(t *testing.T) {
	_, b := startPair(t)
	base := "http://" + b.LinkAddr().String() + "/link/"

	get := func(path string, h http.Header) int {
		req, err := http.NewRequest(http.MethodGet, base+path, nil)
		require.NoError(t, err)
		req.Header = h
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("r0", http.Header{}))

	auth := http.Header{"Authorization": {"Bearer s3cret"}}
	assert.Equal(t, http.StatusNotFound, get("r9", auth))
	assert.Equal(t, http.StatusConflict, get("r0", auth))
}

func TestReplica_PeerParams(t *testing.T) {
	_, b := startPair(t)
	r := b.replicas[0]

	good := r.handshake("")
	disk, gen, err := r.peerParams(good)
	require.NoError(t, err)
	assert.Equal(t, mirror.UpToDate, disk)
	local, _ := r.dev.Generations()
	assert.Equal(t, local, gen)

	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"other device", HeaderDevice, "r1", "peer device"},
		{"size", HeaderSectors, "8", "size differs"},
		{"bad sectors", HeaderSectors, "many", "peer sectors"},
		{"disk", HeaderDisk, "Shiny", "unknown disk state"},
		{"generations", HeaderGenerations, "1:2", "generations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := good.Clone()
			h.Set(tt.header, tt.value)
			_, _, err := r.peerParams(h)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestNew_EmptyDiskRejected(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "c.yaml", fmt.Sprintf(`
devices:
  - name: r0
    disk: %q
`, filepath.Join(dir, "empty.img")))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	_, err = New(Options{Config: cfg, Logger: zerolog.Nop(), Metrics: prometheus.NewRegistry()})
	assert.ErrorContains(t, err, "empty")
}
