package mirror

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setState installs a state directly, bypassing transition side effects.
func setState(d *Device, st State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.st = st.sanitize()
	d.conn.Store(int32(d.st.Conn))
}

func TestRegistry_DependentPausedWhileAfterSyncs(t *testing.T) {
	a, peer := newPair(t, func(c *Config) { c.SyncRate = 400 * 1024 })
	b := newNode(t, a.reg, 1, nil)
	require.NoError(t, b.dev.AlterDependency(a.dev.Minor()))
	assert.Equal(t, 0, b.dev.After())

	bits := []uint64{0, 2, 4, 6}
	dirty(bits, a, peer)
	require.NoError(t, a.dev.StartResync(SyncSource))

	assert.NotZero(t, b.dev.State().Pause&PauseDependency)

	waitFor(t, func() bool { return a.dev.LastRun() != nil && peer.dev.LastRun() != nil })
	assert.Zero(t, b.dev.State().Pause&PauseDependency)
}

func TestRegistry_DependentResyncStartsPaused(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	a := newNode(t, reg, 0, nil)
	b := newNode(t, reg, 1, nil)
	require.NoError(t, b.dev.AlterDependency(0))

	setState(a.dev, State{Conn: SyncSource, Disk: UpToDate, PeerDisk: Inconsistent})
	reg.Recompute()
	assert.Equal(t, PauseDependency, b.dev.State().Pause)

	setState(a.dev, State{Conn: Connected, Disk: UpToDate, PeerDisk: UpToDate})
	reg.Recompute()
	assert.Equal(t, PauseFlags(0), b.dev.State().Pause)
}

func TestRegistry_ChainPropagatesPause(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	nodes := make([]*node, 4)
	for i := range nodes {
		nodes[i] = newNode(t, reg, i, nil)
	}
	// 3 after 2 after 1 after 0
	for i := 1; i < len(nodes); i++ {
		require.NoError(t, nodes[i].dev.AlterDependency(i-1))
	}

	setState(nodes[0].dev, State{Conn: PausedSyncTarget, Disk: Inconsistent, PeerDisk: UpToDate, Pause: PauseUser})
	reg.Recompute()

	for i := 1; i < len(nodes); i++ {
		assert.Equal(t, PauseDependency, nodes[i].dev.State().Pause, "device %d", i)
	}
	assertEligibility(t, reg)

	setState(nodes[0].dev, State{Conn: Connected, Disk: UpToDate, PeerDisk: UpToDate})
	reg.Recompute()
	for i := 1; i < len(nodes); i++ {
		assert.Equal(t, PauseFlags(0), nodes[i].dev.State().Pause, "device %d", i)
	}
	assertEligibility(t, reg)
}

func TestRegistry_DisklessStandAloneEndsChain(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	a := newNode(t, reg, 0, nil)
	b := newNode(t, reg, 1, nil)
	c := newNode(t, reg, 2, nil)
	require.NoError(t, b.dev.AlterDependency(0))
	require.NoError(t, c.dev.AlterDependency(1))

	setState(a.dev, State{Conn: SyncSource, Disk: UpToDate, PeerDisk: Inconsistent})
	setState(b.dev, State{Conn: StandAlone, Disk: Diskless, PeerDisk: DUnknown})
	reg.Recompute()

	assert.Equal(t, PauseFlags(0), b.dev.State().Pause, "skipped device keeps its flags")
	assert.Equal(t, PauseFlags(0), c.dev.State().Pause)
}

func TestRegistry_AlterDependencyValidates(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	a := newNode(t, reg, 0, nil)

	assert.Error(t, a.dev.AlterDependency(0))
	assert.ErrorIs(t, a.dev.AlterDependency(7), ErrUnknownDevice)
	require.NoError(t, a.dev.AlterDependency(-5))
	assert.Equal(t, -1, a.dev.After())
}

func TestRegistry_UnregisterClearsDependents(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	a := newNode(t, reg, 0, nil)
	b := newNode(t, reg, 1, nil)
	require.NoError(t, b.dev.AlterDependency(0))

	setState(a.dev, State{Conn: SyncSource, Disk: UpToDate, PeerDisk: Inconsistent})
	reg.Recompute()
	require.Equal(t, PauseDependency, b.dev.State().Pause)

	require.NoError(t, a.dev.Stop())
	assert.Equal(t, -1, b.dev.After())
	assert.Equal(t, PauseFlags(0), b.dev.State().Pause)
	_, ok := reg.Lookup(0)
	assert.False(t, ok)
	assert.Len(t, reg.Devices(), 1)
}

func TestRegistry_DuplicateMinorRejected(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	newNode(t, reg, 3, nil)
	n := newNode(t, reg, 4, nil)
	_, err := NewDevice(Config{Minor: 3, Storage: n.store, Bitmap: n.bm, Registry: reg, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

// assertEligibility checks that every device's dependency flag matches the
// eligibility rule after recomputation.
func assertEligibility(t *testing.T, reg *Registry) {
	t.Helper()
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, d := range reg.sortedLocked() {
		if d.skipInDependencies() {
			continue
		}
		paused := d.pauseFlags()&PauseDependency != 0
		assert.Equal(t, !reg.mayResyncNow(d), paused, "device %s", d.Name())
	}
}
