// Package mirror implements the replication and resynchronization engine of
// a mirrored block device: the worker loop, I/O completion dispatch, the
// bitmap driven resync and verify scans, the cross-device resync ordering
// and the finalization of resync runs.
package mirror

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/digest"
	"github.com/mirrord/mirrord/internal/extent"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/mirrord/mirrord/internal/storage"
	"github.com/mirrord/mirrord/internal/workqueue"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned when an operation needs the peer.
	ErrNotConnected = errors.New("peer not connected")
	// ErrNoDisk is returned when an operation needs a usable local disk.
	ErrNoDisk = errors.New("no usable local disk")
	// ErrStopped is returned for operations on a stopped device.
	ErrStopped = errors.New("device stopped")
	// ErrVetoed is returned when the before-resync-target helper refused.
	ErrVetoed = errors.New("resync vetoed by helper")
	// ErrResyncInconsistent is recorded when a finished resync leaves
	// out-of-sync blocks that no failure accounts for.
	ErrResyncInconsistent = errors.New("resync left unexplained out-of-sync blocks")
)

// Bitmap is the out-of-sync tracker a device consumes.
type Bitmap interface {
	Bits() uint64
	FindNextDirty(from uint64) (uint64, bool)
	Test(bit uint64) bitmap.State
	Reserve(bit uint64) bitmap.State
	TryReserve(bit uint64) bool
	Release(sector uint64, size int)
	ReservedCount() int
	CancelReservations()
	SetInSync(sector uint64, size int) int
	SetOutOfSync(sector uint64, size int) int
	TotalWeight() uint64
}

// Recounter is implemented by bitmaps that cache their weight.
type Recounter interface {
	Recount() uint64
}

// BitmapWriter is implemented by bitmaps with persistent storage.
type BitmapWriter interface {
	WriteAll() error
}

// PeerLink sends messages to the peer.
type PeerLink interface {
	Send(m *peerlink.Message) error
}

// Event names a notification passed to the external helper.
type Event string

const (
	EventBeforeResyncTarget Event = "before-resync-target"
	EventAfterResyncTarget  Event = "after-resync-target"
	EventOutOfSync          Event = "out-of-sync"
	EventLocalIOError       Event = "local-io-error"
)

// Notifier runs operator automation for a device event. A non-zero code
// from EventBeforeResyncTarget vetoes the resync.
type Notifier interface {
	Notify(ctx context.Context, dev Identity, event Event) (int, error)
}

// ActivityLog is told when a write flagged for it completes.
type ActivityLog interface {
	Complete(sector uint64)
}

// Identity names a device towards collaborators.
type Identity struct {
	Name  string `json:"name"`
	Minor int    `json:"minor"`
}

// Generations are the replica generation identifiers.
type Generations struct {
	Current uint64    `json:"current"`
	Bitmap  uint64    `json:"bitmap"`
	History [2]uint64 `json:"history"`
}

func (g Generations) slice() []uint64 {
	return []uint64{g.Current, g.Bitmap, g.History[0], g.History[1]}
}

func generationsFrom(v []uint64) (Generations, bool) {
	if len(v) != 4 {
		return Generations{}, false
	}
	return Generations{Current: v[0], Bitmap: v[1], History: [2]uint64{v[2], v[3]}}, true
}

// String formats g as four colon separated hex words, the form exchanged
// in the link handshake.
func (g Generations) String() string {
	v := g.slice()
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatUint(x, 16)
	}
	return strings.Join(parts, ":")
}

// ParseGenerations parses the output of Generations.String.
func ParseGenerations(s string) (Generations, error) {
	parts := strings.Split(s, ":")
	v := make([]uint64, len(parts))
	for i, p := range parts {
		x, err := strconv.ParseUint(p, 16, 64)
		if err != nil {
			return Generations{}, fmt.Errorf("generations %q: %w", s, err)
		}
		v[i] = x
	}
	g, ok := generationsFrom(v)
	if !ok {
		return Generations{}, fmt.Errorf("generations %q: want 4 words, got %d", s, len(v))
	}
	return g, nil
}

// rotateBitmap moves the bitmap generation into history and clears it.
func (g *Generations) rotateBitmap() {
	if g.Bitmap == 0 {
		return
	}
	g.History[1] = g.History[0]
	g.History[0] = g.Bitmap
	g.Bitmap = 0
}

// newBitmapOffset is added to the bitmap generation when a SyncSource
// starts a run.
const newBitmapOffset uint64 = 0x0001000000000000

func newGeneration() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8]) &^ 1
}

// Config configures a device.
type Config struct {
	Name  string
	Minor int

	Storage     storage.Backend
	Bitmap      Bitmap
	Notifier    Notifier
	ActivityLog ActivityLog
	Registry    *Registry
	Logger      zerolog.Logger

	// SyncRate is the resync rate in bytes per second (default 250 KiB/s).
	SyncRate int64
	// MaxSegmentSize bounds a merged resync request (default 32 KiB).
	MaxSegmentSize int
	// Tick is the scan interval (default 100ms).
	Tick time.Duration
	// FinishRetryDelay is the wait before retrying a finalize blocked by
	// outstanding reservations (default 100ms).
	FinishRetryDelay time.Duration
	// MaxFinishRetries bounds those retries (default 50).
	MaxFinishRetries int
	// MaxBuffers bounds live extent entries (default 2048).
	MaxBuffers int
	// EpochSize is the number of mirrored writes per barrier epoch (default 64).
	EpochSize int

	CsumAlgorithm   digest.Algorithm
	VerifyAlgorithm digest.Algorithm
	OnIOError       IOErrorPolicy
	WriteOrdering   WriteOrdering
}

func (c *Config) applyDefaults() {
	if c.SyncRate == 0 {
		c.SyncRate = 250 * 1024
	}
	if c.MaxSegmentSize == 0 {
		c.MaxSegmentSize = 32 * 1024
	}
	if c.MaxSegmentSize < bitmap.BlockSize {
		c.MaxSegmentSize = bitmap.BlockSize
	}
	if c.Tick == 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.FinishRetryDelay == 0 {
		c.FinishRetryDelay = 100 * time.Millisecond
	}
	if c.MaxFinishRetries == 0 {
		c.MaxFinishRetries = 50
	}
	if c.MaxBuffers == 0 {
		c.MaxBuffers = 2048
	}
	if c.EpochSize == 0 {
		c.EpochSize = 64
	}
	if c.VerifyAlgorithm == "" {
		c.VerifyAlgorithm = digest.CRC32C
	}
}

// run is the bookkeeping of one resync or verify run.
type run struct {
	start        time.Time
	pausedAt     time.Time
	paused       time.Duration
	total        uint64
	failed       uint64
	sameCsum     uint64
	finishQueued bool
	retries      int

	// verify
	ovStart        uint64
	ovPosition     uint64
	ovLeft         uint64
	ovLastOOSStart uint64
	ovLastOOSSize  uint64
	ovFound        uint64
}

// Device is one mirrored volume.
type Device struct {
	id       Identity
	cfg      Config
	logger   zerolog.Logger
	registry *Registry

	// Burst-sampled loggers for errors a misbehaving peer or disk can
	// repeat per block.
	peerLog zerolog.Logger
	ioLog   zerolog.Logger

	bm       Bitmap
	store    storage.Backend
	notifier Notifier
	al       ActivityLog
	pool     *extent.Pool
	queue    *workqueue.Queue
	worker   *workqueue.Worker

	csumAlg   atomic.Pointer[digest.Algorithm]
	verifyAlg atomic.Pointer[digest.Algorithm]
	syncRate  atomic.Int64
	conn      atomic.Int32

	linkMu sync.RWMutex
	link   PeerLink

	// after is the minor of the prerequisite device, -1 for none.
	// Guarded by registry.mu.
	after int

	mu             sync.Mutex
	st             State
	run            run
	cursor         uint64
	pending        int
	unacked        int
	readSectors    uint64
	writtenSectors uint64
	writeBMAfter   bool
	gen            Generations
	peerGen        Generations
	ordering       WriteOrdering
	sentPaused     bool
	lastRun        *RunResult
	requests       map[uint64]*Request
	nextReqID      uint64
	epoch          uint32
	epochWrites    int
	rx             rxEpochs
	scanTimer      *time.Timer
	scanStopped    bool
	failedIO       uint64

	scanItem   *workqueue.Item
	verifyItem *workqueue.Item
	finishItem *workqueue.Item

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewDevice creates a device in StandAlone with an UpToDate local disk and
// registers it with cfg.Registry.
func NewDevice(cfg Config) (*Device, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage backend is required")
	}
	if cfg.Bitmap == nil {
		return nil, errors.New("bitmap is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.CsumAlgorithm != "" && !cfg.CsumAlgorithm.Valid() {
		return nil, fmt.Errorf("csum algorithm: %w", digest.ErrUnknownAlgorithm)
	}
	cfg.applyDefaults()
	if !cfg.VerifyAlgorithm.Valid() {
		return nil, fmt.Errorf("verify algorithm: %w", digest.ErrUnknownAlgorithm)
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("mirror%d", cfg.Minor)
	}

	d := &Device{
		id:       Identity{Name: cfg.Name, Minor: cfg.Minor},
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "mirror").Str("device", cfg.Name).Logger(),
		registry: cfg.Registry,
		bm:       cfg.Bitmap,
		store:    cfg.Storage,
		notifier: cfg.Notifier,
		al:       cfg.ActivityLog,
		queue:    workqueue.NewQueue(),
		after:    -1,
		st:       State{Conn: StandAlone, Disk: UpToDate, PeerDisk: DUnknown},
		ordering: cfg.WriteOrdering,
		requests: make(map[uint64]*Request),
		gen:      Generations{Current: newGeneration()},
		rx:       newRxEpochs(),
	}
	d.peerLog = d.logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Second})
	d.ioLog = d.logger.Sample(&zerolog.BurstSampler{Burst: 10, Period: time.Second})
	d.pool = extent.NewPool(cfg.MaxBuffers, cfg.MaxSegmentSize, d.logger)
	d.syncRate.Store(cfg.SyncRate)
	if cfg.CsumAlgorithm != "" {
		alg := cfg.CsumAlgorithm
		d.csumAlg.Store(&alg)
	}
	valg := cfg.VerifyAlgorithm
	d.verifyAlg.Store(&valg)
	d.conn.Store(int32(StandAlone))

	d.scanItem = workqueue.NewItem(workqueue.KindResyncScan, d.makeResyncRequest)
	d.verifyItem = workqueue.NewItem(workqueue.KindVerifyRequest, d.makeVerifyRequest)
	d.finishItem = workqueue.NewItem(workqueue.KindResyncFinished, d.resyncFinished)

	d.worker = workqueue.NewWorker(workqueue.WorkerConfig{
		Queue:     d.queue,
		Cancel:    func() bool { return ConnState(d.conn.Load()) < Connected },
		OnFailure: d.workFailed,
		Idle:      d.uncork,
		Busy:      d.cork,
		Logger:    d.logger,
	})

	if err := cfg.Registry.register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Identity returns the device name and minor.
func (d *Device) Identity() Identity { return d.id }

// Name returns the device name.
func (d *Device) Name() string { return d.id.Name }

// Minor returns the device minor.
func (d *Device) Minor() int { return d.id.Minor }

// Start runs the worker until Stop.
func (d *Device) Start(parent context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if d.stopped {
		return ErrStopped
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(parent)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.worker.Run(d.ctx)
	}()
	d.logger.Info().Str("state", d.st.String()).Msg("Device started")
	return nil
}

// Stop tears the connection down, drains the worker with cancel set and
// unregisters the device.
func (d *Device) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started
	d.mu.Unlock()

	d.connectionLost(StandAlone, nil)
	if started {
		d.cancel()
		d.wg.Wait()
	} else {
		for _, it := range d.queue.Close() {
			_ = it.Run(true)
		}
	}

	d.mu.Lock()
	d.stopScanLocked()
	d.mu.Unlock()

	d.registry.unregister(d)
	d.logger.Info().Msg("Device stopped")
	return nil
}

// AttachLink installs the peer link. Inbound messages must be routed to
// HandlePeerMessage by the caller.
func (d *Device) AttachLink(l PeerLink) {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	d.link = l
}

func (d *Device) peer() PeerLink {
	d.linkMu.RLock()
	defer d.linkMu.RUnlock()
	return d.link
}

// Connect moves the device to Connected once the link is established and
// the peer reported its disk state and generations.
func (d *Device) Connect(peerDisk DiskState, peerGen Generations) error {
	r := d.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	d.mu.Lock()
	if d.peer() == nil {
		d.mu.Unlock()
		return ErrNotConnected
	}
	if d.st.Conn >= Connected {
		from := d.st.Conn
		d.mu.Unlock()
		return &TransitionError{Device: d.id.Name, From: from, To: Connected, Message: "already connected"}
	}
	ns := d.st
	ns.Conn = Connected
	ns.PeerDisk = peerDisk
	d.peerGen = peerGen
	d.setStateLocked(ns, "connect")
	d.mu.Unlock()

	r.recomputeLocked()
	return nil
}

// Generations returns the local and last known peer generation identifiers.
func (d *Device) Generations() (local, peer Generations) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen, d.peerGen
}

// SetGenerations replaces the local generation identifiers, e.g. after
// loading them from metadata.
func (d *Device) SetGenerations(g Generations) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen = g
}

// SetDiskState sets the local disk state, e.g. after attach.
func (d *Device) SetDiskState(ds DiskState) {
	r := d.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	d.mu.Lock()
	ns := d.st
	ns.Disk = ds
	d.setStateLocked(ns, "disk")
	d.mu.Unlock()
	r.recomputeLocked()
}

func (d *Device) workFailed(it *workqueue.Item, err error) {
	d.logger.Error().Err(err).Str("kind", it.Kind.String()).Msg("Work item failed, dropping connection")
	d.connectionLost(NetworkFailure, err)
}

func (d *Device) cork() {
	if c, ok := d.peer().(peerlink.Corker); ok {
		c.Cork()
	}
}

func (d *Device) uncork() {
	if c, ok := d.peer().(peerlink.Corker); ok {
		c.Uncork()
	}
}

func (d *Device) enqueue(it *workqueue.Item) {
	d.queue.Enqueue(it)
}

// Flush waits until everything queued before it has been processed.
func (d *Device) Flush(ctx context.Context) error {
	done := make(chan struct{})
	d.enqueue(workqueue.NewItem(workqueue.KindFlush, func(bool) error {
		close(done)
		return nil
	}))
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) notify(event Event) (int, error) {
	if d.notifier == nil {
		return 0, nil
	}
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	code, err := d.notifier.Notify(ctx, d.id, event)
	if err != nil {
		d.logger.Warn().Err(err).Str("event", string(event)).Msg("Helper failed")
	}
	return code, err
}

// SetSyncRate changes the resync rate in bytes per second.
func (d *Device) SetSyncRate(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		bytesPerSec = 250 * 1024
	}
	d.syncRate.Store(bytesPerSec)
}

// SetCsumAlgorithm switches checksum based resync on (non-empty alg) or off.
// It may be called during a run.
func (d *Device) SetCsumAlgorithm(alg digest.Algorithm) error {
	if alg == "" {
		d.csumAlg.Store(nil)
		return nil
	}
	if !alg.Valid() {
		return fmt.Errorf("csum algorithm: %w", digest.ErrUnknownAlgorithm)
	}
	d.csumAlg.Store(&alg)
	return nil
}

// SetVerifyAlgorithm changes the online verify digest.
func (d *Device) SetVerifyAlgorithm(alg digest.Algorithm) error {
	if !alg.Valid() {
		return fmt.Errorf("verify algorithm: %w", digest.ErrUnknownAlgorithm)
	}
	d.verifyAlg.Store(&alg)
	return nil
}

func blocks(size int) uint64 {
	return uint64((size + bitmap.BlockSize - 1) >> bitmap.BlockShift)
}
