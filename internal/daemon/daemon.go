// Package daemon assembles the mirrord node: it opens the configured
// devices, keeps their peer links up and serves the admin and link
// listeners.
package daemon

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mirrord/mirrord/internal/admin"
	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/config"
	"github.com/mirrord/mirrord/internal/logging/audit"
	"github.com/mirrord/mirrord/internal/metrics"
	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/mirrord/mirrord/internal/notify"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/mirrord/mirrord/internal/storage"
	"github.com/mirrord/mirrord/internal/tracing"
)

// runCheckInterval is how often finished runs are picked up for the audit
// log.
const runCheckInterval = time.Second

// Options configures New.
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Version string
	// Metrics receives the device metrics (default metrics.Registry).
	Metrics prometheus.Registerer
}

// Daemon is a running mirrord node.
type Daemon struct {
	cfg      *config.Config
	logger   zerolog.Logger
	audit    *audit.Logger
	registry *mirror.Registry
	replicas []*replica
	metrics  *metrics.DeviceMetrics
	tracer   *tracing.Recorder
	ws       peerlink.WSConfig

	metricsInterval   time.Duration
	reconnectInterval time.Duration

	admin    *admin.AdminServer
	linkSrv  *http.Server
	linkAddr net.Addr

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens every configured device. Nothing is started yet.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if opts.Metrics == nil {
		opts.Metrics = metrics.Registry
	}
	metricsInterval, writeTimeout, reconnect, _ := cfg.Durations()

	d := &Daemon{
		cfg:               cfg,
		logger:            opts.Logger.With().Str("component", "daemon").Logger(),
		audit:             audit.NewLogger(opts.Logger),
		registry:          mirror.NewRegistry(opts.Logger),
		metrics:           metrics.NewDeviceMetrics(opts.Metrics, opts.Version),
		metricsInterval:   metricsInterval,
		reconnectInterval: reconnect,
		ws: peerlink.WSConfig{
			Logger:            opts.Logger,
			CompressThreshold: int(cfg.Link.CompressThreshold.Bytes()),
			RateLimit:         cfg.Link.RateLimit,
			RateBurst:         cfg.Link.RateBurst,
			WriteTimeout:      writeTimeout,
		},
	}

	for i := range cfg.Devices {
		r, err := d.openReplica(cfg.Devices[i], opts.Logger)
		if err != nil {
			d.closeReplicas()
			return nil, fmt.Errorf("device %s: %w", cfg.Devices[i].Name, err)
		}
		d.replicas = append(d.replicas, r)
	}

	// Dependencies refer to minors, so they are set once every device is
	// registered.
	for _, r := range d.replicas {
		if after := r.cfg.After(); after >= 0 {
			if err := r.dev.AlterDependency(after); err != nil {
				d.closeReplicas()
				return nil, fmt.Errorf("device %s: %w", r.name(), err)
			}
		}
	}

	if cfg.Admin.Tracing {
		tr, err := tracing.New(0, 0)
		if err != nil {
			d.closeReplicas()
			return nil, fmt.Errorf("start tracing: %w", err)
		}
		d.tracer = tr
	}
	return d, nil
}

func (d *Daemon) openReplica(dc config.DeviceConfig, logger zerolog.Logger) (*replica, error) {
	mc, err := dc.Mirror()
	if err != nil {
		return nil, err
	}
	store, err := storage.OpenFile(storage.FileConfig{Path: dc.Disk, Size: dc.Size.Bytes(), Logger: logger})
	if err != nil {
		return nil, err
	}
	if store.Capacity() < bitmap.SectorsPerBit {
		_ = store.Close()
		return nil, fmt.Errorf("backing disk %s is empty; set size", dc.Disk)
	}

	bm := bitmap.NewMemory(store.Capacity())
	mc.Storage = store
	mc.Bitmap = bm
	mc.Registry = d.registry
	mc.Logger = logger
	mc.Notifier = notify.New(dc.Handler, logger)

	dev, err := mirror.NewDevice(mc)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &replica{
		cfg:    dc,
		dev:    dev,
		store:  store,
		bm:     bm,
		audit:  d.audit,
		logger: logger.With().Str("component", "replica").Str("device", dc.Name).Logger(),
		redial: make(chan struct{}, 1),
	}, nil
}

// Devices returns the devices ordered by minor.
func (d *Daemon) Devices() []*mirror.Device { return d.registry.Devices() }

// LinkAddr returns the address the link listener is bound to, once
// started.
func (d *Daemon) LinkAddr() net.Addr { return d.linkAddr }

// Start starts the devices, the listeners and the background loops.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	for _, r := range d.replicas {
		if err := r.dev.Start(ctx); err != nil {
			return fmt.Errorf("start device %s: %w", r.name(), err)
		}
	}

	ln, err := net.Listen("tcp", d.cfg.Link.Listen)
	if err != nil {
		return fmt.Errorf("link listen: %w", err)
	}
	d.linkAddr = ln.Addr()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /link/{name}", d.handleLink)
	d.linkSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.linkSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("Link listener stopped")
		}
	}()
	d.logger.Info().Str("addr", ln.Addr().String()).Msg("Link listener started")

	d.admin = admin.NewAdminServer(admin.Config{
		Devices: d.registry,
		Token:   d.cfg.Admin.Token,
		Tracer:  d.tracer,
		Audit:   d.audit,
		Logger:  d.logger,
	})
	if err := d.admin.StartInsecure(d.cfg.Admin.Listen); err != nil {
		return err
	}

	collector := metrics.NewCollector(d.metrics, d.registry)
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		collector.Run(ctx, d.metricsInterval)
	}()
	go func() {
		defer d.wg.Done()
		d.watchRuns(ctx)
	}()

	for _, r := range d.replicas {
		if r.cfg.Peer == "" {
			continue
		}
		d.wg.Add(1)
		go func(r *replica) {
			defer d.wg.Done()
			r.dialLoop(ctx, d.ws, d.cfg.Link.Token, d.reconnectInterval)
		}(r)
	}
	return nil
}

// Run starts the daemon and blocks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		_ = d.Stop()
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Stop shuts everything down. Devices are stopped before their links are
// closed so that no new traffic is generated.
func (d *Daemon) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	var errs []error
	if d.admin != nil {
		errs = append(errs, d.admin.Stop())
	}
	if d.linkSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, d.linkSrv.Shutdown(ctx))
		cancel()
	}
	d.wg.Wait()
	d.closeReplicas()
	d.tracer.Stop()
	d.logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) closeReplicas() {
	for _, r := range d.replicas {
		_ = r.dev.Stop()
		r.closeLink()
		if err := r.store.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Closing backing disk failed")
		}
	}
	d.replicas = nil
}

func (d *Daemon) watchRuns(ctx context.Context) {
	ticker := time.NewTicker(runCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range d.replicas {
				r.checkRun()
			}
		}
	}
}

func (d *Daemon) replica(name string) (*replica, bool) {
	for _, r := range d.replicas {
		if r.name() == name {
			return r, true
		}
	}
	return nil, false
}

// handleLink accepts an inbound peer link for one device.
func (d *Daemon) handleLink(w http.ResponseWriter, req *http.Request) {
	remote := req.RemoteAddr
	if token := d.cfg.Link.Token; token != "" {
		parts := strings.SplitN(req.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			d.audit.LogAuth(req.URL.Path, audit.Denied, remote)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	r, ok := d.replica(req.PathValue("name"))
	if !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	if r.connected() {
		http.Error(w, errLinkBusy.Error(), http.StatusConflict)
		return
	}
	if _, _, err := r.peerParams(req.Header); err != nil {
		d.audit.LogLink(r.name(), remote, "rejected", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cfg := d.ws
	cfg.Header = r.handshake("")
	l, err := peerlink.Accept(w, req, cfg)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Accepting peer link failed")
		return
	}
	if err := r.attach(l, remote); err != nil {
		r.logger.Warn().Err(err).Str("remote", remote).Msg("Peer link rejected")
		_ = l.Close()
	}
}
