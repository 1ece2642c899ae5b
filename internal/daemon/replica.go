package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/config"
	"github.com/mirrord/mirrord/internal/logging/audit"
	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/mirrord/mirrord/internal/peerlink"
	"github.com/mirrord/mirrord/internal/storage"
)

// Handshake headers. Both ends send their own values: the dialer as
// request headers, the acceptor as response headers.
const (
	HeaderDevice      = "X-Mirrord-Device"
	HeaderSectors     = "X-Mirrord-Sectors"
	HeaderDisk        = "X-Mirrord-Disk"
	HeaderGenerations = "X-Mirrord-Generations"
)

var (
	errLinkBusy     = errors.New("device already has a peer link")
	errSizeMismatch = errors.New("peer device size differs")
)

// replica is one configured device together with its backing store and
// its peer link.
type replica struct {
	cfg    config.DeviceConfig
	dev    *mirror.Device
	store  storage.Backend
	bm     *bitmap.Memory
	audit  *audit.Logger
	logger zerolog.Logger

	mu      sync.Mutex
	link    *peerlink.WSLink
	remote  string
	lastRun *mirror.RunResult

	// redial wakes the dial loop after the link went down.
	redial chan struct{}
}

func (r *replica) name() string { return r.cfg.Name }

// handshake returns the headers describing the local side.
func (r *replica) handshake(token string) http.Header {
	gen, _ := r.dev.Generations()
	h := http.Header{}
	h.Set(HeaderDevice, r.cfg.Name)
	h.Set(HeaderSectors, strconv.FormatUint(r.store.Capacity(), 10))
	h.Set(HeaderDisk, r.dev.State().Disk.String())
	h.Set(HeaderGenerations, gen.String())
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// peerParams validates the peer's handshake headers.
func (r *replica) peerParams(h http.Header) (mirror.DiskState, mirror.Generations, error) {
	if name := h.Get(HeaderDevice); name != r.cfg.Name {
		return 0, mirror.Generations{}, fmt.Errorf("peer device is %q, want %q", name, r.cfg.Name)
	}
	sectors, err := strconv.ParseUint(h.Get(HeaderSectors), 10, 64)
	if err != nil {
		return 0, mirror.Generations{}, fmt.Errorf("peer sectors: %w", err)
	}
	if sectors != r.store.Capacity() {
		return 0, mirror.Generations{}, fmt.Errorf("%w: peer %d sectors, local %d", errSizeMismatch, sectors, r.store.Capacity())
	}
	disk, err := mirror.ParseDiskState(h.Get(HeaderDisk))
	if err != nil {
		return 0, mirror.Generations{}, err
	}
	gen, err := mirror.ParseGenerations(h.Get(HeaderGenerations))
	if err != nil {
		return 0, mirror.Generations{}, err
	}
	return disk, gen, nil
}

func (r *replica) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link != nil
}

// attach installs l as the device's peer link and connects the device.
func (r *replica) attach(l *peerlink.WSLink, remote string) error {
	disk, gen, err := r.peerParams(l.PeerHeader())
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.link != nil {
		r.mu.Unlock()
		return errLinkBusy
	}
	r.link = l
	r.remote = remote
	r.mu.Unlock()

	l.SetCloseHandler(func(err error) { r.detach(l, err) })
	r.dev.AttachLink(l)
	l.SetHandler(r.dev.HandlePeerMessage)

	if err := r.dev.Connect(disk, gen); err != nil {
		r.detach(l, err)
		return err
	}
	r.audit.LogLink(r.cfg.Name, remote, "connected", nil)
	return nil
}

// detach drops l if it is still the current link. It runs on the link's
// reader goroutine when the peer goes away.
func (r *replica) detach(l *peerlink.WSLink, cause error) {
	r.mu.Lock()
	if r.link != l {
		r.mu.Unlock()
		return
	}
	r.link = nil
	remote := r.remote
	r.mu.Unlock()

	r.dev.ForceNetworkFailure(cause)
	r.dev.AttachLink(nil)
	// The link is already closed; this only releases its codec.
	_ = l.Close()
	r.audit.LogLink(r.cfg.Name, remote, "disconnected", cause)

	select {
	case r.redial <- struct{}{}:
	default:
	}
}

// closeLink shuts the current link down from the local side. On a
// stopped device the connection is already StandAlone and stays so.
func (r *replica) closeLink() {
	r.mu.Lock()
	l := r.link
	r.link = nil
	remote := r.remote
	r.mu.Unlock()
	if l == nil {
		return
	}
	_ = l.Close()
	r.dev.ForceNetworkFailure(nil)
	r.dev.AttachLink(nil)
	r.audit.LogLink(r.cfg.Name, remote, "disconnected", nil)
}

// linkURL is the peer's link endpoint for this device.
func (r *replica) linkURL() string {
	return strings.TrimSuffix(r.cfg.Peer, "/") + "/link/" + r.cfg.Name
}

// dialLoop keeps a link to the configured peer until ctx is canceled.
func (r *replica) dialLoop(ctx context.Context, ws peerlink.WSConfig, token string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	url := r.linkURL()
	for {
		if !r.connected() {
			cfg := ws
			cfg.Header = r.handshake(token)
			l, err := peerlink.Dial(ctx, url, cfg)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Debug().Err(err).Str("url", url).Msg("Peer not reachable")
				}
			} else if err := r.attach(l, url); err != nil {
				r.logger.Warn().Err(err).Str("url", url).Msg("Peer link rejected")
				_ = l.Close()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.redial:
		}
	}
}

// checkRun reports a newly finished run to the audit log.
func (r *replica) checkRun() {
	run := r.dev.LastRun()
	r.mu.Lock()
	fresh := run != nil && run != r.lastRun
	if fresh {
		r.lastRun = run
	}
	r.mu.Unlock()
	if fresh {
		r.audit.LogRun(r.cfg.Name, run)
	}
}
