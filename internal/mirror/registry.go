package mirror

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnknownDevice is returned when a minor is not registered.
var ErrUnknownDevice = errors.New("unknown device")

// Registry holds every device of the process and the lock that orders
// resync between them.
//
// Lock discipline: state reads take mu for reading; every change of a
// connection state or pause flag takes mu for writing, and so does the
// pause/resume recomputation. mu is always taken before a device's own
// mutex, never after it.
type Registry struct {
	mu      sync.RWMutex
	devices map[int]*Device
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		devices: make(map[int]*Device),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

func (r *Registry) register(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.id.Minor]; ok {
		return fmt.Errorf("minor %d already registered", d.id.Minor)
	}
	r.devices[d.id.Minor] = d
	return nil
}

func (r *Registry) unregister(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[d.id.Minor] == d {
		delete(r.devices, d.id.Minor)
	}
	for _, o := range r.devices {
		if o.after == d.id.Minor {
			o.after = -1
		}
	}
	r.recomputeLocked()
}

// Lookup returns the device with the given minor.
func (r *Registry) Lookup(minor int) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[minor]
	return d, ok
}

// Devices returns all devices ordered by minor.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []*Device {
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.Minor < out[j].id.Minor })
	return out
}

// AlterDependency makes d wait for the device with minor after before it
// may resync; a negative minor removes the dependency. Dependency cycles are
// the caller's responsibility.
func (r *Registry) AlterDependency(d *Device, after int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if after >= 0 {
		if after == d.id.Minor {
			return fmt.Errorf("device %s cannot depend on itself", d.id.Name)
		}
		if _, ok := r.devices[after]; !ok {
			return fmt.Errorf("%w: minor %d", ErrUnknownDevice, after)
		}
	} else {
		after = -1
	}
	d.after = after
	r.logger.Info().Str("device", d.id.Name).Int("after", after).Msg("Resync dependency changed")
	r.recomputeLocked()
	return nil
}

// Recompute re-evaluates every device's dependency pause.
func (r *Registry) Recompute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputeLocked()
}

// mayResyncNow walks d's prerequisite chain. r.mu must be held.
func (r *Registry) mayResyncNow(d *Device) bool {
	seen := 0
	for minor := d.after; minor >= 0; {
		o, ok := r.devices[minor]
		if !ok {
			return true
		}
		o.mu.Lock()
		st := o.st
		next := o.after
		o.mu.Unlock()

		if st.Conn == StandAlone && st.Disk == Diskless {
			return true
		}
		if st.Conn.SyncLike() || st.Pause != 0 {
			return false
		}
		minor = next
		if seen++; seen > len(r.devices) {
			r.logger.Error().Str("device", d.id.Name).Msg("Resync dependency cycle")
			return true
		}
	}
	return true
}

// pauseAfterLocked pauses every device that may no longer resync.
func (r *Registry) pauseAfterLocked() bool {
	changed := false
	for _, d := range r.sortedLocked() {
		if d.skipInDependencies() {
			continue
		}
		if !r.mayResyncNow(d) && d.setPause(PauseDependency, true) {
			changed = true
		}
	}
	return changed
}

// resumeNextLocked resumes every device that may resync again.
func (r *Registry) resumeNextLocked() bool {
	changed := false
	for _, d := range r.sortedLocked() {
		if d.skipInDependencies() {
			continue
		}
		if d.pauseFlags()&PauseDependency != 0 && r.mayResyncNow(d) && d.setPause(PauseDependency, false) {
			changed = true
		}
	}
	return changed
}

// recomputeLocked iterates pause and resume until no flag changes. r.mu
// must be held for writing.
func (r *Registry) recomputeLocked() {
	limit := 2*len(r.devices) + 2
	for i := 0; ; i++ {
		changed := r.pauseAfterLocked()
		if r.resumeNextLocked() {
			changed = true
		}
		if !changed {
			return
		}
		if i >= limit {
			r.logger.Error().Int("passes", i).Msg("Resync dependencies did not settle")
			return
		}
	}
}

func (d *Device) skipInDependencies() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.Conn == StandAlone && d.st.Disk == Diskless
}

func (d *Device) pauseFlags() PauseFlags {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st.Pause
}

// setPause changes one pause flag and reports whether it changed. The
// registry lock must be held for writing.
func (d *Device) setPause(flag PauseFlags, on bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns := d.st
	if on {
		ns.Pause |= flag
	} else {
		ns.Pause &^= flag
	}
	if ns.Pause == d.st.Pause {
		return false
	}
	d.setStateLocked(ns, "pause")
	return true
}
