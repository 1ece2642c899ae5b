package mirror

import (
	"fmt"
	"strings"
)

// ConnState is the replication connection state of a device. The order is
// significant: everything below Connected means the peer is unusable.
type ConnState int

const (
	StandAlone ConnState = iota
	Disconnecting
	Unconnected
	Timeout
	BrokenPipe
	NetworkFailure
	ProtocolError
	TearDown
	Connecting
	WFReportParams
	Connected
	WFBitMapS
	WFBitMapT
	WFSyncUUID
	SyncSource
	SyncTarget
	VerifyS
	VerifyT
	PausedSyncSource
	PausedSyncTarget
)

var connNames = [...]string{
	StandAlone:       "StandAlone",
	Disconnecting:    "Disconnecting",
	Unconnected:      "Unconnected",
	Timeout:          "Timeout",
	BrokenPipe:       "BrokenPipe",
	NetworkFailure:   "NetworkFailure",
	ProtocolError:    "ProtocolError",
	TearDown:         "TearDown",
	Connecting:       "Connecting",
	WFReportParams:   "WFReportParams",
	Connected:        "Connected",
	WFBitMapS:        "WFBitMapS",
	WFBitMapT:        "WFBitMapT",
	WFSyncUUID:       "WFSyncUUID",
	SyncSource:       "SyncSource",
	SyncTarget:       "SyncTarget",
	VerifyS:          "VerifyS",
	VerifyT:          "VerifyT",
	PausedSyncSource: "PausedSyncS",
	PausedSyncTarget: "PausedSyncT",
}

func (c ConnState) String() string {
	if c >= 0 && int(c) < len(connNames) {
		return connNames[c]
	}
	return fmt.Sprintf("conn(%d)", int(c))
}

// ParseConnState maps a state name back to its value.
func ParseConnState(s string) (ConnState, error) {
	for i, n := range connNames {
		if strings.EqualFold(n, s) {
			return ConnState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown connection state %q", s)
}

// SyncLike reports whether c is any resync or verify state, paused or not.
func (c ConnState) SyncLike() bool { return c >= SyncSource && c <= PausedSyncTarget }

// Resyncing reports whether c is a resync (not verify) state.
func (c ConnState) Resyncing() bool {
	switch c {
	case SyncSource, SyncTarget, PausedSyncSource, PausedSyncTarget:
		return true
	}
	return false
}

// Verifying reports whether c is an online verify state.
func (c ConnState) Verifying() bool { return c == VerifyS || c == VerifyT }

// IsTarget reports whether c receives data during a resync.
func (c ConnState) IsTarget() bool { return c == SyncTarget || c == PausedSyncTarget }

// Paused returns the paused variant of an active resync state.
func (c ConnState) Paused() ConnState {
	switch c {
	case SyncSource:
		return PausedSyncSource
	case SyncTarget:
		return PausedSyncTarget
	}
	return c
}

// Active returns the active variant of a paused resync state.
func (c ConnState) Active() ConnState {
	switch c {
	case PausedSyncSource:
		return SyncSource
	case PausedSyncTarget:
		return SyncTarget
	}
	return c
}

// DiskState is the state of a local or peer backing disk.
type DiskState int

const (
	Diskless DiskState = iota
	Attaching
	Failed
	Negotiating
	Inconsistent
	Outdated
	DUnknown
	Consistent
	UpToDate
)

var diskNames = [...]string{
	Diskless:     "Diskless",
	Attaching:    "Attaching",
	Failed:       "Failed",
	Negotiating:  "Negotiating",
	Inconsistent: "Inconsistent",
	Outdated:     "Outdated",
	DUnknown:     "DUnknown",
	Consistent:   "Consistent",
	UpToDate:     "UpToDate",
}

func (d DiskState) String() string {
	if d >= 0 && int(d) < len(diskNames) {
		return diskNames[d]
	}
	return fmt.Sprintf("disk(%d)", int(d))
}

// ParseDiskState maps a disk state name back to its value.
func ParseDiskState(s string) (DiskState, error) {
	for i, n := range diskNames {
		if strings.EqualFold(n, s) {
			return DiskState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown disk state %q", s)
}

// PauseFlags are the independent reasons a resync may be paused.
type PauseFlags uint8

const (
	// PauseDependency is set while a prerequisite device is resyncing.
	PauseDependency PauseFlags = 1 << iota
	// PausePeer mirrors the peer's own pause state.
	PausePeer
	// PauseUser is set by an administrator.
	PauseUser
)

func (p PauseFlags) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	if p&PauseDependency != 0 {
		parts = append(parts, "dependency")
	}
	if p&PausePeer != 0 {
		parts = append(parts, "peer")
	}
	if p&PauseUser != 0 {
		parts = append(parts, "user")
	}
	return strings.Join(parts, ",")
}

// WriteOrdering is the method used to keep mirrored writes ordered on the
// peer's disk. It is only ever demoted, towards None.
type WriteOrdering int

const (
	OrderBarrier WriteOrdering = iota
	OrderFlush
	OrderDrain
	OrderNone
)

func (w WriteOrdering) String() string {
	switch w {
	case OrderBarrier:
		return "barrier"
	case OrderFlush:
		return "flush"
	case OrderDrain:
		return "drain"
	case OrderNone:
		return "none"
	default:
		return fmt.Sprintf("ordering(%d)", int(w))
	}
}

// ParseWriteOrdering parses a configured write ordering.
func ParseWriteOrdering(s string) (WriteOrdering, error) {
	for w := OrderBarrier; w <= OrderNone; w++ {
		if w.String() == strings.ToLower(s) {
			return w, nil
		}
	}
	return 0, fmt.Errorf("unknown write ordering %q", s)
}

// IOErrorPolicy decides how a device reacts to a failed local read or
// write. The zero value is PassOn.
type IOErrorPolicy int

const (
	// PassOn reports the error upwards and keeps the disk attached.
	PassOn IOErrorPolicy = iota
	// CallHelper additionally runs the local-io-error helper.
	CallHelper
	// Detach marks the local disk Failed.
	Detach
)

func (p IOErrorPolicy) String() string {
	switch p {
	case PassOn:
		return "pass_on"
	case CallHelper:
		return "call_helper"
	case Detach:
		return "detach"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseIOErrorPolicy parses a configured I/O error policy.
func ParseIOErrorPolicy(s string) (IOErrorPolicy, error) {
	for p := PassOn; p <= Detach; p++ {
		if p.String() == strings.ToLower(s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown on-io-error policy %q", s)
}

// State is a consistent snapshot of a device's replication state.
type State struct {
	Conn     ConnState  `json:"conn"`
	Disk     DiskState  `json:"disk"`
	PeerDisk DiskState  `json:"peer_disk"`
	Pause    PauseFlags `json:"pause"`
}

func (s State) String() string {
	return fmt.Sprintf("%s %s/%s pause=%s", s.Conn, s.Disk, s.PeerDisk, s.Pause)
}

// sanitize folds the pause flags into the connection state.
func (s State) sanitize() State {
	if s.Pause != 0 {
		s.Conn = s.Conn.Paused()
	} else {
		s.Conn = s.Conn.Active()
	}
	return s
}

// TransitionError is returned when a requested state change is not allowed.
type TransitionError struct {
	Device  string
	From    ConnState
	To      ConnState
	Message string
}

func (e *TransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid state transition for %s: %s -> %s: %s", e.Device, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("invalid state transition for %s: %s -> %s", e.Device, e.From, e.To)
}
