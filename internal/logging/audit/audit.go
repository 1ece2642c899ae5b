// Package audit records administrative actions on mirrored devices.
package audit

import (
	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/rs/zerolog"
)

// Result values.
const (
	Allowed  = "allowed"
	Denied   = "denied"
	OK       = "ok"
	Rejected = "rejected"
)

// Logger provides structured audit logging. Every entry carries an
// event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogAuth logs a token check on the admin interface.
// result: Allowed or Denied
// sourceIP: remote address of the request
func (l *Logger) LogAuth(path, result, sourceIP string) {
	level := zerolog.InfoLevel
	if result == Denied {
		level = zerolog.WarnLevel
	}
	l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("path", path).
		Str("result", result).
		Str("source_ip", sourceIP).
		Msg("Authentication event")
}

// LogAdmin logs an administrative operation on a device.
// operation: e.g. "resync", "verify", "pause", "resume", "after", "state"
// args: operation argument (side, start sector, target minor, state)
// err: the operation's error; nil logs the result as OK
func (l *Logger) LogAdmin(source, device, operation, args string, err error) {
	event := l.logger.Info()
	result := OK
	if err != nil {
		event = l.logger.Warn().Err(err)
		result = Rejected
	}
	event = event.
		Str("event_type", "admin").
		Str("device", device).
		Str("operation", operation).
		Str("result", result).
		Str("source", source)
	if args != "" {
		event = event.Str("args", args)
	}
	event.Msg("Admin operation")
}

// LogRun logs the summary of a finished or aborted resync or verify run.
func (l *Logger) LogRun(device string, r *mirror.RunResult) {
	if r == nil {
		return
	}
	event := l.logger.Info()
	if r.Aborted || r.Error != "" {
		event = l.logger.Warn()
	}
	event = event.
		Str("event_type", "run").
		Str("device", device).
		Str("kind", r.Kind).
		Str("side", r.Side).
		Dur("duration", r.Duration).
		Uint64("total_blocks", r.Total).
		Uint64("failed_blocks", r.Failed).
		Bool("aborted", r.Aborted)
	if r.Kind == "verify" {
		event = event.Uint64("out_of_sync_bytes", r.OutOfSyncBytes)
	} else {
		event = event.Uint64("same_csum_blocks", r.SameCsum)
	}
	if r.Error != "" {
		event = event.Str("error", r.Error)
	}
	event.Msg("Run finished")
}

// LogLink logs a peer link coming up or going down.
// action: "connected" or "disconnected"
func (l *Logger) LogLink(device, remote, action string, err error) {
	event := l.logger.Info()
	if err != nil {
		event = l.logger.Warn().Err(err)
	}
	event.
		Str("event_type", "link").
		Str("device", device).
		Str("remote", remote).
		Str("action", action).
		Msg("Peer link event")
}
