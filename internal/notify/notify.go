// Package notify runs the user-configured helper program on device events.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a helper invocation.
const DefaultTimeout = 30 * time.Second

// Environment variables passed to the helper.
const (
	EnvDevice = "MIRRORD_DEVICE"
	EnvMinor  = "MIRRORD_MINOR"
	EnvEvent  = "MIRRORD_EVENT"
)

// ExecHook runs Command with the event name as its only argument.
type ExecHook struct {
	Command string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Notify implements mirror.Notifier. The helper's exit code is returned; an
// error means the helper could not be run at all.
func (h *ExecHook) Notify(ctx context.Context, dev mirror.Identity, event mirror.Event) (int, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Command, string(event))
	cmd.Env = append(os.Environ(),
		EnvDevice+"="+dev.Name,
		EnvMinor+"="+strconv.Itoa(dev.Minor),
		EnvEvent+"="+string(event),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.Logger.Error().Err(err).Str("device", dev.Name).Str("event", string(event)).Msg("Helper failed to run")
			return -1, fmt.Errorf("run helper %s: %w", h.Command, err)
		}
		code = exitErr.ExitCode()
	}

	h.Logger.Info().
		Str("device", dev.Name).
		Str("event", string(event)).
		Int("exit_code", code).
		Dur("duration", time.Since(start)).
		Str("output", string(bytes.TrimSpace(out.Bytes()))).
		Msg("Helper finished")
	return code, nil
}

// LogHook only logs events. It is used when no helper is configured.
type LogHook struct {
	Logger zerolog.Logger
}

// Notify implements mirror.Notifier and always returns 0.
func (h LogHook) Notify(_ context.Context, dev mirror.Identity, event mirror.Event) (int, error) {
	h.Logger.Info().Str("device", dev.Name).Int("minor", dev.Minor).Str("event", string(event)).Msg("Device event")
	return 0, nil
}

// New returns an ExecHook for command, or a LogHook when command is empty.
func New(command string, logger zerolog.Logger) mirror.Notifier {
	logger = logger.With().Str("component", "notify").Logger()
	if command == "" {
		return LogHook{Logger: logger}
	}
	return &ExecHook{Command: command, Logger: logger}
}
