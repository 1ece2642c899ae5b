// Package svc installs and controls mirrord as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// DefaultName is the service name used when none is given.
const DefaultName = "mirrord"

// RunFunc runs the daemon until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface around a RunFunc.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called by the service manager. It must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return errors.New("run function not configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the daemon and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name       string
	ConfigPath string
	UserName   string // Linux/macOS only
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Name == "" {
		out.Name = DefaultName
	}
	if out.ConfigPath == "" {
		out.ConfigPath = DefaultConfigPath()
	}
	return &out
}

// DefaultConfigPath returns the platform's default config location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "mirrord", "mirrord.yaml")
	}
	return "/etc/mirrord/mirrord.yaml"
}

// ServiceConfig builds the service manager definition for goos. The
// installed unit runs "mirrord run --service --config <path>".
func ServiceConfig(cfg *Config, goos string) *service.Config {
	cfg = cfg.withDefaults()
	sc := &service.Config{
		Name:        cfg.Name,
		DisplayName: "mirrord replication daemon",
		Description: "Mirrors block devices to a peer node and resynchronizes them",
		Arguments:   []string{"run", "--service", "--config", cfg.ConfigPath},
	}

	switch goos {
	case "linux":
		// Replication needs the network, and the peer link redials on its own.
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		sc.UserName = cfg.UserName
	case "darwin":
		sc.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		sc.UserName = cfg.UserName
	case "windows":
		sc.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return sc
}

func newService(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, ServiceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install registers the service. An existing installation is replaced
// only when force is set.
func Install(cfg *Config, force bool) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil {
		name := cfg.withDefaults().Name
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", name)
			}
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", name)
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it runs and removes it.
func Uninstall(cfg *Config) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of the service.ControlAction verbs (start, stop, restart).
func Control(cfg *Config, action string) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service state as reported by the service manager.
func Status(cfg *Config) (string, error) {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			return "not installed", nil
		}
		return "", err
	}
	return StatusString(status), nil
}

// StatusString returns a human-readable status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager. It returns when the
// service is stopped.
func Run(cfg *Config, run RunFunc) error {
	cfg = cfg.withDefaults()
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath, Run: run}, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the caller may manage services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}
