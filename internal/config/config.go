// Package config handles configuration loading and validation for mirrord.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mirrord/mirrord/internal/digest"
	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/mirrord/mirrord/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Admin   AdminConfig    `yaml:"admin"`
	Link    LinkConfig     `yaml:"link"`
	Devices []DeviceConfig `yaml:"devices"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string     `yaml:"level"`
	JSON  bool       `yaml:"json"` // JSON lines instead of the console writer
	Loki  LokiConfig `yaml:"loki"`
}

// LokiConfig holds settings for shipping logs to Grafana Loki.
type LokiConfig struct {
	Enabled       bool              `yaml:"enabled"`
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"` // Duration string, e.g. "5s"
	Labels        map[string]string `yaml:"labels"`
}

// AdminConfig holds settings for the local admin HTTP interface.
type AdminConfig struct {
	Listen          string `yaml:"listen"`
	Token           string `yaml:"token"` // Bearer token for POST endpoints (optional)
	Tracing         bool   `yaml:"tracing"`
	MetricsInterval string `yaml:"metrics_interval"`
}

// LinkConfig holds settings for the websocket peer links.
type LinkConfig struct {
	Listen            string        `yaml:"listen"`
	Token             string        `yaml:"token"` // shared secret presented when a link is opened
	CompressThreshold bytesize.Size `yaml:"compress_threshold"`
	RateLimit         int           `yaml:"rate_limit"` // inbound messages per second
	RateBurst         int           `yaml:"rate_burst"`
	WriteTimeout      string        `yaml:"write_timeout"`
	ReconnectInterval string        `yaml:"reconnect_interval"`
}

// DeviceConfig describes one mirrored volume.
type DeviceConfig struct {
	Name  string        `yaml:"name"`
	Minor int           `yaml:"minor"`
	Disk  string        `yaml:"disk"` // backing file or block device
	Size  bytesize.Size `yaml:"size"` // creates or extends a regular file
	// Peer is the ws:// or wss:// base URL of the peer's link listener.
	// Without it the device waits for the peer to dial in.
	Peer string `yaml:"peer"`

	SyncRate       bytesize.Rate `yaml:"sync_rate"`
	MaxSegmentSize bytesize.Size `yaml:"max_segment_size"`
	Tick           string        `yaml:"tick"`
	CsumAlg        string        `yaml:"csums_alg"`
	VerifyAlg      string        `yaml:"verify_alg"`
	SyncAfter      *int          `yaml:"sync_after"`
	OnIOError      string        `yaml:"on_io_error"`
	WriteOrdering  string        `yaml:"write_ordering"`
	MaxBuffers     int           `yaml:"max_buffers"`
	EpochSize      int           `yaml:"epoch_size"`
	Handler        string        `yaml:"handler"` // helper program run on events
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Loki.FlushInterval == "" {
		c.Log.Loki.FlushInterval = "5s"
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:7790"
	}
	if c.Admin.MetricsInterval == "" {
		c.Admin.MetricsInterval = "10s"
	}
	if c.Link.Listen == "" {
		c.Link.Listen = ":7789"
	}
	if c.Link.WriteTimeout == "" {
		c.Link.WriteTimeout = "10s"
	}
	if c.Link.ReconnectInterval == "" {
		c.Link.ReconnectInterval = "5s"
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("r%d", d.Minor)
		}
		if d.SyncRate == 0 {
			d.SyncRate = bytesize.Rate(250 * bytesize.KB)
		}
		if d.MaxSegmentSize == 0 {
			d.MaxSegmentSize = bytesize.Size(32 * bytesize.KB)
		}
		if d.Tick == "" {
			d.Tick = "100ms"
		}
		if d.VerifyAlg == "" {
			d.VerifyAlg = string(digest.CRC32C)
		}
		if d.OnIOError == "" {
			d.OnIOError = mirror.PassOn.String()
		}
		if d.WriteOrdering == "" {
			d.WriteOrdering = mirror.OrderBarrier.String()
		}
		d.Disk = expandHome(d.Disk)
		d.Handler = expandHome(d.Handler)
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Validate checks the configuration for errors. It expects defaults to be
// applied.
func (c *Config) Validate() error {
	if _, err := parseDuration("log.loki.flush_interval", c.Log.Loki.FlushInterval); err != nil {
		return err
	}
	if c.Log.Loki.Enabled && c.Log.Loki.URL == "" {
		return errors.New("log.loki.url is required when loki is enabled")
	}
	if _, err := parseDuration("admin.metrics_interval", c.Admin.MetricsInterval); err != nil {
		return err
	}
	if _, err := parseDuration("link.write_timeout", c.Link.WriteTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("link.reconnect_interval", c.Link.ReconnectInterval); err != nil {
		return err
	}
	if len(c.Devices) == 0 {
		return errors.New("at least one device is required")
	}

	names := make(map[string]bool)
	minors := make(map[int]bool)
	for i := range c.Devices {
		d := &c.Devices[i]
		if names[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		names[d.Name] = true
		if d.Minor < 0 {
			return fmt.Errorf("device %s: minor must not be negative", d.Name)
		}
		if minors[d.Minor] {
			return fmt.Errorf("device %s: duplicate minor %d", d.Name, d.Minor)
		}
		minors[d.Minor] = true
		if err := d.validate(); err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		if d.SyncAfter == nil || *d.SyncAfter < 0 {
			continue
		}
		if !minors[*d.SyncAfter] {
			return fmt.Errorf("device %s: sync_after refers to unknown minor %d", d.Name, *d.SyncAfter)
		}
	}
	return c.checkDependencyCycles()
}

func (d *DeviceConfig) validate() error {
	if d.Disk == "" {
		return errors.New("disk is required")
	}
	if d.Size < 0 {
		return errors.New("size must not be negative")
	}
	if d.Peer != "" && !strings.HasPrefix(d.Peer, "ws://") && !strings.HasPrefix(d.Peer, "wss://") {
		return fmt.Errorf("peer %q must be a ws:// or wss:// URL", d.Peer)
	}
	if d.SyncRate < 0 {
		return errors.New("sync_rate must not be negative")
	}
	if d.MaxSegmentSize < bytesize.Size(4*bytesize.KB) {
		return errors.New("max_segment_size must be at least 4KB")
	}
	if tick, err := parseDuration("tick", d.Tick); err != nil {
		return err
	} else if tick <= 0 {
		return errors.New("tick must be positive")
	}
	if d.CsumAlg != "" && !digest.Algorithm(d.CsumAlg).Valid() {
		return fmt.Errorf("csums_alg: %w: %q", digest.ErrUnknownAlgorithm, d.CsumAlg)
	}
	if !digest.Algorithm(d.VerifyAlg).Valid() {
		return fmt.Errorf("verify_alg: %w: %q", digest.ErrUnknownAlgorithm, d.VerifyAlg)
	}
	if _, err := mirror.ParseIOErrorPolicy(d.OnIOError); err != nil {
		return err
	}
	if _, err := mirror.ParseWriteOrdering(d.WriteOrdering); err != nil {
		return err
	}
	if d.SyncAfter != nil && *d.SyncAfter == d.Minor {
		return errors.New("sync_after must not refer to the device itself")
	}
	return nil
}

// checkDependencyCycles rejects sync_after chains that loop.
func (c *Config) checkDependencyCycles() error {
	after := make(map[int]int, len(c.Devices))
	for _, d := range c.Devices {
		after[d.Minor] = d.After()
	}
	for _, d := range c.Devices {
		seen := map[int]bool{d.Minor: true}
		for m := after[d.Minor]; m >= 0; m = after[m] {
			if seen[m] {
				return fmt.Errorf("device %s: sync_after chain forms a cycle", d.Name)
			}
			seen[m] = true
		}
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// After returns the minor this device syncs after, -1 for none.
func (d *DeviceConfig) After() int {
	if d.SyncAfter == nil || *d.SyncAfter < 0 {
		return -1
	}
	return *d.SyncAfter
}

// Mirror converts the replication settings into a mirror.Config. Storage,
// bitmap, notifier, registry and logger are left to the caller.
func (d *DeviceConfig) Mirror() (mirror.Config, error) {
	tick, err := parseDuration("tick", d.Tick)
	if err != nil {
		return mirror.Config{}, err
	}
	policy, err := mirror.ParseIOErrorPolicy(d.OnIOError)
	if err != nil {
		return mirror.Config{}, err
	}
	ordering, err := mirror.ParseWriteOrdering(d.WriteOrdering)
	if err != nil {
		return mirror.Config{}, err
	}
	return mirror.Config{
		Name:            d.Name,
		Minor:           d.Minor,
		SyncRate:        d.SyncRate.BytesPerSecond(),
		MaxSegmentSize:  int(d.MaxSegmentSize.Bytes()),
		Tick:            tick,
		MaxBuffers:      d.MaxBuffers,
		EpochSize:       d.EpochSize,
		CsumAlgorithm:   digest.Algorithm(d.CsumAlg),
		VerifyAlgorithm: digest.Algorithm(d.VerifyAlg),
		OnIOError:       policy,
		WriteOrdering:   ordering,
	}, nil
}

// Durations returns the parsed duration settings. It is only meaningful on
// a validated configuration.
func (c *Config) Durations() (metricsInterval, writeTimeout, reconnect, lokiFlush time.Duration) {
	metricsInterval, _ = time.ParseDuration(c.Admin.MetricsInterval)
	writeTimeout, _ = time.ParseDuration(c.Link.WriteTimeout)
	reconnect, _ = time.ParseDuration(c.Link.ReconnectInterval)
	lokiFlush, _ = time.ParseDuration(c.Log.Loki.FlushInterval)
	return
}

// Device returns the device configuration with the given name.
func (c *Config) Device(name string) (*DeviceConfig, bool) {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], true
		}
	}
	return nil, false
}
