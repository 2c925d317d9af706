// Package config loads the netdivert configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"netdivert/internal/logging"
	"netdivert/internal/rules"
	"netdivert/internal/session"
)

// Capture backends.
const (
	BackendAuto      = "auto"
	BackendWinDivert = "windivert"
	BackendPcap      = "pcap"
	BackendReplay    = "replay"
)

// Capture selects and tunes the capture backend.
type Capture struct {
	Backend  string `yaml:"backend"`
	Filter   string `yaml:"filter"`
	Priority int16  `yaml:"priority"`

	// pcap backend
	Device     string `yaml:"device"`
	Inject     bool   `yaml:"inject"`
	BufferSize int    `yaml:"buffer_size"`

	// replay backend
	ReplayInput  string `yaml:"replay_input"`
	ReplayOutput string `yaml:"replay_output"`

	QueueLength uint64        `yaml:"queue_length"`
	QueueTime   time.Duration `yaml:"queue_time"`
	QueueSize   uint64        `yaml:"queue_size"`
}

// Analysis tunes connection tracking and alerts.
type Analysis struct {
	BurstThreshold   int           `yaml:"burst_threshold"`
	UnsecureCooldown time.Duration `yaml:"unsecure_cooldown"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	NameCacheSize    int           `yaml:"name_cache_size"`
}

// Store configures the sqlite connection log.
type Store struct {
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Config is the full configuration.
type Config struct {
	Capture  Capture         `yaml:"capture"`
	Workers  int             `yaml:"workers"`
	Log      logging.Options `yaml:"log"`
	Analysis Analysis        `yaml:"analysis"`
	Store    Store           `yaml:"store"`
	Report   string          `yaml:"report"`
	TUI      bool            `yaml:"tui"`
	Rules    rules.Spec      `yaml:"rules"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	sess := session.DefaultConfig()
	return Config{
		Capture: Capture{
			Backend:     BackendAuto,
			Filter:      sess.Filter,
			QueueLength: sess.QueueLength,
			QueueTime:   time.Duration(sess.QueueTime) * time.Millisecond,
			QueueSize:   sess.QueueSize,
		},
		Workers: runtime.NumCPU(),
		Log:     logging.Options{Level: "info", Format: "text"},
		Analysis: Analysis{
			BurstThreshold:   100,
			UnsecureCooldown: 10 * time.Second,
			IdleTimeout:      2 * time.Minute,
			NameCacheSize:    1024,
		},
		Store: Store{FlushInterval: 5 * time.Second},
	}
}

// Load reads path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Session returns the capture session settings.
func (c Config) Session() session.Config {
	return session.Config{
		Filter:      c.Capture.Filter,
		Priority:    c.Capture.Priority,
		QueueLength: c.Capture.QueueLength,
		QueueTime:   uint64(c.Capture.QueueTime / time.Millisecond),
		QueueSize:   c.Capture.QueueSize,
	}
}

// ResolvedBackend turns BackendAuto into a concrete backend.
func (c Config) ResolvedBackend() string {
	if c.Capture.Backend != BackendAuto && c.Capture.Backend != "" {
		return c.Capture.Backend
	}
	if c.Capture.ReplayInput != "" {
		return BackendReplay
	}
	if runtime.GOOS == "windows" {
		return BackendWinDivert
	}
	return BackendPcap
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error

	switch c.Capture.Backend {
	case "", BackendAuto, BackendPcap, BackendReplay:
	case BackendWinDivert:
		if runtime.GOOS != "windows" {
			errs = append(errs, errors.New("windivert backend requires windows"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown capture backend %q", c.Capture.Backend))
	}
	if c.ResolvedBackend() == BackendReplay && c.Capture.ReplayInput == "" {
		errs = append(errs, errors.New("replay backend needs replay_input"))
	}
	if c.Capture.QueueTime < 0 {
		errs = append(errs, errors.New("queue_time must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	if c.Analysis.NameCacheSize <= 0 {
		errs = append(errs, errors.New("name_cache_size must be positive"))
	}
	if c.Store.Path != "" && c.Store.FlushInterval <= 0 {
		errs = append(errs, errors.New("store flush_interval must be positive"))
	}
	if _, err := rules.NewEngine(c.Rules, nil, nil); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
