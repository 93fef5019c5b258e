// Package config holds the YAML file schema for wabridge. Flags and
// environment variables in cmd/wabridge override anything loaded here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	Backend    BackendConfig   `yaml:"backend"`
	Artifacts  ArtifactsConfig `yaml:"artifacts"`
	Watch      WatchConfig     `yaml:"watch"`
}

type BackendConfig struct {
	// URL is the base URL of the messaging backend's HTTP API.
	URL string `yaml:"url"`

	// Command, Args and Dir describe how to spawn the backend process.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`

	ProbeTimeoutMs int `yaml:"probe_timeout_ms"`
	CallTimeoutMs  int `yaml:"call_timeout_ms"`
	TermWaitMs     int `yaml:"term_wait_ms"`
	SettleMs       int `yaml:"settle_ms"`
}

type ArtifactsConfig struct {
	// Dir is the state directory the backend writes the QR image and
	// login flag into.
	Dir string `yaml:"dir"`
}

type WatchConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr: "0.0.0.0:8000",
		Backend: BackendConfig{
			URL:            "http://localhost:3001",
			Command:        "node",
			Args:           []string{"whatsapp_qr.js"},
			ProbeTimeoutMs: 2000,
			CallTimeoutMs:  10000,
			TermWaitMs:     1000,
			SettleMs:       3000,
		},
		Artifacts: ArtifactsConfig{Dir: "static"},
		Watch:     WatchConfig{IntervalMs: 5000},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Overrides carries the command-line and environment values that take
// precedence over the loaded file. Zero values leave the config untouched.
type Overrides struct {
	ListenAddr     string
	BackendURL     string
	BackendCommand string
	StateDir       string
	WatchInterval  time.Duration
}

// Apply overlays the non-zero overrides onto cfg. A backend command
// override resets the args: the flag value is split on whitespace, the
// first field becomes the command and the rest its arguments.
func (cfg *Config) Apply(o Overrides) {
	if o.ListenAddr != "" {
		cfg.ListenAddr = o.ListenAddr
	}
	if o.BackendURL != "" {
		cfg.Backend.URL = o.BackendURL
	}
	if fields := strings.Fields(o.BackendCommand); len(fields) > 0 {
		cfg.Backend.Command = fields[0]
		cfg.Backend.Args = fields[1:]
	}
	if o.StateDir != "" {
		cfg.Artifacts.Dir = o.StateDir
	}
	if o.WatchInterval > 0 {
		cfg.Watch.IntervalMs = int(o.WatchInterval / time.Millisecond)
	}
}

func Validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url must not be empty")
	}
	if cfg.Backend.Command == "" {
		return fmt.Errorf("backend.command must not be empty")
	}
	for name, ms := range map[string]int{
		"backend.probe_timeout_ms": cfg.Backend.ProbeTimeoutMs,
		"backend.call_timeout_ms":  cfg.Backend.CallTimeoutMs,
		"backend.term_wait_ms":     cfg.Backend.TermWaitMs,
		"backend.settle_ms":        cfg.Backend.SettleMs,
		"watch.interval_ms":        cfg.Watch.IntervalMs,
	} {
		if ms <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func (b BackendConfig) ProbeTimeout() time.Duration { return time.Duration(b.ProbeTimeoutMs) * time.Millisecond }
func (b BackendConfig) CallTimeout() time.Duration  { return time.Duration(b.CallTimeoutMs) * time.Millisecond }
func (b BackendConfig) TermWait() time.Duration     { return time.Duration(b.TermWaitMs) * time.Millisecond }
func (b BackendConfig) Settle() time.Duration       { return time.Duration(b.SettleMs) * time.Millisecond }

func (w WatchConfig) Interval() time.Duration { return time.Duration(w.IntervalMs) * time.Millisecond }
