package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/1broseidon/surfacecomposer/internal/ipc"
	"github.com/1broseidon/surfacecomposer/internal/platform"
)

const (
	DefaultKeyedMutexTimeout         = 100 * time.Millisecond
	DefaultHandshakeTimeout          = 2 * time.Second
	DefaultMaxConsecutiveFrameErrors = 2
	DefaultTargetRefreshHz           = 60.0
)

// VirtualConfig configures the headless display backend.
type VirtualConfig struct {
	Targets []platform.VirtualTarget `yaml:"targets,omitempty"`
	// DumpDir receives a PNG of each target's latest frame, once a second.
	DumpDir        string        `yaml:"dump_dir,omitempty"`
	VBlankInterval time.Duration `yaml:"vblank_interval,omitempty"`
}

// Config is the compositor host configuration. The monitor to bind is
// always given on the command line.
type Config struct {
	// Endpoint is the broker's rendezvous endpoint.
	Endpoint string `yaml:"endpoint"`
	// Backend selects the display backend: auto, x11 or virtual.
	Backend string `yaml:"backend"`
	// KeyedMutexTimeout bounds the per-layer wait of a frame.
	KeyedMutexTimeout time.Duration `yaml:"keyed_mutex_timeout"`
	// HandshakeTimeout bounds the broker side of a client handshake.
	HandshakeTimeout          time.Duration `yaml:"handshake_timeout"`
	MaxConsecutiveFrameErrors int           `yaml:"max_consecutive_frame_errors"`
	TargetRefreshHz           float64       `yaml:"target_refresh_hz"`
	// TestLayerImage is the PNG shown by --test-layer. A generated pattern
	// is used when empty or unreadable.
	TestLayerImage string `yaml:"test_layer_image,omitempty"`
	// MetricsAddr, when set, serves Prometheus metrics on /metrics.
	MetricsAddr string        `yaml:"metrics_addr,omitempty"`
	LogLevel    string        `yaml:"log_level"`
	Virtual     VirtualConfig `yaml:"virtual,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:                  ipc.DefaultEndpoint,
		Backend:                   platform.BackendAuto,
		KeyedMutexTimeout:         DefaultKeyedMutexTimeout,
		HandshakeTimeout:          DefaultHandshakeTimeout,
		MaxConsecutiveFrameErrors: DefaultMaxConsecutiveFrameErrors,
		TargetRefreshHz:           DefaultTargetRefreshHz,
		LogLevel:                  "info",
	}
}

func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "surfacecomposer", "config.yaml"), nil
}

// ValidationError reports an invalid setting, with its file position when
// the value came from a file.
type ValidationError struct {
	Path   string
	Source Source
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Source.Kind == SourceFile && e.Source.File != "" && e.Source.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s: %v", e.Source.File, e.Source.Line, e.Source.Column, e.Path, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate performs strict validation of the effective configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return &ValidationError{Path: "endpoint", Err: fmt.Errorf("endpoint is required")}
	}
	if !strings.HasPrefix(c.Endpoint, "ipc://") {
		return &ValidationError{Path: "endpoint", Err: fmt.Errorf("endpoint must start with ipc://")}
	}
	switch c.Backend {
	case platform.BackendAuto, platform.BackendX11, platform.BackendVirtual:
	default:
		return &ValidationError{Path: "backend", Err: fmt.Errorf("backend must be one of: auto, x11, virtual")}
	}
	if c.KeyedMutexTimeout <= 0 {
		return &ValidationError{Path: "keyed_mutex_timeout", Err: fmt.Errorf("keyed_mutex_timeout must be > 0")}
	}
	if c.HandshakeTimeout <= 0 {
		return &ValidationError{Path: "handshake_timeout", Err: fmt.Errorf("handshake_timeout must be > 0")}
	}
	if c.MaxConsecutiveFrameErrors < 1 {
		return &ValidationError{Path: "max_consecutive_frame_errors", Err: fmt.Errorf("max_consecutive_frame_errors must be >= 1")}
	}
	if c.TargetRefreshHz <= 0 {
		return &ValidationError{Path: "target_refresh_hz", Err: fmt.Errorf("target_refresh_hz must be > 0")}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return &ValidationError{Path: "metrics_addr", Err: fmt.Errorf("metrics_addr must be host:port: %w", err)}
		}
	}
	if _, ok := slogLevels[c.LogLevel]; !ok {
		return &ValidationError{Path: "log_level", Err: fmt.Errorf("log_level must be one of: debug, info, warning, error")}
	}
	if c.Virtual.VBlankInterval < 0 {
		return &ValidationError{Path: "virtual.vblank_interval", Err: fmt.Errorf("vblank_interval must be >= 0")}
	}
	seen := make(map[string]bool)
	for _, t := range c.Virtual.Targets {
		if err := validateVirtualTarget(t); err != nil {
			return &ValidationError{Path: "virtual.targets", Err: err}
		}
		if seen[t.ID] {
			return &ValidationError{Path: "virtual.targets", Err: fmt.Errorf("duplicate target id %q", t.ID)}
		}
		seen[t.ID] = true
	}
	return nil
}

func validateVirtualTarget(t platform.VirtualTarget) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("target id is required")
	}
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("target %q: width and height must be > 0", t.ID)
	}
	for _, hz := range t.RefreshRates {
		if hz <= 0 {
			return fmt.Errorf("target %q: refresh rates must be > 0", t.ID)
		}
	}
	return nil
}

var slogLevels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// SlogLevel returns the log level as a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	return slogLevels[c.LogLevel]
}

// PlatformOptions returns the display backend options.
func (c *Config) PlatformOptions(logger *slog.Logger) platform.Options {
	return platform.Options{
		Logger: logger,
		Virtual: platform.VirtualOptions{
			Targets:        c.Virtual.Targets,
			DumpDir:        c.Virtual.DumpDir,
			VBlankInterval: c.Virtual.VBlankInterval,
		},
	}
}
