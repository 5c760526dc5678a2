// Package config loads tpmbrokerd's configuration from a YAML file,
// overlaid with environment variable overrides, using koanf/v2.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete tpmbrokerd configuration.
type Config struct {
	Control   ControlConfig   `koanf:"control"`
	Entropy   EntropyConfig   `koanf:"entropy"`
	Transport TransportConfig `koanf:"transport"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// ControlConfig holds the D-Bus control-plane placement.
type ControlConfig struct {
	// Bus selects which D-Bus bus to bind the control plane to: "system"
	// or "session".
	Bus string `koanf:"bus"`
}

// EntropyConfig names the device tpmbrokerd verifies is readable at
// startup before admitting any session, per the "entropy source
// unreadable" fatal-startup condition.
type EntropyConfig struct {
	// Device is the entropy source path, e.g. "/dev/urandom".
	Device string `koanf:"device"`
}

// TransportConfig selects and configures the Broker's TPM transport
// driver.
type TransportConfig struct {
	// Driver is "simulator" or "passthrough".
	Driver string `koanf:"driver"`
	// Device is the TPM resource-manager character device path, used
	// when Driver is "passthrough" (e.g. "/dev/tpmrm0").
	Device string `koanf:"device"`
	// CancelPath is an optional sysfs attribute path written to abort an
	// in-flight command, used when Driver is "passthrough".
	CancelPath string `koanf:"cancel_path"`
	// LocalityPath is an optional sysfs attribute path written to switch
	// locality, used when Driver is "passthrough".
	LocalityPath string `koanf:"locality_path"`
}

// PipelineConfig tunes the Broker's bounded input queue and the maximum
// accepted frame size.
type PipelineConfig struct {
	// CommandQueueDepth bounds the number of accepted-but-not-yet-sent
	// commands the Broker will buffer.
	CommandQueueDepth int `koanf:"command_queue_depth"`
	// ResponseQueueDepth bounds the number of completed responses
	// waiting to be written by ResponseSink.
	ResponseQueueDepth int `koanf:"response_queue_depth"`
	// MaxCommandSize bounds the declared size of any single command
	// frame CommandSource will accept.
	MaxCommandSize uint32 `koanf:"max_command_size"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults: the
// in-memory simulator transport and the per-user session bus, so the
// daemon starts cleanly on a developer machine with no TPM present.
func DefaultConfig() *Config {
	return &Config{
		Control: ControlConfig{
			Bus: "session",
		},
		Entropy: EntropyConfig{
			Device: "/dev/urandom",
		},
		Transport: TransportConfig{
			Driver: "simulator",
		},
		Pipeline: PipelineConfig{
			CommandQueueDepth:  64,
			ResponseQueueDepth: 64,
			MaxCommandSize:     4096,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tpmbrokerd
// configuration. Variables are named TPMBROKERD_<section>_<key>, e.g.
// TPMBROKERD_CONTROL_BUS.
const envPrefix = "TPMBROKERD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TPMBROKERD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms TPMBROKERD_CONTROL_BUS -> control.bus.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"control.bus":                 defaults.Control.Bus,
		"entropy.device":              defaults.Entropy.Device,
		"transport.driver":            defaults.Transport.Driver,
		"transport.device":            defaults.Transport.Device,
		"transport.cancel_path":       defaults.Transport.CancelPath,
		"transport.locality_path":     defaults.Transport.LocalityPath,
		"pipeline.command_queue_depth":  defaults.Pipeline.CommandQueueDepth,
		"pipeline.response_queue_depth": defaults.Pipeline.ResponseQueueDepth,
		"pipeline.max_command_size":     defaults.Pipeline.MaxCommandSize,
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidBus indicates control.bus is neither "system" nor
	// "session".
	ErrInvalidBus = errors.New("control.bus must be system or session")

	// ErrEmptyEntropyDevice indicates entropy.device is empty.
	ErrEmptyEntropyDevice = errors.New("entropy.device must not be empty")

	// ErrInvalidTransportDriver indicates transport.driver is neither
	// "simulator" nor "passthrough".
	ErrInvalidTransportDriver = errors.New("transport.driver must be simulator or passthrough")

	// ErrMissingTransportDevice indicates transport.driver is
	// "passthrough" but transport.device is empty.
	ErrMissingTransportDevice = errors.New("transport.device must be set when transport.driver is passthrough")

	// ErrInvalidQueueDepth indicates a pipeline queue depth is not
	// positive.
	ErrInvalidQueueDepth = errors.New("pipeline queue depths must be > 0")

	// ErrInvalidMaxCommandSize indicates pipeline.max_command_size is
	// too small to hold even a bare TPM header.
	ErrInvalidMaxCommandSize = errors.New("pipeline.max_command_size must be >= 10")
)

// ValidBuses lists the recognized control.bus strings.
var ValidBuses = map[string]bool{"system": true, "session": true}

// ValidTransportDrivers lists the recognized transport.driver strings.
var ValidTransportDrivers = map[string]bool{"simulator": true, "passthrough": true}

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if !ValidBuses[cfg.Control.Bus] {
		return ErrInvalidBus
	}

	if cfg.Entropy.Device == "" {
		return ErrEmptyEntropyDevice
	}

	if !ValidTransportDrivers[cfg.Transport.Driver] {
		return ErrInvalidTransportDriver
	}

	if cfg.Transport.Driver == "passthrough" && cfg.Transport.Device == "" {
		return ErrMissingTransportDevice
	}

	if cfg.Pipeline.CommandQueueDepth <= 0 || cfg.Pipeline.ResponseQueueDepth <= 0 {
		return ErrInvalidQueueDepth
	}

	if cfg.Pipeline.MaxCommandSize < 10 {
		return ErrInvalidMaxCommandSize
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
