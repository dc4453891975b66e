// Package userconfig provides the host-level configuration of the metrics
// controller. It is stored in ~/.config/metrics-controller/config.yaml and
// holds the opt-in flag, the telemetry endpoint and the worker tuning.
package userconfig

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/natefinch/atomic"

	"github.com/mermi/metrics-controller/pkg/paths"
)

// CurrentVersion is the current version of the user config format
const CurrentVersion = "v1"

// EnabledEnv forces opt-out when set to "false", whatever the file says.
const EnabledEnv = "METRICS_TELEMETRY_ENABLED"

// Config represents the user-level metrics configuration
type Config struct {
	// Version is the config format version
	Version string `yaml:"version,omitempty"`
	// Enabled is the opt-in flag. A missing value means opted in.
	Enabled *bool `yaml:"enabled,omitempty"`
	// Endpoint is the telemetry server URL. Empty keeps all data local.
	Endpoint string `yaml:"endpoint,omitempty"`
	// APIKeyHeader and APIKey authenticate uploads when both are set.
	APIKeyHeader string `yaml:"api_key_header,omitempty"`
	APIKey       string `yaml:"api_key,omitempty"`
	// Interval between two worker ticks, e.g. "1m".
	Interval string `yaml:"interval,omitempty"`
	// SendTimeout bounds one upload, e.g. "10s".
	SendTimeout string `yaml:"send_timeout,omitempty"`
	// StopTimeout bounds how long stopping waits for the worker.
	StopTimeout string `yaml:"stop_timeout,omitempty"`
	// StopPolicy is "discard" (default) or "flush".
	StopPolicy string `yaml:"stop_policy,omitempty"`
	// AccumulateWhenOptedOut keeps counting in memory while opted out. Defaults to true.
	AccumulateWhenOptedOut *bool `yaml:"accumulate_when_opted_out,omitempty"`
	// Storage is "file" (default), "sqlite" or "memory".
	Storage string `yaml:"storage,omitempty"`
	// DataDir overrides where histograms are persisted.
	DataDir string `yaml:"data_dir,omitempty"`
}

// Path returns the path to the config file
func Path() string {
	return filepath.Join(paths.GetConfigDir(), "config.yaml")
}

// Load loads the configuration from the default path.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads and validates the config file at path, returning an empty
// config if the file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	config := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return config, nil
}

// Save saves the configuration to the default path
func (c *Config) Save() error {
	return c.SaveTo(Path())
}

func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	c.Version = CurrentVersion

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomic.WriteFile(path, bytes.NewReader(data))
}

// Validate checks durations and enum values.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"interval":     c.Interval,
		"send_timeout": c.SendTimeout,
		"stop_timeout": c.StopTimeout,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}

	switch c.StopPolicy {
	case "", "discard", "flush":
	default:
		return fmt.Errorf("stop_policy must be \"discard\" or \"flush\", got %q", c.StopPolicy)
	}

	switch c.Storage {
	case "", "file", "sqlite", "memory":
	default:
		return fmt.Errorf("storage must be \"file\", \"sqlite\" or \"memory\", got %q", c.Storage)
	}

	return nil
}

// TelemetryEnabled reports the effective opt-in state: the file's flag,
// overridden by EnabledEnv. Test binaries are always opted out so they
// never reach a real server.
func (c *Config) TelemetryEnabled() bool {
	if flag.Lookup("test.v") != nil {
		return false
	}
	return c.enabledIgnoringTests()
}

func (c *Config) enabledIgnoringTests() bool {
	if env := os.Getenv(EnabledEnv); env != "" {
		return !strings.EqualFold(env, "false")
	}
	return c.Enabled == nil || *c.Enabled
}

// SetEnabled records the opt-in flag.
func (c *Config) SetEnabled(enabled bool) {
	c.Enabled = &enabled
}

// AccumulateWhileOptedOut returns the accumulation flag, defaulting to true.
func (c *Config) AccumulateWhileOptedOut() bool {
	return c.AccumulateWhenOptedOut == nil || *c.AccumulateWhenOptedOut
}

// Durations returns interval, send timeout and stop timeout. Unset values
// are returned as zero so callers fall back to their defaults.
func (c *Config) Durations() (interval, sendTimeout, stopTimeout time.Duration) {
	parse := func(v string) time.Duration {
		d, _ := time.ParseDuration(v)
		return d
	}
	return parse(c.Interval), parse(c.SendTimeout), parse(c.StopTimeout)
}

// StorageDir returns DataDir, or the default data directory.
func (c *Config) StorageDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return paths.GetDataDir()
}
