// Package config loads and validates the callscope TOML configuration.
// Missing files fall back to defaults; unknown keys produce warnings
// rather than errors so old binaries tolerate new config files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Monitoring MonitoringConfig
	Export     ExportConfig
	Stream     StreamConfig
	Display    DisplayConfig
}

type MonitoringConfig struct {
	Enabled        bool `toml:"enabled"`
	FlowAnalysis   bool `toml:"flow_analysis"`
	FlowBufferSize int  `toml:"flow_buffer_size"`
	RecentSamples  int  `toml:"recent_samples"`
	RecentAPICalls int  `toml:"recent_api_calls"`
}

type ExportConfig struct {
	Enabled         bool   `toml:"enabled"`
	Endpoint        string `toml:"endpoint"`
	ServiceName     string `toml:"service_name"`
	IntervalSeconds int    `toml:"interval_seconds"`
}

type StreamConfig struct {
	Enabled    bool   `toml:"enabled"`
	Bind       string `toml:"bind"`
	Port       int    `toml:"port"`
	MaxClients int    `toml:"max_clients"`
}

type DisplayConfig struct {
	RefreshRateMS int `toml:"refresh_rate_ms"`
}

// LoadResult carries the merged config plus any warnings about keys the
// loader did not recognize.
type LoadResult struct {
	Config   Config
	Warnings []string
}

// DefaultConfig returns the built-in defaults used when no file exists.
func DefaultConfig() Config {
	return Config{
		Monitoring: MonitoringConfig{
			Enabled:        true,
			FlowAnalysis:   true,
			FlowBufferSize: 10000,
			RecentSamples:  100,
			RecentAPICalls: 50,
		},
		Export: ExportConfig{
			Enabled:         false,
			Endpoint:        "127.0.0.1:4317",
			ServiceName:     "callscope",
			IntervalSeconds: 15,
		},
		Stream: StreamConfig{
			Enabled:    false,
			Bind:       "127.0.0.1",
			Port:       9217,
			MaxClients: 100,
		},
		Display: DisplayConfig{
			RefreshRateMS: 1000,
		},
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "callscope", "config.toml")
}

// Load reads the config from the default path.
func Load() (*LoadResult, error) {
	return LoadFrom(defaultConfigPath())
}

// LoadFrom reads and merges a config file over the defaults. A missing
// file is not an error.
func LoadFrom(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &LoadResult{Config: DefaultConfig()}, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromString(string(data))
}

// LoadFromString merges TOML text over the defaults.
func LoadFromString(data string) (*LoadResult, error) {
	cfg := DefaultConfig()
	result := &LoadResult{Config: cfg}

	if data == "" {
		return result, nil
	}

	md, err := toml.Decode(data, &result.Config)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for _, key := range md.Undecoded() {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown config key: %q", key.String()))
	}

	if err := validate(&result.Config); err != nil {
		return nil, err
	}
	return result, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Monitoring.FlowBufferSize < 1 {
		errs = append(errs, fmt.Sprintf("flow_buffer_size must be positive, got %d", cfg.Monitoring.FlowBufferSize))
	}
	if cfg.Monitoring.RecentSamples < 1 {
		errs = append(errs, fmt.Sprintf("recent_samples must be positive, got %d", cfg.Monitoring.RecentSamples))
	}
	if cfg.Monitoring.RecentAPICalls < 1 {
		errs = append(errs, fmt.Sprintf("recent_api_calls must be positive, got %d", cfg.Monitoring.RecentAPICalls))
	}

	if cfg.Export.Enabled {
		if cfg.Export.Endpoint == "" {
			errs = append(errs, "export endpoint must not be empty")
		}
		if cfg.Export.ServiceName == "" {
			errs = append(errs, "export service_name must not be empty")
		}
		if cfg.Export.IntervalSeconds < 1 {
			errs = append(errs, fmt.Sprintf("export interval_seconds must be positive, got %d", cfg.Export.IntervalSeconds))
		}
	}

	if cfg.Stream.Enabled {
		if cfg.Stream.Port < 1 || cfg.Stream.Port > 65535 {
			errs = append(errs, fmt.Sprintf("stream port must be 1-65535, got %d", cfg.Stream.Port))
		}
		if cfg.Stream.MaxClients < 1 {
			errs = append(errs, fmt.Sprintf("stream max_clients must be positive, got %d", cfg.Stream.MaxClients))
		}
	}

	if cfg.Display.RefreshRateMS < 1 {
		errs = append(errs, fmt.Sprintf("refresh_rate_ms must be positive, got %d", cfg.Display.RefreshRateMS))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation error: %s", strings.Join(errs, "; "))
	}
	return nil
}
