// Package config loads the optional rowsync.yaml file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up when --config is not given.
const DefaultFile = "rowsync.yaml"

// Config holds settings shared by the CLI commands.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Capture CaptureConfig `yaml:"capture"`
	Apply   ApplyConfig   `yaml:"apply"`
	Archive ArchiveConfig `yaml:"archive"`
	Watch   WatchConfig   `yaml:"watch"`
}

// CaptureConfig configures change capture.
type CaptureConfig struct {
	// ExcludeTables are glob patterns of tables never tracked.
	ExcludeTables []string `yaml:"exclude_tables,omitempty"`
	// CollectSize enables changeset size accounting.
	CollectSize bool `yaml:"collect_size"`
}

// ApplyConfig configures the apply engine.
type ApplyConfig struct {
	// OnConflict is the default disposition: omit, replace or abort.
	OnConflict string `yaml:"on_conflict"`
	// ExcludeTables are glob patterns of tables whose changes are skipped.
	ExcludeTables []string `yaml:"exclude_tables,omitempty"`
}

// ArchiveConfig configures the changeset archive.
type ArchiveConfig struct {
	Dir              string `yaml:"dir"`
	CacheSize        int    `yaml:"cache_size"`
	CompressionLevel int    `yaml:"compression_level"`
}

// WatchConfig configures the inbox watcher.
type WatchConfig struct {
	Dir string `yaml:"dir"`
}

// ValidConflictPolicies lists the accepted apply.on_conflict values.
var ValidConflictPolicies = []string{"omit", "replace", "abort"}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Apply: ApplyConfig{
			OnConflict: "abort",
		},
		Archive: ArchiveConfig{
			Dir:              ".rowsync/archive",
			CacheSize:        128,
			CompressionLevel: 2,
		},
		Watch: WatchConfig{
			Dir: ".rowsync/inbox",
		},
	}
}

// Load reads path over the defaults. A missing file is an error; use
// LoadOptional for the implicit default file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// LoadOptional behaves like Load but returns the defaults when path does
// not exist.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values, naming the offending key on failure.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level: invalid value %q", c.LogLevel)
	}
	if !isValidPolicy(c.Apply.OnConflict) {
		return fmt.Errorf("config: apply.on_conflict: invalid value %q: must be one of %v",
			c.Apply.OnConflict, ValidConflictPolicies)
	}
	if c.Archive.CacheSize < 0 {
		return fmt.Errorf("config: archive.cache_size: must not be negative")
	}
	if c.Archive.CompressionLevel < 1 || c.Archive.CompressionLevel > 4 {
		return fmt.Errorf("config: archive.compression_level: must be between 1 and 4")
	}
	return nil
}

func isValidPolicy(p string) bool {
	for _, v := range ValidConflictPolicies {
		if v == p {
			return true
		}
	}
	return false
}
