// Package config loads the host/peer TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"mediapair/internal/catalog"
	"mediapair/internal/pin"
)

// DefaultPort is the well-known listening port of the host side.
const DefaultPort = 53317

// Config is the on-disk configuration. Every field has a working
// default; an absent file yields a fully defaulted config.
type Config struct {
	DeviceName        string `toml:"device_name"`
	Port              int    `toml:"port"`
	LibraryDir        string `toml:"library_dir"`
	PinTimeoutSeconds int    `toml:"pin_timeout_seconds"`
	CacheMaxEntries   int    `toml:"cache_max_entries"`
	CacheMaxBytes     int    `toml:"cache_max_bytes"`
}

// Default returns the baseline configuration.
func Default() Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "mediapair-host"
	}
	return Config{
		DeviceName:        name,
		Port:              DefaultPort,
		LibraryDir:        ".",
		PinTimeoutSeconds: int(pin.DefaultTimeout / time.Second),
		CacheMaxEntries:   catalog.DefaultMaxEntries,
		CacheMaxBytes:     catalog.DefaultMaxBytes,
	}
}

// Load reads path, applies defaults for absent fields and validates.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PinTimeoutSeconds <= 0 {
		return fmt.Errorf("pin_timeout_seconds must be positive, got %d", c.PinTimeoutSeconds)
	}
	if c.CacheMaxEntries < 0 || c.CacheMaxBytes < 0 {
		return fmt.Errorf("cache limits must not be negative")
	}
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	return nil
}

// PinTimeout returns the PIN countdown as a duration.
func (c Config) PinTimeout() time.Duration {
	return time.Duration(c.PinTimeoutSeconds) * time.Second
}
