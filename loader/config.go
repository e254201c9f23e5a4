package loader

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/webboot/horosafe"
)

// Concurrency modes.
const (
	ModeNormal = "normal" // two fetch channels
	ModeLow    = "low"    // one channel, scripts and styles loaded as tags
	ModeDebug  = "debug"  // more channels, verbose logging
)

// Config holds all loader configuration.
type Config struct {
	PrimaryOrigin string `yaml:"primary_origin"` // geo-routed static host, may be empty
	DefaultOrigin string `yaml:"default_origin"` // fallback static host, required
	APIURL        string `yaml:"api_url"`
	ManifestFile  string `yaml:"manifest_file"`

	Language string `yaml:"language"`
	Route    string `yaml:"route"`
	Mobile   bool   `yaml:"mobile"`
	Embed    bool   `yaml:"embed"`
	Drop     bool   `yaml:"drop"`
	// External lists third-party script URLs injected as tags; boot waits
	// for them.
	External []string `yaml:"external"`

	Mode        string `yaml:"mode"`
	Channels    int    `yaml:"channels"` // overrides the mode default
	NoIntegrity bool   `yaml:"no_integrity"`
	HashWorkers int    `yaml:"hash_workers"` // 0 hashes on the fetch goroutine

	MaxPrimaryRetries int           `yaml:"max_primary_retries"`
	MaxDefaultRetries int           `yaml:"max_default_retries"`
	PrimaryDelay      time.Duration `yaml:"primary_delay"`
	BackoffUnit       time.Duration `yaml:"backoff_unit"`
	PrimaryTimeout    time.Duration `yaml:"primary_timeout"`
	MaxAssetBytes     int64         `yaml:"max_asset_bytes"`

	CachePath   string        `yaml:"cache_path"`
	CacheMaxAge time.Duration `yaml:"cache_max_age"`

	SessionID    string        `yaml:"session_id"`
	APITimeout   time.Duration `yaml:"api_timeout"`
	MaxReloads   int           `yaml:"max_reloads"`
	AllowPrivate bool          `yaml:"allow_private"` // accept loopback origins (development)
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = ModeNormal
	}
	if c.Channels <= 0 {
		switch c.Mode {
		case ModeLow:
			c.Channels = 1
		case ModeDebug:
			c.Channels = 4
		default:
			c.Channels = 2
		}
	}
	if c.Mode == ModeLow {
		c.Channels = 1
	}
	if c.MaxPrimaryRetries <= 0 {
		c.MaxPrimaryRetries = 2
	}
	if c.MaxDefaultRetries <= 0 {
		c.MaxDefaultRetries = 3
	}
	if c.PrimaryDelay <= 0 {
		c.PrimaryDelay = 300 * time.Millisecond
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = 100 * time.Millisecond
	}
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = 15 * time.Second
	}
	if c.MaxAssetBytes <= 0 {
		c.MaxAssetBytes = horosafe.MaxAssetBytes
	}
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = 30 * 24 * time.Hour
	}
	if c.APITimeout <= 0 {
		c.APITimeout = 20 * time.Second
	}
	if c.MaxReloads <= 0 {
		c.MaxReloads = 2
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeNormal, ModeLow, ModeDebug:
	default:
		return fmt.Errorf("loader: unknown mode %q", c.Mode)
	}
	if c.DefaultOrigin == "" {
		return fmt.Errorf("loader: default_origin is required")
	}
	if err := horosafe.ValidateOrigin(c.DefaultOrigin, c.AllowPrivate); err != nil {
		return fmt.Errorf("loader: default_origin: %w", err)
	}
	if c.PrimaryOrigin != "" {
		if err := horosafe.ValidateOrigin(c.PrimaryOrigin, c.AllowPrivate); err != nil {
			return fmt.Errorf("loader: primary_origin: %w", err)
		}
	}
	for _, u := range c.External {
		if err := horosafe.ValidateOrigin(originOf(u), c.AllowPrivate); err != nil {
			return fmt.Errorf("loader: external %s: %w", u, err)
		}
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("loader: parse config: %w", err)
	}
	return cfg, nil
}
