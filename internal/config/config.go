// Package config provides configuration management for the AlexaHub server.
// It handles loading and parsing the YAML configuration file and provides
// structured access to application settings including the management port,
// auth directory, refresh cadence and device polling intervals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the management API listen port.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the directory holding token records and the entries registry.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// APIKeys is a list of keys for authenticating clients to the management API.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// RequestLog enables access logging for management API requests.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// LoggingToFile routes log output to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogLevel overrides the log level (trace|debug|info|warn|error).
	LogLevel string `yaml:"log-level" json:"log-level"`

	// Debug enables verbose debug output.
	Debug bool `yaml:"debug" json:"debug"`

	// Refresh tunes the background token refresh loop.
	Refresh RefreshConfig `yaml:"refresh" json:"refresh"`

	// Devices tunes the device coordinator polling cadence.
	Devices DevicesConfig `yaml:"devices" json:"devices"`

	// LWA carries Login-with-Amazon defaults applied to new link flows.
	LWA LWAConfig `yaml:"lwa" json:"lwa"`

	// ScenesFile points at the TOML scene definitions. Relative paths resolve
	// against the config file's directory.
	ScenesFile string `yaml:"scenes-file" json:"scenes-file"`
}

// RefreshConfig holds background refresh loop configuration.
type RefreshConfig struct {
	// IntervalSeconds is the sweep cadence. Default 60.
	IntervalSeconds int `yaml:"interval-seconds" json:"interval-seconds"`
	// BufferSeconds refreshes tokens this close to expiry. Default 300.
	BufferSeconds int `yaml:"buffer-seconds" json:"buffer-seconds"`
	// MaxAttempts bounds retry attempts per refresh. Default 5.
	MaxAttempts int `yaml:"max-attempts" json:"max-attempts"`
}

// DevicesConfig holds device coordinator configuration.
type DevicesConfig struct {
	// PollIntervalMinutes is the state sweep cadence. Default 5.
	PollIntervalMinutes int `yaml:"poll-interval-minutes" json:"poll-interval-minutes"`
	// DiscoveryIntervalMinutes is the full discovery cadence. Default 15.
	DiscoveryIntervalMinutes int `yaml:"discovery-interval-minutes" json:"discovery-interval-minutes"`
}

// LWAConfig holds Login-with-Amazon defaults.
type LWAConfig struct {
	// DefaultRegion selects the regional endpoint set (na|eu|fe). Default na.
	DefaultRegion string `yaml:"default-region" json:"default-region"`
	// DefaultScope is requested when a link flow does not name one.
	DefaultScope string `yaml:"default-scope" json:"default-scope"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Port:    9276,
		AuthDir: filepath.Join(home, ".alexahub"),
		Refresh: RefreshConfig{
			IntervalSeconds: 60,
			BufferSeconds:   300,
			MaxAttempts:     5,
		},
		Devices: DevicesConfig{
			PollIntervalMinutes:      5,
			DiscoveryIntervalMinutes: 15,
		},
		LWA: LWAConfig{
			DefaultRegion: "na",
			DefaultScope:  "smart_home",
		},
	}
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if cfg.ScenesFile != "" && !filepath.IsAbs(cfg.ScenesFile) {
		cfg.ScenesFile = filepath.Join(filepath.Dir(path), cfg.ScenesFile)
	}
	return cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but a missing file yields the
// default configuration instead of an error.
func LoadConfigOptional(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Port == 0 {
		c.Port = def.Port
	}
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = def.AuthDir
	}
	if c.Refresh.IntervalSeconds <= 0 {
		c.Refresh.IntervalSeconds = def.Refresh.IntervalSeconds
	}
	if c.Refresh.BufferSeconds <= 0 {
		c.Refresh.BufferSeconds = def.Refresh.BufferSeconds
	}
	if c.Refresh.MaxAttempts <= 0 {
		c.Refresh.MaxAttempts = def.Refresh.MaxAttempts
	}
	if c.Devices.PollIntervalMinutes <= 0 {
		c.Devices.PollIntervalMinutes = def.Devices.PollIntervalMinutes
	}
	if c.Devices.DiscoveryIntervalMinutes <= 0 {
		c.Devices.DiscoveryIntervalMinutes = def.Devices.DiscoveryIntervalMinutes
	}
	if strings.TrimSpace(c.LWA.DefaultRegion) == "" {
		c.LWA.DefaultRegion = def.LWA.DefaultRegion
	}
	if strings.TrimSpace(c.LWA.DefaultScope) == "" {
		c.LWA.DefaultScope = def.LWA.DefaultScope
	}
}

// ValidRegions enumerates the supported LWA endpoint regions.
var ValidRegions = []string{"na", "eu", "fe"}

// IsValidRegion reports whether region names a supported endpoint set.
func IsValidRegion(region string) bool {
	for _, r := range ValidRegions {
		if region == r {
			return true
		}
	}
	return false
}

// ValidateConfig checks cfg for hard errors and returns advisory warnings.
func ValidateConfig(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if !IsValidRegion(cfg.LWA.DefaultRegion) {
		return nil, fmt.Errorf("invalid lwa default-region %q (na, eu and fe are supported)", cfg.LWA.DefaultRegion)
	}
	var warnings []string
	if len(cfg.APIKeys) == 0 {
		warnings = append(warnings, "no api-keys configured; the management API is open to anyone who can reach it")
	}
	if cfg.Refresh.IntervalSeconds < 10 {
		warnings = append(warnings, "refresh interval-seconds below 10s will hammer Amazon's token endpoint")
	}
	if cfg.Devices.PollIntervalMinutes < 1 {
		warnings = append(warnings, "devices poll-interval-minutes below one minute is likely to be rate limited")
	}
	return warnings, nil
}

// RefreshInterval returns the sweep cadence as a duration. Nil-safe.
func (c *Config) RefreshInterval() time.Duration {
	if c == nil || c.Refresh.IntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Refresh.IntervalSeconds) * time.Second
}

// RefreshBuffer returns the expiry buffer as a duration. Nil-safe.
func (c *Config) RefreshBuffer() time.Duration {
	if c == nil || c.Refresh.BufferSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Refresh.BufferSeconds) * time.Second
}

// RefreshMaxAttempts returns the per-refresh retry budget. Nil-safe.
func (c *Config) RefreshMaxAttempts() int {
	if c == nil || c.Refresh.MaxAttempts <= 0 {
		return 5
	}
	return c.Refresh.MaxAttempts
}

// DevicePollInterval returns the state sweep cadence. Nil-safe.
func (c *Config) DevicePollInterval() time.Duration {
	if c == nil || c.Devices.PollIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Devices.PollIntervalMinutes) * time.Minute
}

// DeviceDiscoveryInterval returns the discovery cadence. Nil-safe.
func (c *Config) DeviceDiscoveryInterval() time.Duration {
	if c == nil || c.Devices.DiscoveryIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Devices.DiscoveryIntervalMinutes) * time.Minute
}
