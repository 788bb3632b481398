package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "port: 9000\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.Refresh.IntervalSeconds != 60 {
		t.Errorf("Refresh.IntervalSeconds = %d, want default 60", cfg.Refresh.IntervalSeconds)
	}
	if cfg.Refresh.BufferSeconds != 300 {
		t.Errorf("Refresh.BufferSeconds = %d, want default 300", cfg.Refresh.BufferSeconds)
	}
	if cfg.LWA.DefaultRegion != "na" {
		t.Errorf("LWA.DefaultRegion = %q, want na", cfg.LWA.DefaultRegion)
	}
	if cfg.LWA.DefaultScope != "smart_home" {
		t.Errorf("LWA.DefaultScope = %q, want smart_home", cfg.LWA.DefaultScope)
	}
}

func TestLoadConfig_FullFile(t *testing.T) {
	path := writeConfig(t, `
port: 8080
auth-dir: /tmp/hub
api-keys:
  - k1
  - k2
log-level: debug
refresh:
  interval-seconds: 30
  buffer-seconds: 120
  max-attempts: 3
devices:
  poll-interval-minutes: 2
  discovery-interval-minutes: 10
lwa:
  default-region: eu
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.APIKeys) != 2 {
		t.Errorf("APIKeys = %v, want two keys", cfg.APIKeys)
	}
	if got := cfg.RefreshInterval(); got != 30*time.Second {
		t.Errorf("RefreshInterval() = %v, want 30s", got)
	}
	if got := cfg.RefreshBuffer(); got != 120*time.Second {
		t.Errorf("RefreshBuffer() = %v, want 120s", got)
	}
	if got := cfg.DevicePollInterval(); got != 2*time.Minute {
		t.Errorf("DevicePollInterval() = %v, want 2m", got)
	}
	if cfg.LWA.DefaultRegion != "eu" {
		t.Errorf("DefaultRegion = %q, want eu", cfg.LWA.DefaultRegion)
	}
}

func TestLoadConfigOptional_Missing(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	if cfg.Port != 9276 {
		t.Errorf("missing file should yield defaults, got port %d", cfg.Port)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErr  bool
		wantWarn bool
	}{
		{
			name:     "defaults warn about open api",
			mutate:   func(c *Config) {},
			wantWarn: true,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Port = -1 },
			wantErr: true,
		},
		{
			name:    "invalid region",
			mutate:  func(c *Config) { c.LWA.DefaultRegion = "mars" },
			wantErr: true,
		},
		{
			name: "aggressive refresh warns",
			mutate: func(c *Config) {
				c.APIKeys = []string{"k"}
				c.Refresh.IntervalSeconds = 5
			},
			wantWarn: true,
		},
		{
			name: "clean config",
			mutate: func(c *Config) {
				c.APIKeys = []string{"k"}
			},
			wantWarn: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			warnings, err := ValidateConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateConfig err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (len(warnings) > 0) != tt.wantWarn {
				t.Errorf("warnings = %v, wantWarn %v", warnings, tt.wantWarn)
			}
		})
	}
}

func TestNilSafeGetters(t *testing.T) {
	var cfg *Config
	if got := cfg.RefreshInterval(); got != 60*time.Second {
		t.Errorf("nil RefreshInterval() = %v, want 60s", got)
	}
	if got := cfg.RefreshBuffer(); got != 300*time.Second {
		t.Errorf("nil RefreshBuffer() = %v, want 300s", got)
	}
	if got := cfg.RefreshMaxAttempts(); got != 5 {
		t.Errorf("nil RefreshMaxAttempts() = %d, want 5", got)
	}
	if got := cfg.DeviceDiscoveryInterval(); got != 15*time.Minute {
		t.Errorf("nil DeviceDiscoveryInterval() = %v, want 15m", got)
	}
}
