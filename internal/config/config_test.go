// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hexmon/signage-player-go/internal/playererr"
)

func validConfig() *Config {
	cfg := Default()
	cfg.APIBase = "https://cms.example.com"
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing apiBase", func(c *Config) { c.APIBase = "" }, "apiBase"},
		{"bad apiBase scheme", func(c *Config) { c.APIBase = "ftp://cms" }, "apiBase"},
		{"cache too small", func(c *Config) { c.Cache.MaxBytes = MinCacheBytes - 1 }, "cache.maxBytes"},
		{"prefetch zero", func(c *Config) { c.Cache.PrefetchConcurrency = 0 }, "cache.prefetchConcurrency"},
		{"prefetch too high", func(c *Config) { c.Cache.PrefetchConcurrency = 11 }, "cache.prefetchConcurrency"},
		{"heartbeat below floor", func(c *Config) { c.Intervals.HeartbeatMs = 9999 }, "intervals.heartbeatMs"},
		{"command poll below floor", func(c *Config) { c.Intervals.CommandPollMs = 4000 }, "intervals.commandPollMs"},
		{"schedule poll below floor", func(c *Config) { c.Intervals.SchedulePollMs = 5000 }, "intervals.schedulePollMs"},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad onTime", func(c *Config) {
			c.Power.ScheduleEnabled = true
			c.Power.OnTime = "25:00"
			c.Power.OffTime = "18:00"
		}, "power.onTime"},
		{"onTime equals offTime", func(c *Config) {
			c.Power.ScheduleEnabled = true
			c.Power.OnTime = "08:00"
			c.Power.OffTime = "08:00"
		}, "power.offTime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			var ce *playererr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error type = %T, want *playererr.ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		apiBase string
		wsURL   string
		want    string
	}{
		{"https://cms.example.com", "", "wss://cms.example.com/ws"},
		{"http://cms.example.com/", "", "ws://cms.example.com/ws"},
		{"https://cms.example.com", "wss://other/ws", "wss://other/ws"},
	}

	for _, tt := range tests {
		cfg := &Config{APIBase: tt.apiBase, WSURL: tt.wsURL}
		cfg.DeriveWSURL()
		if cfg.WSURL != tt.want {
			t.Errorf("DeriveWSURL(%q) = %q, want %q", tt.apiBase, cfg.WSURL, tt.want)
		}
	}
}

func TestSaveRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := validConfig()
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file mode = %o, want 0600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var round Config
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("saved config is not valid JSON: %v", err)
	}
	if round.APIBase != cfg.APIBase {
		t.Errorf("round-tripped apiBase = %q, want %q", round.APIBase, cfg.APIBase)
	}
}

func TestLoaderFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	fileCfg := validConfig()
	fileCfg.Cache.MaxBytes = 500 * 1024 * 1024
	if err := fileCfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	t.Setenv("SIGNAGE_CACHE_PREFETCHCONCURRENCY", "5")
	t.Setenv("SIGNAGE_DEVICEID", "dev-42")

	loader, err := NewLoader(WithFile(path))
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cache.MaxBytes != 500*1024*1024 {
		t.Errorf("Cache.MaxBytes = %d, want file value", cfg.Cache.MaxBytes)
	}
	if cfg.Cache.PrefetchConcurrency != 5 {
		t.Errorf("Cache.PrefetchConcurrency = %d, want env override 5", cfg.Cache.PrefetchConcurrency)
	}
	if cfg.DeviceID != "dev-42" {
		t.Errorf("DeviceID = %q, want env override dev-42", cfg.DeviceID)
	}
	if cfg.WSURL == "" {
		t.Error("WSURL not derived from apiBase")
	}
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SIGNAGE_APIBASE", "https://cms.example.com")

	loader, err := NewLoader(WithFile(filepath.Join(t.TempDir(), "missing.json")))
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Intervals.CommandPollMs != 30000 {
		t.Errorf("CommandPollMs = %d, want default 30000", cfg.Intervals.CommandPollMs)
	}
}

func TestBackupAndRotate(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	backupDir := BackupDir(configPath)

	cfg := validConfig()
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := BackupBeforeSave(cfg, configPath, backupDir); err != nil {
		t.Fatalf("BackupBeforeSave() error = %v", err)
	}

	backups, err := ListBackups(backupDir, "config.json")
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("len(backups) = %d, want 1", len(backups))
	}

	deleted, err := Rotate(backupDir, "config.json", 0)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Rotate deleted %d, want 1", deleted)
	}
}
