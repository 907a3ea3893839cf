// SPDX-License-Identifier: MIT

// Package config loads and validates the persisted player configuration.
//
// Configuration lives at {configDir}/config.json (mode 0600) and may be
// overridden by SIGNAGE_* environment variables. Validation runs once at
// startup; an invalid configuration is fatal.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/hexmon/signage-player-go/internal/playererr"
)

// DefaultConfigPath is the default location of the configuration file.
const DefaultConfigPath = "/etc/signage-player/config.json"

// MinCacheBytes is the smallest permitted cache capacity (100 MiB).
const MinCacheBytes = 100 * 1024 * 1024

var timeOfDayRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Config is the complete player configuration.
type Config struct {
	// APIBase is the backend base URL. Required.
	APIBase string `json:"apiBase" yaml:"apiBase" koanf:"apiBase"`

	// WSURL is reserved for a future socket control channel. Derived from
	// APIBase when absent; the runtime never dials it.
	WSURL string `json:"wsUrl,omitempty" yaml:"wsUrl" koanf:"wsUrl"`

	// DeviceID is assigned by the backend during pairing.
	DeviceID string `json:"deviceId,omitempty" yaml:"deviceId" koanf:"deviceId"`

	MTLS      MTLSConfig      `json:"mtls" yaml:"mtls" koanf:"mtls"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" koanf:"cache"`
	Intervals IntervalsConfig `json:"intervals" yaml:"intervals" koanf:"intervals"`
	Log       LogConfig       `json:"log" yaml:"log" koanf:"log"`
	Power     PowerConfig     `json:"power" yaml:"power" koanf:"power"`
	Security  SecurityConfig  `json:"security" yaml:"security" koanf:"security"`
}

// MTLSConfig describes client certificate material and renewal policy.
type MTLSConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled" koanf:"enabled"`
	CertPath        string `json:"certPath" yaml:"certPath" koanf:"certPath"`
	KeyPath         string `json:"keyPath" yaml:"keyPath" koanf:"keyPath"`
	CAPath          string `json:"caPath" yaml:"caPath" koanf:"caPath"`
	AutoRenew       bool   `json:"autoRenew" yaml:"autoRenew" koanf:"autoRenew"`
	RenewBeforeDays int    `json:"renewBeforeDays" yaml:"renewBeforeDays" koanf:"renewBeforeDays"`
}

// CacheConfig bounds the on-disk media cache.
type CacheConfig struct {
	Path                string `json:"path" yaml:"path" koanf:"path"`
	MaxBytes            int64  `json:"maxBytes" yaml:"maxBytes" koanf:"maxBytes"`
	PrefetchConcurrency int    `json:"prefetchConcurrency" yaml:"prefetchConcurrency" koanf:"prefetchConcurrency"`
	BandwidthBudgetMbps int    `json:"bandwidthBudgetMbps" yaml:"bandwidthBudgetMbps" koanf:"bandwidthBudgetMbps"`
}

// IntervalsConfig holds the polling intervals, all in milliseconds.
type IntervalsConfig struct {
	HeartbeatMs        int `json:"heartbeatMs" yaml:"heartbeatMs" koanf:"heartbeatMs"`
	CommandPollMs      int `json:"commandPollMs" yaml:"commandPollMs" koanf:"commandPollMs"`
	SchedulePollMs     int `json:"schedulePollMs" yaml:"schedulePollMs" koanf:"schedulePollMs"`
	DefaultMediaPollMs int `json:"defaultMediaPollMs" yaml:"defaultMediaPollMs" koanf:"defaultMediaPollMs"`
	HealthCheckMs      int `json:"healthCheckMs" yaml:"healthCheckMs" koanf:"healthCheckMs"`
	ScreenshotMs       int `json:"screenshotMs" yaml:"screenshotMs" koanf:"screenshotMs"`
}

// CommandPoll returns the command poll interval as a duration.
func (i IntervalsConfig) CommandPoll() time.Duration {
	return time.Duration(i.CommandPollMs) * time.Millisecond
}

// SchedulePoll returns the snapshot poll interval as a duration.
func (i IntervalsConfig) SchedulePoll() time.Duration {
	return time.Duration(i.SchedulePollMs) * time.Millisecond
}

// DefaultMediaPoll returns the default-media poll interval as a duration.
func (i IntervalsConfig) DefaultMediaPoll() time.Duration {
	return time.Duration(i.DefaultMediaPollMs) * time.Millisecond
}

// Screenshot returns the screenshot interval as a duration.
func (i IntervalsConfig) Screenshot() time.Duration {
	return time.Duration(i.ScreenshotMs) * time.Millisecond
}

// LogConfig controls logging output and rotation.
type LogConfig struct {
	Level                 string `json:"level" yaml:"level" koanf:"level"`
	ShipPolicy            string `json:"shipPolicy" yaml:"shipPolicy" koanf:"shipPolicy"`
	RotationSizeMb        int    `json:"rotationSizeMb" yaml:"rotationSizeMb" koanf:"rotationSizeMb"`
	RotationIntervalHours int    `json:"rotationIntervalHours" yaml:"rotationIntervalHours" koanf:"rotationIntervalHours"`
	CompressionEnabled    bool   `json:"compressionEnabled" yaml:"compressionEnabled" koanf:"compressionEnabled"`
}

// PowerConfig controls display power management.
type PowerConfig struct {
	DPMSEnabled     bool   `json:"dpmsEnabled" yaml:"dpmsEnabled" koanf:"dpmsEnabled"`
	PreventBlanking bool   `json:"preventBlanking" yaml:"preventBlanking" koanf:"preventBlanking"`
	ScheduleEnabled bool   `json:"scheduleEnabled" yaml:"scheduleEnabled" koanf:"scheduleEnabled"`
	OnTime          string `json:"onTime" yaml:"onTime" koanf:"onTime"`
	OffTime         string `json:"offTime" yaml:"offTime" koanf:"offTime"`
}

// SecurityConfig holds kiosk-window hardening options. The core validates and
// persists them; enforcement belongs to the window host.
type SecurityConfig struct {
	CSP              string   `json:"csp" yaml:"csp" koanf:"csp"`
	AllowedDomains   []string `json:"allowedDomains" yaml:"allowedDomains" koanf:"allowedDomains"`
	ContextIsolation bool     `json:"contextIsolation" yaml:"contextIsolation" koanf:"contextIsolation"`
	Sandbox          bool     `json:"sandbox" yaml:"sandbox" koanf:"sandbox"`
	NodeIntegration  bool     `json:"nodeIntegration" yaml:"nodeIntegration" koanf:"nodeIntegration"`
	DisableEval      bool     `json:"disableEval" yaml:"disableEval" koanf:"disableEval"`
}

// Default returns a configuration with production defaults. APIBase is left
// empty and must be provided by the operator.
func Default() *Config {
	return &Config{
		MTLS: MTLSConfig{
			Enabled:         true,
			CertPath:        "/var/lib/signage-player/certs/client.crt",
			KeyPath:         "/var/lib/signage-player/certs/client.key",
			CAPath:          "/var/lib/signage-player/certs/ca.crt",
			AutoRenew:       true,
			RenewBeforeDays: 30,
		},
		Cache: CacheConfig{
			Path:                "/var/lib/signage-player/cache",
			MaxBytes:            2 * 1024 * 1024 * 1024,
			PrefetchConcurrency: 3,
		},
		Intervals: IntervalsConfig{
			HeartbeatMs:        60000,
			CommandPollMs:      30000,
			SchedulePollMs:     300000,
			DefaultMediaPollMs: 300000,
			HealthCheckMs:      60000,
			ScreenshotMs:       300000,
		},
		Log: LogConfig{
			Level:                 "info",
			ShipPolicy:            "none",
			RotationSizeMb:        50,
			RotationIntervalHours: 24,
		},
		Power: PowerConfig{
			PreventBlanking: true,
		},
		Security: SecurityConfig{
			ContextIsolation: true,
			Sandbox:          true,
			DisableEval:      true,
		},
	}
}

// Validate checks the configuration and returns a ConfigError describing the
// first violation found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBase) == "" {
		return &playererr.ConfigError{Field: "apiBase", Detail: "required"}
	}
	u, err := url.Parse(c.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &playererr.ConfigError{Field: "apiBase", Detail: fmt.Sprintf("not a valid http(s) URL: %q", c.APIBase)}
	}

	if c.MTLS.RenewBeforeDays < 0 {
		return &playererr.ConfigError{Field: "mtls.renewBeforeDays", Detail: "must not be negative"}
	}

	if c.Cache.MaxBytes < MinCacheBytes {
		return &playererr.ConfigError{Field: "cache.maxBytes", Detail: fmt.Sprintf("must be at least %d (100 MiB)", int64(MinCacheBytes))}
	}
	if c.Cache.PrefetchConcurrency < 1 || c.Cache.PrefetchConcurrency > 10 {
		return &playererr.ConfigError{Field: "cache.prefetchConcurrency", Detail: "must be between 1 and 10"}
	}
	if c.Cache.BandwidthBudgetMbps < 0 {
		return &playererr.ConfigError{Field: "cache.bandwidthBudgetMbps", Detail: "must not be negative"}
	}

	if err := c.Intervals.validate(); err != nil {
		return err
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &playererr.ConfigError{Field: "log.level", Detail: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}

	if c.Power.ScheduleEnabled {
		if !timeOfDayRe.MatchString(c.Power.OnTime) {
			return &playererr.ConfigError{Field: "power.onTime", Detail: fmt.Sprintf("must match HH:MM, got %q", c.Power.OnTime)}
		}
		if !timeOfDayRe.MatchString(c.Power.OffTime) {
			return &playererr.ConfigError{Field: "power.offTime", Detail: fmt.Sprintf("must match HH:MM, got %q", c.Power.OffTime)}
		}
		if c.Power.OnTime == c.Power.OffTime {
			return &playererr.ConfigError{Field: "power.offTime", Detail: "must differ from power.onTime"}
		}
	}

	return nil
}

func (i IntervalsConfig) validate() error {
	checks := []struct {
		field string
		value int
		min   int
	}{
		{"intervals.heartbeatMs", i.HeartbeatMs, 10000},
		{"intervals.commandPollMs", i.CommandPollMs, 5000},
		{"intervals.schedulePollMs", i.SchedulePollMs, 10000},
		{"intervals.defaultMediaPollMs", i.DefaultMediaPollMs, 10000},
		{"intervals.screenshotMs", i.ScreenshotMs, 10000},
	}
	for _, chk := range checks {
		if chk.value < chk.min {
			return &playererr.ConfigError{
				Field:  chk.field,
				Detail: fmt.Sprintf("must be at least %d ms, got %d", chk.min, chk.value),
			}
		}
	}
	if i.HealthCheckMs < 0 {
		return &playererr.ConfigError{Field: "intervals.healthCheckMs", Detail: "must not be negative"}
	}
	return nil
}

// DeriveWSURL fills WSURL from APIBase when absent (https becomes wss, http
// becomes ws).
func (c *Config) DeriveWSURL() {
	if c.WSURL != "" || c.APIBase == "" {
		return
	}
	ws := c.APIBase
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	c.WSURL = strings.TrimSuffix(ws, "/") + "/ws"
}

// Save writes the configuration atomically with mode 0600. The file may hold
// the device identity, so it is never world-readable.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
