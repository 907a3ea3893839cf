// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader wraps koanf for layered configuration management.
//
// Sources are merged with the following precedence (highest to lowest):
//  1. Environment variables (SIGNAGE_*)
//  2. Configuration file (JSON or YAML, chosen by extension)
//  3. Built-in defaults
type Loader struct {
	k         *koanf.Koanf
	mu        sync.RWMutex
	filePath  string
	envPrefix string
}

// Option configures a Loader.
type Option func(*Loader) error

// WithFile sets the configuration file path. A missing file is not an error;
// defaults plus environment apply.
func WithFile(path string) Option {
	return func(l *Loader) error {
		l.filePath = path
		return nil
	}
}

// WithEnvPrefix sets the environment variable prefix (default: "SIGNAGE").
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) error {
		l.envPrefix = prefix
		return nil
	}
}

// NewLoader creates a configuration loader and performs the initial load.
func NewLoader(opts ...Option) (*Loader, error) {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: "SIGNAGE",
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if err := l.reload(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Loader) reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := koanf.New(".")

	if l.filePath != "" {
		if _, err := os.Stat(l.filePath); err == nil {
			parser := pickParser(l.filePath)
			fileK := koanf.New(".")
			if err := fileK.Load(file.Provider(l.filePath), parser); err != nil {
				return fmt.Errorf("load config file %s: %w", l.filePath, err)
			}
			// Lowercase every key so a camelCase file key and an
			// underscore-derived env key land on the same path; Unmarshal
			// matches struct tags case-insensitively either way.
			for key, value := range fileK.All() {
				if err := k.Set(strings.ToLower(key), value); err != nil {
					return fmt.Errorf("normalize config key %s: %w", key, err)
				}
			}
		}
	}

	// Environment overrides. Config keys are camelCase, so the transform
	// recognises the known section prefixes and splits exactly once:
	// SIGNAGE_CACHE_MAXBYTES -> cache.maxbytes. Unmarshal matches keys
	// case-insensitively, so the lowercased field name still binds.
	prefix := l.envPrefix + "_"
	sections := []string{"mtls_", "cache_", "intervals_", "log_", "power_", "security_"}
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: prefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, prefix))
			for _, sec := range sections {
				if strings.HasPrefix(key, sec) {
					return strings.TrimSuffix(sec, "_") + "." + strings.TrimPrefix(key, sec), value
				}
			}
			return key, value
		},
	}), nil)
	if err != nil {
		return fmt.Errorf("load environment overrides: %w", err)
	}

	l.k = k
	return nil
}

// pickParser selects the koanf parser by file extension. JSON is the
// documented on-disk format; YAML is accepted for hand-written configs.
func pickParser(path string) koanf.Parser {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return kyaml.Parser()
	}
	return kjson.Parser()
}

// Load unmarshals the merged configuration over the built-in defaults and
// validates it.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	l.mu.RLock()
	k := l.k
	l.mu.RUnlock()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.DeriveWSURL()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Reload re-reads all sources.
func (l *Loader) Reload() error {
	return l.reload()
}

// FilePath returns the configured file path (may be empty).
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}
