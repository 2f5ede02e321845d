// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides optional configuration for the save
// editor.
//
// Configuration is loaded from a single YAML file specified by:
//   - the SAVEFORGE_CONFIG environment variable, or
//   - an explicit path supplied by the embedding front end.
//
// There are no fallbacks or automatic discovery. Absent
// configuration means defaults; a path that is set but unreadable is
// an error, never silently ignored.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "SAVEFORGE_CONFIG"

// Config is the editor configuration.
type Config struct {
	// KeyStorePath, when set, is checked for signing keys before the
	// platform-conventional locations.
	KeyStorePath string `yaml:"keystore_path"`

	// LogLevel is one of debug, info, warn, error. Empty means info.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{LogLevel: "info"}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnvironment loads the file named by SAVEFORGE_CONFIG, or the
// defaults when the variable is unset.
func FromEnvironment() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks field values.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level converts the configured log level to a slog.Level.
func (c *Config) Level() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log_level %q (want debug, info, warn, or error)", c.LogLevel)
}
