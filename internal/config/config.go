// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

// Package config loads server configuration from defaults, an optional YAML
// file, and command-line flags, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the fully resolved server configuration.
type Config struct {
	// ListenAddr is the WebSocket listen address.
	ListenAddr string `koanf:"listen_addr"`

	// ObservabilityAddr serves /metrics and the health endpoints.
	ObservabilityAddr string `koanf:"observability_addr"`

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string `koanf:"database_url"`

	// JWTSecret signs and verifies client tokens.
	JWTSecret string `koanf:"jwt_secret"`

	// RateLimit caps messages per user per RateWindow.
	RateLimit int `koanf:"rate_limit"`

	// RateWindow is the sliding window the limit applies over.
	RateWindow time.Duration `koanf:"rate_window"`

	// UserCacheTTL bounds staleness of cached user display data.
	UserCacheTTL time.Duration `koanf:"user_cache_ttl"`

	// MaxContentLen bounds message content, in runes.
	MaxContentLen int `koanf:"max_content_len"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat is json or text.
	LogFormat string `koanf:"log_format"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		ObservabilityAddr: ":9090",
		RateLimit:         10,
		RateWindow:        time.Minute,
		UserCacheTTL:      time.Minute,
		MaxContentLen:     2000,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load resolves the configuration. path may be empty, in which case only
// defaults, the CANDOR_CONFIG environment variable, and flags apply. flags
// may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv("CANDOR_CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").
				With("path", path).
				Wrapf(err, "loading config file")
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").
				Wrapf(err, "loading flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").
			Wrapf(err, "unmarshaling config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot start a server.
func (c Config) Validate() error {
	var problems []string
	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr is empty")
	}
	if c.DatabaseURL == "" {
		problems = append(problems, "database_url is empty")
	}
	if c.JWTSecret == "" {
		problems = append(problems, "jwt_secret is empty")
	}
	if c.RateLimit <= 0 {
		problems = append(problems, fmt.Sprintf("rate_limit must be positive, got %d", c.RateLimit))
	}
	if c.RateWindow <= 0 {
		problems = append(problems, "rate_window must be positive")
	}
	if c.MaxContentLen <= 0 {
		problems = append(problems, fmt.Sprintf("max_content_len must be positive, got %d", c.MaxContentLen))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_format %q", c.LogFormat))
	}

	if len(problems) > 0 {
		return oops.Code("CONFIG_INVALID").
			With("problems", problems).
			Errorf("invalid configuration: %d problem(s)", len(problems))
	}
	return nil
}
