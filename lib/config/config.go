// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the signalbus
// daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - SIGNALBUS_CONFIG environment variable, or
//   - --config flag passed to the daemon
//
// Every field has a working default, so the daemon also runs with no
// config file at all. Environment variables never override config
// values; the only expansion performed is ${VAR} substitution in path
// fields for portability.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalbus-io/signalbus/lib/history"
	"github.com/signalbus-io/signalbus/lib/signal"
)

// Config is the daemon configuration.
type Config struct {
	// SocketPath is the Unix socket the daemon listens on. The
	// bootstrap token file lives next to it unless
	// bootstrap.token_file says otherwise.
	SocketPath string `yaml:"socket_path"`

	// SeedFile is an optional JSONC file of pre-created tokens and
	// rate-limit rules, loaded once at startup. Empty disables
	// seeding.
	SeedFile string `yaml:"seed_file"`

	// Broker configures the routing engine's resource bounds.
	Broker BrokerConfig `yaml:"broker"`

	// History configures signal retention.
	History HistoryConfig `yaml:"history"`

	// Log configures daemon logging.
	Log LogConfig `yaml:"log"`

	// Bootstrap configures the startup admin token.
	Bootstrap BootstrapConfig `yaml:"bootstrap"`

	// OSSignals maps process signals to emissions performed by the
	// daemon itself.
	OSSignals OSSignalsConfig `yaml:"os_signals"`
}

// BrokerConfig configures the routing engine's resource bounds.
type BrokerConfig struct {
	// MaxPayloadBytes caps an emitted JSON payload.
	// Default: 65536
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// BufferCapacity is each subscription's queue capacity per
	// priority class. Overflow drops that subscription's oldest
	// buffered signal of the same class.
	// Default: 64
	BufferCapacity int `yaml:"buffer_capacity"`

	// MaxSubscriptions caps concurrently active subscriptions.
	// Default: 1024
	MaxSubscriptions int `yaml:"max_subscriptions"`

	// SweepInterval is how often the daemon prunes expired tokens,
	// stale rate-limit windows, and expired history entries. A Go
	// duration string.
	// Default: 60s
	SweepInterval string `yaml:"sweep_interval"`
}

// HistoryConfig configures signal retention.
type HistoryConfig struct {
	// Capacity bounds retained signals. At capacity the store evicts
	// expired entries first, then the oldest TTL-bearing entry, then
	// the oldest entry overall.
	// Default: 1000
	Capacity int `yaml:"capacity"`

	// QueryLimit is the result cap applied when a history query does
	// not request an explicit limit.
	// Default: 100
	QueryLimit int `yaml:"query_limit"`

	// Compression selects the payload-at-rest compression algorithm:
	// "zstd", "lz4", or "none".
	// Default: zstd
	Compression string `yaml:"compression"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the minimum level emitted: debug, info, warn, or
	// error.
	// Default: info
	Level string `yaml:"level"`
}

// SlogLevel parses the configured level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.Level)
	}
	return level, nil
}

// BootstrapConfig configures the startup admin token.
type BootstrapConfig struct {
	// Identity is the identity the bootstrap token acts as. It is
	// also the sender of OS-signal emissions.
	// Default: admin
	Identity string `yaml:"identity"`

	// TokenFile is where the bootstrap secret is written (mode 0600).
	// Empty means "token" next to the socket.
	TokenFile string `yaml:"token_file"`
}

// OSSignalsConfig maps SIGUSR1 and SIGUSR2 to emissions performed by
// the daemon itself: sender is the bootstrap identity, priority is
// normal, and the emission passes through the regular pipeline
// (rate-limit admission included).
type OSSignalsConfig struct {
	SIGUSR1 *EmitSpec `yaml:"sigusr1,omitempty"`
	SIGUSR2 *EmitSpec `yaml:"sigusr2,omitempty"`
}

// EmitSpec describes one configured emission.
type EmitSpec struct {
	// Topic is the emitted topic.
	Topic string `yaml:"topic"`

	// Payload is the emitted JSON text. Empty means no payload.
	Payload string `yaml:"payload"`
}

// defaultRuntimeDir is where the socket and bootstrap token live when
// the config does not say otherwise.
func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "signalbus")
	}
	return filepath.Join(os.TempDir(), "signalbus")
}

// Default returns the default configuration. The defaults are fully
// operational: signalbusd starts with no config file at all.
func Default() *Config {
	return &Config{
		SocketPath: filepath.Join(defaultRuntimeDir(), "signalbus.sock"),
		Broker: BrokerConfig{
			MaxPayloadBytes:  64 * 1024,
			BufferCapacity:   64,
			MaxSubscriptions: 1024,
			SweepInterval:    "60s",
		},
		History: HistoryConfig{
			Capacity:    1000,
			QueryLimit:  100,
			Compression: "zstd",
		},
		Log: LogConfig{
			Level: "info",
		},
		Bootstrap: BootstrapConfig{
			Identity: "admin",
		},
	}
}

// Load loads configuration from the SIGNALBUS_CONFIG environment
// variable. When the variable is unset the defaults are returned
// unchanged.
func Load() (*Config, error) {
	configPath := os.Getenv("SIGNALBUS_CONFIG")
	if configPath == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging the
// file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	c.SocketPath = expandVars(c.SocketPath)
	c.SeedFile = expandVars(c.SeedFile)
	c.Bootstrap.TokenFile = expandVars(c.Bootstrap.TokenFile)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// TokenFilePath returns where the bootstrap secret is written: the
// configured path, or "token" next to the socket.
func (c *Config) TokenFilePath() string {
	if c.Bootstrap.TokenFile != "" {
		return c.Bootstrap.TokenFile
	}
	return filepath.Join(filepath.Dir(c.SocketPath), "token")
}

// SweepInterval returns the parsed sweep interval. Call Validate
// first; this panics on an unparseable value.
func (c *Config) SweepInterval() time.Duration {
	interval, err := time.ParseDuration(c.Broker.SweepInterval)
	if err != nil {
		panic(fmt.Sprintf("config: sweep interval %q not validated: %v", c.Broker.SweepInterval, err))
	}
	return interval
}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.SocketPath == "" {
		errs = append(errs, fmt.Errorf("socket_path is required"))
	}

	if c.Broker.MaxPayloadBytes <= 0 {
		errs = append(errs, fmt.Errorf("broker.max_payload_bytes must be positive"))
	}
	if c.Broker.BufferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("broker.buffer_capacity must be positive"))
	}
	if c.Broker.MaxSubscriptions <= 0 {
		errs = append(errs, fmt.Errorf("broker.max_subscriptions must be positive"))
	}
	if interval, err := time.ParseDuration(c.Broker.SweepInterval); err != nil {
		errs = append(errs, fmt.Errorf("broker.sweep_interval: %w", err))
	} else if interval <= 0 {
		errs = append(errs, fmt.Errorf("broker.sweep_interval must be positive"))
	}

	if c.History.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("history.capacity must be positive"))
	}
	if c.History.QueryLimit <= 0 {
		errs = append(errs, fmt.Errorf("history.query_limit must be positive"))
	}
	if _, err := history.ParseAlgorithm(c.History.Compression); err != nil {
		errs = append(errs, fmt.Errorf("history.compression: %w", err))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if err := signal.ValidateTopic(c.Bootstrap.Identity); err != nil {
		errs = append(errs, fmt.Errorf("bootstrap.identity: %w", err))
	}

	for _, entry := range []struct {
		name string
		spec *EmitSpec
	}{
		{"os_signals.sigusr1", c.OSSignals.SIGUSR1},
		{"os_signals.sigusr2", c.OSSignals.SIGUSR2},
	} {
		if entry.spec == nil {
			continue
		}
		if err := signal.ValidateTopic(entry.spec.Topic); err != nil {
			errs = append(errs, fmt.Errorf("%s.topic: %w", entry.name, err))
		}
		if entry.spec.Payload != "" && !json.Valid([]byte(entry.spec.Payload)) {
			errs = append(errs, fmt.Errorf("%s.payload is not valid JSON", entry.name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
