// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/signalbus-io/signalbus/lib/brokertoken"
	"github.com/signalbus-io/signalbus/lib/signal"
)

// Seed holds pre-created tokens and rate-limit rules loaded once at
// daemon startup. Authored as JSONC (JSON extended with // line
// comments, /* block comments */, and trailing commas) so seed files
// can document themselves. The daemon never writes the file back.
type Seed struct {
	Tokens []SeedToken `json:"tokens"`
	Rules  []SeedRule  `json:"rules"`
}

// SeedToken describes one pre-created token.
type SeedToken struct {
	// Identity is the identity the token acts as.
	Identity string `json:"identity"`

	// Permissions is the comma-separated permission spelling, e.g.
	// "read,write" or "r,w".
	Permissions string `json:"permissions"`

	// TTL is an optional expiry as a Go duration string. Empty means
	// the token never expires.
	TTL string `json:"ttl,omitempty"`

	// Secret optionally fixes the token's secret, for test rigs and
	// automation that need a known credential. Empty mints a random
	// secret that is discarded (useful only with Secret set).
	Secret string `json:"secret,omitempty"`
}

// SeedRule describes one initial rate-limit rule.
type SeedRule struct {
	Pattern  string `json:"pattern"`
	MaxCount int    `json:"max_count"`

	// Window is the sliding window as a Go duration string.
	Window string `json:"window"`

	// Sender restricts the rule to one emitting identity. Empty
	// applies the rule to all senders.
	Sender string `json:"sender,omitempty"`
}

// ParseSeed strips JSONC comments and trailing commas from data, then
// unmarshals and validates the result.
func ParseSeed(data []byte) (*Seed, error) {
	stripped := jsonc.ToJSON(data)

	var seed Seed
	if err := json.Unmarshal(stripped, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// LoadSeed reads a JSONC seed file from disk.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seed, nil
}

// Validate checks every seed entry, reporting all problems at once.
func (s *Seed) Validate() error {
	var errs []error

	for i, token := range s.Tokens {
		if err := signal.ValidateTopic(token.Identity); err != nil {
			errs = append(errs, fmt.Errorf("tokens[%d].identity: %w", i, err))
		}
		if _, err := brokertoken.ParsePermissions(token.Permissions); err != nil {
			errs = append(errs, fmt.Errorf("tokens[%d].permissions: %w", i, err))
		}
		if token.TTL != "" {
			if ttl, err := time.ParseDuration(token.TTL); err != nil {
				errs = append(errs, fmt.Errorf("tokens[%d].ttl: %w", i, err))
			} else if ttl <= 0 {
				errs = append(errs, fmt.Errorf("tokens[%d].ttl must be positive", i))
			}
		}
	}

	for i, rule := range s.Rules {
		if _, err := signal.Compile(rule.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d].pattern: %w", i, err))
		}
		if rule.MaxCount <= 0 {
			errs = append(errs, fmt.Errorf("rules[%d].max_count must be positive", i))
		}
		if rule.Window == "" {
			errs = append(errs, fmt.Errorf("rules[%d].window is required", i))
		} else if window, err := time.ParseDuration(rule.Window); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d].window: %w", i, err))
		} else if window <= 0 {
			errs = append(errs, fmt.Errorf("rules[%d].window must be positive", i))
		}
		if rule.Sender != "" {
			if err := signal.ValidateTopic(rule.Sender); err != nil {
				errs = append(errs, fmt.Errorf("rules[%d].sender: %w", i, err))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
