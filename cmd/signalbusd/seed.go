// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/signalbus-io/signalbus/lib/brokertoken"
	"github.com/signalbus-io/signalbus/lib/config"
	"github.com/signalbus-io/signalbus/lib/ratelimit"
	"github.com/signalbus-io/signalbus/lib/signal"
)

type seedCounts struct {
	tokens int
	rules  int
}

// applySeed loads a JSONC seed file and installs its tokens and
// rate-limit rules. Any failing entry aborts startup: a partially
// applied seed would leave the daemon in a state its operator never
// wrote down.
func applySeed(path string, tokens *brokertoken.Registry, limits *ratelimit.Limiter) (seedCounts, error) {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return seedCounts{}, err
	}

	var counts seedCounts
	for _, entry := range seed.Tokens {
		permissions, err := brokertoken.ParsePermissions(entry.Permissions)
		if err != nil {
			return counts, fmt.Errorf("token %q: %w", entry.Identity, err)
		}
		var ttl time.Duration
		if entry.TTL != "" {
			ttl, err = time.ParseDuration(entry.TTL)
			if err != nil {
				return counts, fmt.Errorf("token %q: %w", entry.Identity, err)
			}
		}
		if _, err := tokens.Seed(entry.Identity, permissions, ttl, entry.Secret); err != nil {
			return counts, fmt.Errorf("token %q: %w", entry.Identity, err)
		}
		counts.tokens++
	}

	for i, entry := range seed.Rules {
		pattern, err := signal.Compile(entry.Pattern)
		if err != nil {
			return counts, fmt.Errorf("rule %d: %w", i, err)
		}
		window, err := time.ParseDuration(entry.Window)
		if err != nil {
			return counts, fmt.Errorf("rule %d: %w", i, err)
		}
		if err := limits.Configure(ratelimit.Rule{
			Pattern:  pattern,
			MaxCount: entry.MaxCount,
			Window:   window,
			Sender:   entry.Sender,
		}); err != nil {
			return counts, fmt.Errorf("rule %d (%s): %w", i, entry.Pattern, err)
		}
		counts.rules++
	}

	return counts, nil
}
