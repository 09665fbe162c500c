// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements sliding-window admission control for
// emissions.
//
// A rule caps how many signals matching a pattern (optionally from
// one specific sender) may be admitted per window. Every rule keeps
// one window of admit timestamps; an emission must find capacity in
// every matching rule's window or it is denied, and denied emissions
// charge nothing. High-priority emissions bypass admission entirely.
//
// Windows are measured on the injected clock. Real clocks hand out
// time.Time values with a monotonic reading, so a wall-clock step
// never widens or shrinks a window. Entries older than the rule's
// window are pruned lazily on each admit touching the rule and in
// bulk by Sweep.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalbus-io/signalbus/lib/clock"
	"github.com/signalbus-io/signalbus/lib/signal"
)

var (
	// ErrRateLimited reports an emission denied by a matching rule.
	ErrRateLimited = errors.New("ratelimit: rate limited")

	// ErrInvalidRule reports a rule that cannot be configured.
	ErrInvalidRule = errors.New("ratelimit: invalid rule")
)

// Rule caps admissions for emissions whose topic matches Pattern.
// With Sender set, the rule only applies to that sender's emissions;
// empty means every sender shares the rule's window.
type Rule struct {
	Pattern  signal.Pattern
	MaxCount int
	Window   time.Duration
	Sender   string
}

// Key identity for replacement: one rule per (pattern, sender) pair.
func (r Rule) sameKey(other Rule) bool {
	return r.Pattern.String() == other.Pattern.String() && r.Sender == other.Sender
}

// Limiter admits or denies emissions against the configured rules.
type Limiter struct {
	clock clock.Clock

	mu      sync.Mutex
	rules   []Rule
	windows [][]time.Time // admit timestamps, parallel to rules
}

// NewLimiter creates an empty limiter on the given time source.
func NewLimiter(clk clock.Clock) *Limiter {
	return &Limiter{clock: clk}
}

// Configure installs a rule, replacing any existing rule with the
// same (pattern, sender) key. A replaced rule keeps its window, so
// tightening a cap takes effect against traffic already admitted.
// There is no removal: rules are replace-only for the daemon's
// lifetime.
func (l *Limiter) Configure(rule Rule) error {
	if rule.Pattern.IsZero() {
		return fmt.Errorf("%w: uncompiled pattern", ErrInvalidRule)
	}
	if rule.MaxCount < 1 {
		return fmt.Errorf("%w: max count %d, want at least 1", ErrInvalidRule, rule.MaxCount)
	}
	if rule.Window <= 0 {
		return fmt.Errorf("%w: non-positive window %v", ErrInvalidRule, rule.Window)
	}
	if rule.Sender != "" {
		if err := signal.ValidateTopic(rule.Sender); err != nil {
			return fmt.Errorf("%w: sender: %v", ErrInvalidRule, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.rules {
		if l.rules[i].sameKey(rule) {
			l.rules[i] = rule
			return nil
		}
	}
	l.rules = append(l.rules, rule)
	l.windows = append(l.windows, nil)
	return nil
}

// Admit decides whether an emission may proceed. Every rule matching
// the topic and sender must independently have window capacity; the
// denial names the most restrictive violated rule and a retry hint.
// Windows are only charged when the emission is admitted, so a denial
// leaves no trace. High priority bypasses all checks and charges
// nothing.
func (l *Limiter) Admit(topic, sender string, priority signal.Priority) error {
	if priority == signal.PriorityHigh {
		return nil
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var matching []int
	for i := range l.rules {
		rule := &l.rules[i]
		if rule.Sender != "" && rule.Sender != sender {
			continue
		}
		if !rule.Pattern.Matches(topic) {
			continue
		}
		matching = append(matching, i)
		l.windows[i] = pruneWindow(l.windows[i], now, rule.Window)
	}

	violated := -1
	for _, i := range matching {
		if len(l.windows[i]) < l.rules[i].MaxCount {
			continue
		}
		if violated < 0 || l.rules[i].MaxCount < l.rules[violated].MaxCount {
			violated = i
		}
	}
	if violated >= 0 {
		rule := l.rules[violated]
		retryIn := l.windows[violated][0].Add(rule.Window).Sub(now)
		return fmt.Errorf("%w: %q allows %d per %v (retry in %v)",
			ErrRateLimited, rule.Pattern.String(), rule.MaxCount, rule.Window, retryIn)
	}

	for _, i := range matching {
		l.windows[i] = append(l.windows[i], now)
	}
	return nil
}

// Rules returns a snapshot of the configured rules in configuration
// order.
func (l *Limiter) Rules() []Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make([]Rule, len(l.rules))
	copy(snapshot, l.rules)
	return snapshot
}

// Len returns the number of configured rules.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rules)
}

// Sweep prunes every rule's window and returns the number of expired
// timestamps dropped. Called from the daemon's periodic sweep so idle
// rules do not pin stale entries indefinitely.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for i := range l.rules {
		before := len(l.windows[i])
		l.windows[i] = pruneWindow(l.windows[i], now, l.rules[i].Window)
		dropped += before - len(l.windows[i])
	}
	return dropped
}

// pruneWindow drops timestamps that have left the window. An entry
// exactly window-old has rolled off, so a full window admits again
// the instant it rolls.
func pruneWindow(window []time.Time, now time.Time, duration time.Duration) []time.Time {
	cutoff := now.Add(-duration)
	keep := 0
	for keep < len(window) && !window[keep].After(cutoff) {
		keep++
	}
	if keep == 0 {
		return window
	}
	remaining := make([]time.Time, len(window)-keep)
	copy(remaining, window[keep:])
	return remaining
}
