// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal defines the broker's domain vocabulary: the Signal
// value, delivery priorities, topic validation, and compiled wildcard
// patterns for subscription and history matching.
package signal

import (
	"fmt"
	"time"
)

// Priority orders deliveries within a single subscription channel.
// High-priority signals jump ahead of queued normal-priority signals
// for the same listener and bypass rate-limit admission entirely.
type Priority uint8

const (
	// PriorityNormal is the default delivery class.
	PriorityNormal Priority = 0

	// PriorityHigh is delivered ahead of queued normal signals and is
	// exempt from rate limiting.
	PriorityHigh Priority = 1
)

// String returns the priority's wire spelling.
func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Valid reports whether p is a defined priority value.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

// ParsePriority parses a priority from its string spelling. The empty
// string parses as PriorityNormal so callers can omit the field.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Signal is an emitted event. Immutable once created: the broker
// stamps Timestamp at arrival and never mutates a signal afterwards.
type Signal struct {
	// Topic is the dot-separated event name, validated by
	// ValidateTopic before the signal enters the broker.
	Topic string

	// Payload is the emitter-supplied JSON value as raw text. Nil
	// means the signal carries no payload; the delivered form then
	// reads "null".
	Payload []byte

	// Sender is the emitting identity (from the authenticated token).
	Sender string

	// Timestamp is the broker-assigned arrival time.
	Timestamp time.Time

	// TTL bounds how long the signal is retained for history and
	// replay. Zero means the signal never expires by time (it remains
	// subject to the history capacity bound).
	TTL time.Duration

	// Priority is the delivery class.
	Priority Priority
}

// Expired reports whether the signal's retention window has elapsed.
// Signals without a TTL never expire by time.
func (s Signal) Expired(now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	return !s.Timestamp.Add(s.TTL).After(now)
}

// PayloadJSON returns the payload as JSON text. Signals without a
// payload read as the literal "null", which is the form exec hooks
// and other reaction mechanisms receive.
func (s Signal) PayloadJSON() string {
	if len(s.Payload) == 0 {
		return "null"
	}
	return string(s.Payload)
}
