// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"time"

	"github.com/signalbus-io/signalbus/lib/signal"
)

// Request actions.
const (
	ActionEmit          = "emit"
	ActionListen        = "listen"
	ActionHistory       = "history"
	ActionRateLimitSet  = "ratelimit-set"
	ActionRateLimitList = "ratelimit-list"
	ActionTokenCreate   = "token-create"
	ActionTokenRevoke   = "token-revoke"
	ActionTokenList     = "token-list"
	ActionStatus        = "status"
)

// Error codes carried in Response.Code. Clients branch on these rather
// than parsing Response.Error, which is human-oriented text.
const (
	// CodeUnauthenticated: the request token is missing, unknown,
	// revoked, or expired.
	CodeUnauthenticated = "unauthenticated"

	// CodePermissionDenied: the token authenticated but lacks the
	// permission the action requires.
	CodePermissionDenied = "permission-denied"

	// CodeRateLimited: an emit was refused by rate-limit admission.
	CodeRateLimited = "rate-limited"

	// CodeNotFound: the named token or subscription does not exist.
	CodeNotFound = "not-found"

	// CodeInvalidPattern: a topic pattern failed to compile.
	CodeInvalidPattern = "invalid-pattern"

	// CodePayloadTooLarge: the emit payload exceeds the daemon's size
	// bound.
	CodePayloadTooLarge = "payload-too-large"

	// CodeValidation: any other malformed request field.
	CodeValidation = "validation"

	// CodeUnavailable: the daemon refused the request due to a
	// resource bound, such as the subscription limit.
	CodeUnavailable = "unavailable"

	// CodeInternal: an unexpected daemon-side failure.
	CodeInternal = "internal"
)

// TimestampFormat renders signal and token timestamps on the wire:
// RFC 3339 with millisecond precision, always UTC.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders a timestamp in the wire format. The zero time
// renders as the empty string, which omitempty then drops.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampFormat)
}

// Request is the first frame on every connection. Action selects the
// operation; the remaining fields are per-action and zero elsewhere.
// Token authenticates every request, including status.
type Request struct {
	Action string `cbor:"action"`
	Token  string `cbor:"token"`

	// Emit fields. Payload is raw JSON text; empty means no payload.
	Topic     string `cbor:"topic,omitempty"`
	Payload   []byte `cbor:"payload,omitempty"`
	TTLMillis int64  `cbor:"ttl_ms,omitempty"`
	Priority  string `cbor:"priority,omitempty"`

	// Listen and history fields. Scope and Replay apply to listen
	// only. Limit caps history results and the listen replay backlog.
	Pattern string `cbor:"pattern,omitempty"`
	Scope   string `cbor:"scope,omitempty"`
	Replay  bool   `cbor:"replay,omitempty"`
	Limit   int    `cbor:"limit,omitempty"`

	// Rate-limit rule fields (ratelimit-set). Pattern above names the
	// rule's topic pattern.
	MaxCount     int    `cbor:"max_count,omitempty"`
	WindowMillis int64  `cbor:"window_ms,omitempty"`
	Sender       string `cbor:"sender,omitempty"`

	// Token management fields. Identity, Permissions, and TTLMillis
	// describe a token-create; TokenID names a token-revoke target.
	Identity    string `cbor:"identity,omitempty"`
	Permissions string `cbor:"permissions,omitempty"`
	TokenID     string `cbor:"token_id,omitempty"`
}

// Response answers a Request. OK false carries Error text and a Code;
// OK true carries the per-action result field.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
	Code  string `cbor:"code,omitempty"`

	// Signal echoes the recorded signal for emit, with the
	// broker-assigned timestamp and sender.
	Signal *Signal `cbor:"signal,omitempty"`

	// Signals holds history results, most recent first.
	Signals []Signal `cbor:"signals,omitempty"`

	// Rules holds ratelimit-list results.
	Rules []RateLimitRule `cbor:"rules,omitempty"`

	// Token holds the token-create result, secret included. The
	// secret is never returned again.
	Token *TokenInfo `cbor:"token,omitempty"`

	// Tokens holds token-list results, oldest first, secrets omitted.
	Tokens []TokenInfo `cbor:"tokens,omitempty"`

	// Status holds the status result.
	Status *Status `cbor:"status,omitempty"`
}

// Signal is the delivered form of a signal: history results, replay
// backlog, live listen frames, and the emit echo all carry this shape.
// The json tags serve the CLI's --json output; the wire itself is CBOR.
type Signal struct {
	Topic string `cbor:"topic" json:"topic"`

	// Payload is the signal's JSON text. Signals emitted without a
	// payload carry the literal "null".
	Payload string `cbor:"payload" json:"payload"`

	Sender string `cbor:"sender" json:"sender"`

	// Timestamp is the broker-assigned arrival time in TimestampFormat.
	Timestamp string `cbor:"timestamp" json:"timestamp"`

	// TTLMillis is the retention window in milliseconds. Zero means
	// no expiry.
	TTLMillis int64 `cbor:"ttl_ms,omitempty" json:"ttl_ms,omitempty"`

	// Priority is "normal" or "high".
	Priority string `cbor:"priority" json:"priority"`
}

// FromSignal converts a broker signal to its wire form.
func FromSignal(sig signal.Signal) Signal {
	return Signal{
		Topic:     sig.Topic,
		Payload:   sig.PayloadJSON(),
		Sender:    sig.Sender,
		Timestamp: FormatTime(sig.Timestamp),
		TTLMillis: sig.TTL.Milliseconds(),
		Priority:  sig.Priority.String(),
	}
}

// FromSignals converts a slice of broker signals, preserving order.
func FromSignals(sigs []signal.Signal) []Signal {
	if len(sigs) == 0 {
		return nil
	}
	out := make([]Signal, len(sigs))
	for i, sig := range sigs {
		out[i] = FromSignal(sig)
	}
	return out
}

// RateLimitRule is the wire form of an admission rule.
type RateLimitRule struct {
	Pattern      string `cbor:"pattern" json:"pattern"`
	MaxCount     int    `cbor:"max_count" json:"max_count"`
	WindowMillis int64  `cbor:"window_ms" json:"window_ms"`

	// Sender restricts the rule to one emitting identity. Empty means
	// the rule applies to all senders.
	Sender string `cbor:"sender,omitempty" json:"sender,omitempty"`
}

// TokenInfo describes a token. Secret is set only in the token-create
// response; listings never include it.
type TokenInfo struct {
	TokenID     string `cbor:"token_id" json:"token_id"`
	Identity    string `cbor:"identity" json:"identity"`
	Permissions string `cbor:"permissions" json:"permissions"`
	IssuedAt    string `cbor:"issued_at" json:"issued_at"`
	ExpiresAt   string `cbor:"expires_at,omitempty" json:"expires_at,omitempty"`
	Secret      string `cbor:"secret,omitempty" json:"secret,omitempty"`
}

// Status is the daemon status snapshot.
type Status struct {
	StartedAt      string `cbor:"started_at" json:"started_at"`
	UptimeMillis   int64  `cbor:"uptime_ms" json:"uptime_ms"`
	Subscriptions  int    `cbor:"subscriptions" json:"subscriptions"`
	Tokens         int    `cbor:"tokens" json:"tokens"`
	HistorySize    int    `cbor:"history_size" json:"history_size"`
	RateLimitRules int    `cbor:"rate_limit_rules" json:"rate_limit_rules"`
	Emitted        uint64 `cbor:"emitted" json:"emitted"`
	Delivered      uint64 `cbor:"delivered" json:"delivered"`
	Dropped        uint64 `cbor:"dropped" json:"dropped"`
	Denied         uint64 `cbor:"denied" json:"denied"`
}
