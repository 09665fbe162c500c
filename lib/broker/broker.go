// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker is the signal routing engine: it authorizes emit and
// listen requests against token grants, admits emissions through the
// rate limiter, records admitted signals in the history store, and
// fans them out to matching subscriptions.
//
// Ordering-sensitive work (history insertion, live fan-out, and the
// backlog query of a replaying subscribe) is serialized behind one
// record mutex. That makes history order equal arrival order, keeps
// each listener's queue in history order, and lets a late-joining
// listener see every signal exactly once across the backlog/live
// boundary. Nothing inside the mutex blocks: delivery queues are
// bounded and lossy, and socket writes happen on the listeners'
// connection goroutines outside the broker entirely.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalbus-io/signalbus/lib/brokertoken"
	"github.com/signalbus-io/signalbus/lib/clock"
	"github.com/signalbus-io/signalbus/lib/history"
	"github.com/signalbus-io/signalbus/lib/ratelimit"
	"github.com/signalbus-io/signalbus/lib/signal"
)

var (
	// ErrValidation reports a malformed request: bad topic, unknown
	// priority, negative TTL, a payload that is not valid JSON, or an
	// unusable rate-limit rule.
	ErrValidation = errors.New("broker: invalid request")

	// ErrPayloadTooLarge reports a payload above the configured
	// maximum.
	ErrPayloadTooLarge = errors.New("broker: payload too large")

	// ErrSubscriptionLimit reports that no listener slot is available.
	ErrSubscriptionLimit = errors.New("broker: subscription limit reached")

	// ErrSubscriptionClosed is returned by Subscription.Next once the
	// subscription has been cancelled or detached.
	ErrSubscriptionClosed = errors.New("broker: subscription closed")

	// ErrNotFound reports an operation on an unknown subscription.
	ErrNotFound = errors.New("broker: not found")
)

// DefaultMaxPayloadSize bounds signal payloads when
// Options.MaxPayloadSize is zero.
const DefaultMaxPayloadSize = 64 << 10

// Options configures a Broker.
type Options struct {
	// Logger receives routing diagnostics. Defaults to a discard
	// logger.
	Logger *slog.Logger

	// MaxPayloadSize bounds a signal's JSON payload in bytes.
	MaxPayloadSize int

	// BufferCapacity bounds each subscription's per-priority delivery
	// queue.
	BufferCapacity int

	// MaxSubscriptions bounds concurrently attached listeners.
	MaxSubscriptions int
}

// Broker coordinates the token registry, rate limiter, history store,
// and subscription registry behind the daemon's request handlers.
type Broker struct {
	clock  clock.Clock
	logger *slog.Logger

	tokens *brokertoken.Registry
	limits *ratelimit.Limiter
	store  *history.Store
	subs   *subscriptionRegistry

	maxPayload     int
	bufferCapacity int
	startedAt      time.Time

	// recordMu is the serialization point for the ordering invariant:
	// it covers timestamping, history insertion, fan-out, and the
	// register-plus-backlog step of a replaying subscribe.
	recordMu sync.Mutex

	emitted   atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	denied    atomic.Uint64
}

// New assembles a Broker around its component stores. The components
// are owned by the caller (the daemon constructs and tears them down);
// the broker adds coordination, not lifecycle.
func New(clk clock.Clock, tokens *brokertoken.Registry, limits *ratelimit.Limiter, store *history.Store, options Options) *Broker {
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if options.MaxPayloadSize <= 0 {
		options.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if options.BufferCapacity <= 0 {
		options.BufferCapacity = DefaultBufferCapacity
	}
	if options.MaxSubscriptions <= 0 {
		options.MaxSubscriptions = DefaultMaxSubscriptions
	}
	return &Broker{
		clock:          clk,
		logger:         options.Logger,
		tokens:         tokens,
		limits:         limits,
		store:          store,
		subs:           newSubscriptionRegistry(options.MaxSubscriptions),
		maxPayload:     options.MaxPayloadSize,
		bufferCapacity: options.BufferCapacity,
		startedAt:      clk.Now(),
	}
}

// EmitRequest is one emission. The signal's sender is always the
// emitting grant's identity; there is no way to spoof it.
type EmitRequest struct {
	Topic    string
	Payload  []byte // JSON text; nil or empty means no payload
	TTL      time.Duration
	Priority signal.Priority
}

// Emit runs the admission pipeline for one signal: authorize Write,
// validate, admit through the rate limiter (High priority bypasses
// it), then record and fan out. A denial at any step leaves no trace
// in history and triggers no delivery. Emit returns once the signal
// is recorded and handed to the listeners' queues, not once listeners
// have consumed it.
func (b *Broker) Emit(grant brokertoken.Grant, request EmitRequest) (signal.Signal, error) {
	if !grant.Allows(brokertoken.PermWrite) {
		return signal.Signal{}, fmt.Errorf("%w: emit requires the write permission", brokertoken.ErrPermissionDenied)
	}
	if err := signal.ValidateTopic(request.Topic); err != nil {
		return signal.Signal{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !request.Priority.Valid() {
		return signal.Signal{}, fmt.Errorf("%w: unknown priority %d", ErrValidation, request.Priority)
	}
	if request.TTL < 0 {
		return signal.Signal{}, fmt.Errorf("%w: negative ttl %v", ErrValidation, request.TTL)
	}
	payload := request.Payload
	if len(payload) == 0 {
		payload = nil
	}
	if len(payload) > b.maxPayload {
		return signal.Signal{}, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(payload), b.maxPayload)
	}
	if payload != nil && !json.Valid(payload) {
		return signal.Signal{}, fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}

	if err := b.limits.Admit(request.Topic, grant.Identity, request.Priority); err != nil {
		b.denied.Add(1)
		return signal.Signal{}, err
	}

	b.recordMu.Lock()
	defer b.recordMu.Unlock()

	sig := signal.Signal{
		Topic:     request.Topic,
		Payload:   payload,
		Sender:    grant.Identity,
		Timestamp: b.clock.Now(),
		TTL:       request.TTL,
		Priority:  request.Priority,
	}
	b.store.Record(sig)
	b.emitted.Add(1)
	b.dispatchLocked(sig)
	return sig, nil
}

// dispatchLocked fans a recorded signal out to eligible listeners.
// Called with recordMu held; every push is non-blocking, so nothing
// here waits on a listener. Subscriptions whose token has been revoked
// or has expired are detached instead of receiving the signal.
func (b *Broker) dispatchLocked(sig signal.Signal) {
	for _, sub := range b.subs.matching(sig) {
		if !b.tokens.StillValid(sub.tokenID) {
			b.detach(sub)
			continue
		}
		queued, dropped := sub.push(sig)
		if queued {
			b.delivered.Add(1)
		}
		if dropped {
			b.dropped.Add(1)
		}
	}
}

// detach removes a subscription whose token is no longer valid. Its
// next Next call reports ErrSubscriptionClosed, ending the listener's
// stream.
func (b *Broker) detach(sub *Subscription) {
	b.subs.remove(sub.id)
	sub.close()
	b.logger.Debug("subscription detached, token no longer valid",
		"subscription_id", sub.id,
		"identity", sub.identity,
		"pattern", sub.Pattern(),
	)
}

// SubscribeRequest attaches a listener.
type SubscribeRequest struct {
	Pattern string
	Scope   string // optional sender pattern
	Replay  bool

	// ReplayLimit caps the backlog; zero applies the history store's
	// default query cap.
	ReplayLimit int
}

// Subscribe attaches a listener and returns its subscription plus,
// when replay was requested, the history backlog for the pattern in
// chronological order. Registration and the backlog query are atomic
// with respect to emits, so the backlog and the live stream never
// overlap and never leave a gap: each signal lands in exactly one of
// the two.
func (b *Broker) Subscribe(grant brokertoken.Grant, request SubscribeRequest) (*Subscription, []signal.Signal, error) {
	if !grant.Allows(brokertoken.PermRead) {
		return nil, nil, fmt.Errorf("%w: listen requires the read permission", brokertoken.ErrPermissionDenied)
	}
	pattern, err := signal.Compile(request.Pattern)
	if err != nil {
		return nil, nil, err
	}
	var scope signal.Pattern
	if request.Scope != "" {
		scope, err = signal.Compile(request.Scope)
		if err != nil {
			return nil, nil, fmt.Errorf("scope: %w", err)
		}
	}

	sub := newSubscription(pattern, scope, grant.TokenID, grant.Identity, b.clock.Now(), b.bufferCapacity)

	b.recordMu.Lock()
	defer b.recordMu.Unlock()

	if err := b.subs.add(sub); err != nil {
		return nil, nil, err
	}

	var backlog []signal.Signal
	if request.Replay {
		recent := b.store.Query(pattern, request.ReplayLimit)
		backlog = make([]signal.Signal, 0, len(recent))
		for i := len(recent) - 1; i >= 0; i-- {
			if !scope.IsZero() && !scope.Matches(recent[i].Sender) {
				continue
			}
			backlog = append(backlog, recent[i])
		}
	}

	b.logger.Debug("subscription attached",
		"subscription_id", sub.id,
		"identity", sub.identity,
		"pattern", request.Pattern,
		"scope", request.Scope,
		"backlog", len(backlog),
	)
	return sub, backlog, nil
}

// Unsubscribe cancels a subscription. Cancelling an unknown or
// already-cancelled ID reports ErrNotFound.
func (b *Broker) Unsubscribe(id uint64) error {
	sub := b.subs.remove(id)
	if sub == nil {
		return fmt.Errorf("%w: subscription %d", ErrNotFound, id)
	}
	sub.close()
	b.logger.Debug("subscription cancelled",
		"subscription_id", sub.id,
		"identity", sub.identity,
		"pattern", sub.Pattern(),
	)
	return nil
}

// History returns retained signals matching the pattern, most recent
// first. A non-positive limit applies the store's default cap.
func (b *Broker) History(grant brokertoken.Grant, patternText string, limit int) ([]signal.Signal, error) {
	if !grant.Allows(brokertoken.PermHistory) {
		return nil, fmt.Errorf("%w: history requires the history permission", brokertoken.ErrPermissionDenied)
	}
	pattern, err := signal.Compile(patternText)
	if err != nil {
		return nil, err
	}
	return b.store.Query(pattern, limit), nil
}

// RateLimitRequest configures one rate-limit rule.
type RateLimitRequest struct {
	Pattern  string
	MaxCount int
	Window   time.Duration
	Sender   string // optional exact sender the rule is scoped to
}

// ConfigureRateLimit installs or replaces a rule.
func (b *Broker) ConfigureRateLimit(grant brokertoken.Grant, request RateLimitRequest) error {
	if !grant.Allows(brokertoken.PermRateLimit) {
		return fmt.Errorf("%w: configuring rate limits requires the ratelimit permission", brokertoken.ErrPermissionDenied)
	}
	pattern, err := signal.Compile(request.Pattern)
	if err != nil {
		return err
	}
	if request.Sender != "" {
		if err := signal.ValidateTopic(request.Sender); err != nil {
			return fmt.Errorf("%w: sender: %v", ErrValidation, err)
		}
	}
	rule := ratelimit.Rule{
		Pattern:  pattern,
		MaxCount: request.MaxCount,
		Window:   request.Window,
		Sender:   request.Sender,
	}
	if err := b.limits.Configure(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	b.logger.Info("rate limit configured",
		"pattern", request.Pattern,
		"max_count", request.MaxCount,
		"window", request.Window,
		"sender", request.Sender,
	)
	return nil
}

// RateLimits returns the configured rules.
func (b *Broker) RateLimits(grant brokertoken.Grant) ([]ratelimit.Rule, error) {
	if !grant.Allows(brokertoken.PermRateLimit) {
		return nil, fmt.Errorf("%w: listing rate limits requires the ratelimit permission", brokertoken.ErrPermissionDenied)
	}
	return b.limits.Rules(), nil
}

// Status is a point-in-time snapshot of broker state and counters.
type Status struct {
	StartedAt      time.Time
	Subscriptions  int
	Tokens         int
	HistorySize    int
	RateLimitRules int
	Emitted        uint64
	Delivered      uint64
	Dropped        uint64
	Denied         uint64
}

// Status reports broker state. Any authenticated caller may read it;
// the transport layer authenticates before dispatching here.
func (b *Broker) Status() Status {
	return Status{
		StartedAt:      b.startedAt,
		Subscriptions:  b.subs.len(),
		Tokens:         b.tokens.Len(),
		HistorySize:    b.store.Len(),
		RateLimitRules: b.limits.Len(),
		Emitted:        b.emitted.Load(),
		Delivered:      b.delivered.Load(),
		Dropped:        b.dropped.Load(),
		Denied:         b.denied.Load(),
	}
}

// SweepStats reports what one background sweep removed.
type SweepStats struct {
	TokensExpired int
	WindowEntries int
	SignalsPurged int
}

// Sweep prunes expired tokens, stale rate-limit window entries, and
// TTL-expired history in one pass. The daemon runs it on a ticker; the
// same pruning happens lazily inline on the hot paths, so the sweep
// only bounds staleness across idle stretches.
func (b *Broker) Sweep(now time.Time) SweepStats {
	return SweepStats{
		TokensExpired: b.tokens.Sweep(now),
		WindowEntries: b.limits.Sweep(now),
		SignalsPurged: b.store.PurgeExpired(now),
	}
}

// Close detaches every subscription. Blocked Next calls return
// ErrSubscriptionClosed, which ends each listener's stream.
func (b *Broker) Close() {
	for _, sub := range b.subs.drain() {
		sub.close()
	}
}
