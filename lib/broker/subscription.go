// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalbus-io/signalbus/lib/signal"
)

// DefaultBufferCapacity bounds each subscription's per-priority
// delivery queue when Options.BufferCapacity is zero.
const DefaultBufferCapacity = 64

// DefaultMaxSubscriptions bounds the live subscription count when
// Options.MaxSubscriptions is zero.
const DefaultMaxSubscriptions = 1024

// Subscription is one attached listener: a compiled topic pattern, an
// optional sender scope, and a bounded two-priority delivery queue.
//
// The emit path pushes into the queue and never blocks; the listener's
// connection handler drains it with Next. High-priority signals are
// always drained before queued Normal ones, FIFO within each class.
// When a class's queue is full its oldest signal is dropped silently:
// live delivery is best effort, and the history store remains the
// source of truth within a signal's TTL.
type Subscription struct {
	id        uint64
	pattern   signal.Pattern
	scope     signal.Pattern
	tokenID   string
	identity  string
	createdAt time.Time

	// wake carries one token when the queue may be non-empty; done is
	// closed exactly once when the subscription is detached.
	wake chan struct{}
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	high     []signal.Signal
	normal   []signal.Signal
	capacity int
}

func newSubscription(pattern, scope signal.Pattern, tokenID, identity string, createdAt time.Time, capacity int) *Subscription {
	return &Subscription{
		pattern:   pattern,
		scope:     scope,
		tokenID:   tokenID,
		identity:  identity,
		createdAt: createdAt,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		capacity:  capacity,
	}
}

// ID returns the broker-assigned subscription identifier.
func (s *Subscription) ID() uint64 { return s.id }

// Pattern returns the subscription's topic pattern source text.
func (s *Subscription) Pattern() string { return s.pattern.String() }

// Next blocks until a signal is available and returns it, draining
// queued High-priority signals before any Normal one. It returns
// ErrSubscriptionClosed once the subscription has been cancelled or
// detached, and the context error if ctx ends first.
func (s *Subscription) Next(ctx context.Context) (signal.Signal, error) {
	for {
		sig, ok, closed := s.pop()
		if ok {
			return sig, nil
		}
		if closed {
			return signal.Signal{}, ErrSubscriptionClosed
		}
		select {
		case <-s.wake:
		case <-s.done:
			return signal.Signal{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return signal.Signal{}, ctx.Err()
		}
	}
}

// eligible reports whether the subscription should receive the signal:
// the topic matches the pattern and the sender satisfies the scope,
// when one is set.
func (s *Subscription) eligible(sig signal.Signal) bool {
	if !s.pattern.Matches(sig.Topic) {
		return false
	}
	if !s.scope.IsZero() && !s.scope.Matches(sig.Sender) {
		return false
	}
	return true
}

// push queues a signal for delivery without blocking. Reports whether
// the signal was queued and whether the class queue was full and its
// oldest entry was discarded to make room. Pushing to a closed
// subscription is a no-op.
func (s *Subscription) push(sig signal.Signal) (queued, dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	queue := &s.normal
	if sig.Priority == signal.PriorityHigh {
		queue = &s.high
	}
	if len(*queue) >= s.capacity {
		copy(*queue, (*queue)[1:])
		(*queue)[len(*queue)-1] = sig
		dropped = true
	} else {
		*queue = append(*queue, sig)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true, dropped
}

// pop dequeues the next signal, High before Normal, FIFO within each
// class.
func (s *Subscription) pop() (sig signal.Signal, ok bool, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.high) > 0 {
		return s.shift(&s.high), true, false
	}
	if len(s.normal) > 0 {
		return s.shift(&s.normal), true, false
	}
	return signal.Signal{}, false, s.closed
}

// shift removes and returns the head of a queue, zeroing the vacated
// slot so dropped payloads do not linger behind the slice's capacity.
func (s *Subscription) shift(queue *[]signal.Signal) signal.Signal {
	head := (*queue)[0]
	copy(*queue, (*queue)[1:])
	(*queue)[len(*queue)-1] = signal.Signal{}
	*queue = (*queue)[:len(*queue)-1]
	return head
}

// close marks the subscription detached and releases any blocked Next
// caller. Idempotent; queued but undelivered signals are discarded.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.high = nil
	s.normal = nil
	s.mu.Unlock()
	close(s.done)
}

// subscriptionRegistry tracks live subscriptions. Dispatch iterates a
// snapshot copied under the read lock, so concurrent subscribes and
// cancels never mutate an iteration in progress.
type subscriptionRegistry struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	limit  int
}

func newSubscriptionRegistry(limit int) *subscriptionRegistry {
	return &subscriptionRegistry{
		subs:  make(map[uint64]*Subscription),
		limit: limit,
	}
}

// add registers a subscription and assigns its ID. At the configured
// maximum it fails with ErrSubscriptionLimit: the broker degrades by
// rejecting new listeners, never by evicting attached ones.
func (r *subscriptionRegistry) add(s *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) >= r.limit {
		return fmt.Errorf("%w: %d active", ErrSubscriptionLimit, len(r.subs))
	}
	r.nextID++
	s.id = r.nextID
	r.subs[s.id] = s
	return nil
}

// remove deletes and returns the subscription, or nil when the ID is
// unknown.
func (r *subscriptionRegistry) remove(id uint64) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subs[id]
	delete(r.subs, id)
	return s
}

// matching returns a snapshot of the subscriptions eligible for the
// signal.
func (r *subscriptionRegistry) matching(sig signal.Signal) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Subscription
	for _, s := range r.subs {
		if s.eligible(sig) {
			matched = append(matched, s)
		}
	}
	return matched
}

func (r *subscriptionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// drain removes and returns every subscription. Used at shutdown.
func (r *subscriptionRegistry) drain() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		all = append(all, s)
	}
	clear(r.subs)
	return all
}
