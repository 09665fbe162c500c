// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package history retains emitted signals for replay and querying.
//
// The store is an append-ordered buffer bounded two ways: signals
// carrying a TTL expire at timestamp+TTL, and the whole buffer is
// capped at a fixed capacity. Payloads at or above a size threshold
// are held compressed (lz4 or zstd, tagged per entry) and restored
// transparently on query.
//
// Capacity eviction policy, in order: an already-expired entry
// (oldest first), then the oldest entry that carries a TTL, then the
// oldest entry overall. TTL-less signals are therefore retained
// longest but still cannot pin unbounded memory.
package history

import (
	"sync"
	"time"

	"github.com/signalbus-io/signalbus/lib/clock"
	"github.com/signalbus-io/signalbus/lib/signal"
)

// Default bounds, used when Options leaves them zero.
const (
	DefaultCapacity   = 1000
	DefaultQueryLimit = 100
)

// Options configures a Store.
type Options struct {
	// Capacity bounds the number of retained signals. Defaults to
	// DefaultCapacity.
	Capacity int

	// QueryLimit caps Query results when the caller passes a
	// non-positive limit. Defaults to DefaultQueryLimit.
	QueryLimit int

	// Compression selects the payload-at-rest algorithm. The zero
	// value is AlgorithmNone; pass AlgorithmZstd for the daemon
	// default (lib/config does).
	Compression Algorithm
}

// entry is a retained signal with its payload stored separately,
// possibly compressed.
type entry struct {
	meta        signal.Signal // Payload field is nil; see stored
	stored      []byte
	storedTag   Algorithm
	payloadSize int
}

// expired reports whether the entry's retention window has elapsed.
func (e *entry) expired(now time.Time) bool {
	return e.meta.Expired(now)
}

// Store is the thread-safe signal retention buffer.
type Store struct {
	clock clock.Clock

	mu         sync.Mutex
	entries    []entry
	capacity   int
	queryLimit int
	algorithm  Algorithm
}

// NewStore creates a Store on the given time source.
func NewStore(clk clock.Clock, options Options) *Store {
	if options.Capacity <= 0 {
		options.Capacity = DefaultCapacity
	}
	if options.QueryLimit <= 0 {
		options.QueryLimit = DefaultQueryLimit
	}
	return &Store{
		clock:      clk,
		capacity:   options.Capacity,
		queryLimit: options.QueryLimit,
		algorithm:  options.Compression,
	}
}

// Record appends a signal. Insertion order is the caller's arrival
// order: the broker serializes Record calls behind its record mutex,
// so timestamps are non-decreasing in buffer order. At capacity, one
// entry is evicted per the package policy before the append.
func (s *Store) Record(sig signal.Signal) {
	stored, tag := compressPayload(sig.Payload, s.algorithm)
	stored = append([]byte(nil), stored...)

	meta := sig
	meta.Payload = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.capacity {
		s.evictLocked(s.clock.Now())
	}
	s.entries = append(s.entries, entry{
		meta:        meta,
		stored:      stored,
		storedTag:   tag,
		payloadSize: len(sig.Payload),
	})
}

// evictLocked removes one entry to make room: the oldest expired
// entry if any, else the oldest TTL-bearing entry, else the oldest
// entry outright.
func (s *Store) evictLocked(now time.Time) {
	victim := -1
	for i := range s.entries {
		if s.entries[i].expired(now) {
			victim = i
			break
		}
	}
	if victim < 0 {
		for i := range s.entries {
			if s.entries[i].meta.TTL > 0 {
				victim = i
				break
			}
		}
	}
	if victim < 0 {
		victim = 0
	}
	s.entries = append(s.entries[:victim], s.entries[victim+1:]...)
}

// Query returns signals matching the pattern, most recent first, at
// most limit entries. A non-positive limit applies the store's
// configured default cap. Entries already past their TTL are skipped
// even if no purge has run yet.
func (s *Store) Query(pattern signal.Pattern, limit int) []signal.Signal {
	if limit <= 0 {
		limit = s.queryLimit
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var results []signal.Signal
	for i := len(s.entries) - 1; i >= 0 && len(results) < limit; i-- {
		e := &s.entries[i]
		if e.expired(now) {
			continue
		}
		if !pattern.Matches(e.meta.Topic) {
			continue
		}
		restored, err := decompressPayload(e.stored, e.storedTag, e.payloadSize)
		if err != nil {
			// A corrupt entry is a local condition; skip it rather
			// than failing the query.
			continue
		}
		sig := e.meta
		if len(restored) > 0 {
			sig.Payload = append([]byte(nil), restored...)
		}
		results = append(results, sig)
	}
	return results
}

// PurgeExpired removes entries whose TTL has elapsed and returns how
// many were dropped. Called from the daemon's periodic sweep.
func (s *Store) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for i := range s.entries {
		if s.entries[i].expired(now) {
			continue
		}
		kept = append(kept, s.entries[i])
	}
	dropped := len(s.entries) - len(kept)
	// Zero the tail so evicted payloads do not linger behind the
	// slice's capacity.
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = entry{}
	}
	s.entries = kept
	return dropped
}

// Len returns the number of retained entries, expired-but-unpurged
// ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
