// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package brokertoken

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalbus-io/signalbus/lib/clock"
	"github.com/signalbus-io/signalbus/lib/signal"
)

// Errors returned by registry operations.
var (
	// ErrUnauthenticated covers unknown, expired, and revoked
	// secrets alike: a caller must not be able to distinguish them.
	ErrUnauthenticated = errors.New("brokertoken: unauthenticated")

	// ErrPermissionDenied reports a valid identity with an
	// insufficient permission set.
	ErrPermissionDenied = errors.New("brokertoken: permission denied")

	// ErrNotFound reports an operation on an unknown (or already
	// revoked) token ID.
	ErrNotFound = errors.New("brokertoken: token not found")
)

// Registry is the thread-safe in-memory token store. Tokens live for
// the daemon's lifetime; nothing is persisted.
type Registry struct {
	clock clock.Clock

	mu     sync.RWMutex
	tokens map[string]Token    // by token ID
	byHash map[[32]byte]string // secret digest -> token ID
}

// NewRegistry creates an empty registry using the given time source
// for expiry decisions.
func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		clock:  clk,
		tokens: make(map[string]Token),
		byHash: make(map[[32]byte]string),
	}
}

// Bootstrap mints the daemon's startup token: every permission, no
// expiry, acting as the given identity. Returns the token and its
// secret.
func (r *Registry) Bootstrap(identity string) (Token, string, error) {
	return r.insert(identity, PermAll, 0, "")
}

// Create mints a token for a target identity. The requester needs
// Admin. A zero ttl creates a token that never expires. Returns the
// token and its secret; the secret is not retrievable afterwards.
func (r *Registry) Create(requester Grant, identity string, permissions Permission, ttl time.Duration) (Token, string, error) {
	if !requester.Allows(PermAdmin) {
		return Token{}, "", fmt.Errorf("%w: token creation requires admin", ErrPermissionDenied)
	}
	return r.insert(identity, permissions, ttl, "")
}

// Seed installs a token with a caller-supplied secret. Used for seed
// files that pre-provision credentials for test rigs and automation;
// never reachable from the wire.
func (r *Registry) Seed(identity string, permissions Permission, ttl time.Duration, secret string) (Token, error) {
	token, _, err := r.insert(identity, permissions, ttl, secret)
	return token, err
}

func (r *Registry) insert(identity string, permissions Permission, ttl time.Duration, secret string) (Token, string, error) {
	if err := signal.ValidateTopic(identity); err != nil {
		return Token{}, "", fmt.Errorf("identity %q: %w", identity, err)
	}
	if permissions == 0 {
		return Token{}, "", fmt.Errorf("%w: empty set", ErrInvalidPermissions)
	}
	if ttl < 0 {
		return Token{}, "", fmt.Errorf("%w: negative ttl", ErrInvalidPermissions)
	}

	if secret == "" {
		generated, err := newSecret()
		if err != nil {
			return Token{}, "", err
		}
		secret = generated
	}

	id, err := newTokenID()
	if err != nil {
		return Token{}, "", err
	}

	now := r.clock.Now()
	token := Token{
		ID:          id,
		Identity:    identity,
		Permissions: permissions,
		IssuedAt:    now,
	}
	if ttl > 0 {
		token.ExpiresAt = now.Add(ttl)
	}

	digest := hashSecret(secret)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byHash[digest]; exists {
		return Token{}, "", errors.New("brokertoken: secret already registered")
	}
	r.tokens[id] = token
	r.byHash[digest] = id
	return token, secret, nil
}

// Authenticate resolves a presented secret to a Grant. Unknown and
// expired secrets fail identically; an expired record found here is
// pruned on the spot.
func (r *Registry) Authenticate(secret string) (Grant, error) {
	digest := hashSecret(secret)
	now := r.clock.Now()

	r.mu.RLock()
	id, ok := r.byHash[digest]
	var token Token
	if ok {
		token = r.tokens[id]
	}
	r.mu.RUnlock()

	if !ok {
		return Grant{}, ErrUnauthenticated
	}
	if token.expired(now) {
		r.mu.Lock()
		// Re-check under the write lock; another caller may have
		// pruned or replaced the entry.
		if current, exists := r.tokens[id]; exists && current.expired(now) {
			delete(r.tokens, id)
			delete(r.byHash, digest)
		}
		r.mu.Unlock()
		return Grant{}, ErrUnauthenticated
	}

	return Grant{TokenID: id, Identity: token.Identity, Permissions: token.Permissions}, nil
}

// Revoke removes a token. The requester needs Admin or must own the
// token (same identity). Revoking an unknown or already-revoked ID
// returns ErrNotFound.
func (r *Registry) Revoke(requester Grant, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[tokenID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, tokenID)
	}
	if !requester.Allows(PermAdmin) && requester.Identity != token.Identity {
		return fmt.Errorf("%w: not the token owner", ErrPermissionDenied)
	}

	delete(r.tokens, tokenID)
	for digest, id := range r.byHash {
		if id == tokenID {
			delete(r.byHash, digest)
			break
		}
	}
	return nil
}

// StillValid reports whether a token ID remains present and unexpired.
// The dispatcher consults this per delivery so a revoked token's
// subscriptions stop receiving signals immediately.
func (r *Registry) StillValid(tokenID string) bool {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.tokens[tokenID]
	return ok && !token.expired(now)
}

// List returns the live tokens, oldest first. The requester needs
// Admin. Token values never carry secrets, so a listing reveals no
// credentials.
func (r *Registry) List(requester Grant) ([]Token, error) {
	if !requester.Allows(PermAdmin) {
		return nil, fmt.Errorf("%w: token listing requires admin", ErrPermissionDenied)
	}
	return r.Tokens(), nil
}

// Tokens returns a snapshot of live tokens, oldest first. Expired
// entries awaiting a sweep are excluded.
func (r *Registry) Tokens() []Token {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Token, 0, len(r.tokens))
	for _, token := range r.tokens {
		if !token.expired(now) {
			list = append(list, token)
		}
	}
	sortTokens(list)
	return list
}

// Len returns the number of stored tokens, expired-but-unswept
// entries included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// Sweep removes expired tokens and returns how many were dropped.
// Called from the daemon's periodic sweep.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for digest, id := range r.byHash {
		if token, ok := r.tokens[id]; !ok || token.expired(now) {
			delete(r.tokens, id)
			delete(r.byHash, digest)
			removed++
		}
	}
	return removed
}
