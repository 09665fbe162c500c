// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package brokertoken

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Permission is a bitmask of broker capabilities. Each daemon
// operation checks exactly one bit: Write for emit, Read for
// listen/replay, History for history queries, RateLimit for rule
// configuration, Admin for token management. Admin implies every
// other permission.
type Permission uint8

const (
	// PermRead allows subscribing to signals (listen, replay).
	PermRead Permission = 1 << iota

	// PermWrite allows emitting signals.
	PermWrite

	// PermHistory allows querying retained signals.
	PermHistory

	// PermRateLimit allows configuring and listing rate-limit rules.
	PermRateLimit

	// PermAdmin allows token management and implies all other
	// permissions.
	PermAdmin
)

// PermAll grants everything. Used for the bootstrap token.
const PermAll = PermRead | PermWrite | PermHistory | PermRateLimit | PermAdmin

// permissionNames in display order.
var permissionNames = []struct {
	bit  Permission
	name string
}{
	{PermRead, "read"},
	{PermWrite, "write"},
	{PermHistory, "history"},
	{PermRateLimit, "ratelimit"},
	{PermAdmin, "admin"},
}

// String returns the comma-separated permission spelling, e.g.
// "read,write".
func (p Permission) String() string {
	var names []string
	for _, entry := range permissionNames {
		if p&entry.bit != 0 {
			names = append(names, entry.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Allows reports whether the set grants the required permission.
// Admin passes every check.
func (p Permission) Allows(required Permission) bool {
	if p&PermAdmin != 0 {
		return true
	}
	return p&required != 0
}

// ErrInvalidPermissions reports an unparseable permission spelling or
// an empty permission set.
var ErrInvalidPermissions = errors.New("brokertoken: invalid permissions")

// ParsePermissions parses a comma-separated permission list. Both the
// full spellings (read, write, history, ratelimit, admin) and their
// single-letter forms (r, w, h, l, a) are accepted.
func ParsePermissions(s string) (Permission, error) {
	var set Permission
	for _, field := range strings.Split(s, ",") {
		switch strings.TrimSpace(field) {
		case "read", "r":
			set |= PermRead
		case "write", "w":
			set |= PermWrite
		case "history", "h":
			set |= PermHistory
		case "ratelimit", "l":
			set |= PermRateLimit
		case "admin", "a":
			set |= PermAdmin
		case "":
			continue
		default:
			return 0, fmt.Errorf("%w: unknown permission %q", ErrInvalidPermissions, strings.TrimSpace(field))
		}
	}
	if set == 0 {
		return 0, fmt.Errorf("%w: empty set", ErrInvalidPermissions)
	}
	return set, nil
}

// Token is the public description of a credential. The secret itself
// is not part of this struct: Create and Bootstrap return it
// separately, exactly once.
type Token struct {
	// ID is the public token identifier used for revocation.
	ID string

	// Identity is the identity the token acts as (signal sender for
	// emits, scope subject for listens).
	Identity string

	// Permissions is the granted capability set.
	Permissions Permission

	// IssuedAt is when the token was created.
	IssuedAt time.Time

	// ExpiresAt is when the token stops authenticating. Zero means
	// the token never expires.
	ExpiresAt time.Time
}

// expired reports whether the token's expiry has passed. Tokens
// without an expiry never expire.
func (t Token) expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(now)
}

// Grant is the result of authenticating a secret: the resolved
// identity and its permissions. Grants are values passed through the
// request pipeline; they hold no reference back into the registry.
type Grant struct {
	// TokenID identifies the authenticated token, for ownership
	// checks and dispatch-time revocation detection.
	TokenID string

	// Identity is the authenticated identity.
	Identity string

	// Permissions is the authenticated capability set.
	Permissions Permission
}

// Allows reports whether the grant covers the required permission.
func (g Grant) Allows(required Permission) bool {
	return g.Permissions.Allows(required)
}

// secretPrefix marks broker secrets so they are recognizable in
// configuration and logs-by-accident greps.
const secretPrefix = "sbt_"

// secretDomainKey is the fixed BLAKE3 key for secret digests. The
// byte values are the ASCII encoding of the domain name, zero-padded
// to 32 bytes: readable in hex dumps without weakening the keyed-mode
// property.
var secretDomainKey = [32]byte{
	's', 'i', 'g', 'n', 'a', 'l', 'b', 'u', 's', '.',
	't', 'o', 'k', 'e', 'n', '.', 's', 'e', 'c', 'r', 'e', 't',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// secretEncoding is lowercase base32 without padding, chosen so
// secrets survive copy-paste through shells and config files
// unmangled.
var secretEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// newSecret returns a fresh random secret string.
func newSecret() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("brokertoken: generating secret: %w", err)
	}
	return secretPrefix + secretEncoding.EncodeToString(raw[:]), nil
}

// hashSecret computes the keyed BLAKE3 digest under which a secret is
// stored and looked up.
func hashSecret(secret string) [32]byte {
	// NewKeyed requires exactly 32 bytes, which secretDomainKey
	// guarantees; the error is only returned for wrong key length.
	hasher, err := blake3.NewKeyed(secretDomainKey[:])
	if err != nil {
		panic("brokertoken: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(secret))
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// newTokenID returns a fresh token identifier.
func newTokenID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("brokertoken: generating token ID: %w", err)
	}
	return fmt.Sprintf("tok-%x", raw), nil
}

// sortTokens orders tokens by issue time then ID, for stable listing.
func sortTokens(tokens []Token) {
	sort.Slice(tokens, func(i, j int) bool {
		if !tokens[i].IssuedAt.Equal(tokens[j].IssuedAt) {
			return tokens[i].IssuedAt.Before(tokens[j].IssuedAt)
		}
		return tokens[i].ID < tokens[j].ID
	})
}
