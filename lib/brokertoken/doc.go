// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package brokertoken implements the broker's credential registry.
//
// A token is an opaque secret bound to an identity and a permission
// set. The registry hands the secret out exactly once, at creation,
// and stores only a keyed BLAKE3 digest of it, so a registry dump never
// contains usable credentials. Authentication resolves a presented
// secret against the live registry on every request; nothing caches a
// verdict, so revocation is visible to the very next check.
//
// Expired and unknown secrets fail identically with
// ErrUnauthenticated. Distinguishing them would leak whether a
// credential ever existed.
package brokertoken
