// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) used when asserting
// on delivery channels, so individual tests do not need direct
// time.After calls. These are the only places the test suite touches
// the wall clock; everything time-driven in the broker itself is
// tested against lib/clock's FakeClock.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets. Unix sockets have a 108-byte path limit (sun_path in
// sockaddr_un) that deeply nested test temp directories can exceed,
// making t.TempDir() unsuitable for socket files.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
