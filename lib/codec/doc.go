// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the broker's standard CBOR encoding
// configuration.
//
// Signalbus uses two serialization formats with a clear boundary:
//
//   - JSON for user-facing surfaces: signal payloads (opaque JSON
//     text supplied by emitters), CLI output, exec hook arguments,
//     and the seed file.
//   - CBOR for the client↔daemon socket protocol.
//
// This package holds the shared CBOR modes so every package encodes
// identically without duplicating configuration. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. Same logical data
// always produces identical bytes.
//
// The socket protocol is frame-based, so the whole surface is
// buffer-oriented:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Wire types carry `cbor` struct tags: they are only ever serialized
// as CBOR. Anything a user sees is rendered to JSON separately by the
// CLI, never by marshaling a wire type.
package codec
