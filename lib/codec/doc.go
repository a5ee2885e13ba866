// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Keepsake's standard CBOR encoding.
//
// All hub↔agent control-channel messages are CBOR with Core
// Deterministic Encoding: the same logical message always produces
// identical bytes. Decoding ignores unknown fields so mixed protocol
// revisions interoperate during rolling upgrades.
//
// Consumers import this package rather than fxamacker/cbor directly,
// so encoding options are set in exactly one place.
package codec
