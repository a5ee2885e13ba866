// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry manages execution nodes and their secrets.
//
// Enrollment mints a node id and a one-time enrollment secret; the
// hub keeps only the secret's BLAKE3 hash, so the plaintext exists
// exactly once, in the output shown to the operator. Agents prove
// their identity on connect by presenting the secret.
//
// The vault encrypts target credentials at rest. Every node gets its
// own encryption key, derived from the hub master key via HKDF, so
// ciphertext leaked from one node's namespace cannot be opened with
// another node's derived key. Secret distribution to agents seals the
// plaintext values to the agent's age public key; the wire never
// carries them unencrypted.
package registry
