// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption and decryption for Keepsake.
// It wraps filippo.io/age for the operations the orchestrator needs:
// generate x25519 keypairs at agent enrollment, encrypt credentials to
// agent public keys for distribution, and decrypt with a private key
// held in locked memory.
//
// Ciphertext is base64-encoded for storage in database columns and
// JSON payloads. Private keys and decrypted plaintext travel in
// [secret.Buffer] values (locked against swap, excluded from core
// dumps, zeroed on Close).
//
// Streaming encryption for snapshot bundles uses [NewRecipient] and
// [NewIdentity] with age's io.Writer/io.Reader API directly.
package sealed
