// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"

	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/lib/sealed"
	"github.com/keepsake-foundation/keepsake/lib/secret"
)

// SecretBundle is the payload delivered to an agent: every secret in
// its namespace, decrypted from the vault and re-sealed to the
// agent's age public key for transit.
type SecretBundle struct {
	Secrets map[string][]byte `cbor:"secrets"`
}

// Distribute collects all secrets in the node's namespace and seals
// them to the given age recipient key. The returned string is
// base64-encoded age ciphertext; only the holder of the matching age
// identity can open it.
func (r *Registry) Distribute(ctx context.Context, nodeID, recipientKey string) (string, error) {
	if err := sealed.ParsePublicKey(recipientKey); err != nil {
		return "", fmt.Errorf("registry: distribute to %s: %w", nodeID, err)
	}

	names, err := r.vault.List(ctx, nodeID)
	if err != nil {
		return "", fmt.Errorf("registry: distribute to %s: %w", nodeID, err)
	}

	bundle := SecretBundle{Secrets: make(map[string][]byte, len(names))}
	buffers := make([]*secret.Buffer, 0, len(names))
	defer func() {
		for _, buffer := range buffers {
			buffer.Close()
		}
	}()

	for _, name := range names {
		value, err := r.vault.Get(ctx, nodeID, name)
		if err != nil {
			return "", fmt.Errorf("registry: distribute to %s: reading %s: %w", nodeID, name, err)
		}
		buffers = append(buffers, value)
		bundle.Secrets[name] = value.Bytes()
	}

	plaintext, err := codec.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("registry: distribute to %s: encoding bundle: %w", nodeID, err)
	}
	defer secret.Zero(plaintext)

	encrypted, err := sealed.Encrypt(plaintext, []string{recipientKey})
	if err != nil {
		return "", fmt.Errorf("registry: distribute to %s: %w", nodeID, err)
	}

	r.logger.Info("secrets distributed", "node", nodeID, "count", len(names))
	return encrypted, nil
}

// OpenBundle decrypts a distributed bundle agent-side with the
// agent's age identity.
func OpenBundle(encrypted string, privateKey *secret.Buffer) (*SecretBundle, error) {
	plaintext, err := sealed.Decrypt(encrypted, privateKey)
	if err != nil {
		return nil, fmt.Errorf("registry: opening secret bundle: %w", err)
	}
	defer plaintext.Close()

	var bundle SecretBundle
	if err := codec.Unmarshal(plaintext.Bytes(), &bundle); err != nil {
		return nil, fmt.Errorf("registry: decoding secret bundle: %w", err)
	}
	return &bundle, nil
}
