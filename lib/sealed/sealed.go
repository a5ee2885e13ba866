// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/keepsake-foundation/keepsake/lib/secret"
)

// Keypair holds an age x25519 keypair. The private key is stored in a
// secret.Buffer (mmap-backed, locked against swap, excluded from core
// dumps). The public key is a plain string, safe to publish and to
// store in the node registry.
//
// The caller must call Close when the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the secret key in AGE-SECRET-KEY-1... format.
	// Must never be logged or included in CLI arguments.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding public key in age1... format.
	PublicKey string
}

// Close releases the private key memory (zeros, unlocks, unmaps).
// Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair. Agents generate
// one at enrollment and publish the public half to the hub; the hub
// encrypts distributed credentials to it.
//
// The caller must call Close on the returned Keypair when done.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating age keypair: %w", err)
	}

	// Move the private key string into mmap-backed memory immediately.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: storing private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// ParsePublicKey validates an age1... public key string and returns an
// error describing the problem if it is malformed.
func ParsePublicKey(publicKey string) error {
	if !strings.HasPrefix(publicKey, "age1") {
		return fmt.Errorf("sealed: public key must start with age1, got %q prefix", clip(publicKey, 8))
	}
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("sealed: invalid public key: %w", err)
	}
	return nil
}

// Encrypt encrypts plaintext to one or more age public keys and
// returns the ciphertext base64-encoded for storage in JSON fields and
// database columns.
func Encrypt(plaintext []byte, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("sealed: at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("sealed: parsing recipient %q: %w", clip(key, 12), err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("sealed: starting encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalizing encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Decrypt decrypts base64-encoded ciphertext with an age private key
// held in a secret.Buffer. The plaintext is returned in a new
// secret.Buffer that the caller must close.
func Decrypt(encoded string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing private key: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("sealed: decoding ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}

	// NewFromBytes zeros the transient plaintext slice.
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealed: storing plaintext: %w", err)
	}
	return buffer, nil
}

// NewRecipient parses an age public key into an age.Recipient for
// streaming encryption (bundle writing).
func NewRecipient(publicKey string) (age.Recipient, error) {
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return nil, fmt.Errorf("sealed: invalid recipient: %w", err)
	}
	return recipient, nil
}

// NewIdentity parses an age private key held in a secret.Buffer into
// an age.Identity for streaming decryption.
func NewIdentity(privateKey *secret.Buffer) (age.Identity, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: invalid identity: %w", err)
	}
	return identity, nil
}

// clip truncates s for error messages so key material never appears in
// full in logs.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
