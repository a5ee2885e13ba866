// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/keepsake-foundation/keepsake/lib/secret"
	"github.com/keepsake-foundation/keepsake/store"
)

// KeySize is the size in bytes of the vault master key and every
// derived namespace key.
const KeySize = 32

// hkdfInfoNamespace is the HKDF info prefix for namespace key
// derivation. Changing it invalidates all stored ciphertext.
var hkdfInfoNamespace = []byte("keepsake.vault.namespace.v1")

// Vault encrypts target credentials at rest. Values are sealed with
// XChaCha20-Poly1305 under a key derived per namespace (node id) from
// the master key via HKDF-SHA256. The (namespace, name) pair is bound
// into the AEAD as additional authenticated data, so a ciphertext
// moved to a different row fails to open.
type Vault struct {
	store     *store.Store
	masterKey *secret.Buffer
}

// NewVault creates a vault. The masterKey buffer is owned by the
// vault and closed with it; it must be exactly KeySize bytes.
func NewVault(st *store.Store, masterKey *secret.Buffer) (*Vault, error) {
	if masterKey.Len() != KeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", KeySize, masterKey.Len())
	}
	return &Vault{store: st, masterKey: masterKey}, nil
}

// Close zeroes and releases the master key. Idempotent.
func (v *Vault) Close() error {
	return v.masterKey.Close()
}

// Put encrypts and stores a secret value under (namespace, name).
// The value buffer is borrowed, not closed.
func (v *Vault) Put(ctx context.Context, namespace, name string, value *secret.Buffer) error {
	key, err := v.namespaceKey(namespace)
	if err != nil {
		return err
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return fmt.Errorf("vault: creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("vault: generating nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value.Bytes(), aad(namespace, name))
	err = v.store.PutSecret(ctx, &store.SecretRow{
		Namespace:  namespace,
		Name:       name,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return fmt.Errorf("vault: storing %s/%s: %w", namespace, name, err)
	}
	return nil
}

// Get decrypts the secret stored under (namespace, name). The caller
// must close the returned buffer. Returns store.ErrNotFound if the
// row is absent.
func (v *Vault) Get(ctx context.Context, namespace, name string) (*secret.Buffer, error) {
	row, err := v.store.GetSecret(ctx, namespace, name)
	if err != nil {
		return nil, err
	}

	key, err := v.namespaceKey(namespace)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, row.Nonce, row.Ciphertext, aad(namespace, name))
	if err != nil {
		return nil, fmt.Errorf("vault: opening %s/%s: %w", namespace, name, err)
	}
	// NewFromBytes copies into guarded memory and zeroes the heap
	// slice.
	return secret.NewFromBytes(plaintext)
}

// List returns the secret names in a namespace.
func (v *Vault) List(ctx context.Context, namespace string) ([]string, error) {
	return v.store.ListSecretNames(ctx, namespace)
}

// Delete removes the secret stored under (namespace, name).
func (v *Vault) Delete(ctx context.Context, namespace, name string) error {
	return v.store.DeleteSecret(ctx, namespace, name)
}

// namespaceKey derives the namespace's encryption key from the
// master key. The returned buffer must be closed by the caller.
func (v *Vault) namespaceKey(namespace string) (*secret.Buffer, error) {
	info := make([]byte, 0, len(hkdfInfoNamespace)+len(namespace))
	info = append(info, hkdfInfoNamespace...)
	info = append(info, namespace...)

	reader := hkdf.New(sha256.New, v.masterKey.Bytes(), nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("vault: deriving key for %s: %w", namespace, err)
	}
	return secret.NewFromBytes(derived)
}

func aad(namespace, name string) []byte {
	out := make([]byte, 0, len(namespace)+1+len(name))
	out = append(out, namespace...)
	out = append(out, 0)
	out = append(out, name...)
	return out
}
