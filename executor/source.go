// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"

	"github.com/keepsake-foundation/keepsake/lib/secret"
	"github.com/keepsake-foundation/keepsake/registry"
	"github.com/keepsake-foundation/keepsake/store"
)

// CredentialSource resolves a credential reference from a target
// descriptor into its secret value. The caller closes the returned
// buffer. An unknown reference returns store.ErrNotFound.
type CredentialSource interface {
	Credential(ctx context.Context, ref string) (*secret.Buffer, error)
}

// VaultSource resolves credentials from the hub's vault, scoped to
// one namespace.
type VaultSource struct {
	Vault     *registry.Vault
	Namespace string
}

func (s *VaultSource) Credential(ctx context.Context, ref string) (*secret.Buffer, error) {
	return s.Vault.Get(ctx, s.Namespace, ref)
}

// BundleSource resolves credentials from a distributed secret bundle.
// Agents hold no vault; they receive their namespace's secrets sealed
// to their age key and serve lookups from the opened bundle.
type BundleSource struct {
	bundle *registry.SecretBundle
}

// NewBundleSource wraps an opened secret bundle.
func NewBundleSource(bundle *registry.SecretBundle) *BundleSource {
	return &BundleSource{bundle: bundle}
}

func (s *BundleSource) Credential(_ context.Context, ref string) (*secret.Buffer, error) {
	if s.bundle == nil {
		return nil, store.ErrNotFound
	}
	value, ok := s.bundle.Secrets[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	return secret.NewFromBytes(copied)
}
