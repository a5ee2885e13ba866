// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/sealed"
	"github.com/keepsake-foundation/keepsake/lib/secret"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	st, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "registry_test.db"),
		PoolSize: 2,
		Clock:    clock.Fake(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)),
		Logger:   slog.Default(),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	masterKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, masterKey); err != nil {
		t.Fatalf("generating master key: %v", err)
	}
	keyBuffer, err := secret.NewFromBytes(masterKey)
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	vault, err := NewVault(st, keyBuffer)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	t.Cleanup(func() { vault.Close() })

	return New(st, vault, slog.Default())
}

func TestEnrollAndVerify(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	enrollment, err := registry.Enroll(ctx, "nas")
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if enrollment.Secret == "" || enrollment.NodeID == "" {
		t.Fatalf("enrollment = %+v", enrollment)
	}

	if err := registry.VerifyProof(ctx, enrollment.NodeID, enrollment.Secret); err != nil {
		t.Errorf("VerifyProof with correct secret: %v", err)
	}

	err = registry.VerifyProof(ctx, enrollment.NodeID, "deadbeef")
	if !protocol.IsKind(err, protocol.KindAuth) {
		t.Errorf("wrong secret: kind = %q, want auth", protocol.KindOf(err))
	}
	err = registry.VerifyProof(ctx, "no-such-node", enrollment.Secret)
	if !protocol.IsKind(err, protocol.KindAuth) {
		t.Errorf("unknown node: kind = %q, want auth", protocol.KindOf(err))
	}

	if _, err := registry.Enroll(ctx, ""); !protocol.IsKind(err, protocol.KindConfig) {
		t.Errorf("empty name: kind = %q, want config", protocol.KindOf(err))
	}
}

func TestEnsureHubNodeIsIdempotent(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.EnsureHubNode(ctx); err != nil {
		t.Fatalf("EnsureHubNode: %v", err)
	}
	if err := registry.EnsureHubNode(ctx); err != nil {
		t.Fatalf("second EnsureHubNode: %v", err)
	}

	node, err := registry.Node(ctx, HubNodeID)
	if err != nil {
		t.Fatalf("Node(hub): %v", err)
	}
	if node.Name != HubNodeID {
		t.Errorf("hub node = %+v", node)
	}
}

func TestVaultRoundTripAndIsolation(t *testing.T) {
	registry := newTestRegistry(t)
	vault := registry.Vault()
	ctx := context.Background()

	value, err := secret.NewFromBytes([]byte("hunter2"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer value.Close()

	if err := vault.Put(ctx, "node-a", "webdav-password", value); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := vault.Get(ctx, "node-a", "webdav-password")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer got.Close()
	if got.String() != "hunter2" {
		t.Errorf("value = %q", got.String())
	}

	// Same name in a different namespace is a different row and a
	// different key.
	if _, err := vault.Get(ctx, "node-b", "webdav-password"); err == nil {
		t.Error("cross-namespace Get succeeded")
	}
}

func TestDistributeSealsToRecipient(t *testing.T) {
	registry := newTestRegistry(t)
	vault := registry.Vault()
	ctx := context.Background()

	for name, plaintext := range map[string]string{
		"webdav-password": "hunter2",
		"api-token":       "tok_123",
	} {
		value, err := secret.NewFromBytes([]byte(plaintext))
		if err != nil {
			t.Fatalf("NewFromBytes: %v", err)
		}
		if err := vault.Put(ctx, "node-a", name, value); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
		value.Close()
	}

	agentKeys, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer agentKeys.Close()

	encrypted, err := registry.Distribute(ctx, "node-a", agentKeys.PublicKey)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	bundle, err := OpenBundle(encrypted, agentKeys.PrivateKey)
	if err != nil {
		t.Fatalf("OpenBundle: %v", err)
	}
	if string(bundle.Secrets["webdav-password"]) != "hunter2" {
		t.Errorf("bundle = %+v", bundle.Secrets)
	}
	if len(bundle.Secrets) != 2 {
		t.Errorf("bundle has %d secrets, want 2", len(bundle.Secrets))
	}

	// A garbage recipient key is rejected before any decryption.
	if _, err := registry.Distribute(ctx, "node-a", "not-an-age-key"); err == nil {
		t.Error("Distribute accepted invalid recipient key")
	}
}

func TestRevokeRefusesProofAndClearsSecrets(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	enrollment, err := registry.Enroll(ctx, "nas")
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	value, err := secret.NewFromBytes([]byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.Vault().Put(ctx, enrollment.NodeID, "webdav-password", value); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value.Close()

	if err := registry.Revoke(ctx, enrollment.NodeID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if err := registry.VerifyProof(ctx, enrollment.NodeID, enrollment.Secret); err == nil {
		t.Error("revoked node's proof still accepted")
	}
	node, err := registry.Node(ctx, enrollment.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if node.Status != store.NodeRevoked {
		t.Errorf("status = %s, want revoked", node.Status)
	}
	names, err := registry.Vault().List(ctx, enrollment.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("namespace still holds %v", names)
	}

	// Startup reset leaves the revocation in place.
	if err := registry.store.MarkAllNodesOffline(ctx); err != nil {
		t.Fatal(err)
	}
	node, err = registry.Node(ctx, enrollment.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if node.Status != store.NodeRevoked {
		t.Errorf("status after offline sweep = %s, want revoked", node.Status)
	}
}

func TestRevokeHubNodeRefused(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.EnsureHubNode(ctx); err != nil {
		t.Fatal(err)
	}
	if err := registry.Revoke(ctx, HubNodeID); err == nil {
		t.Error("Revoke accepted the hub node")
	}
}
