// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/store"
)

// HubNodeID is the fixed id of the hub's own execution slot. It is
// registered at first start so jobs address the hub the same way they
// address any agent.
const HubNodeID = "hub"

// enrollmentSecretSize is the length of the random enrollment secret
// in bytes.
const enrollmentSecretSize = 32

// Registry manages node enrollment and connectivity state.
type Registry struct {
	store  *store.Store
	vault  *Vault
	logger *slog.Logger
}

// New creates a registry over the given store and vault.
func New(st *store.Store, vault *Vault, logger *slog.Logger) *Registry {
	return &Registry{store: st, vault: vault, logger: logger}
}

// Vault returns the secret vault.
func (r *Registry) Vault() *Vault { return r.vault }

// EnsureHubNode registers the hub's own node row if it does not
// exist. The hub never authenticates to itself, so its secret hash is
// a hash of random bytes nobody holds.
func (r *Registry) EnsureHubNode(ctx context.Context) error {
	if _, err := r.store.NodeByID(ctx, HubNodeID); err == nil {
		return nil
	}

	discarded := make([]byte, enrollmentSecretSize)
	if _, err := io.ReadFull(rand.Reader, discarded); err != nil {
		return fmt.Errorf("registry: generating hub placeholder secret: %w", err)
	}
	hash := blake3.Sum256(discarded)
	err := r.store.CreateNode(ctx, &store.Node{
		ID:         HubNodeID,
		Name:       HubNodeID,
		SecretHash: hash[:],
	})
	if err != nil {
		return fmt.Errorf("registry: registering hub node: %w", err)
	}
	r.logger.Info("hub node registered")
	return nil
}

// Enrollment is the result of enrolling a node. Secret is the one
// moment the plaintext enrollment secret exists hub-side; the caller
// shows it to the operator and drops it.
type Enrollment struct {
	NodeID string
	Secret string
}

// Enroll registers a new node under the given name and mints its
// enrollment secret.
func (r *Registry) Enroll(ctx context.Context, name string) (*Enrollment, error) {
	if name == "" {
		return nil, protocol.Errorf(protocol.KindConfig, "registry: node name is required")
	}

	secretBytes := make([]byte, enrollmentSecretSize)
	if _, err := io.ReadFull(rand.Reader, secretBytes); err != nil {
		return nil, fmt.Errorf("registry: generating enrollment secret: %w", err)
	}
	hash := blake3.Sum256(secretBytes)

	node := &store.Node{
		ID:         uuid.NewString(),
		Name:       name,
		SecretHash: hash[:],
	}
	if err := r.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("registry: enrolling %s: %w", name, err)
	}

	r.logger.Info("node enrolled", "node", node.ID, "name", name)
	return &Enrollment{
		NodeID: node.ID,
		Secret: hex.EncodeToString(secretBytes),
	}, nil
}

// VerifyProof checks an agent's hello proof against the stored secret
// hash. Returns an auth-classified error on mismatch.
func (r *Registry) VerifyProof(ctx context.Context, nodeID, proof string) error {
	node, err := r.store.NodeByID(ctx, nodeID)
	if err != nil {
		return protocol.Errorf(protocol.KindAuth, "registry: unknown node %s", nodeID)
	}
	if node.Status == store.NodeRevoked {
		return protocol.Errorf(protocol.KindAuth, "registry: node %s is revoked", nodeID)
	}

	secretBytes, err := hex.DecodeString(proof)
	if err != nil {
		return protocol.Errorf(protocol.KindAuth, "registry: malformed proof for node %s", nodeID)
	}
	hash := blake3.Sum256(secretBytes)
	if subtle.ConstantTimeCompare(hash[:], node.SecretHash) != 1 {
		return protocol.Errorf(protocol.KindAuth, "registry: proof rejected for node %s", nodeID)
	}
	return nil
}

// MarkOnline records an authenticated agent connection.
func (r *Registry) MarkOnline(ctx context.Context, nodeID, version string) error {
	if err := r.store.SetNodeOnline(ctx, nodeID, version); err != nil {
		return fmt.Errorf("registry: marking %s online: %w", nodeID, err)
	}
	r.logger.Info("node online", "node", nodeID, "version", version)
	return nil
}

// MarkOffline records a dropped agent connection.
func (r *Registry) MarkOffline(ctx context.Context, nodeID string) error {
	if err := r.store.SetNodeOffline(ctx, nodeID); err != nil {
		return fmt.Errorf("registry: marking %s offline: %w", nodeID, err)
	}
	r.logger.Info("node offline", "node", nodeID)
	return nil
}

// Revoke withdraws a node's enrollment. Terminal: the node's proof is
// refused from now on and its secret namespace is cleared. The hub
// node cannot be revoked.
func (r *Registry) Revoke(ctx context.Context, nodeID string) error {
	if nodeID == HubNodeID {
		return fmt.Errorf("registry: the hub node cannot be revoked")
	}
	if err := r.store.RevokeNode(ctx, nodeID); err != nil {
		return fmt.Errorf("registry: revoking %s: %w", nodeID, err)
	}
	names, err := r.vault.List(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("registry: revoking %s: %w", nodeID, err)
	}
	for _, name := range names {
		if err := r.vault.Delete(ctx, nodeID, name); err != nil {
			return fmt.Errorf("registry: revoking %s: deleting secret %s: %w", nodeID, name, err)
		}
	}
	r.logger.Info("node revoked", "node", nodeID, "secrets_cleared", len(names))
	return nil
}

// Heartbeat records agent liveness without a status change.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	return r.store.TouchNode(ctx, nodeID)
}

// Node looks up a node by id.
func (r *Registry) Node(ctx context.Context, nodeID string) (*store.Node, error) {
	return r.store.NodeByID(ctx, nodeID)
}

// List returns all registered nodes.
func (r *Registry) List(ctx context.Context) ([]*store.Node, error) {
	return r.store.ListNodes(ctx)
}
