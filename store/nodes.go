// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound is returned by lookups addressed at a row that does not
// exist.
var ErrNotFound = fmt.Errorf("store: not found")

// CreateNode registers a node. The name must be unique.
func (s *Store) CreateNode(ctx context.Context, node *Node) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: create node: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO nodes
		(id, name, status, secret_hash, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			node.ID,
			node.Name,
			string(NodeOffline),
			node.SecretHash,
			node.Version,
			s.nowNanos(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: create node %s: %w", node.Name, err)
	}
	return nil
}

// NodeByID looks up a node by id. Returns ErrNotFound if absent.
func (s *Store) NodeByID(ctx context.Context, id string) (*Node, error) {
	return s.nodeWhere(ctx, "id = ?", id)
}

// NodeByName looks up a node by name. Returns ErrNotFound if absent.
func (s *Store) NodeByName(ctx context.Context, name string) (*Node, error) {
	return s.nodeWhere(ctx, "name = ?", name)
}

func (s *Store) nodeWhere(ctx context.Context, where string, arg any) (*Node, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: node lookup: %w", err)
	}
	defer s.pool.Put(conn)

	var node *Node
	err = sqlitex.Execute(conn, `SELECT id, name, status, secret_hash,
		version, created_at, last_seen_at FROM nodes WHERE `+where,
		&sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				node = scanNode(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: node lookup: %w", err)
	}
	if node == nil {
		return nil, ErrNotFound
	}
	return node, nil
}

// ListNodes returns all registered nodes ordered by name.
func (s *Store) ListNodes(ctx context.Context) ([]*Node, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer s.pool.Put(conn)

	var nodes []*Node
	err = sqlitex.Execute(conn, `SELECT id, name, status, secret_hash,
		version, created_at, last_seen_at FROM nodes ORDER BY name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nodes = append(nodes, scanNode(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	return nodes, nil
}

// SetNodeOnline marks a node online, recording its reported version
// and the current time as last seen.
func (s *Store) SetNodeOnline(ctx context.Context, id, version string) error {
	return s.updateNodeStatus(ctx, id, NodeOnline, version)
}

// SetNodeOffline marks a node offline. Last seen keeps its previous
// value.
func (s *Store) SetNodeOffline(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: set node offline: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE nodes SET status = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(NodeOffline), id}})
	if err != nil {
		return fmt.Errorf("store: set node offline: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeNode marks a node revoked. Terminal: a revoked node never
// comes back online; re-enrollment creates a new node row.
func (s *Store) RevokeNode(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: revoke node: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE nodes SET status = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(NodeRevoked), id}})
	if err != nil {
		return fmt.Errorf("store: revoke node: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchNode records a heartbeat from an online node.
func (s *Store) TouchNode(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: touch node: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE nodes SET last_seen_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{s.nowNanos(), id}})
	if err != nil {
		return fmt.Errorf("store: touch node: %w", err)
	}
	return nil
}

// MarkAllNodesOffline forces every node offline. Called at hub
// startup: connection state does not survive a restart, so whatever
// the table says is stale.
func (s *Store) MarkAllNodesOffline(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: mark nodes offline: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE nodes SET status = ? WHERE status != ?`,
		&sqlitex.ExecOptions{Args: []any{string(NodeOffline), string(NodeRevoked)}})
	if err != nil {
		return fmt.Errorf("store: mark nodes offline: %w", err)
	}
	return nil
}

func (s *Store) updateNodeStatus(ctx context.Context, id string, status NodeStatus, version string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: update node status: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE nodes
		SET status = ?, version = ?, last_seen_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(status), version, s.nowNanos(), id},
		})
	if err != nil {
		return fmt.Errorf("store: update node status: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNode(stmt *sqlite.Stmt) *Node {
	node := &Node{
		ID:        stmt.ColumnText(0),
		Name:      stmt.ColumnText(1),
		Status:    NodeStatus(stmt.ColumnText(2)),
		Version:   stmt.ColumnText(4),
		CreatedAt: timeColumn(stmt, 5),
	}
	node.SecretHash = make([]byte, stmt.ColumnLen(3))
	stmt.ColumnBytes(3, node.SecretHash)
	node.LastSeenAt = timeColumn(stmt, 6)
	return node
}
