// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SecretRow is an encrypted secret at rest. Encryption and decryption
// live in the registry's vault; the store only persists opaque nonce
// and ciphertext blobs, keyed by (namespace, name). Namespaces are
// node ids: each node's secrets are sealed under a key derived for
// that node, so a leaked ciphertext from one node is useless with
// another node's key.
type SecretRow struct {
	Namespace  string
	Name       string
	Nonce      []byte
	Ciphertext []byte
}

// PutSecret inserts or replaces a secret row.
func (s *Store) PutSecret(ctx context.Context, row *SecretRow) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: put secret: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.nowNanos()
	err = sqlitex.Execute(conn, `INSERT INTO secrets
		(namespace, name, nonce, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, name) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
		Args: []any{row.Namespace, row.Name, row.Nonce, row.Ciphertext, now, now},
	})
	if err != nil {
		return fmt.Errorf("store: put secret %s/%s: %w", row.Namespace, row.Name, err)
	}
	return nil
}

// GetSecret looks up a secret row. Returns ErrNotFound if absent.
func (s *Store) GetSecret(ctx context.Context, namespace, name string) (*SecretRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get secret: %w", err)
	}
	defer s.pool.Put(conn)

	var row *SecretRow
	err = sqlitex.Execute(conn, `SELECT nonce, ciphertext FROM secrets
		WHERE namespace = ? AND name = ?`, &sqlitex.ExecOptions{
		Args: []any{namespace, name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row = &SecretRow{Namespace: namespace, Name: name}
			row.Nonce = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, row.Nonce)
			row.Ciphertext = make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, row.Ciphertext)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: get secret %s/%s: %w", namespace, name, err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return row, nil
}

// ListSecretNames returns the secret names in a namespace, sorted.
// Values are never listed.
func (s *Store) ListSecretNames(ctx context.Context, namespace string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	defer s.pool.Put(conn)

	var names []string
	err = sqlitex.Execute(conn, `SELECT name FROM secrets
		WHERE namespace = ? ORDER BY name`, &sqlitex.ExecOptions{
		Args: []any{namespace},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			names = append(names, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	return names, nil
}

// DeleteSecret removes a secret row. Returns ErrNotFound if absent.
func (s *Store) DeleteSecret(ctx context.Context, namespace, name string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete secret: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM secrets WHERE namespace = ? AND name = ?`,
		&sqlitex.ExecOptions{Args: []any{namespace, name}})
	if err != nil {
		return fmt.Errorf("store: delete secret %s/%s: %w", namespace, name, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}
