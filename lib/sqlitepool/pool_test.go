// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open with empty Path succeeded, want error")
	}
}

func TestTakePutRoundTrip(t *testing.T) {
	pool, err := Open(Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, "CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY, v TEXT);", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	err = sqlitex.Execute(conn, "INSERT INTO t (v) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{"hello"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	pool.Put(conn)

	conn, err = pool.Take(ctx)
	if err != nil {
		t.Fatalf("second Take: %v", err)
	}
	defer pool.Put(conn)

	var got string
	err = sqlitex.Execute(conn, "SELECT v FROM t", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			got = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != "hello" {
		t.Errorf("selected %q, want %q", got, "hello")
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	pool, err := Open(Config{
		Path:     ":memory:",
		PoolSize: 1,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, `
				CREATE TABLE parent (id INTEGER PRIMARY KEY);
				CREATE TABLE child (
					id        INTEGER PRIMARY KEY,
					parent_id INTEGER NOT NULL REFERENCES parent(id)
				);
			`, nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO child (parent_id) VALUES (42)", nil)
	if err == nil {
		t.Error("insert with dangling foreign key succeeded, want constraint error")
	}
}
