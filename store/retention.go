// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DeletedToday returns the number of artifact deletions charged to
// the job on the given UTC calendar day ("2026-08-29").
func (s *Store) DeletedToday(ctx context.Context, jobID, day string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: retention counter: %w", err)
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn, `SELECT deleted FROM retention_counters
		WHERE job_id = ? AND day = ?`, &sqlitex.ExecOptions{
		Args: []any{jobID, day},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: retention counter: %w", err)
	}
	return count, nil
}

// ChargeDeletions adds n to the job's deletion counter for the given
// UTC calendar day. The counter is charged when deletes are enqueued,
// not when they complete, so a crash between enqueue and execution
// can only under-delete.
func (s *Store) ChargeDeletions(ctx context.Context, jobID, day string, n int) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: charge deletions: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO retention_counters (job_id, day, deleted)
		VALUES (?, ?, ?)
		ON CONFLICT (job_id, day) DO UPDATE SET deleted = deleted + ?`,
		&sqlitex.ExecOptions{Args: []any{jobID, day, n, n}})
	if err != nil {
		return fmt.Errorf("store: charge deletions: %w", err)
	}
	return nil
}

// PruneRetentionCounters drops counter rows for days before cutoff
// ("2026-08-01"). Old days never constrain anything again.
func (s *Store) PruneRetentionCounters(ctx context.Context, cutoffDay string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: prune retention counters: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM retention_counters WHERE day < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoffDay}})
	if err != nil {
		return fmt.Errorf("store: prune retention counters: %w", err)
	}
	return nil
}
