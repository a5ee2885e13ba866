// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const runColumns = `id, job_id, status, triggered_by, node, target,
	progress, error, started_at, ended_at, created_at`

// CreateRun inserts a run. The caller decides the initial status:
// pending for queued handoffs, running for immediate starts.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO runs
		(id, job_id, status, triggered_by, node, target, progress, error,
		started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			run.ID,
			run.JobID,
			string(run.Status),
			string(run.Trigger),
			run.Node,
			blobArg(run.Target),
			run.Error,
			timeArg(run.StartedAt),
			timeArg(run.EndedAt),
			s.nowNanos(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: create run for job %s: %w", run.JobID, err)
	}
	return nil
}

// CreateHandoffRun inserts a pending run for the job unless one
// already exists. Returns true if the run was inserted. This is what
// makes handoff registration idempotent: a schedule firing repeatedly
// over a long-running run parks exactly one successor.
func (s *Store) CreateHandoffRun(ctx context.Context, run *Run) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: create handoff run: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO runs
		(id, job_id, status, triggered_by, node, target, error, created_at)
		SELECT ?, ?, ?, ?, ?, ?, '', ?
		WHERE NOT EXISTS (
			SELECT 1 FROM runs WHERE job_id = ? AND status = ?
		)`, &sqlitex.ExecOptions{
		Args: []any{
			run.ID,
			run.JobID,
			string(RunPending),
			string(run.Trigger),
			run.Node,
			blobArg(run.Target),
			s.nowNanos(),
			run.JobID,
			string(RunPending),
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: create handoff run for job %s: %w", run.JobID, err)
	}
	return conn.Changes() == 1, nil
}

// RunByID looks up a run by id. Returns ErrNotFound if absent.
func (s *Store) RunByID(ctx context.Context, id string) (*Run, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: run lookup: %w", err)
	}
	defer s.pool.Put(conn)

	var run *Run
	err = sqlitex.Execute(conn, `SELECT `+runColumns+` FROM runs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				run = scanRun(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: run lookup: %w", err)
	}
	if run == nil {
		return nil, ErrNotFound
	}
	return run, nil
}

// ActiveRun returns the job's running run, or ErrNotFound.
func (s *Store) ActiveRun(ctx context.Context, jobID string) (*Run, error) {
	return s.runWithStatus(ctx, jobID, RunRunning)
}

// PendingRun returns the job's parked handoff run, or ErrNotFound.
func (s *Store) PendingRun(ctx context.Context, jobID string) (*Run, error) {
	return s.runWithStatus(ctx, jobID, RunPending)
}

func (s *Store) runWithStatus(ctx context.Context, jobID string, status RunStatus) (*Run, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: run lookup: %w", err)
	}
	defer s.pool.Put(conn)

	var run *Run
	err = sqlitex.Execute(conn, `SELECT `+runColumns+` FROM runs
		WHERE job_id = ? AND status = ? LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{jobID, string(status)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			run = scanRun(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: run lookup: %w", err)
	}
	if run == nil {
		return nil, ErrNotFound
	}
	return run, nil
}

// StartableRuns returns pending runs whose job has no running run,
// oldest first. These are the runs the dispatch loop may claim
// without violating the one-running-run-per-job invariant.
func (s *Store) StartableRuns(ctx context.Context) ([]*Run, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: startable runs: %w", err)
	}
	defer s.pool.Put(conn)

	var runs []*Run
	err = sqlitex.Execute(conn, `SELECT `+runColumns+` FROM runs
		WHERE status = ? AND NOT EXISTS (
			SELECT 1 FROM runs other
			WHERE other.job_id = runs.job_id AND other.status = ?
		) ORDER BY created_at, id`, &sqlitex.ExecOptions{
		Args: []any{string(RunPending), string(RunRunning)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			runs = append(runs, scanRun(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: startable runs: %w", err)
	}
	return runs, nil
}

// RunsInStatus returns all runs in the given status, oldest first.
func (s *Store) RunsInStatus(ctx context.Context, status RunStatus) ([]*Run, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: runs in status: %w", err)
	}
	defer s.pool.Put(conn)

	var runs []*Run
	err = sqlitex.Execute(conn, `SELECT `+runColumns+` FROM runs
		WHERE status = ? ORDER BY created_at, id`, &sqlitex.ExecOptions{
		Args: []any{string(status)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			runs = append(runs, scanRun(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: runs in status: %w", err)
	}
	return runs, nil
}

// ListRuns returns the job's newest runs, up to limit.
func (s *Store) ListRuns(ctx context.Context, jobID string, limit int) ([]*Run, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer s.pool.Put(conn)

	var runs []*Run
	err = sqlitex.Execute(conn, `SELECT `+runColumns+` FROM runs
		WHERE job_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{jobID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				runs = append(runs, scanRun(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return runs, nil
}

// MarkRunStarted moves a pending run to running, stamping started_at.
// Returns false if the run was not pending, which means another
// goroutine already took it or it was canceled.
func (s *Store) MarkRunStarted(ctx context.Context, id string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: mark run started: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE runs
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`, &sqlitex.ExecOptions{
		Args: []any{string(RunRunning), s.nowNanos(), id, string(RunPending)},
	})
	if err != nil {
		return false, fmt.Errorf("store: mark run started: %w", err)
	}
	return conn.Changes() == 1, nil
}

// SetRunProgress records the executing node's progress report.
// Returns false without error when the run is not running anymore;
// late reports racing completion are a harmless no-op.
func (s *Store) SetRunProgress(ctx context.Context, id, progress string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: set run progress: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE runs SET progress = ?
		WHERE id = ? AND status = ?`, &sqlitex.ExecOptions{
		Args: []any{progress, id, string(RunRunning)},
	})
	if err != nil {
		return false, fmt.Errorf("store: set run progress: %w", err)
	}
	return conn.Changes() == 1, nil
}

// FinishRun moves a run to a terminal status, stamping ended_at.
// Returns false if the run was already terminal.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, errMsg string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("store: finish run: %s is not terminal", status)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: finish run: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE runs
		SET status = ?, error = ?, ended_at = ?
		WHERE id = ? AND status IN (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(status),
			errMsg,
			s.nowNanos(),
			id,
			string(RunPending),
			string(RunRunning),
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: finish run: %w", err)
	}
	return conn.Changes() == 1, nil
}

// PruneRuns deletes terminal runs that ended before cutoffNanos and
// have no artifact still pinning them. An artifact pins its run until
// it is confirmed deleted: present, deleting, and error artifacts all
// block pruning. Rows for confirmed-deleted artifacts are removed
// together with their run. Returns the number of runs pruned.
func (s *Store) PruneRuns(ctx context.Context, cutoffNanos int64) (pruned int, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: prune runs: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: prune runs: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	const candidates = `SELECT id FROM runs
		WHERE status IN ('success', 'failed', 'canceled', 'rejected')
		AND ended_at IS NOT NULL AND ended_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM artifacts
			WHERE artifacts.run_id = runs.id
			AND artifacts.status NOT IN ('deleted', 'missing')
		)`

	err = sqlitex.Execute(conn, `DELETE FROM artifacts
		WHERE status IN ('deleted', 'missing') AND run_id IN (`+candidates+`)`,
		&sqlitex.ExecOptions{Args: []any{cutoffNanos}})
	if err != nil {
		return 0, fmt.Errorf("store: prune runs: deleting artifact rows: %w", err)
	}

	err = sqlitex.Execute(conn, `DELETE FROM runs WHERE id IN (`+candidates+`)`,
		&sqlitex.ExecOptions{Args: []any{cutoffNanos}})
	if err != nil {
		return 0, fmt.Errorf("store: prune runs: %w", err)
	}
	return conn.Changes(), nil
}

func scanRun(stmt *sqlite.Stmt) *Run {
	run := &Run{
		ID:        stmt.ColumnText(0),
		JobID:     stmt.ColumnText(1),
		Status:    RunStatus(stmt.ColumnText(2)),
		Trigger:   RunTrigger(stmt.ColumnText(3)),
		Node:      stmt.ColumnText(4),
		Progress:  stmt.ColumnText(6),
		Error:     stmt.ColumnText(7),
		StartedAt: timeColumn(stmt, 8),
		EndedAt:   timeColumn(stmt, 9),
		CreatedAt: timeColumn(stmt, 10),
	}
	if !stmt.ColumnIsNull(5) {
		run.Target = make([]byte, stmt.ColumnLen(5))
		stmt.ColumnBytes(5, run.Target)
	}
	return run
}
