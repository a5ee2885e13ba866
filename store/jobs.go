// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const jobColumns = `id, name, node, enabled, schedule, timezone,
	overlap, target, retention, recipient, source, created_at, updated_at`

// CreateJob inserts a job definition. The name must be unique.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.nowNanos()
	err = sqlitex.Execute(conn, `INSERT INTO jobs
		(id, name, node, enabled, schedule, timezone, overlap,
		 target, retention, recipient, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			job.ID,
			job.Name,
			job.Node,
			boolArg(job.Enabled),
			job.Schedule,
			job.Timezone,
			string(job.Overlap),
			job.Target,
			blobArg(job.Retention),
			job.Recipient,
			job.Source,
			now,
			now,
		},
	})
	if err != nil {
		return fmt.Errorf("store: create job %s: %w", job.Name, err)
	}
	return nil
}

// UpdateJob replaces the mutable fields of an existing job: node,
// enabled, schedule, timezone, overlap, target, retention, source.
// Name changes are not supported; the name is the job's identity for
// operators.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE jobs SET
		node = ?, enabled = ?, schedule = ?, timezone = ?,
		overlap = ?, target = ?, retention = ?, recipient = ?,
		source = ?, updated_at = ?
		WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{
			job.Node,
			boolArg(job.Enabled),
			job.Schedule,
			job.Timezone,
			string(job.Overlap),
			job.Target,
			blobArg(job.Retention),
			job.Recipient,
			job.Source,
			s.nowNanos(),
			job.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("store: update job %s: %w", job.ID, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// JobByID looks up a job by id. Returns ErrNotFound if absent.
func (s *Store) JobByID(ctx context.Context, id string) (*Job, error) {
	return s.jobWhere(ctx, "id = ?", id)
}

// JobByName looks up a job by name. Returns ErrNotFound if absent.
func (s *Store) JobByName(ctx context.Context, name string) (*Job, error) {
	return s.jobWhere(ctx, "name = ?", name)
}

func (s *Store) jobWhere(ctx context.Context, where string, arg any) (*Job, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: job lookup: %w", err)
	}
	defer s.pool.Put(conn)

	var job *Job
	err = sqlitex.Execute(conn, `SELECT `+jobColumns+` FROM jobs WHERE `+where,
		&sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				job = scanJob(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: job lookup: %w", err)
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

// ListJobs returns all jobs ordered by name.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY name`)
}

// ListEnabledScheduledJobs returns enabled jobs with a cron schedule,
// the set the scheduler evaluates each tick.
func (s *Store) ListEnabledScheduledJobs(ctx context.Context) ([]*Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE enabled = 1 AND schedule != '' ORDER BY name`)
}

func (s *Store) listJobs(ctx context.Context, query string) ([]*Job, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer s.pool.Put(conn)

	var jobs []*Job
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			jobs = append(jobs, scanJob(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job definition. Fails while runs or artifacts
// still reference it; history must be pruned first.
func (s *Store) DeleteJob(ctx context.Context, id string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete job: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: delete job: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	// History goes with the job: artifact rows first (they reference
	// runs), then runs and counters.
	for _, statement := range []string{
		`DELETE FROM artifacts WHERE job_id = ?`,
		`DELETE FROM runs WHERE job_id = ?`,
		`DELETE FROM retention_counters WHERE job_id = ?`,
	} {
		if err = sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return fmt.Errorf("store: delete job %s: %w", id, err)
		}
	}

	err = sqlitex.Execute(conn, `DELETE FROM jobs WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("store: delete job %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(stmt *sqlite.Stmt) *Job {
	job := &Job{
		ID:        stmt.ColumnText(0),
		Name:      stmt.ColumnText(1),
		Node:      stmt.ColumnText(2),
		Enabled:   stmt.ColumnInt64(3) != 0,
		Schedule:  stmt.ColumnText(4),
		Timezone:  stmt.ColumnText(5),
		Overlap:   OverlapPolicy(stmt.ColumnText(6)),
		Recipient: stmt.ColumnText(9),
		Source:    stmt.ColumnText(10),
		CreatedAt: timeColumn(stmt, 11),
		UpdatedAt: timeColumn(stmt, 12),
	}
	job.Target = make([]byte, stmt.ColumnLen(7))
	stmt.ColumnBytes(7, job.Target)
	if !stmt.ColumnIsNull(8) {
		job.Retention = make([]byte, stmt.ColumnLen(8))
		stmt.ColumnBytes(8, job.Retention)
	}
	return job
}

func boolArg(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// blobArg converts a possibly-nil byte slice to a nullable BLOB
// argument.
func blobArg(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}
