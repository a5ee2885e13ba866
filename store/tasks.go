// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const taskColumns = `id, kind, payload, status, attempts,
	next_attempt_at, last_error, last_error_kind, dedupe_key,
	created_at, updated_at`

// EnqueueTask inserts a queued task. If the task carries a dedupe key
// and a non-terminal task with the same key exists, nothing is
// inserted and the existing task is returned with created=false.
func (s *Store) EnqueueTask(ctx context.Context, task *Task) (result *Task, created bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("store: enqueue task: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, false, fmt.Errorf("store: enqueue task: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if task.DedupeKey != "" {
		existing, err := taskWhere(conn, `dedupe_key = ? AND status NOT IN ('done', 'abandoned', 'ignored')`, task.DedupeKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	now := s.nowNanos()
	err = sqlitex.Execute(conn, `INSERT INTO tasks
		(id, kind, payload, status, attempts, next_attempt_at,
		 dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			task.ID,
			task.Kind,
			task.Payload,
			string(TaskQueued),
			now,
			stringOrNull(task.DedupeKey),
			now,
			now,
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: enqueue task %s: %w", task.Kind, err)
	}

	if err := appendTaskEvent(conn, task.ID, now, "", TaskQueued, 0, ""); err != nil {
		return nil, false, err
	}

	inserted := *task
	inserted.Status = TaskQueued
	inserted.NextAttemptAt = time.Unix(0, now).UTC()
	inserted.CreatedAt = inserted.NextAttemptAt
	inserted.UpdatedAt = inserted.NextAttemptAt
	return &inserted, true, nil
}

// ClaimNextTask atomically moves the oldest eligible task to running
// and increments its attempt counter. A task is eligible when it is
// queued or retrying and its next_attempt_at is due. Returns nil with
// no error when nothing is eligible.
func (s *Store) ClaimNextTask(ctx context.Context, kinds []string) (claimed *Task, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: claim task: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("store: claim task: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.nowNanos()
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN ('queued', 'retrying') AND next_attempt_at <= ?`
	args := []any{now}
	if len(kinds) > 0 {
		query += ` AND kind IN (`
		for i, kind := range kinds {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, kind)
		}
		query += `)`
	}
	query += ` ORDER BY next_attempt_at, id LIMIT 1`

	var candidate *Task
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			candidate = scanTask(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: claim task: %w", err)
	}
	if candidate == nil {
		return nil, nil
	}

	// The transaction serializes claimers, but the guard stays: the
	// claim must only fire from the state the candidate was read in.
	err = sqlitex.Execute(conn, `UPDATE tasks
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`, &sqlitex.ExecOptions{
		Args: []any{string(TaskRunning), now, candidate.ID, string(candidate.Status)},
	})
	if err != nil {
		return nil, fmt.Errorf("store: claim task %s: %w", candidate.ID, err)
	}
	if conn.Changes() != 1 {
		return nil, nil
	}

	fromStatus := candidate.Status
	candidate.Status = TaskRunning
	candidate.Attempts++
	candidate.UpdatedAt = time.Unix(0, now).UTC()

	if err := appendTaskEvent(conn, candidate.ID, now, fromStatus, TaskRunning, candidate.Attempts, ""); err != nil {
		return nil, err
	}
	return candidate, nil
}

// CompleteTask moves a running task to done.
func (s *Store) CompleteTask(ctx context.Context, id, detail string) error {
	return s.transitionTask(ctx, id, []TaskStatus{TaskRunning}, TaskDone, 0, "", detail)
}

// RescheduleTask moves a running task to retrying, eligible again at
// nextAttempt.
func (s *Store) RescheduleTask(ctx context.Context, id string, nextAttempt time.Time, errKind, errMsg string) error {
	return s.transitionTask(ctx, id, []TaskStatus{TaskRunning}, TaskRetrying, nextAttempt.UnixNano(), errKind, errMsg)
}

// BlockTask parks a running task as blocked after a terminal failure.
func (s *Store) BlockTask(ctx context.Context, id, errKind, errMsg string) error {
	return s.transitionTask(ctx, id, []TaskStatus{TaskRunning}, TaskBlocked, 0, errKind, errMsg)
}

// AbandonTask retires a running task that exhausted its attempt or
// age ceiling.
func (s *Store) AbandonTask(ctx context.Context, id, errKind, errMsg string) error {
	return s.transitionTask(ctx, id, []TaskStatus{TaskRunning}, TaskAbandoned, 0, errKind, errMsg)
}

// RetryTaskNow re-queues a parked task with immediate eligibility.
// The attempt counter is preserved: operator retries don't reset the
// abandonment ceiling, they spend the remaining attempts.
func (s *Store) RetryTaskNow(ctx context.Context, id string) error {
	return s.transitionTask(ctx, id,
		[]TaskStatus{TaskRetrying, TaskBlocked, TaskAbandoned},
		TaskQueued, s.nowNanos(), "", "operator retry")
}

// IgnoreTask dismisses a parked task, recording who dismissed it and
// why in the task's event trail.
func (s *Store) IgnoreTask(ctx context.Context, id, actor, reason string) error {
	detail := "operator ignore"
	if actor != "" {
		detail += " by " + actor
	}
	if reason != "" {
		detail += ": " + reason
	}
	return s.transitionTask(ctx, id,
		[]TaskStatus{TaskQueued, TaskRetrying, TaskBlocked, TaskAbandoned},
		TaskIgnored, 0, "", detail)
}

// UnignoreTask re-queues an ignored task with immediate eligibility.
func (s *Store) UnignoreTask(ctx context.Context, id string) error {
	return s.transitionTask(ctx, id, []TaskStatus{TaskIgnored},
		TaskQueued, s.nowNanos(), "", "operator unignore")
}

func (s *Store) transitionTask(ctx context.Context, id string, from []TaskStatus, to TaskStatus, nextAttemptNanos int64, errKind, detail string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: task transition: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: task transition: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	current, err := taskWhere(conn, "id = ?", id)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrNotFound
	}

	allowed := false
	for _, status := range from {
		if current.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("store: task %s is %s, cannot move to %s", id, current.Status, to)
	}

	now := s.nowNanos()
	next := nextAttemptNanos
	if next == 0 {
		next = current.NextAttemptAt.UnixNano()
	}
	err = sqlitex.Execute(conn, `UPDATE tasks
		SET status = ?, next_attempt_at = ?, last_error = ?,
		    last_error_kind = ?, updated_at = ?
		WHERE id = ? AND status = ?`, &sqlitex.ExecOptions{
		Args: []any{
			string(to),
			next,
			detailOrKeep(detail, errKind, current.LastError),
			kindOrKeep(errKind, current.LastErrorKind),
			now,
			id,
			string(current.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("store: task transition %s -> %s: %w", current.Status, to, err)
	}
	if conn.Changes() != 1 {
		return fmt.Errorf("store: task %s changed state concurrently", id)
	}

	return appendTaskEvent(conn, id, now, current.Status, to, current.Attempts, detail)
}

// detailOrKeep updates last_error only when the transition carries a
// failure; operator transitions keep the last failure visible.
func detailOrKeep(detail, errKind, previous string) string {
	if errKind != "" {
		return detail
	}
	return previous
}

func kindOrKeep(errKind, previous string) string {
	if errKind != "" {
		return errKind
	}
	return previous
}

// TaskByID looks up a task by id. Returns ErrNotFound if absent.
func (s *Store) TaskByID(ctx context.Context, id string) (*Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: task lookup: %w", err)
	}
	defer s.pool.Put(conn)

	task, err := taskWhere(conn, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	return task, nil
}

// ActiveTaskForDedupeKey returns the non-terminal task carrying the
// dedupe key. Returns ErrNotFound when no such task is active.
func (s *Store) ActiveTaskForDedupeKey(ctx context.Context, key string) (*Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: task lookup: %w", err)
	}
	defer s.pool.Put(conn)

	task, err := taskWhere(conn, `dedupe_key = ? AND status NOT IN ('done', 'abandoned', 'ignored')`, key)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	return task, nil
}

// ListTasks returns tasks newest-first, filtered by status when
// statuses is non-empty, up to limit.
func (s *Store) ListTasks(ctx context.Context, limit int, statuses ...TaskStatus) ([]*Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (`
		for i, status := range statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(status))
		}
		query += `)`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var tasks []*Task
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tasks = append(tasks, scanTask(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	return tasks, nil
}

// TaskEvents returns a task's transition log in order.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]*TaskEvent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: task events: %w", err)
	}
	defer s.pool.Put(conn)

	var events []*TaskEvent
	err = sqlitex.Execute(conn, `SELECT id, task_id, at, from_status,
		to_status, attempt, detail FROM task_events
		WHERE task_id = ? ORDER BY id`, &sqlitex.ExecOptions{
		Args: []any{taskID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			events = append(events, &TaskEvent{
				ID:         stmt.ColumnInt64(0),
				TaskID:     stmt.ColumnText(1),
				At:         timeColumn(stmt, 2),
				FromStatus: TaskStatus(stmt.ColumnText(3)),
				ToStatus:   TaskStatus(stmt.ColumnText(4)),
				Attempt:    int(stmt.ColumnInt64(5)),
				Detail:     stmt.ColumnText(6),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: task events: %w", err)
	}
	return events, nil
}

func taskWhere(conn *sqlite.Conn, where string, args ...any) (*Task, error) {
	var task *Task
	err := sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks WHERE `+where+` LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				task = scanTask(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: task lookup: %w", err)
	}
	return task, nil
}

func appendTaskEvent(conn *sqlite.Conn, taskID string, atNanos int64, from, to TaskStatus, attempt int, detail string) error {
	err := sqlitex.Execute(conn, `INSERT INTO task_events
		(task_id, at, from_status, to_status, attempt, detail)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{taskID, atNanos, string(from), string(to), attempt, detail},
	})
	if err != nil {
		return fmt.Errorf("store: append task event: %w", err)
	}
	return nil
}

func scanTask(stmt *sqlite.Stmt) *Task {
	task := &Task{
		ID:            stmt.ColumnText(0),
		Kind:          stmt.ColumnText(1),
		Status:        TaskStatus(stmt.ColumnText(3)),
		Attempts:      int(stmt.ColumnInt64(4)),
		NextAttemptAt: timeColumn(stmt, 5),
		LastError:     stmt.ColumnText(6),
		LastErrorKind: stmt.ColumnText(7),
		CreatedAt:     timeColumn(stmt, 9),
		UpdatedAt:     timeColumn(stmt, 10),
	}
	task.Payload = make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, task.Payload)
	if !stmt.ColumnIsNull(8) {
		task.DedupeKey = stmt.ColumnText(8)
	}
	return task
}

func stringOrNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
