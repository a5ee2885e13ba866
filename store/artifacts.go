// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const artifactColumns = `id, job_id, run_id, name, node, target, size_bytes,
	checksum, status, error, pinned, pinned_by, deleted_by, delete_reason,
	created_at, deleted_at, last_attempt_at`

// CreateArtifact records a freshly produced artifact as present. The
// (job, name) pair is unique: a run that produced a name the index
// already holds is a bug upstream, and the insert fails.
func (s *Store) CreateArtifact(ctx context.Context, artifact *Artifact) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: create artifact: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO artifacts
		(id, job_id, run_id, name, node, target, size_bytes, checksum, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`, &sqlitex.ExecOptions{
		Args: []any{
			artifact.ID,
			artifact.JobID,
			artifact.RunID,
			artifact.Name,
			artifact.Node,
			blobArg(artifact.Target),
			artifact.SizeBytes,
			artifact.Checksum,
			string(ArtifactPresent),
			s.nowNanos(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: create artifact %s: %w", artifact.Name, err)
	}
	return nil
}

// ArtifactByID looks up an artifact by id. Returns ErrNotFound if
// absent.
func (s *Store) ArtifactByID(ctx context.Context, id string) (*Artifact, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: artifact lookup: %w", err)
	}
	defer s.pool.Put(conn)

	var artifact *Artifact
	err = sqlitex.Execute(conn, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				artifact = scanArtifact(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: artifact lookup: %w", err)
	}
	if artifact == nil {
		return nil, ErrNotFound
	}
	return artifact, nil
}

// ArtifactForRun returns the artifact a run produced, or ErrNotFound.
func (s *Store) ArtifactForRun(ctx context.Context, runID string) (*Artifact, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: artifact lookup: %w", err)
	}
	defer s.pool.Put(conn)

	var artifact *Artifact
	err = sqlitex.Execute(conn, `SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				artifact = scanArtifact(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: artifact lookup: %w", err)
	}
	if artifact == nil {
		return nil, ErrNotFound
	}
	return artifact, nil
}

// ListArtifacts returns a job's artifacts, newest first. Statuses
// filters the result when non-empty.
func (s *Store) ListArtifacts(ctx context.Context, jobID string, statuses ...ArtifactStatus) ([]*Artifact, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE job_id = ?`
	args := []any{jobID}
	if len(statuses) > 0 {
		query += ` AND status IN (`
		for i, status := range statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(status))
		}
		query += `)`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var artifacts []*Artifact
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			artifacts = append(artifacts, scanArtifact(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	return artifacts, nil
}

// MarkArtifactDeleting moves a present artifact to deleting, stamping
// who asked and why. Returns false if the artifact was not present,
// which makes concurrent retention ticks race-free: exactly one tick
// enqueues the delete.
func (s *Store) MarkArtifactDeleting(ctx context.Context, id, actor, reason string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: mark artifact deleting: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE artifacts
		SET status = ?, error = '', deleted_by = ?, delete_reason = ?
		WHERE id = ? AND status = ?`, &sqlitex.ExecOptions{
		Args: []any{
			string(ArtifactDeleting),
			actor,
			reason,
			id,
			string(ArtifactPresent),
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: mark artifact deleting: %w", err)
	}
	return conn.Changes() == 1, nil
}

// TouchArtifactDeleteAttempt stamps the time of a delete dispatch so
// an operator can see when a stuck deletion last tried.
func (s *Store) TouchArtifactDeleteAttempt(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: touch artifact attempt: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE artifacts
		SET last_attempt_at = ?
		WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{s.nowNanos(), id},
	})
	if err != nil {
		return fmt.Errorf("store: touch artifact attempt: %w", err)
	}
	return nil
}

// MarkArtifactDeleted confirms removal from the target. Valid from
// deleting; also accepted from present for the not-found shortcut,
// where the target reports the object already gone.
func (s *Store) MarkArtifactDeleted(ctx context.Context, id string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: mark artifact deleted: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE artifacts
		SET status = ?, error = '', deleted_at = ?
		WHERE id = ? AND status IN (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(ArtifactDeleted),
			s.nowNanos(),
			id,
			string(ArtifactDeleting),
			string(ArtifactPresent),
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: mark artifact deleted: %w", err)
	}
	return conn.Changes() == 1, nil
}

// MarkArtifactError records that deletion was abandoned. The object's
// state on the target is unknown; the artifact keeps pinning its run.
func (s *Store) MarkArtifactError(ctx context.Context, id, errMsg string) (bool, error) {
	return s.transitionArtifact(ctx, id, ArtifactDeleting, ArtifactError, errMsg)
}

// MarkArtifactMissing records that the object vanished from the target
// without a delete of ours. Valid from present and deleting.
func (s *Store) MarkArtifactMissing(ctx context.Context, id string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: mark artifact missing: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE artifacts
		SET status = ?, error = '', deleted_at = ?
		WHERE id = ? AND status IN (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(ArtifactMissing),
			s.nowNanos(),
			id,
			string(ArtifactPresent),
			string(ArtifactDeleting),
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: mark artifact missing: %w", err)
	}
	return conn.Changes() == 1, nil
}

// RequeueArtifactDelete moves an error artifact back to deleting for
// an operator-initiated retry.
func (s *Store) RequeueArtifactDelete(ctx context.Context, id string) (bool, error) {
	return s.transitionArtifact(ctx, id, ArtifactError, ArtifactDeleting, "")
}

// SetArtifactPinned pins or unpins an artifact. Pins apply only to
// artifacts that may still exist on the target.
func (s *Store) SetArtifactPinned(ctx context.Context, id string, pinned bool, actor string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: pin artifact: %w", err)
	}
	defer s.pool.Put(conn)

	if !pinned {
		actor = ""
	}
	err = sqlitex.Execute(conn, `UPDATE artifacts
		SET pinned = ?, pinned_by = ?
		WHERE id = ? AND status NOT IN (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			boolArg(pinned),
			actor,
			id,
			string(ArtifactDeleted),
			string(ArtifactMissing),
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: pin artifact: %w", err)
	}
	return conn.Changes() == 1, nil
}

func (s *Store) transitionArtifact(ctx context.Context, id string, from, to ArtifactStatus, errMsg string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: artifact transition: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE artifacts
		SET status = ?, error = ?
		WHERE id = ? AND status = ?`, &sqlitex.ExecOptions{
		Args: []any{string(to), errMsg, id, string(from)},
	})
	if err != nil {
		return false, fmt.Errorf("store: artifact transition %s -> %s: %w", from, to, err)
	}
	return conn.Changes() == 1, nil
}

func scanArtifact(stmt *sqlite.Stmt) *Artifact {
	artifact := &Artifact{
		ID:            stmt.ColumnText(0),
		JobID:         stmt.ColumnText(1),
		RunID:         stmt.ColumnText(2),
		Name:          stmt.ColumnText(3),
		Node:          stmt.ColumnText(4),
		SizeBytes:     stmt.ColumnInt64(6),
		Checksum:      stmt.ColumnText(7),
		Status:        ArtifactStatus(stmt.ColumnText(8)),
		Error:         stmt.ColumnText(9),
		Pinned:        stmt.ColumnInt64(10) != 0,
		PinnedBy:      stmt.ColumnText(11),
		DeletedBy:     stmt.ColumnText(12),
		DeleteReason:  stmt.ColumnText(13),
		CreatedAt:     timeColumn(stmt, 14),
		DeletedAt:     timeColumn(stmt, 15),
		LastAttemptAt: timeColumn(stmt, 16),
	}
	if !stmt.ColumnIsNull(5) {
		artifact.Target = make([]byte, stmt.ColumnLen(5))
		stmt.ColumnBytes(5, artifact.Target)
	}
	return artifact
}
