// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/queue"
	"github.com/keepsake-foundation/keepsake/store"
)

// TaskKindDelete is the queue kind of artifact delete tasks.
const TaskKindDelete = "delete_artifact"

// Dispatcher routes an action to its executing node. Implemented by
// the execution router; the indirection keeps the index testable with
// a scripted dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, action protocol.Action) (*protocol.ActionResult, error)
}

// deletePayload is the CBOR body of a delete task.
type deletePayload struct {
	ArtifactID string `cbor:"artifact_id"`
}

// Index tracks artifacts and drives their deletion.
type Index struct {
	store      *store.Store
	engine     *queue.Engine
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates the index and registers its delete handler on the
// engine.
func New(st *store.Store, engine *queue.Engine, dispatcher Dispatcher, logger *slog.Logger) *Index {
	index := &Index{
		store:      st,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
	}
	engine.Register(TaskKindDelete, (*deleteHandler)(index))
	return index
}

// Record indexes a bundle produced by a successful run. Idempotent by
// run id: the completion handoff is at-least-once, so a redelivered
// registration returns the existing artifact.
func (idx *Index) Record(ctx context.Context, run *store.Run, info *protocol.ArtifactInfo) (*store.Artifact, error) {
	if existing, err := idx.store.ArtifactForRun(ctx, run.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Node and target come from the run, not the job: the job may be
	// re-pointed later, and this bundle lives where the run wrote it.
	artifact := &store.Artifact{
		ID:        uuid.NewString(),
		JobID:     run.JobID,
		RunID:     run.ID,
		Name:      info.Name,
		Node:      run.Node,
		Target:    run.Target,
		SizeBytes: info.SizeBytes,
		Checksum:  info.Checksum,
	}
	if err := idx.store.CreateArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	idx.logger.Info("artifact indexed",
		"artifact", artifact.ID,
		"job", run.JobID,
		"name", info.Name,
		"size", info.SizeBytes,
	)
	return artifact, nil
}

// Get returns one artifact.
func (idx *Index) Get(ctx context.Context, artifactID string) (*store.Artifact, error) {
	return idx.store.ArtifactByID(ctx, artifactID)
}

// List returns a job's artifacts, optionally filtered by status.
func (idx *Index) List(ctx context.Context, jobID string, statuses ...store.ArtifactStatus) ([]*store.Artifact, error) {
	return idx.store.ListArtifacts(ctx, jobID, statuses...)
}

// ErrPinned is returned when a delete targets a pinned artifact
// without the force flag.
var ErrPinned = errors.New("snapshot: artifact is pinned")

// RequestDelete claims a present artifact for deletion, records who
// asked and why, and enqueues the delete task. Deleting a pinned
// artifact requires force. Returns false without error when the
// artifact is already deleting, deleted, or errored; the caller did
// not win the claim but nothing is wrong.
func (idx *Index) RequestDelete(ctx context.Context, artifactID string, force bool, actor, reason string) (bool, error) {
	artifact, err := idx.store.ArtifactByID(ctx, artifactID)
	if err != nil {
		return false, err
	}
	if artifact.Pinned && !force {
		return false, fmt.Errorf("%w: %s", ErrPinned, artifactID)
	}
	claimed, err := idx.store.MarkArtifactDeleting(ctx, artifactID, actor, reason)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	return true, idx.enqueueDelete(ctx, artifactID)
}

// Pin excludes the artifact from retention and guards it against
// unforced manual deletion.
func (idx *Index) Pin(ctx context.Context, artifactID, actor string) error {
	return idx.setPinned(ctx, artifactID, true, actor)
}

// Unpin lifts a pin.
func (idx *Index) Unpin(ctx context.Context, artifactID, actor string) error {
	return idx.setPinned(ctx, artifactID, false, actor)
}

func (idx *Index) setPinned(ctx context.Context, artifactID string, pinned bool, actor string) error {
	changed, err := idx.store.SetArtifactPinned(ctx, artifactID, pinned, actor)
	if err != nil {
		return err
	}
	if !changed {
		artifact, err := idx.store.ArtifactByID(ctx, artifactID)
		if err != nil {
			return err
		}
		return fmt.Errorf("snapshot: artifact %s is %s and cannot be pinned", artifactID, artifact.Status)
	}
	idx.logger.Info("artifact pin changed", "artifact", artifactID, "pinned", pinned, "actor", actor)
	return nil
}

// MarkMissing records an operator's judgement that the object no
// longer exists on the target, typically after ignoring a delete task
// that could never confirm removal.
func (idx *Index) MarkMissing(ctx context.Context, artifactID string) error {
	settled, err := idx.store.MarkArtifactMissing(ctx, artifactID)
	if err != nil {
		return err
	}
	if !settled {
		artifact, err := idx.store.ArtifactByID(ctx, artifactID)
		if err != nil {
			return err
		}
		return fmt.Errorf("snapshot: artifact %s is %s, only present or deleting artifacts can be marked missing", artifactID, artifact.Status)
	}
	return nil
}

// RetryDelete re-queues an errored artifact's deletion.
func (idx *Index) RetryDelete(ctx context.Context, artifactID string) error {
	moved, err := idx.store.RequeueArtifactDelete(ctx, artifactID)
	if err != nil {
		return err
	}
	if !moved {
		artifact, err := idx.store.ArtifactByID(ctx, artifactID)
		if err != nil {
			return err
		}
		return fmt.Errorf("snapshot: artifact %s is %s, only error artifacts can be re-deleted", artifactID, artifact.Status)
	}
	return idx.enqueueDelete(ctx, artifactID)
}

func (idx *Index) enqueueDelete(ctx context.Context, artifactID string) error {
	_, err := idx.engine.Enqueue(ctx, TaskKindDelete, deletePayload{ArtifactID: artifactID}, "delete:"+artifactID)
	return err
}

// Reconcile compares the index against the target's actual contents
// for one job. Artifacts the index believes present but the target no
// longer holds are settled to missing; objects on the target the
// index does not know are logged for the operator.
func (idx *Index) Reconcile(ctx context.Context, job *store.Job) error {
	var target protocol.TargetDescriptor
	if err := codec.Unmarshal(job.Target, &target); err != nil {
		return fmt.Errorf("snapshot: decoding target for job %s: %w", job.ID, err)
	}

	result, err := idx.dispatcher.Dispatch(ctx, protocol.Action{
		Type:   protocol.ActionListArtifacts,
		Node:   job.Node,
		Target: target,
		Prefix: job.Name + "-",
	})
	if err != nil {
		return fmt.Errorf("snapshot: reconciling job %s: %w", job.ID, err)
	}
	if err := result.Err(); err != nil {
		return fmt.Errorf("snapshot: reconciling job %s: %w", job.ID, err)
	}

	onTarget := make(map[string]bool, len(result.Names))
	for _, name := range result.Names {
		onTarget[name] = true
	}

	indexed, err := idx.store.ListArtifacts(ctx, job.ID, store.ArtifactPresent, store.ArtifactError)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(indexed))
	for _, artifact := range indexed {
		known[artifact.Name] = true
		if onTarget[artifact.Name] {
			continue
		}
		settled, err := idx.store.MarkArtifactMissing(ctx, artifact.ID)
		if err != nil {
			return err
		}
		if settled {
			idx.logger.Warn("artifact vanished from target",
				"artifact", artifact.ID,
				"job", job.ID,
				"name", artifact.Name,
			)
		}
	}

	for name := range onTarget {
		if !known[name] {
			idx.logger.Warn("unindexed object on target", "job", job.ID, "name", name)
		}
	}
	return nil
}

// deleteHandler is the queue handler face of the index.
type deleteHandler Index

func (h *deleteHandler) index() *Index { return (*Index)(h) }

// Execute performs one delete attempt against the target.
func (h *deleteHandler) Execute(ctx context.Context, task *store.Task) error {
	idx := h.index()

	var payload deletePayload
	if err := codec.Unmarshal(task.Payload, &payload); err != nil {
		return protocol.Errorf(protocol.KindConfig, "snapshot: undecodable delete payload: %v", err)
	}

	artifact, err := idx.store.ArtifactByID(ctx, payload.ArtifactID)
	if errors.Is(err, store.ErrNotFound) {
		// The run was pruned out from under the task. Nothing to do.
		return nil
	}
	if err != nil {
		return err
	}
	if artifact.Status != store.ArtifactDeleting {
		// Settled by reconciliation or an operator while queued.
		return nil
	}

	// The artifact carries the node and target of the run that wrote
	// it. Dispatching against the job's current target would delete
	// (or falsely settle) against the wrong location after an edit.
	var target protocol.TargetDescriptor
	if err := codec.Unmarshal(artifact.Target, &target); err != nil {
		return protocol.Errorf(protocol.KindConfig, "snapshot: undecodable target for artifact %s: %v", artifact.ID, err)
	}

	if err := idx.store.TouchArtifactDeleteAttempt(ctx, artifact.ID); err != nil {
		return err
	}
	result, err := idx.dispatcher.Dispatch(ctx, protocol.Action{
		Type:         protocol.ActionDeleteArtifact,
		Node:         artifact.Node,
		Target:       target,
		ArtifactName: artifact.Name,
	})
	if err != nil {
		return err
	}
	return result.Err()
}

// OnTerminal settles the artifact when the delete task finishes. A
// blocked task leaves the artifact deleting: the operator fixing the
// credential and retrying resumes exactly where it stopped.
func (h *deleteHandler) OnTerminal(ctx context.Context, task *store.Task, status store.TaskStatus) error {
	idx := h.index()

	var payload deletePayload
	if err := codec.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("snapshot: undecodable delete payload: %w", err)
	}

	switch status {
	case store.TaskDone:
		_, err := idx.store.MarkArtifactDeleted(ctx, payload.ArtifactID)
		return err
	case store.TaskAbandoned:
		_, err := idx.store.MarkArtifactError(ctx, payload.ArtifactID, task.LastError)
		return err
	default:
		return nil
	}
}
