// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"

	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/store"
)

// cleanupPayload is the CBOR body of a cleanup task. Orphan names the
// object a failed run left on the target, empty when the outcome is
// unknown and the index should be reconciled instead. Node and Target
// are snapshotted from the run: the orphan sits where the run wrote
// it, even if the job is re-pointed before the task drains.
type cleanupPayload struct {
	JobID  string `cbor:"job_id"`
	RunID  string `cbor:"run_id"`
	Orphan string `cbor:"orphan"`
	Node   string `cbor:"node"`
	Target []byte `cbor:"target"`
}

// cleanupHandler is the queue handler face of the scheduler.
type cleanupHandler Scheduler

func (h *cleanupHandler) scheduler() *Scheduler { return (*Scheduler)(h) }

// Execute removes a failed run's orphaned object from the target, or
// reconciles the job's index when no specific orphan is known.
func (h *cleanupHandler) Execute(ctx context.Context, task *store.Task) error {
	s := h.scheduler()

	var payload cleanupPayload
	if err := codec.Unmarshal(task.Payload, &payload); err != nil {
		return protocol.Errorf(protocol.KindConfig, "scheduler: undecodable cleanup payload: %v", err)
	}

	if payload.Orphan == "" {
		// Reconciliation works against the job's current target; it
		// needs the job to still exist.
		job, err := s.store.JobByID(ctx, payload.JobID)
		if errors.Is(err, store.ErrNotFound) {
			// The job was hard-deleted while the task was queued.
			return nil
		}
		if err != nil {
			return err
		}
		return s.index.Reconcile(ctx, job)
	}

	// The orphan is removed from the node and target the run actually
	// wrote to, carried in the payload since enqueue time.
	var target protocol.TargetDescriptor
	if err := codec.Unmarshal(payload.Target, &target); err != nil {
		return protocol.Errorf(protocol.KindConfig, "scheduler: undecodable target for run %s: %v", payload.RunID, err)
	}
	result, err := s.dispatcher.Dispatch(ctx, protocol.Action{
		Type:         protocol.ActionDeleteArtifact,
		Node:         payload.Node,
		Target:       target,
		ArtifactName: payload.Orphan,
	})
	if err != nil {
		return err
	}
	return result.Err()
}

// OnTerminal has nothing to settle: cleanup owns no index state.
func (h *cleanupHandler) OnTerminal(ctx context.Context, task *store.Task, status store.TaskStatus) error {
	return nil
}
