// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"time"

	"zombiezen.com/go/sqlite"
)

// NodeStatus is the connectivity state of an execution node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"

	// NodeRevoked is terminal: the node's enrollment is withdrawn
	// and its connections are refused.
	NodeRevoked NodeStatus = "revoked"
)

// Node is one registered execution node. The hub itself is registered
// as node "hub" at first start so jobs can address it uniformly.
type Node struct {
	ID     string
	Name   string
	Status NodeStatus
	// SecretHash is the BLAKE3 hash of the node's enrollment secret.
	// The secret itself is never stored.
	SecretHash []byte
	Version    string
	CreatedAt  time.Time
	LastSeenAt time.Time // zero if never seen
}

// OverlapPolicy decides what happens when a job's schedule fires
// while a previous run is still active.
type OverlapPolicy string

const (
	// OverlapQueue starts the new run as soon as the active one
	// ends.
	OverlapQueue OverlapPolicy = "queue"

	// OverlapReject drops the trigger; only the active run
	// survives.
	OverlapReject OverlapPolicy = "reject"
)

// Job is one configured backup job.
type Job struct {
	ID      string
	Name    string
	Node    string
	Enabled bool
	// Schedule is a five-field cron expression; empty for
	// manual-only jobs.
	Schedule string
	// Timezone is the IANA zone the schedule is evaluated in; empty
	// means UTC.
	Timezone string
	Overlap  OverlapPolicy
	// Target is the CBOR-encoded protocol.TargetDescriptor.
	Target []byte
	// Retention is the CBOR-encoded retention policy, nil when the
	// job inherits the global default or has retention disabled.
	Retention []byte
	// Recipient is the age public key run bundles are encrypted to;
	// empty means bundles are stored unencrypted.
	Recipient string
	// Source is the path backed up, recorded for display.
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"

	// RunRejected is the terminal status of a trigger dropped by the
	// reject overlap policy. A rejected run never transitions to
	// running.
	RunRejected RunStatus = "rejected"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCanceled || s == RunRejected
}

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerCron    RunTrigger = "cron"
	TriggerManual  RunTrigger = "manual"
	TriggerHandoff RunTrigger = "handoff"
)

// Run is one execution of a job.
type Run struct {
	ID      string
	JobID   string
	Status  RunStatus
	Trigger RunTrigger
	Node    string
	// Target is the CBOR-encoded target descriptor captured at
	// trigger time, so the run survives later job edits.
	Target []byte
	// Progress is the executing node's latest free-form progress
	// report. Frozen once the run is terminal.
	Progress  string
	Error     string
	StartedAt time.Time // zero until the run leaves pending
	EndedAt   time.Time // zero until terminal
	CreatedAt time.Time
}

// ArtifactStatus is the lifecycle state of an artifact in the index.
type ArtifactStatus string

const (
	// ArtifactPresent means the artifact exists on its target.
	ArtifactPresent ArtifactStatus = "present"

	// ArtifactDeleting means a delete task has claimed the artifact
	// but has not confirmed removal yet.
	ArtifactDeleting ArtifactStatus = "deleting"

	// ArtifactDeleted means removal was confirmed (or the target
	// reported the object already gone).
	ArtifactDeleted ArtifactStatus = "deleted"

	// ArtifactError means deletion was abandoned; the object may or
	// may not still exist on the target.
	ArtifactError ArtifactStatus = "error"

	// ArtifactMissing means the object vanished from the target
	// without a delete of ours, observed during reconciliation or
	// recorded by an operator when ignoring a stuck delete task.
	ArtifactMissing ArtifactStatus = "missing"
)

// Live reports whether the artifact still holds its run against
// pruning: anything that may still exist on the target does.
func (s ArtifactStatus) Live() bool {
	return s != ArtifactDeleted && s != ArtifactMissing
}

// Artifact is one backup bundle tracked by the index.
type Artifact struct {
	ID    string
	JobID string
	RunID string
	Name  string
	// Node and Target are copied from the run that produced the
	// bundle. Deletion dispatches against them, not the job's current
	// target: editing a job must never point old bundles' deletes at
	// the new location.
	Node      string
	Target    []byte
	SizeBytes int64
	Checksum  string
	Status    ArtifactStatus
	Error     string
	// Pinned excludes the artifact from retention and requires an
	// explicit force flag on manual deletion.
	Pinned   bool
	PinnedBy string
	// DeletedBy and DeleteReason record who asked for the deletion and
	// why. Set when the artifact is claimed for deleting.
	DeletedBy     string
	DeleteReason  string
	CreatedAt     time.Time
	DeletedAt     time.Time // zero until deleted
	LastAttemptAt time.Time // zero until a delete attempt dispatches
}

// TaskStatus is the queue state of a task.
type TaskStatus string

const (
	// TaskQueued means the task is waiting for a worker.
	TaskQueued TaskStatus = "queued"

	// TaskRunning means a worker has claimed the task.
	TaskRunning TaskStatus = "running"

	// TaskRetrying means the last attempt failed transiently; the
	// task becomes eligible again at next_attempt_at.
	TaskRetrying TaskStatus = "retrying"

	// TaskBlocked means the last attempt failed terminally (config
	// or auth). The task waits for operator intervention.
	TaskBlocked TaskStatus = "blocked"

	// TaskAbandoned means the task exhausted its attempt or age
	// ceiling and will never run again.
	TaskAbandoned TaskStatus = "abandoned"

	// TaskDone means the task succeeded.
	TaskDone TaskStatus = "done"

	// TaskIgnored means an operator dismissed the task.
	TaskIgnored TaskStatus = "ignored"
)

// Terminal reports whether the task will never be attempted again
// without operator action.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskAbandoned || s == TaskIgnored
}

// Task is one unit of queued work.
type Task struct {
	ID      string
	Kind    string
	Payload []byte
	Status  TaskStatus
	// Attempts counts started executions, including the one in
	// flight when the status is running.
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	LastErrorKind string
	// DedupeKey collapses duplicate enqueues: a second enqueue with
	// the same key while the first is non-terminal returns the
	// existing task.
	DedupeKey string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskEvent is one entry in a task's transition log.
type TaskEvent struct {
	ID         int64
	TaskID     string
	At         time.Time
	FromStatus TaskStatus
	ToStatus   TaskStatus
	Attempt    int
	Detail     string
}

// timeColumn converts a nullable INTEGER nanosecond column to a
// time.Time, zero for NULL.
func timeColumn(stmt *sqlite.Stmt, col int) time.Time {
	if stmt.ColumnIsNull(col) {
		return time.Time{}
	}
	return time.Unix(0, stmt.ColumnInt64(col)).UTC()
}

// timeArg converts a time.Time to a nullable INTEGER nanosecond
// argument, NULL for the zero time.
func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}
