// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"time"

	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/retention"
	"github.com/keepsake-foundation/keepsake/store"
)

// nodeJSON is the wire shape of a registered node.
type nodeJSON struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Version    string     `json:"version,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

func toNodeJSON(node *store.Node) nodeJSON {
	out := nodeJSON{
		ID:        node.ID,
		Name:      node.Name,
		Status:    string(node.Status),
		Version:   node.Version,
		CreatedAt: node.CreatedAt,
	}
	if !node.LastSeenAt.IsZero() {
		seen := node.LastSeenAt
		out.LastSeenAt = &seen
	}
	return out
}

// targetJSON mirrors protocol.TargetDescriptor.
type targetJSON struct {
	Driver        string            `json:"driver"`
	Settings      map[string]string `json:"settings,omitempty"`
	CredentialRef string            `json:"credential_ref,omitempty"`
}

func (t targetJSON) descriptor() protocol.TargetDescriptor {
	return protocol.TargetDescriptor{
		Driver:        t.Driver,
		Settings:      t.Settings,
		CredentialRef: t.CredentialRef,
	}
}

// policyJSON mirrors retention.Policy.
type policyJSON struct {
	Enabled          bool `json:"enabled"`
	KeepLast         int  `json:"keep_last"`
	KeepDays         int  `json:"keep_days"`
	MaxDeletePerTick int  `json:"max_delete_per_tick"`
	MaxDeletePerDay  int  `json:"max_delete_per_day"`
}

func (p policyJSON) policy() *retention.Policy {
	return &retention.Policy{
		Enabled:          p.Enabled,
		KeepLast:         p.KeepLast,
		KeepDays:         p.KeepDays,
		MaxDeletePerTick: p.MaxDeletePerTick,
		MaxDeletePerDay:  p.MaxDeletePerDay,
	}
}

func toPolicyJSON(policy retention.Policy) policyJSON {
	return policyJSON{
		Enabled:          policy.Enabled,
		KeepLast:         policy.KeepLast,
		KeepDays:         policy.KeepDays,
		MaxDeletePerTick: policy.MaxDeletePerTick,
		MaxDeletePerDay:  policy.MaxDeletePerDay,
	}
}

// jobJSON is the wire shape of a job.
type jobJSON struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Node      string      `json:"node"`
	Enabled   bool        `json:"enabled"`
	Schedule  string      `json:"schedule,omitempty"`
	Timezone  string      `json:"timezone,omitempty"`
	Overlap   string      `json:"overlap"`
	Target    targetJSON  `json:"target"`
	Retention *policyJSON `json:"retention,omitempty"`
	Source    string      `json:"source,omitempty"`
	Recipient string      `json:"recipient,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func toJobJSON(job *store.Job) (jobJSON, error) {
	var target protocol.TargetDescriptor
	if err := codec.Unmarshal(job.Target, &target); err != nil {
		return jobJSON{}, err
	}
	out := jobJSON{
		ID:       job.ID,
		Name:     job.Name,
		Node:     job.Node,
		Enabled:  job.Enabled,
		Schedule: job.Schedule,
		Timezone: job.Timezone,
		Overlap:  string(job.Overlap),
		Target: targetJSON{
			Driver:        target.Driver,
			Settings:      target.Settings,
			CredentialRef: target.CredentialRef,
		},
		Source:    job.Source,
		Recipient: job.Recipient,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Retention != nil {
		var policy retention.Policy
		if err := codec.Unmarshal(job.Retention, &policy); err != nil {
			return jobJSON{}, err
		}
		encoded := toPolicyJSON(policy)
		out.Retention = &encoded
	}
	return out, nil
}

// runJSON is the wire shape of a run.
type runJSON struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Trigger   string     `json:"trigger"`
	Node      string     `json:"node"`
	Progress  string     `json:"progress,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func toRunJSON(run *store.Run) runJSON {
	out := runJSON{
		ID:        run.ID,
		JobID:     run.JobID,
		Status:    string(run.Status),
		Trigger:   string(run.Trigger),
		Node:      run.Node,
		Progress:  run.Progress,
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
	}
	if !run.StartedAt.IsZero() {
		at := run.StartedAt
		out.StartedAt = &at
	}
	if !run.EndedAt.IsZero() {
		at := run.EndedAt
		out.EndedAt = &at
	}
	return out
}

// artifactJSON is the wire shape of an indexed artifact.
type artifactJSON struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	RunID         string     `json:"run_id"`
	Name          string     `json:"name"`
	Node          string     `json:"node"`
	SizeBytes     int64      `json:"size_bytes"`
	Checksum      string     `json:"checksum"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	Pinned        bool       `json:"pinned"`
	PinnedBy      string     `json:"pinned_by,omitempty"`
	DeletedBy     string     `json:"deleted_by,omitempty"`
	DeleteReason  string     `json:"delete_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

func toArtifactJSON(artifact *store.Artifact) artifactJSON {
	out := artifactJSON{
		ID:           artifact.ID,
		JobID:        artifact.JobID,
		RunID:        artifact.RunID,
		Name:         artifact.Name,
		Node:         artifact.Node,
		SizeBytes:    artifact.SizeBytes,
		Checksum:     artifact.Checksum,
		Status:       string(artifact.Status),
		Error:        artifact.Error,
		Pinned:       artifact.Pinned,
		PinnedBy:     artifact.PinnedBy,
		DeletedBy:    artifact.DeletedBy,
		DeleteReason: artifact.DeleteReason,
		CreatedAt:    artifact.CreatedAt,
	}
	if !artifact.DeletedAt.IsZero() {
		at := artifact.DeletedAt
		out.DeletedAt = &at
	}
	if !artifact.LastAttemptAt.IsZero() {
		at := artifact.LastAttemptAt
		out.LastAttemptAt = &at
	}
	return out
}

// taskJSON is the wire shape of a queue task.
type taskJSON struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorKind string     `json:"last_error_kind,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toTaskJSON(task *store.Task) taskJSON {
	out := taskJSON{
		ID:            task.ID,
		Kind:          task.Kind,
		Status:        string(task.Status),
		Attempts:      task.Attempts,
		LastError:     task.LastError,
		LastErrorKind: task.LastErrorKind,
		CreatedAt:     task.CreatedAt,
		UpdatedAt:     task.UpdatedAt,
	}
	if !task.NextAttemptAt.IsZero() {
		at := task.NextAttemptAt
		out.NextAttemptAt = &at
	}
	return out
}

// taskEventJSON is one entry of a task's transition log.
type taskEventJSON struct {
	At      time.Time `json:"at"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to"`
	Attempt int       `json:"attempt"`
	Detail  string    `json:"detail,omitempty"`
}

func toTaskEventJSON(event *store.TaskEvent) taskEventJSON {
	return taskEventJSON{
		At:      event.At,
		From:    string(event.FromStatus),
		To:      string(event.ToStatus),
		Attempt: event.Attempt,
		Detail:  event.Detail,
	}
}
