// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/lib/cron"
	"github.com/keepsake-foundation/keepsake/lib/sealed"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/queue"
	"github.com/keepsake-foundation/keepsake/retention"
	"github.com/keepsake-foundation/keepsake/snapshot"
	"github.com/keepsake-foundation/keepsake/store"
)

// TaskKindCleanup is the queue kind of post-failure cleanup tasks.
const TaskKindCleanup = "cleanup_run"

// Dispatcher routes an action to its executing node.
type Dispatcher interface {
	Dispatch(ctx context.Context, action protocol.Action) (*protocol.ActionResult, error)
}

// Config carries the scheduler's settings.
type Config struct {
	// TickInterval is the cron evaluation period.
	TickInterval time.Duration

	// DispatchTimeout bounds one run execution end to end.
	DispatchTimeout time.Duration

	// PruneAfter is the age past which terminal runs are pruned,
	// PruneInterval how often the pruner sweeps.
	PruneAfter    time.Duration
	PruneInterval time.Duration
}

// Scheduler owns jobs and drives their runs.
type Scheduler struct {
	store      *store.Store
	index      *snapshot.Index
	engine     *queue.Engine
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *slog.Logger
	config     Config

	// lastTick is the cron evaluation cursor: schedules firing in
	// (lastTick, now] trigger exactly once.
	lastTick time.Time
}

func New(st *store.Store, index *snapshot.Index, engine *queue.Engine, dispatcher Dispatcher, clk clock.Clock, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 4 * time.Hour
	}
	s := &Scheduler{
		store:      st,
		index:      index,
		engine:     engine,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		config:     cfg,
		lastTick:   clk.Now(),
	}
	engine.Register(TaskKindCleanup, (*cleanupHandler)(s))
	return s
}

// JobSpec is the caller-facing shape of a job definition.
type JobSpec struct {
	Name      string
	Node      string
	Schedule  string
	Timezone  string
	Overlap   store.OverlapPolicy
	Target    protocol.TargetDescriptor
	Retention *retention.Policy
	Source    string
	// Recipient is the age public key bundles are encrypted to;
	// empty stores bundles unencrypted.
	Recipient string
}

func (spec *JobSpec) validate() error {
	if spec.Name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	if spec.Node == "" {
		return fmt.Errorf("scheduler: job node is required")
	}
	if spec.Schedule != "" {
		if _, err := cron.Parse(spec.Schedule); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", spec.Name, err)
		}
	}
	if spec.Timezone != "" {
		if _, err := time.LoadLocation(spec.Timezone); err != nil {
			return fmt.Errorf("scheduler: job %s: unknown timezone %q", spec.Name, spec.Timezone)
		}
	}
	switch spec.Overlap {
	case store.OverlapQueue, store.OverlapReject:
	default:
		return fmt.Errorf("scheduler: job %s: unknown overlap policy %q", spec.Name, spec.Overlap)
	}
	if spec.Target.Driver == "" {
		return fmt.Errorf("scheduler: job %s: target driver is required", spec.Name)
	}
	if spec.Retention != nil {
		if err := spec.Retention.Validate(); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", spec.Name, err)
		}
	}
	if spec.Recipient != "" {
		if err := sealed.ParsePublicKey(spec.Recipient); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", spec.Name, err)
		}
	}
	return nil
}

func (spec *JobSpec) toJob(id string) (*store.Job, error) {
	target, err := codec.Marshal(spec.Target)
	if err != nil {
		return nil, fmt.Errorf("scheduler: encoding target for job %s: %w", spec.Name, err)
	}
	var retentionRaw []byte
	if spec.Retention != nil {
		if retentionRaw, err = spec.Retention.Encode(); err != nil {
			return nil, err
		}
	}
	return &store.Job{
		ID:        id,
		Name:      spec.Name,
		Node:      spec.Node,
		Enabled:   true,
		Schedule:  spec.Schedule,
		Timezone:  spec.Timezone,
		Overlap:   spec.Overlap,
		Target:    target,
		Retention: retentionRaw,
		Recipient: spec.Recipient,
		Source:    spec.Source,
	}, nil
}

// CreateJob validates and stores a new job, enabled.
func (s *Scheduler) CreateJob(ctx context.Context, spec JobSpec) (*store.Job, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	job, err := spec.toJob(uuid.NewString())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job created", "job", job.ID, "name", job.Name, "node", job.Node)
	return s.store.JobByID(ctx, job.ID)
}

// UpdateJob replaces a job's mutable configuration. The name is
// immutable: artifacts on the target are prefixed with it.
func (s *Scheduler) UpdateJob(ctx context.Context, jobID string, spec JobSpec) (*store.Job, error) {
	current, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	spec.Name = current.Name
	if err := spec.validate(); err != nil {
		return nil, err
	}
	job, err := spec.toJob(jobID)
	if err != nil {
		return nil, err
	}
	job.Enabled = current.Enabled
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return s.store.JobByID(ctx, jobID)
}

// SetJobEnabled archives or reactivates a job. A disabled job keeps
// its history and artifacts but neither schedules nor accepts
// triggers.
func (s *Scheduler) SetJobEnabled(ctx context.Context, jobID string, enabled bool) error {
	job, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		return err
	}
	job.Enabled = enabled
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.logger.Info("job enabled changed", "job", jobID, "enabled", enabled)
	return nil
}

// SetJobRetention replaces a job's retention policy. nil reverts the
// job to the hub's default policy.
func (s *Scheduler) SetJobRetention(ctx context.Context, jobID string, policy *retention.Policy) error {
	job, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if policy == nil {
		job.Retention = nil
	} else {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", job.Name, err)
		}
		if job.Retention, err = policy.Encode(); err != nil {
			return err
		}
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.logger.Info("job retention changed", "job", jobID, "explicit", policy != nil)
	return nil
}

// DeleteJob hard-deletes a job and its history. Refused while any
// artifact may still exist on the target; delete those first.
func (s *Scheduler) DeleteJob(ctx context.Context, jobID string) error {
	artifacts, err := s.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return err
	}
	for _, artifact := range artifacts {
		if artifact.Status.Live() {
			return fmt.Errorf("scheduler: job %s still has artifact %s (%s); delete artifacts before the job",
				jobID, artifact.Name, artifact.Status)
		}
	}
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("job deleted", "job", jobID)
	return nil
}

// Trigger requests a run of the job. If a run is already pending or
// running, the overlap policy decides: reject records a terminal
// rejected run with no execution, queue parks at most one pending
// successor. Otherwise a pending run is created for the dispatch loop
// to claim.
func (s *Scheduler) Trigger(ctx context.Context, jobID string, trigger store.RunTrigger) (*store.Run, error) {
	job, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return nil, fmt.Errorf("scheduler: job %s is disabled", job.Name)
	}

	busy, err := s.jobBusy(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if busy && job.Overlap == store.OverlapReject {
		run := &store.Run{
			ID:      uuid.NewString(),
			JobID:   jobID,
			Status:  store.RunRejected,
			Trigger: trigger,
			Node:    job.Node,
			Target:  job.Target,
			Error:   "rejected: a run is already active",
			EndedAt: s.clock.Now(),
		}
		if err := s.store.CreateRun(ctx, run); err != nil {
			return nil, err
		}
		s.logger.Info("trigger rejected by overlap policy", "job", job.Name, "trigger", trigger)
		return s.store.RunByID(ctx, run.ID)
	}

	run := &store.Run{
		ID:      uuid.NewString(),
		JobID:   jobID,
		Status:  store.RunPending,
		Trigger: trigger,
		Node:    job.Node,
		Target:  job.Target,
	}
	if busy {
		created, err := s.store.CreateHandoffRun(ctx, run)
		if err != nil {
			return nil, err
		}
		if !created {
			// A successor is already parked; hand that one back.
			return s.store.PendingRun(ctx, jobID)
		}
		s.logger.Info("run queued behind active run", "job", job.Name, "run", run.ID)
		return s.store.RunByID(ctx, run.ID)
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return s.store.RunByID(ctx, run.ID)
}

func (s *Scheduler) jobBusy(ctx context.Context, jobID string) (bool, error) {
	if _, err := s.store.ActiveRun(ctx, jobID); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if _, err := s.store.PendingRun(ctx, jobID); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	return false, nil
}

// ReportProgress records the executing node's progress report. A
// report arriving after the run is terminal is a no-op, not an error.
func (s *Scheduler) ReportProgress(ctx context.Context, runID, progress string) error {
	_, err := s.store.SetRunProgress(ctx, runID, progress)
	return err
}

// DispatchPending claims every startable pending run and executes it
// to completion. One pass; the serve loop calls this each tick and a
// run finishing unparks its job's successor on the next pass.
func (s *Scheduler) DispatchPending(ctx context.Context) error {
	runs, err := s.store.StartableRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		started, err := s.store.MarkRunStarted(ctx, run.ID)
		if err != nil {
			return err
		}
		if !started {
			continue
		}
		if err := s.executeRun(ctx, run); err != nil {
			s.logger.Error("run execution failed", "run", run.ID, "job", run.JobID, "error", err)
		}
	}
	return nil
}

// executeRun dispatches one claimed run and applies its completion.
func (s *Scheduler) executeRun(ctx context.Context, run *store.Run) error {
	var target protocol.TargetDescriptor
	if err := codec.Unmarshal(run.Target, &target); err != nil {
		return s.Complete(ctx, run.ID, &protocol.ActionResult{
			OK:           false,
			ErrorKind:    protocol.KindConfig,
			ErrorMessage: fmt.Sprintf("undecodable target snapshot: %v", err),
		})
	}

	action := protocol.Action{
		Type:   protocol.ActionRunJob,
		Node:   run.Node,
		Target: target,
		JobID:  run.JobID,
		RunID:  run.ID,
	}
	// The executing node may not share the hub's database, so the
	// action carries the job context it needs. A job deleted between
	// claim and dispatch fails the run below.
	job, err := s.store.JobByID(ctx, run.JobID)
	if err != nil {
		return s.Complete(ctx, run.ID, &protocol.ActionResult{
			OK:           false,
			ErrorKind:    protocol.KindConfig,
			ErrorMessage: fmt.Sprintf("job lookup: %v", err),
		})
	}
	action.JobName = job.Name
	action.Source = job.Source
	action.Recipient = job.Recipient

	dispatchCtx, cancel := context.WithTimeout(ctx, s.config.DispatchTimeout)
	defer cancel()

	s.logger.Info("run started", "run", run.ID, "job", run.JobID, "node", run.Node, "trigger", run.Trigger)
	result, err := s.dispatcher.Dispatch(dispatchCtx, action)
	if err != nil {
		failure := protocol.ResultFromError(err)
		result = &failure
	}
	return s.Complete(ctx, run.ID, result)
}

// Complete settles a running run from its execution result: success
// registers the produced artifact with the snapshot index, failure
// enqueues a cleanup task for any object the failed run left behind.
// Completing an already-terminal run is a no-op.
func (s *Scheduler) Complete(ctx context.Context, runID string, result *protocol.ActionResult) error {
	run, err := s.store.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	status := store.RunSuccess
	message := ""
	if err := result.Err(); err != nil {
		status = store.RunFailed
		message = err.Error()
	}

	finished, err := s.store.FinishRun(ctx, runID, status, message)
	if err != nil {
		return err
	}
	if !finished {
		return nil
	}
	s.logger.Info("run finished", "run", runID, "job", run.JobID, "status", status, "error", message)

	if status == store.RunSuccess {
		if result.Artifact == nil {
			return fmt.Errorf("scheduler: run %s succeeded without an artifact", runID)
		}
		if _, err := s.index.Record(ctx, run, result.Artifact); err != nil {
			return err
		}
		return nil
	}

	// A failed run may have left a partial object on the target; the
	// result names it when the executor got far enough to know.
	orphan := ""
	if result.Artifact != nil {
		orphan = result.Artifact.Name
	}
	return s.enqueueCleanup(ctx, run, orphan)
}

// RecoverStuck fails runs found running at startup: the hub crashed
// mid-execution and their outcome is unknown. Each gets a cleanup
// task to reconcile the index against the target.
func (s *Scheduler) RecoverStuck(ctx context.Context) error {
	runs, err := s.store.RunsInStatus(ctx, store.RunRunning)
	if err != nil {
		return err
	}
	for _, run := range runs {
		finished, err := s.store.FinishRun(ctx, run.ID, store.RunFailed, "hub restarted while the run was executing")
		if err != nil {
			return err
		}
		if !finished {
			continue
		}
		s.logger.Warn("stuck run failed on recovery", "run", run.ID, "job", run.JobID)
		if err := s.enqueueCleanup(ctx, run, ""); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) enqueueCleanup(ctx context.Context, run *store.Run, orphan string) error {
	_, err := s.engine.Enqueue(ctx, TaskKindCleanup, cleanupPayload{
		JobID:  run.JobID,
		RunID:  run.ID,
		Orphan: orphan,
		Node:   run.Node,
		Target: run.Target,
	}, "cleanup:"+run.ID)
	return err
}
