// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/queue"
	"github.com/keepsake-foundation/keepsake/snapshot"
	"github.com/keepsake-foundation/keepsake/store"
)

// scriptedRouter returns scripted results per action type, defaulting
// to success with a generated artifact for run actions.
type scriptedRouter struct {
	results map[protocol.ActionType][]protocol.ActionResult
	actions []protocol.Action
}

func (r *scriptedRouter) Dispatch(ctx context.Context, action protocol.Action) (*protocol.ActionResult, error) {
	r.actions = append(r.actions, action)
	if queue := r.results[action.Type]; len(queue) > 0 {
		result := queue[0]
		r.results[action.Type] = queue[1:]
		return &result, nil
	}
	if action.Type == protocol.ActionRunJob {
		return &protocol.ActionResult{OK: true, Artifact: &protocol.ArtifactInfo{
			Name:      "docs-" + action.RunID + ".ksb",
			SizeBytes: 1024,
			Checksum:  "feed",
		}}, nil
	}
	return &protocol.ActionResult{OK: true}, nil
}

func (r *scriptedRouter) script(t protocol.ActionType, result protocol.ActionResult) {
	if r.results == nil {
		r.results = make(map[protocol.ActionType][]protocol.ActionResult)
	}
	r.results[t] = append(r.results[t], result)
}

type schedFixture struct {
	scheduler *Scheduler
	store     *store.Store
	engine    *queue.Engine
	router    *scriptedRouter
	clock     *clock.FakeClock
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()

	fakeClock := clock.Fake(time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC))
	st, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "scheduler_test.db"),
		PoolSize: 2,
		Clock:    fakeClock,
		Logger:   slog.Default(),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := queue.New(st, fakeClock, slog.Default(), queue.Config{
		PollInterval:      5 * time.Second,
		BackoffBase:       30 * time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        time.Hour,
		MaxAttempts:       10,
		MaxTaskAge:        7 * 24 * time.Hour,
	})
	router := &scriptedRouter{}
	index := snapshot.New(st, engine, router, slog.Default())
	scheduler := New(st, index, engine, router, fakeClock, slog.Default(), Config{
		TickInterval:    time.Minute,
		DispatchTimeout: time.Hour,
	})
	return &schedFixture{scheduler: scheduler, store: st, engine: engine, router: router, clock: fakeClock}
}

func (f *schedFixture) createJob(t *testing.T, mutate func(*JobSpec)) *store.Job {
	t.Helper()
	spec := JobSpec{
		Name:    "docs",
		Node:    "node-1",
		Overlap: store.OverlapReject,
		Target:  protocol.TargetDescriptor{Driver: "localdir", Settings: map[string]string{"root": "/backups"}},
		Source:  "/srv/docs",
	}
	if mutate != nil {
		mutate(&spec)
	}
	job, err := f.scheduler.CreateJob(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestTriggerAndDispatch(t *testing.T) {
	f := newSchedFixture(t)
	job := f.createJob(t, nil)
	ctx := context.Background()

	run, err := f.scheduler.Trigger(ctx, job.ID, store.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if run.Status != store.RunPending {
		t.Fatalf("status = %s, want pending", run.Status)
	}

	if err := f.scheduler.DispatchPending(ctx); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}

	got, _ := f.store.RunByID(ctx, run.ID)
	if got.Status != store.RunSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
	if got.StartedAt.IsZero() || got.EndedAt.IsZero() {
		t.Error("run timestamps not stamped")
	}

	artifact, err := f.store.ArtifactForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ArtifactForRun: %v", err)
	}
	if artifact.Status != store.ArtifactPresent || artifact.SizeBytes != 1024 {
		t.Errorf("artifact = %+v", artifact)
	}

	action := f.router.actions[0]
	if action.Type != protocol.ActionRunJob || action.Node != "node-1" ||
		action.JobID != job.ID || action.RunID != run.ID {
		t.Errorf("action = %+v", action)
	}
	if action.Target.Driver != "localdir" {
		t.Errorf("target not carried: %+v", action.Target)
	}
}

func TestOverlapRejectRecordsRejectedRun(t *testing.T) {
	f := newSchedFixture(t)
	job := f.createJob(t, nil)
	ctx := context.Background()

	first, err := f.scheduler.Trigger(ctx, job.ID, store.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	second, err := f.scheduler.Trigger(ctx, job.ID, store.TriggerManual)
	if err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if second.Status != store.RunRejected {
		t.Fatalf("second run = %s, want rejected", second.Status)
	}
	if !second.StartedAt.IsZero() {
		t.Error("rejected run has a started_at: it must never transition to running")
	}
	if second.EndedAt.IsZero() {
		t.Error("rejected run is not terminal-stamped")
	}

	// Only the first run executes.
	if err := f.scheduler.DispatchPending(ctx); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}
	got, _ := f.store.RunByID(ctx, first.ID)
	if got.Status != store.RunSuccess {
		t.Errorf("first run = %s, want success", got.Status)
	}
	if len(f.router.actions) != 1 {
		t.Errorf("dispatched %d actions, want 1", len(f.router.actions))
	}
}

func TestOverlapQueueParksOneSuccessor(t *testing.T) {
	f := newSchedFixture(t)
	job := f.createJob(t, func(spec *JobSpec) { spec.Overlap = store.OverlapQueue })
	ctx := context.Background()

	// An active run, as if a long backup were in flight.
	active := &store.Run{
		ID: "run-active", JobID: job.ID, Status: store.RunRunning,
		Trigger: store.TriggerCron, Node: job.Node, Target: job.Target,
	}
	if err := f.store.CreateRun(ctx, active); err != nil {
		t.Fatal(err)
	}

	queued, err := f.scheduler.Trigger(ctx, job.ID, store.TriggerCron)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if queued.Status != store.RunPending {
		t.Fatalf("successor = %s, want pending", queued.Status)
	}

	// Repeated triggers collapse onto the same parked successor.
	again, err := f.scheduler.Trigger(ctx, job.ID, store.TriggerCron)
	if err != nil {
		t.Fatalf("repeat Trigger: %v", err)
	}
	if again.ID != queued.ID {
		t.Errorf("second trigger parked a new run %s, want %s", again.ID, queued.ID)
	}

	// The successor stays parked while the active run lives.
	if err := f.scheduler.DispatchPending(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.RunByID(ctx, queued.ID)
	if got.Status != store.RunPending {
		t.Fatalf("successor started under an active run: %s", got.Status)
	}

	// Finishing the active run unparks it on the next pass.
	if _, err := f.store.FinishRun(ctx, active.ID, store.RunFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := f.scheduler.DispatchPending(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = f.store.RunByID(ctx, queued.ID)
	if got.Status != store.RunSuccess {
		t.Errorf("successor = %s, want success", got.Status)
	}
}

func TestCronTickTriggersDueJobs(t *testing.T) {
	f := newSchedFixture(t)
	job := f.createJob(t, func(spec *JobSpec) { spec.Schedule = "0 3 * * *" })
	ctx := context.Background()

	// 02:00: not due yet.
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if runs, _ := f.store.ListRuns(ctx, job.ID, 10); len(runs) != 0 {
		t.Fatalf("tick before the schedule fired %d runs", len(runs))
	}

	// Crossing 03:00 fires exactly once even with a late tick.
	f.clock.Advance(90 * time.Minute)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	runs, _ := f.store.ListRuns(ctx, job.ID, 10)
	if len(runs) != 1 || runs[0].Trigger != store.TriggerCron {
		t.Fatalf("runs = %+v, want one cron run", runs)
	}

	// The next tick without a boundary crossing fires nothing.
	f.clock.Advance(time.Minute)
	if err := f.scheduler.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if runs, _ := f.store.ListRuns(ctx, job.ID, 10); len(runs) != 1 {
		t.Fatalf("second tick double-fired: %d runs", len(runs))
	}
}

func TestFailedRunEnqueuesOrphanCleanup(t *testing.T) {
	f := newSchedFixture(t)
	job := f.createJob(t, nil)
	ctx := context.Background()

	f.router.script(protocol.ActionRunJob, protocol.ActionResult{
		OK:           false,
		ErrorKind:    protocol.KindNetwork,
		ErrorMessage: "upload interrupted",
		Artifact:     &protocol.ArtifactInfo{Name: "docs-partial.ksb"},
	})

	run, err := f.scheduler.Trigger(ctx, job.ID, store.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.scheduler.DispatchPending(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.RunByID(ctx, run.ID)
	if got.Status != store.RunFailed || got.Error == "" {
		t.Fatalf("run = %s %q, want failed with message", got.Status, got.Error)
	}

	// Re-point the job before the cleanup drains: the orphan sits
	// where the run wrote it, not at the job's new location.
	edited, err := f.store.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	newTarget, err := codec.Marshal(protocol.TargetDescriptor{
		Driver:   "localdir",
		Settings: map[string]string{"root": "/new-backups"},
	})
	if err != nil {
		t.Fatal(err)
	}
	edited.Target = newTarget
	if err := f.store.UpdateJob(ctx, edited); err != nil {
		t.Fatal(err)
	}

	// The cleanup task deletes the orphan the failed run left behind.
	if err := f.engine.RunPending(ctx); err != nil {
		t.Fatal(err)
	}
	last := f.router.actions[len(f.router.actions)-1]
	if last.Type != protocol.ActionDeleteArtifact || last.ArtifactName != "docs-partial.ksb" {
		t.Errorf("cleanup action = %+v", last)
	}
	if root := last.Target.Settings["root"]; root != "/backups" {
		t.Errorf("cleanup dispatched against root %q, want /backups", root)
	}
}

func TestRecoverStuckFailsAndReconciles(t *testing.T) {
	f := newSchedFixture(t)
	job := f.createJob(t, nil)
	ctx := context.Background()

	stuck := &store.Run{
		ID: "run-stuck", JobID: job.ID, Status: store.RunRunning,
		Trigger: store.TriggerCron, Node: job.Node, Target: job.Target,
	}
	if err := f.store.CreateRun(ctx, stuck); err != nil {
		t.Fatal(err)
	}

	if err := f.scheduler.RecoverStuck(ctx); err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	got, _ := f.store.RunByID(ctx, stuck.ID)
	if got.Status != store.RunFailed {
		t.Fatalf("stuck run = %s, want failed", got.Status)
	}

	// The cleanup task reconciles the index against the target.
	if err := f.engine.RunPending(ctx); err != nil {
		t.Fatal(err)
	}
	last := f.router.actions[len(f.router.actions)-1]
	if last.Type != protocol.ActionListArtifacts {
		t.Errorf("recovery cleanup action = %+v", last)
	}
}

func TestReportProgress(t *testing.T) {
	f := newSchedFixture(t)
	job := f.createJob(t, nil)
	ctx := context.Background()

	run, err := f.scheduler.Trigger(ctx, job.ID, store.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.MarkRunStarted(ctx, run.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.scheduler.ReportProgress(ctx, run.ID, "42/100 files"); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	got, _ := f.store.RunByID(ctx, run.ID)
	if got.Progress != "42/100 files" {
		t.Errorf("progress = %q", got.Progress)
	}

	// Reports after terminal are dropped, not errors.
	if _, err := f.store.FinishRun(ctx, run.ID, store.RunCanceled, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.scheduler.ReportProgress(ctx, run.ID, "late"); err != nil {
		t.Fatalf("late ReportProgress: %v", err)
	}
	got, _ = f.store.RunByID(ctx, run.ID)
	if got.Progress != "42/100 files" {
		t.Errorf("terminal run progress mutated to %q", got.Progress)
	}
}

func TestJobSpecValidation(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	base := JobSpec{
		Name:    "valid",
		Node:    "node-1",
		Overlap: store.OverlapQueue,
		Target:  protocol.TargetDescriptor{Driver: "localdir"},
	}
	tests := []struct {
		name   string
		mutate func(*JobSpec)
	}{
		{"missing name", func(s *JobSpec) { s.Name = "" }},
		{"missing node", func(s *JobSpec) { s.Node = "" }},
		{"bad cron", func(s *JobSpec) { s.Schedule = "not cron" }},
		{"bad timezone", func(s *JobSpec) { s.Timezone = "Mars/Olympus" }},
		{"bad overlap", func(s *JobSpec) { s.Overlap = "maybe" }},
		{"missing target", func(s *JobSpec) { s.Target = protocol.TargetDescriptor{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			tt.mutate(&spec)
			if _, err := f.scheduler.CreateJob(ctx, spec); err == nil {
				t.Error("invalid spec accepted")
			}
		})
	}
}

func TestDeleteJobRefusedWhileArtifactsLive(t *testing.T) {
	f := newSchedFixture(t)
	job := f.createJob(t, nil)
	ctx := context.Background()

	run, err := f.scheduler.Trigger(ctx, job.ID, store.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.scheduler.DispatchPending(ctx); err != nil {
		t.Fatal(err)
	}

	if err := f.scheduler.DeleteJob(ctx, job.ID); err == nil {
		t.Fatal("job with a present artifact was deleted")
	}

	artifact, err := f.store.ArtifactForRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.MarkArtifactDeleting(ctx, artifact.ID, "tester", "cleanup"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.MarkArtifactDeleted(ctx, artifact.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.scheduler.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob after deletion: %v", err)
	}
}

func TestTriggerDisabledJob(t *testing.T) {
	f := newSchedFixture(t)
	job := f.createJob(t, nil)
	ctx := context.Background()

	if err := f.scheduler.SetJobEnabled(ctx, job.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.scheduler.Trigger(ctx, job.ID, store.TriggerManual); err == nil {
		t.Error("disabled job accepted a trigger")
	}
}
