// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"strings"
	"testing"
	"time"
)

func enqueue(t *testing.T, store *Store, id, kind, dedupe string) *Task {
	t.Helper()
	task, created, err := store.EnqueueTask(context.Background(), &Task{
		ID:        id,
		Kind:      kind,
		Payload:   []byte{0xa0},
		DedupeKey: dedupe,
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if !created {
		t.Fatalf("EnqueueTask %s: deduped unexpectedly", id)
	}
	return task
}

func TestEnqueueDedupe(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := enqueue(t, store, "task-1", "delete_artifact", "delete:art-1")

	// Same key while non-terminal: returns the existing task.
	existing, created, err := store.EnqueueTask(ctx, &Task{
		ID: "task-2", Kind: "delete_artifact", Payload: []byte{0xa0},
		DedupeKey: "delete:art-1",
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if created || existing.ID != first.ID {
		t.Errorf("dedupe miss: created=%v id=%s", created, existing.ID)
	}

	// After the first completes, the key is free again.
	claimed, err := store.ClaimNextTask(ctx, nil)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextTask = %v, %v", claimed, err)
	}
	if err := store.CompleteTask(ctx, claimed.ID, ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	enqueue(t, store, "task-3", "delete_artifact", "delete:art-1")
}

func TestClaimOrderAndEligibility(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "task-a", "delete_artifact", "")
	fakeClock.Advance(time.Second)
	enqueue(t, store, "task-b", "delete_artifact", "")

	claimed, err := store.ClaimNextTask(ctx, nil)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if claimed.ID != "task-a" {
		t.Errorf("claimed %s first, want task-a", claimed.ID)
	}
	if claimed.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", claimed.Attempts)
	}

	// task-a is running now; only task-b remains eligible.
	claimed, err = store.ClaimNextTask(ctx, nil)
	if err != nil || claimed == nil || claimed.ID != "task-b" {
		t.Fatalf("second claim = %v, %v", claimed, err)
	}

	claimed, err = store.ClaimNextTask(ctx, nil)
	if err != nil || claimed != nil {
		t.Fatalf("empty claim = %v, %v, want nil", claimed, err)
	}
}

func TestClaimKindFilter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "task-del", "delete_artifact", "")
	enqueue(t, store, "task-clean", "cleanup", "")

	claimed, err := store.ClaimNextTask(ctx, []string{"cleanup"})
	if err != nil || claimed == nil || claimed.Kind != "cleanup" {
		t.Fatalf("claim = %v, %v, want cleanup", claimed, err)
	}
}

func TestRescheduleAndBackoffEligibility(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "task-1", "delete_artifact", "")
	claimed, _ := store.ClaimNextTask(ctx, nil)

	retryAt := fakeClock.Now().Add(30 * time.Second)
	if err := store.RescheduleTask(ctx, claimed.ID, retryAt, "network", "dial: refused"); err != nil {
		t.Fatalf("RescheduleTask: %v", err)
	}

	// Not eligible until the clock reaches next_attempt_at.
	if got, _ := store.ClaimNextTask(ctx, nil); got != nil {
		t.Fatalf("claimed %s before retry time", got.ID)
	}
	fakeClock.Advance(30 * time.Second)
	got, err := store.ClaimNextTask(ctx, nil)
	if err != nil || got == nil {
		t.Fatalf("claim after backoff = %v, %v", got, err)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.LastErrorKind != "network" {
		t.Errorf("LastErrorKind = %q", got.LastErrorKind)
	}
}

func TestBlockedTasksStayParked(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "task-1", "delete_artifact", "")
	claimed, _ := store.ClaimNextTask(ctx, nil)
	if err := store.BlockTask(ctx, claimed.ID, "config", "credential missing"); err != nil {
		t.Fatalf("BlockTask: %v", err)
	}

	// Blocked tasks never become eligible on their own.
	fakeClock.Advance(24 * time.Hour)
	if got, _ := store.ClaimNextTask(ctx, nil); got != nil {
		t.Fatalf("claimed blocked task %s", got.ID)
	}

	// Operator retry spends attempts, it does not reset them.
	if err := store.RetryTaskNow(ctx, claimed.ID); err != nil {
		t.Fatalf("RetryTaskNow: %v", err)
	}
	got, err := store.ClaimNextTask(ctx, nil)
	if err != nil || got == nil {
		t.Fatalf("claim after retry = %v, %v", got, err)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
}

func TestIgnoreUnignore(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	// Fail one attempt first: dismissing and reinstating the task must
	// carry the attempt counter through unchanged.
	enqueue(t, store, "task-1", "delete_artifact", "")
	claimed, _ := store.ClaimNextTask(ctx, nil)
	retryAt := fakeClock.Now().Add(30 * time.Second)
	if err := store.RescheduleTask(ctx, claimed.ID, retryAt, "network", "dial: refused"); err != nil {
		t.Fatalf("RescheduleTask: %v", err)
	}

	if err := store.IgnoreTask(ctx, "task-1", "alice", "target decommissioned"); err != nil {
		t.Fatalf("IgnoreTask: %v", err)
	}
	fakeClock.Advance(time.Minute)
	if got, _ := store.ClaimNextTask(ctx, nil); got != nil {
		t.Fatalf("claimed ignored task")
	}

	// Who dismissed it and why lands in the event trail.
	events, err := store.TaskEvents(ctx, "task-1")
	if err != nil || len(events) == 0 {
		t.Fatalf("TaskEvents = %v, %v", events, err)
	}
	last := events[len(events)-1]
	if last.ToStatus != TaskIgnored {
		t.Fatalf("last event = %+v, want ignored", last)
	}
	if !strings.Contains(last.Detail, "alice") || !strings.Contains(last.Detail, "target decommissioned") {
		t.Errorf("ignore detail = %q, want actor and reason", last.Detail)
	}

	// Ignoring a running task is rejected.
	enqueue(t, store, "task-2", "delete_artifact", "")
	running, _ := store.ClaimNextTask(ctx, nil)
	if err := store.IgnoreTask(ctx, running.ID, "alice", ""); err == nil {
		t.Error("IgnoreTask accepted a running task")
	}

	if err := store.UnignoreTask(ctx, "task-1"); err != nil {
		t.Fatalf("UnignoreTask: %v", err)
	}
	got, err := store.ClaimNextTask(ctx, nil)
	if err != nil || got == nil || got.ID != "task-1" {
		t.Fatalf("claim after unignore = %v, %v", got, err)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2: ignore and unignore must not reset the counter", got.Attempts)
	}
}

func TestTaskEventLog(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	enqueue(t, store, "task-1", "delete_artifact", "")
	claimed, _ := store.ClaimNextTask(ctx, nil)
	retryAt := fakeClock.Now().Add(time.Minute)
	if err := store.RescheduleTask(ctx, claimed.ID, retryAt, "network", "timeout"); err != nil {
		t.Fatalf("RescheduleTask: %v", err)
	}
	fakeClock.Advance(time.Minute)
	claimed, _ = store.ClaimNextTask(ctx, nil)
	if err := store.CompleteTask(ctx, claimed.ID, "removed"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	events, err := store.TaskEvents(ctx, "task-1")
	if err != nil {
		t.Fatalf("TaskEvents: %v", err)
	}
	want := []struct {
		from, to TaskStatus
	}{
		{"", TaskQueued},
		{TaskQueued, TaskRunning},
		{TaskRunning, TaskRetrying},
		{TaskRetrying, TaskRunning},
		{TaskRunning, TaskDone},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, tt := range want {
		if events[i].FromStatus != tt.from || events[i].ToStatus != tt.to {
			t.Errorf("event %d = %s -> %s, want %s -> %s",
				i, events[i].FromStatus, events[i].ToStatus, tt.from, tt.to)
		}
	}
}
