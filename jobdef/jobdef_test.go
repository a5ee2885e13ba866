// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package jobdef

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/queue"
	"github.com/keepsake-foundation/keepsake/scheduler"
	"github.com/keepsake-foundation/keepsake/snapshot"
	"github.com/keepsake-foundation/keepsake/store"
)

const docsDefinition = `{
	// Nightly documents backup.
	"node": "nas",
	"schedule": "0 3 * * *",
	"timezone": "Europe/Amsterdam",
	"source": "/srv/docs",
	"target": {
		"driver": "webdav",
		"settings": {
			"url": "https://dav.example.net/backups",
			"username": "keepsake",
		},
		"credential_ref": "dav-password",
	},
	"retention": {
		"enabled": true,
		"keep_last": 7,
		"keep_days": 30,
		"max_delete_per_tick": 10,
	},
}`

func TestParse(t *testing.T) {
	definition, err := Parse([]byte(docsDefinition))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if definition.Node != "nas" || definition.Schedule != "0 3 * * *" {
		t.Errorf("definition = %+v", definition)
	}
	if definition.Target.Driver != "webdav" || definition.Target.CredentialRef != "dav-password" {
		t.Errorf("target = %+v", definition.Target)
	}
	if definition.Retention == nil || definition.Retention.KeepLast != 7 {
		t.Errorf("retention = %+v", definition.Retention)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte(`{"node": "nas", "shedule": "0 3 * * *"}`)); err == nil {
		t.Error("Parse accepted a misspelled field")
	}
}

func TestReadFileDefaultsNameFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docs.jsonc")
	if err := os.WriteFile(path, []byte(docsDefinition), 0o644); err != nil {
		t.Fatal(err)
	}

	definition, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if definition.Name != "docs" {
		t.Errorf("Name = %q, want docs", definition.Name)
	}
}

func TestSpecDefaultsOverlapToQueue(t *testing.T) {
	definition, err := Parse([]byte(docsDefinition))
	if err != nil {
		t.Fatal(err)
	}
	definition.Name = "docs"
	if spec := definition.Spec(); spec.Overlap != store.OverlapQueue {
		t.Errorf("Overlap = %q, want queue", spec.Overlap)
	}
}

func TestLoadDirRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	for _, file := range []string{"a.jsonc", "b.jsonc"} {
		content := `{"name": "docs", "node": "nas", "source": "/srv/docs", "target": {"driver": "localdir"}}`
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := LoadDir(dir); err == nil {
		t.Error("LoadDir accepted two definitions of the same job")
	}
}

func TestLoadDirMissingDirIsEmpty(t *testing.T) {
	definitions, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil || definitions != nil {
		t.Errorf("LoadDir = %v, %v", definitions, err)
	}
}

type okDispatcher struct{}

func (okDispatcher) Dispatch(context.Context, protocol.Action) (*protocol.ActionResult, error) {
	return &protocol.ActionResult{OK: true}, nil
}

func newScheduler(t *testing.T) (*scheduler.Scheduler, *store.Store) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC))
	st, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "jobdef_test.db"),
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
	index := snapshot.New(st, engine, okDispatcher{}, slog.Default())
	return scheduler.New(st, index, engine, okDispatcher{}, fakeClock, slog.Default(), scheduler.Config{}), st
}

func TestApplyCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	sched, st := newScheduler(t)

	definitions := []*Definition{{
		Name:   "docs",
		Node:   "nas",
		Source: "/srv/docs",
		Target: TargetDefinition{Driver: "localdir", Settings: map[string]string{"root": "/backups"}},
	}}
	if err := Apply(ctx, sched, st, definitions, slog.Default()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	job, err := st.JobByName(ctx, "docs")
	if err != nil {
		t.Fatalf("JobByName: %v", err)
	}
	if job.Node != "nas" || !job.Enabled {
		t.Errorf("job = %+v", job)
	}

	// A second apply with a changed node updates in place.
	definitions[0].Node = "attic"
	if err := Apply(ctx, sched, st, definitions, slog.Default()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	updated, err := st.JobByName(ctx, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != job.ID {
		t.Error("update replaced the job instead of editing it")
	}
	if updated.Node != "attic" {
		t.Errorf("Node = %q after update", updated.Node)
	}
}

func TestApplyLeavesUnlistedJobsAlone(t *testing.T) {
	ctx := context.Background()
	sched, st := newScheduler(t)

	manual, err := sched.CreateJob(ctx, scheduler.JobSpec{
		Name:    "media",
		Node:    "nas",
		Overlap: store.OverlapQueue,
		Target:  protocol.TargetDescriptor{Driver: "localdir", Settings: map[string]string{"root": "/backups"}},
		Source:  "/srv/media",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := Apply(ctx, sched, st, nil, slog.Default()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := st.JobByID(ctx, manual.ID); err != nil {
		t.Errorf("API-created job gone after Apply: %v", err)
	}
}
