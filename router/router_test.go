// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepsake-foundation/keepsake/executor"
	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/registry"
)

type recordingCaller struct {
	calls  []string
	result *protocol.ActionResult
	err    error
}

func (c *recordingCaller) Call(_ context.Context, nodeID string, action protocol.Action) (*protocol.ActionResult, error) {
	c.calls = append(c.calls, nodeID+":"+string(action.Type))
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func localdirTarget(root string) protocol.TargetDescriptor {
	return protocol.TargetDescriptor{Driver: "localdir", Settings: map[string]string{"root": root}}
}

func webdavTarget() protocol.TargetDescriptor {
	return protocol.TargetDescriptor{
		Driver:   "webdav",
		Settings: map[string]string{"url": "https://dav.example.net/backups", "username": "keepsake"},
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name   string
		action protocol.Action
		want   string
	}{
		{
			name:   "run pinned to its node",
			action: protocol.Action{Type: protocol.ActionRunJob, Node: "nas", Target: webdavTarget()},
			want:   "nas",
		},
		{
			name:   "run without node stays on hub",
			action: protocol.Action{Type: protocol.ActionRunJob, Target: localdirTarget("/srv")},
			want:   registry.HubNodeID,
		},
		{
			name:   "webdav delete pulled to hub",
			action: protocol.Action{Type: protocol.ActionDeleteArtifact, Node: "nas", Target: webdavTarget()},
			want:   registry.HubNodeID,
		},
		{
			name:   "webdav list pulled to hub",
			action: protocol.Action{Type: protocol.ActionListArtifacts, Node: "nas", Target: webdavTarget()},
			want:   registry.HubNodeID,
		},
		{
			name:   "localdir delete stays on its node",
			action: protocol.Action{Type: protocol.ActionDeleteArtifact, Node: "nas", Target: localdirTarget("/srv")},
			want:   "nas",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Route(test.action); got != test.want {
				t.Errorf("Route = %q, want %q", got, test.want)
			}
		})
	}
}

func TestDispatchExecutesHubActionsLocally(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "docs-a.ksb"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	caller := &recordingCaller{}
	local := executor.New(nil, clock.Real(), slog.Default())
	router := New(caller, local, slog.Default())

	// localdir on node "nas" is forwarded, not executed here.
	if _, err := router.Dispatch(context.Background(), protocol.Action{
		Type:   protocol.ActionListArtifacts,
		Node:   "nas",
		Target: localdirTarget(root),
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(caller.calls) != 1 || caller.calls[0] != "nas:list_artifacts" {
		t.Fatalf("calls = %v", caller.calls)
	}

	// Hub-routed: no node set, executes against the local filesystem.
	result, err := router.Dispatch(context.Background(), protocol.Action{
		Type:   protocol.ActionListArtifacts,
		Target: localdirTarget(root),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !result.OK || len(result.Names) != 1 || result.Names[0] != "docs-a.ksb" {
		t.Errorf("local list = %+v", result)
	}
	if len(caller.calls) != 1 {
		t.Errorf("local dispatch went through the caller: %v", caller.calls)
	}
}

func TestDispatchForwardsProgressFromLocalRuns(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "f.txt"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	local := executor.New(nil, clock.Fake(time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC)), slog.Default())
	router := New(&recordingCaller{}, local, slog.Default())

	var notes []string
	router.OnProgress(func(_ context.Context, runID, note string) {
		notes = append(notes, runID+":"+note)
	})

	result, err := router.Dispatch(context.Background(), protocol.Action{
		Type:    protocol.ActionRunJob,
		Target:  localdirTarget(filepath.Join(t.TempDir(), "store")),
		JobID:   "job-1",
		RunID:   "run-1",
		JobName: "docs",
		Source:  source,
	})
	if err != nil || !result.OK {
		t.Fatalf("Dispatch = %+v, %v", result, err)
	}
	if len(notes) == 0 {
		t.Fatal("no progress notes forwarded")
	}
	for _, note := range notes {
		if note[:6] != "run-1:" {
			t.Errorf("note %q not tagged with the run id", note)
		}
	}
}

func TestDispatchPropagatesTransportErrors(t *testing.T) {
	caller := &recordingCaller{err: protocol.Errorf(protocol.KindNetwork, "transport: node nas is not connected")}
	router := New(caller, executor.New(nil, clock.Real(), slog.Default()), slog.Default())

	_, err := router.Dispatch(context.Background(), protocol.Action{
		Type:   protocol.ActionProbe,
		Node:   "nas",
		Target: localdirTarget("/srv/backups"),
	})
	if protocol.KindOf(err) != protocol.KindNetwork {
		t.Errorf("error kind = %s, want network", protocol.KindOf(err))
	}
}
