// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keepsake-foundation/keepsake/bundle"
	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/sealed"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/registry"
	"github.com/keepsake-foundation/keepsake/store"
)

func localTarget(root string) protocol.TargetDescriptor {
	return protocol.TargetDescriptor{
		Driver:   "localdir",
		Settings: map[string]string{"root": root},
	}
}

func writeSource(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("remember the milk"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunJobProducesArtifact(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC))
	exec := New(nil, clk, slog.Default())
	targetRoot := filepath.Join(t.TempDir(), "store")

	var notes []string
	result := exec.Execute(ctx, protocol.Action{
		Type:    protocol.ActionRunJob,
		Target:  localTarget(targetRoot),
		JobID:   "job-1",
		RunID:   "run-1",
		JobName: "docs",
		Source:  writeSource(t),
	}, func(note string) { notes = append(notes, note) })

	if !result.OK {
		t.Fatalf("Execute failed: %s: %s", result.ErrorKind, result.ErrorMessage)
	}
	if result.Artifact == nil {
		t.Fatal("success result has no artifact")
	}
	if result.Artifact.Name != "docs-20260315T020000Z.ksb" {
		t.Errorf("artifact name = %q", result.Artifact.Name)
	}

	stored, err := os.ReadFile(filepath.Join(targetRoot, result.Artifact.Name))
	if err != nil {
		t.Fatalf("reading stored bundle: %v", err)
	}
	if int64(len(stored)) != result.Artifact.SizeBytes {
		t.Errorf("stored %d bytes, artifact records %d", len(stored), result.Artifact.SizeBytes)
	}
	if err := bundle.Verify(bytes.NewReader(stored), result.Artifact.Checksum); err != nil {
		t.Errorf("Verify: %v", err)
	}

	// Unencrypted: the bundle opens with no identity.
	dest := t.TempDir()
	if err := bundle.Extract(ctx, bytes.NewReader(stored), nil, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dest, "notes.txt"))
	if err != nil || string(content) != "remember the milk" {
		t.Errorf("extracted notes.txt = %q, %v", content, err)
	}

	if len(notes) == 0 {
		t.Error("no progress notes reported")
	}
}

func TestRunJobEncryptsToRecipient(t *testing.T) {
	ctx := context.Background()
	keys, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer keys.Close()

	clk := clock.Fake(time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC))
	exec := New(nil, clk, slog.Default())
	targetRoot := filepath.Join(t.TempDir(), "store")

	result := exec.Execute(ctx, protocol.Action{
		Type:      protocol.ActionRunJob,
		Target:    localTarget(targetRoot),
		JobName:   "docs",
		Source:    writeSource(t),
		Recipient: keys.PublicKey,
	}, nil)
	if !result.OK {
		t.Fatalf("Execute failed: %s", result.ErrorMessage)
	}

	stored, err := os.ReadFile(filepath.Join(targetRoot, result.Artifact.Name))
	if err != nil {
		t.Fatal(err)
	}
	if err := bundle.Extract(ctx, bytes.NewReader(stored), nil, t.TempDir()); err == nil {
		t.Error("encrypted bundle opened without an identity")
	}
	if err := bundle.Extract(ctx, bytes.NewReader(stored), keys.PrivateKey, t.TempDir()); err != nil {
		t.Errorf("Extract with matching identity: %v", err)
	}
}

func TestRunJobMissingSourceFails(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC))
	exec := New(nil, clk, slog.Default())
	targetRoot := filepath.Join(t.TempDir(), "store")

	result := exec.Execute(context.Background(), protocol.Action{
		Type:    protocol.ActionRunJob,
		Target:  localTarget(targetRoot),
		JobName: "docs",
		Source:  filepath.Join(t.TempDir(), "vanished"),
	}, nil)
	if result.OK {
		t.Fatal("Execute succeeded with a missing source")
	}

	// A failed run must not leave a published object behind.
	entries, err := os.ReadDir(targetRoot)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			t.Errorf("failed run published %s", entry.Name())
		}
	}
}

func TestDeleteAndListAndProbe(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for _, name := range []string{"docs-a.ksb", "docs-b.ksb", "media-a.ksb"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	exec := New(nil, clock.Real(), slog.Default())

	probe := exec.Execute(ctx, protocol.Action{Type: protocol.ActionProbe, Target: localTarget(root)}, nil)
	if !probe.OK {
		t.Fatalf("probe failed: %s", probe.ErrorMessage)
	}

	list := exec.Execute(ctx, protocol.Action{
		Type: protocol.ActionListArtifacts, Target: localTarget(root), Prefix: "docs-",
	}, nil)
	if !list.OK || len(list.Names) != 2 {
		t.Fatalf("list = %v (ok=%v)", list.Names, list.OK)
	}

	del := exec.Execute(ctx, protocol.Action{
		Type: protocol.ActionDeleteArtifact, Target: localTarget(root), ArtifactName: "docs-a.ksb",
	}, nil)
	if !del.OK {
		t.Fatalf("delete failed: %s", del.ErrorMessage)
	}
	if _, err := os.Stat(filepath.Join(root, "docs-a.ksb")); !os.IsNotExist(err) {
		t.Error("docs-a.ksb still present after delete")
	}

	again := exec.Execute(ctx, protocol.Action{
		Type: protocol.ActionDeleteArtifact, Target: localTarget(root), ArtifactName: "docs-a.ksb",
	}, nil)
	if again.OK || again.ErrorKind != protocol.KindNotFound {
		t.Errorf("second delete = ok=%v kind=%s, want not_found", again.OK, again.ErrorKind)
	}
}

func TestMissingCredentialIsConfigError(t *testing.T) {
	exec := New(nil, clock.Real(), slog.Default())
	result := exec.Execute(context.Background(), protocol.Action{
		Type: protocol.ActionProbe,
		Target: protocol.TargetDescriptor{
			Driver:        "webdav",
			Settings:      map[string]string{"url": "https://dav.example.net/backups", "username": "keepsake"},
			CredentialRef: "dav-password",
		},
	}, nil)
	if result.OK || result.ErrorKind != protocol.KindConfig {
		t.Errorf("result = ok=%v kind=%s, want config", result.OK, result.ErrorKind)
	}
}

func TestBundleSourceServesDistributedSecrets(t *testing.T) {
	value := []byte("hunter2")
	source := NewBundleSource(&registry.SecretBundle{
		Secrets: map[string][]byte{"dav-password": value},
	})

	got, err := source.Credential(context.Background(), "dav-password")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	defer got.Close()
	if string(got.Bytes()) != "hunter2" {
		t.Errorf("Credential = %q", got.Bytes())
	}

	if _, err := source.Credential(context.Background(), "absent"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("absent ref error = %v, want store.ErrNotFound", err)
	}
}
