// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keepsake-foundation/keepsake/lib/sealed"
)

func writeSourceTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"readme.txt":       "hello",
		"nested/data.bin":  strings.Repeat("abc", 1000),
		"nested/empty.txt": "",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink("readme.txt", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestCreateExtractRoundTrip(t *testing.T) {
	keys, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keys.Close()

	source := writeSourceTree(t)
	var encrypted bytes.Buffer
	result, err := Create(context.Background(), source, &encrypted, []string{keys.PublicKey})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.SizeBytes != int64(encrypted.Len()) {
		t.Errorf("SizeBytes = %d, buffer = %d", result.SizeBytes, encrypted.Len())
	}

	// The checksum is over the stored bytes, verifiable without keys.
	if err := Verify(bytes.NewReader(encrypted.Bytes()), result.Checksum); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := Verify(bytes.NewReader(encrypted.Bytes()[:encrypted.Len()-1]), result.Checksum); err == nil {
		t.Error("Verify accepted truncated bundle")
	}

	dest := t.TempDir()
	if err := Extract(context.Background(), bytes.NewReader(encrypted.Bytes()), keys.PrivateKey, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dest, "nested", "data.bin"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(content) != strings.Repeat("abc", 1000) {
		t.Error("extracted content differs")
	}
	link, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil || link != "readme.txt" {
		t.Errorf("symlink = %q, %v", link, err)
	}
}

func TestExtractRejectsWrongIdentity(t *testing.T) {
	rightKeys, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer rightKeys.Close()
	wrongKeys, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer wrongKeys.Close()

	var encrypted bytes.Buffer
	if _, err := Create(context.Background(), writeSourceTree(t), &encrypted, []string{rightKeys.PublicKey}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = Extract(context.Background(), bytes.NewReader(encrypted.Bytes()), wrongKeys.PrivateKey, t.TempDir())
	if err == nil {
		t.Error("Extract succeeded with wrong identity")
	}
}

func TestUnencryptedRoundTrip(t *testing.T) {
	source := writeSourceTree(t)
	var stored bytes.Buffer
	result, err := Create(context.Background(), source, &stored, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Verify(bytes.NewReader(stored.Bytes()), result.Checksum); err != nil {
		t.Errorf("Verify: %v", err)
	}

	dest := t.TempDir()
	if err := Extract(context.Background(), bytes.NewReader(stored.Bytes()), nil, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dest, "readme.txt"))
	if err != nil || string(content) != "hello" {
		t.Errorf("readme.txt = %q, %v", content, err)
	}
}

func TestNameSortsChronologically(t *testing.T) {
	early := Name("docs", time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC))
	late := Name("docs", time.Date(2026, 11, 1, 2, 0, 0, 0, time.UTC))
	if early != "docs-20260315T020000Z.ksb" {
		t.Errorf("Name = %q", early)
	}
	if !(early < late) {
		t.Errorf("names do not sort: %q vs %q", early, late)
	}
}

func TestSecurePathRejectsEscapes(t *testing.T) {
	for _, name := range []string{"../evil", "/abs/path", "a/../../evil"} {
		if _, err := securePath("/dest", name); err == nil {
			t.Errorf("securePath accepted %q", name)
		}
	}
	if _, err := securePath("/dest", "ok/file.txt"); err != nil {
		t.Errorf("securePath rejected clean path: %v", err)
	}
}
