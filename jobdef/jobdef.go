// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package jobdef

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/retention"
	"github.com/keepsake-foundation/keepsake/scheduler"
	"github.com/keepsake-foundation/keepsake/store"
)

// Definition is the on-disk shape of one job. The file format is
// JSONC: JSON extended with // line comments, /* block comments */,
// and trailing commas.
type Definition struct {
	// Name identifies the job; it prefixes artifact names on the
	// target. Defaults to the file name without extension.
	Name string `json:"name"`

	// Node is the node id holding the source directory.
	Node string `json:"node"`

	// Schedule is a five-field cron expression; omit for manual-only
	// jobs.
	Schedule string `json:"schedule"`

	// Timezone is the IANA zone the schedule fires in; empty means
	// UTC.
	Timezone string `json:"timezone"`

	// Overlap is "queue" or "reject"; defaults to queue.
	Overlap string `json:"overlap"`

	// Source is the directory archived on each run.
	Source string `json:"source"`

	// Recipient is the age public key bundles are encrypted to,
	// empty for unencrypted bundles.
	Recipient string `json:"recipient"`

	// Target names the storage destination.
	Target TargetDefinition `json:"target"`

	// Retention is the job's retention policy; omit to inherit the
	// hub's default.
	Retention *RetentionDefinition `json:"retention"`
}

// TargetDefinition mirrors protocol.TargetDescriptor in JSON.
type TargetDefinition struct {
	Driver        string            `json:"driver"`
	Settings      map[string]string `json:"settings"`
	CredentialRef string            `json:"credential_ref"`
}

// RetentionDefinition mirrors retention.Policy in JSON.
type RetentionDefinition struct {
	Enabled          bool `json:"enabled"`
	KeepLast         int  `json:"keep_last"`
	KeepDays         int  `json:"keep_days"`
	MaxDeletePerTick int  `json:"max_delete_per_tick"`
	MaxDeletePerDay  int  `json:"max_delete_per_day"`
}

// Parse strips JSONC comments and trailing commas from data and
// unmarshals the result.
func Parse(data []byte) (*Definition, error) {
	stripped := jsonc.ToJSON(data)

	var definition Definition
	decoder := json.NewDecoder(bytes.NewReader(stripped))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&definition); err != nil {
		return nil, fmt.Errorf("jobdef: parsing definition: %w", err)
	}
	return &definition, nil
}

// ReadFile reads and parses one JSONC definition file. A missing name
// defaults to the file name without its extension.
func ReadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobdef: reading %s: %w", path, err)
	}
	definition, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("jobdef: %s: %w", path, err)
	}
	if definition.Name == "" {
		base := filepath.Base(path)
		definition.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return definition, nil
}

// Spec converts a definition into the scheduler's job spec. The
// scheduler performs full validation on create/update; here only the
// shape is mapped.
func (d *Definition) Spec() scheduler.JobSpec {
	overlap := store.OverlapPolicy(d.Overlap)
	if d.Overlap == "" {
		overlap = store.OverlapQueue
	}
	spec := scheduler.JobSpec{
		Name:     d.Name,
		Node:     d.Node,
		Schedule: d.Schedule,
		Timezone: d.Timezone,
		Overlap:  overlap,
		Target: protocol.TargetDescriptor{
			Driver:        d.Target.Driver,
			Settings:      d.Target.Settings,
			CredentialRef: d.Target.CredentialRef,
		},
		Source:    d.Source,
		Recipient: d.Recipient,
	}
	if d.Retention != nil {
		spec.Retention = &retention.Policy{
			Enabled:          d.Retention.Enabled,
			KeepLast:         d.Retention.KeepLast,
			KeepDays:         d.Retention.KeepDays,
			MaxDeletePerTick: d.Retention.MaxDeletePerTick,
			MaxDeletePerDay:  d.Retention.MaxDeletePerDay,
		}
	}
	return spec
}

// LoadDir reads every .jsonc and .json file directly under dir,
// sorted by name. A missing directory is an empty definition set.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobdef: reading %s: %w", dir, err)
	}

	var definitions []*Definition
	names := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".jsonc" && ext != ".json" {
			continue
		}
		definition, err := ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if previous, ok := names[definition.Name]; ok {
			return nil, fmt.Errorf("jobdef: job %q defined in both %s and %s", definition.Name, previous, entry.Name())
		}
		names[definition.Name] = entry.Name()
		definitions = append(definitions, definition)
	}
	sort.Slice(definitions, func(i, j int) bool { return definitions[i].Name < definitions[j].Name })
	return definitions, nil
}

// Apply reconciles definitions into the scheduler: unknown names are
// created, known names updated. Jobs not named by any definition are
// untouched, so API-managed and file-managed jobs coexist. Returns
// the first error; earlier definitions stay applied.
func Apply(ctx context.Context, sched *scheduler.Scheduler, st *store.Store, definitions []*Definition, logger *slog.Logger) error {
	for _, definition := range definitions {
		spec := definition.Spec()
		existing, err := st.JobByName(ctx, definition.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			job, err := sched.CreateJob(ctx, spec)
			if err != nil {
				return fmt.Errorf("jobdef: creating job %s: %w", definition.Name, err)
			}
			logger.Info("job definition created", "job", job.ID, "name", job.Name)
		case err != nil:
			return fmt.Errorf("jobdef: looking up job %s: %w", definition.Name, err)
		default:
			if _, err := sched.UpdateJob(ctx, existing.ID, spec); err != nil {
				return fmt.Errorf("jobdef: updating job %s: %w", definition.Name, err)
			}
			logger.Info("job definition updated", "job", existing.ID, "name", definition.Name)
		}
	}
	return nil
}
