// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package retention

import (
	"fmt"
	"sort"
	"time"

	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/lib/config"
	"github.com/keepsake-foundation/keepsake/store"
)

// Policy is a job's retention policy. A job carries its own policy or
// inherits the global default; caps left at zero on a per-job policy
// inherit the default's caps.
type Policy struct {
	Enabled  bool `cbor:"enabled"`
	KeepLast int  `cbor:"keep_last"`
	KeepDays int  `cbor:"keep_days"`

	// MaxDeletePerTick bounds how many deletes one Apply enqueues.
	MaxDeletePerTick int `cbor:"max_delete_per_tick"`

	// MaxDeletePerDay bounds deletes charged to the job per UTC
	// calendar day, across ticks. Zero means no per-day cap.
	MaxDeletePerDay int `cbor:"max_delete_per_day"`
}

// Validate rejects policies that could never behave sensibly.
func (p Policy) Validate() error {
	if p.KeepLast < 0 || p.KeepDays < 0 {
		return fmt.Errorf("retention: keep_last and keep_days must be >= 0")
	}
	if p.MaxDeletePerTick < 0 || p.MaxDeletePerDay < 0 {
		return fmt.Errorf("retention: delete caps must be >= 0")
	}
	if p.Enabled && p.KeepLast == 0 && p.KeepDays == 0 {
		return fmt.Errorf("retention: enabled policy must keep something")
	}
	return nil
}

// Encode serializes the policy for the job row.
func (p Policy) Encode() ([]byte, error) {
	raw, err := codec.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("retention: encoding policy: %w", err)
	}
	return raw, nil
}

// Effective resolves the policy governing a job: the job's own policy
// with zero caps filled from the default, or the global default when
// the job has none. The second return is false when retention does not
// apply to the job at all.
func Effective(job *store.Job, fallback *config.PolicyDefaults) (Policy, bool, error) {
	if job.Retention == nil {
		if fallback == nil {
			return Policy{}, false, nil
		}
		return Policy{
			Enabled:          true,
			KeepLast:         fallback.KeepLast,
			KeepDays:         fallback.KeepDays,
			MaxDeletePerTick: fallback.MaxDeletePerTick,
			MaxDeletePerDay:  fallback.MaxDeletePerDay,
		}, true, nil
	}

	var policy Policy
	if err := codec.Unmarshal(job.Retention, &policy); err != nil {
		return Policy{}, false, fmt.Errorf("retention: decoding policy for job %s: %w", job.ID, err)
	}
	if !policy.Enabled {
		return Policy{}, false, nil
	}
	if fallback != nil {
		if policy.MaxDeletePerTick == 0 {
			policy.MaxDeletePerTick = fallback.MaxDeletePerTick
		}
		if policy.MaxDeletePerDay == 0 {
			policy.MaxDeletePerDay = fallback.MaxDeletePerDay
		}
	}
	return policy, true, nil
}

// Decision is the outcome of Compute: what a job keeps and what it
// may delete. Candidates are ordered oldest first, ties by id, which
// is the order Apply truncates in.
type Decision struct {
	Keep       []*store.Artifact
	Candidates []*store.Artifact
}

// Compute partitions a job's artifacts into keep and delete-candidate
// sets. Only unpinned present artifacts are considered for deletion;
// everything else (pinned, deleting, error) is kept by construction.
// The keep set is the union of the KeepLast most recent artifacts and
// all artifacts younger than KeepDays days. Pure: no side effects.
func Compute(artifacts []*store.Artifact, policy Policy, now time.Time) Decision {
	eligible := make([]*store.Artifact, 0, len(artifacts))
	var decision Decision
	for _, artifact := range artifacts {
		if artifact.Status != store.ArtifactPresent || artifact.Pinned {
			continue
		}
		eligible = append(eligible, artifact)
	}

	// Newest first; ties broken by id so the partition is stable.
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.After(eligible[j].CreatedAt)
		}
		return eligible[i].ID > eligible[j].ID
	})

	horizon := now.Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	for i, artifact := range eligible {
		if i < policy.KeepLast || (policy.KeepDays > 0 && !artifact.CreatedAt.Before(horizon)) {
			decision.Keep = append(decision.Keep, artifact)
			continue
		}
		decision.Candidates = append(decision.Candidates, artifact)
	}

	// Oldest first for truncation.
	sort.Slice(decision.Candidates, func(i, j int) bool {
		c := decision.Candidates
		if !c[i].CreatedAt.Equal(c[j].CreatedAt) {
			return c[i].CreatedAt.Before(c[j].CreatedAt)
		}
		return c[i].ID < c[j].ID
	})
	return decision
}
