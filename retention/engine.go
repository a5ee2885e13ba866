// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/config"
	"github.com/keepsake-foundation/keepsake/snapshot"
	"github.com/keepsake-foundation/keepsake/store"
)

const dayFormat = "2006-01-02"

// counterRetainDays is how long spent per-day counters stay in the
// store before the tick prunes them. Past days never constrain
// anything, so this only bounds table growth.
const counterRetainDays = 7

// Engine sweeps jobs on a timer and enqueues retention deletions.
type Engine struct {
	store  *store.Store
	index  *snapshot.Index
	clock  clock.Clock
	logger *slog.Logger
	config Config
}

// Config carries the retention engine's settings.
type Config struct {
	// TickInterval is the sweep period.
	TickInterval time.Duration

	// Default is the global policy for jobs without their own,
	// nil when only explicit per-job policies apply.
	Default *config.PolicyDefaults
}

func New(st *store.Store, index *snapshot.Index, clk clock.Clock, logger *slog.Logger, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Hour
	}
	return &Engine{
		store:  st,
		index:  index,
		clock:  clk,
		logger: logger,
		config: cfg,
	}
}

// Defaults returns the global fallback policy, nil when only
// explicit per-job policies apply.
func (e *Engine) Defaults() *config.PolicyDefaults {
	return e.config.Default
}

// Preview returns what retention would keep and delete for a job
// right now, without enqueueing anything.
func (e *Engine) Preview(ctx context.Context, jobID string) (Decision, error) {
	job, err := e.store.JobByID(ctx, jobID)
	if err != nil {
		return Decision{}, err
	}
	policy, enabled, err := Effective(job, e.config.Default)
	if err != nil {
		return Decision{}, err
	}
	if !enabled {
		return Decision{}, nil
	}
	artifacts, err := e.store.ListArtifacts(ctx, jobID, store.ArtifactPresent)
	if err != nil {
		return Decision{}, err
	}
	return Compute(artifacts, policy, e.clock.Now()), nil
}

// Apply computes the job's delete candidates and enqueues deletions
// up to the per-tick and per-day caps, oldest first. Each enqueue is
// isolated: one failing artifact does not stop its siblings. Returns
// how many deletions were enqueued.
func (e *Engine) Apply(ctx context.Context, jobID string) (int, error) {
	job, err := e.store.JobByID(ctx, jobID)
	if err != nil {
		return 0, err
	}
	policy, enabled, err := Effective(job, e.config.Default)
	if err != nil {
		return 0, err
	}
	if !enabled {
		return 0, nil
	}

	artifacts, err := e.store.ListArtifacts(ctx, jobID, store.ArtifactPresent)
	if err != nil {
		return 0, err
	}
	decision := Compute(artifacts, policy, e.clock.Now())
	batch := decision.Candidates

	if policy.MaxDeletePerTick > 0 && len(batch) > policy.MaxDeletePerTick {
		batch = batch[:policy.MaxDeletePerTick]
	}

	day := e.clock.Now().UTC().Format(dayFormat)
	if policy.MaxDeletePerDay > 0 {
		spent, err := e.store.DeletedToday(ctx, jobID, day)
		if err != nil {
			return 0, err
		}
		budget := policy.MaxDeletePerDay - spent
		if budget <= 0 {
			e.logger.Info("retention day budget exhausted", "job", jobID, "day", day)
			return 0, nil
		}
		if len(batch) > budget {
			batch = batch[:budget]
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	// Charge before enqueueing: a crash in the loop leaves the
	// counter high, which can only under-delete.
	if err := e.store.ChargeDeletions(ctx, jobID, day, len(batch)); err != nil {
		return 0, err
	}

	enqueued := 0
	for _, artifact := range batch {
		claimed, err := e.index.RequestDelete(ctx, artifact.ID, false, "retention", "retention policy")
		if err != nil {
			e.logger.Warn("retention delete enqueue failed",
				"job", jobID,
				"artifact", artifact.ID,
				"error", err,
			)
			continue
		}
		if claimed {
			enqueued++
		}
	}
	if enqueued > 0 {
		e.logger.Info("retention applied",
			"job", jobID,
			"candidates", len(decision.Candidates),
			"enqueued", enqueued,
		)
	}
	return enqueued, nil
}

// ApplyAll runs Apply over every job, isolating per-job failures.
func (e *Engine) ApplyAll(ctx context.Context) error {
	jobs, err := e.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("retention: listing jobs: %w", err)
	}
	for _, job := range jobs {
		if _, err := e.Apply(ctx, job.ID); err != nil {
			e.logger.Error("retention sweep failed for job", "job", job.ID, "error", err)
		}
	}

	cutoff := e.clock.Now().UTC().AddDate(0, 0, -counterRetainDays).Format(dayFormat)
	if err := e.store.PruneRetentionCounters(ctx, cutoff); err != nil {
		e.logger.Warn("pruning retention counters", "error", err)
	}
	return nil
}

// Run sweeps on the configured interval until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("retention engine started", "tick_interval", e.config.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.config.TickInterval):
		}
		if err := e.ApplyAll(ctx); err != nil {
			e.logger.Error("retention sweep failed", "error", err)
		}
	}
}
