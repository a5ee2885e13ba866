// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"time"

	"github.com/keepsake-foundation/keepsake/lib/cron"
	"github.com/keepsake-foundation/keepsake/store"
)

// Tick evaluates every enabled scheduled job once: schedules with a
// fire time in (lastTick, now] are triggered. Trigger failures are
// isolated per job so one broken schedule cannot starve the rest.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	jobs, err := s.store.ListEnabledScheduledJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		due, err := s.jobDue(job, now)
		if err != nil {
			s.logger.Error("evaluating schedule", "job", job.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		if _, err := s.Trigger(ctx, job.ID, store.TriggerCron); err != nil {
			s.logger.Error("cron trigger failed", "job", job.Name, "error", err)
		}
	}
	s.lastTick = now
	return nil
}

func (s *Scheduler) jobDue(job *store.Job, now time.Time) (bool, error) {
	schedule, err := cron.Parse(job.Schedule)
	if err != nil {
		return false, err
	}
	location := time.UTC
	if job.Timezone != "" {
		if location, err = time.LoadLocation(job.Timezone); err != nil {
			return false, err
		}
	}
	next, err := schedule.Next(s.lastTick, location)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// Run ticks the cron evaluator and the dispatch loop until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick_interval", s.config.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.config.TickInterval):
		}
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("cron tick failed", "error", err)
		}
		if err := s.DispatchPending(ctx); err != nil {
			s.logger.Error("dispatching pending runs", "error", err)
		}
	}
}

// RunPruner deletes old terminal runs on the configured interval.
// Runs whose artifact may still exist on the target are never pruned.
func (s *Scheduler) RunPruner(ctx context.Context) error {
	if s.config.PruneInterval <= 0 || s.config.PruneAfter <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.config.PruneInterval):
		}
		cutoff := s.clock.Now().Add(-s.config.PruneAfter).UnixNano()
		pruned, err := s.store.PruneRuns(ctx, cutoff)
		if err != nil {
			s.logger.Error("pruning runs", "error", err)
			continue
		}
		if pruned > 0 {
			s.logger.Info("runs pruned", "count", pruned)
		}
	}
}
