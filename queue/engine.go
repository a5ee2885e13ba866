// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/store"
)

// Handler executes tasks of one kind and observes their terminal
// transitions.
type Handler interface {
	// Execute performs the task once. Failures should be classified
	// (protocol.Errorf or protocol.WrapError); unclassified errors
	// count as unknown and retry.
	Execute(ctx context.Context, task *store.Task) error

	// OnTerminal is called after the task reaches done, blocked, or
	// abandoned. Errors are logged, not retried: the task's own
	// transition has already committed.
	OnTerminal(ctx context.Context, task *store.Task, status store.TaskStatus) error
}

// Config holds the engine's retry policy.
type Config struct {
	// PollInterval is the idle sleep between claim attempts.
	PollInterval time.Duration

	// BackoffBase, BackoffMultiplier, and BackoffCap shape the retry
	// delay: base * multiplier^(attempt-1), capped.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration

	// MaxAttempts and MaxTaskAge are the abandonment ceilings. A
	// transient failure past either one abandons the task instead of
	// rescheduling it.
	MaxAttempts int
	MaxTaskAge  time.Duration

	// Workers is the number of concurrent executor goroutines.
	// Defaults to 1.
	Workers int
}

// Engine claims and executes queued tasks.
type Engine struct {
	store    *store.Store
	clock    clock.Clock
	logger   *slog.Logger
	config   Config
	handlers map[string]Handler
}

// New creates an engine. Handlers are registered before Run.
func New(st *store.Store, clk clock.Clock, logger *slog.Logger, config Config) *Engine {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &Engine{
		store:    st,
		clock:    clk,
		logger:   logger,
		config:   config,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task kind. Must be called before Run;
// the engine only claims kinds it has handlers for.
func (e *Engine) Register(kind string, handler Handler) {
	e.handlers[kind] = handler
}

// Enqueue marshals payload and queues a task of the given kind. An
// empty dedupeKey disables deduplication; otherwise a second enqueue
// while an earlier task with the same key is non-terminal returns the
// earlier task's id.
func (e *Engine) Enqueue(ctx context.Context, kind string, payload any, dedupeKey string) (string, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: encoding %s payload: %w", kind, err)
	}
	task, created, err := e.store.EnqueueTask(ctx, &store.Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   encoded,
		DedupeKey: dedupeKey,
	})
	if err != nil {
		return "", err
	}
	if created {
		e.logger.Info("task enqueued", "task", task.ID, "kind", kind)
	} else {
		e.logger.Debug("task enqueue deduplicated", "task", task.ID, "kind", kind, "key", dedupeKey)
	}
	return task.ID, nil
}

// Run executes tasks until the context is canceled. Blocks.
func (e *Engine) Run(ctx context.Context) {
	kinds := make([]string, 0, len(e.handlers))
	for kind := range e.handlers {
		kinds = append(kinds, kind)
	}

	var group sync.WaitGroup
	for i := 0; i < e.config.Workers; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			e.workerLoop(ctx, kinds)
		}()
	}
	group.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, kinds []string) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := e.store.ClaimNextTask(ctx, kinds)
		if err != nil {
			e.logger.Error("task claim failed", "error", err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(e.config.PollInterval):
			}
			continue
		}
		e.executeClaimed(ctx, task)
	}
}

// RunPending drains all currently eligible tasks and returns. Used by
// tick-driven callers and tests; Run is the daemon loop.
func (e *Engine) RunPending(ctx context.Context) error {
	kinds := make([]string, 0, len(e.handlers))
	for kind := range e.handlers {
		kinds = append(kinds, kind)
	}
	for {
		task, err := e.store.ClaimNextTask(ctx, kinds)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		e.executeClaimed(ctx, task)
	}
}

func (e *Engine) executeClaimed(ctx context.Context, task *store.Task) {
	handler := e.handlers[task.Kind]
	err := handler.Execute(ctx, task)

	// A delete finding nothing to delete has reached the goal state.
	if protocol.IsKind(err, protocol.KindNotFound) {
		e.logger.Info("task target already gone", "task", task.ID, "kind", task.Kind)
		err = nil
	}

	if err == nil {
		if err := e.store.CompleteTask(ctx, task.ID, ""); err != nil {
			e.logger.Error("task completion failed", "task", task.ID, "error", err)
			return
		}
		e.notifyTerminal(ctx, handler, task, store.TaskDone)
		return
	}

	kind := protocol.KindOf(err)
	task.LastError = err.Error()
	task.LastErrorKind = string(kind)
	if kind.Terminal() {
		if blockErr := e.store.BlockTask(ctx, task.ID, string(kind), err.Error()); blockErr != nil {
			e.logger.Error("task block failed", "task", task.ID, "error", blockErr)
			return
		}
		e.logger.Warn("task blocked", "task", task.ID, "kind", task.Kind, "error", err)
		e.notifyTerminal(ctx, handler, task, store.TaskBlocked)
		return
	}

	now := e.clock.Now()
	if task.Attempts >= e.config.MaxAttempts || now.Sub(task.CreatedAt) >= e.config.MaxTaskAge {
		if abandonErr := e.store.AbandonTask(ctx, task.ID, string(kind), err.Error()); abandonErr != nil {
			e.logger.Error("task abandon failed", "task", task.ID, "error", abandonErr)
			return
		}
		e.logger.Warn("task abandoned",
			"task", task.ID,
			"kind", task.Kind,
			"attempts", task.Attempts,
			"age", now.Sub(task.CreatedAt),
			"error", err,
		)
		e.notifyTerminal(ctx, handler, task, store.TaskAbandoned)
		return
	}

	delay := e.backoff(task.Attempts)
	if rescheduleErr := e.store.RescheduleTask(ctx, task.ID, now.Add(delay), string(kind), err.Error()); rescheduleErr != nil {
		e.logger.Error("task reschedule failed", "task", task.ID, "error", rescheduleErr)
		return
	}
	e.logger.Info("task rescheduled",
		"task", task.ID,
		"kind", task.Kind,
		"attempt", task.Attempts,
		"retry_in", delay,
		"error", err,
	)
}

func (e *Engine) notifyTerminal(ctx context.Context, handler Handler, task *store.Task, status store.TaskStatus) {
	if err := handler.OnTerminal(ctx, task, status); err != nil {
		e.logger.Error("terminal hook failed", "task", task.ID, "status", status, "error", err)
	}
}

// backoff returns the delay before the next attempt after the given
// number of completed attempts.
func (e *Engine) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(e.config.BackoffBase) * math.Pow(e.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(e.config.BackoffCap) || delay < 0 {
		return e.config.BackoffCap
	}
	return time.Duration(delay)
}

// RetryNow, Ignore, and Unignore forward operator actions to the
// store; the engine owns the queue surface so the HTTP layer never
// touches task state directly.

func (e *Engine) RetryNow(ctx context.Context, taskID string) error {
	return e.store.RetryTaskNow(ctx, taskID)
}

func (e *Engine) Ignore(ctx context.Context, taskID, actor, reason string) error {
	return e.store.IgnoreTask(ctx, taskID, actor, reason)
}

func (e *Engine) Unignore(ctx context.Context, taskID string) error {
	return e.store.UnignoreTask(ctx, taskID)
}
