// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, time.NewTicker, or time.Sleep directly. Real() provides
// the standard library behavior; Fake() provides a deterministic clock
// that advances only when Advance is called.
//
// The task queue workers, the retention tick, and the scheduler's cron
// tick all run on injected clocks, so their backoff and scheduling
// behavior is tested without wall-clock sleeps:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	w := queue.NewWorker(..., c)
//	// ... start the worker ...
//	c.WaitForTimers(1)           // worker is parked on its poll timer
//	c.Advance(30 * time.Second)  // fire the next attempt deterministically
//
// WaitForTimers eliminates the race between a goroutine registering a
// timer and the test advancing the clock.
package clock
