// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler owns jobs and their runs: cron triggering, the
// overlap policy, run execution through the router, and the
// completion handoff into the snapshot index.
//
// A trigger never executes anything directly. It creates a pending
// run (or a rejected one, when the overlap policy says so) and the
// dispatch loop claims startable runs, which keeps the invariant that
// a job has at most one running run regardless of how many triggers
// race. Completion registers the produced artifact with the snapshot
// index and, when the run failed leaving an object behind, enqueues a
// cleanup task to remove the orphan.
package scheduler
