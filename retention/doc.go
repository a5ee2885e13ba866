// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package retention decides which artifacts a job keeps and feeds the
// rest, rate-limited, into the snapshot index's deletion pipeline.
//
// The keep set is the union of the N most recent artifacts and every
// artifact younger than D days; pinned artifacts are excluded from
// deletion unconditionally. Apply truncates the delete-candidate set
// oldest first to the per-tick cap, then to whatever is left of the
// job's per-day budget, so a misconfigured policy can never mass-delete
// a job's history in one sweep.
package retention
