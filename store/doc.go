// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the hub's SQLite persistence layer. One database
// file holds everything: the node registry, job definitions, run
// history, the artifact index, the task queue with its event log,
// retention counters, and the encrypted secret vault.
//
// The package exposes typed operations per table; no SQL leaks to
// callers. All timestamps are stored as INTEGER Unix nanoseconds in
// UTC. Mutations that implement claim or state-transition semantics
// use conditional UPDATEs and report whether the guard matched, which
// is what makes the task queue safe with concurrent workers.
package store
