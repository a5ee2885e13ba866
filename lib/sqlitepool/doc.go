// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with Keepsake's
// standard pragmas applied to every connection.
//
// The hub's entire persistent state — jobs, runs, the artifact index,
// the task queue, and its event log — lives in one SQLite database
// accessed through a single Pool. WAL mode gives the HTTP read surface
// concurrent reads while a queue worker holds the write lock for its
// claim transition.
package sqlitepool
