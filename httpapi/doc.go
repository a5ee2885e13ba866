// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi is the hub's operator-facing HTTP surface: node
// enrollment and secrets, job management and triggering, snapshot
// listing and deletion, retention preview/apply, and task queue
// inspection. JSON in, JSON out; errors carry an HTTP status and a
// message body. Handlers never block on cross-node execution — slow
// work goes through the task queue or the run dispatch loop.
package httpapi
