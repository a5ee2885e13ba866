// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue is the persistent task engine. Tasks survive hub
// restarts in the store; workers claim them one at a time through an
// atomic conditional update, execute the registered handler for the
// task's kind, and route the outcome by error classification:
// transient failures reschedule with exponential backoff, terminal
// failures park the task as blocked, and tasks that exhaust the
// attempt or age ceiling are abandoned.
//
// The engine knows nothing about what tasks mean. Consumers register
// a Handler per kind and get a callback on every terminal transition,
// which is where the snapshot index learns the fate of its delete
// tasks.
package queue
