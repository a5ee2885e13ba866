// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot is the artifact index: the hub's record of which
// backup bundles exist on which targets, and the owner of their
// deletion lifecycle.
//
// Deletion is asynchronous. RequestDelete moves the artifact from
// present to deleting and enqueues a delete task; the index hears the
// task's fate through the queue's terminal hook and settles the
// artifact to deleted or error. The deleting state is the claim that
// makes concurrent retention ticks enqueue each delete exactly once.
package snapshot
