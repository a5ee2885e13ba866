// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor carries out storage actions: probing targets,
// listing and deleting artifacts, and producing run bundles. The same
// executor runs on the hub (for hub-local targets) and inside agents;
// the two differ only in where credentials come from.
package executor
