// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package router decides where each storage action executes. Run
// actions go to the node holding the job's source directory.
// Maintenance actions (delete, list, probe) go wherever the target is
// reachable from: network targets are served by the hub itself, so
// retention and reconciliation keep working while the producing agent
// is offline; node-local targets must wait for their node.
package router
