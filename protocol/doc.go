// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire types exchanged between the hub
// and its agents, and the error taxonomy shared by every component
// that executes actions against storage targets.
//
// Errors crossing the agent channel lose their Go type identity, so
// the taxonomy is carried explicitly: every failure is classified
// into an ErrorKind before it is serialized, and the hub's queue
// engine decides retry-versus-block from the kind alone.
package protocol
