// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the hub/agent control channel: a plain TCP
// connection carrying a CBOR stream of envelopes with correlation
// ids. The agent dials, authenticates with its enrollment secret, and
// then serves actions the hub pushes down the same connection;
// results, heartbeats, and progress reports flow back. Connect and
// disconnect are reported to the node registry so the rest of the hub
// sees node liveness without touching sockets.
package transport
