// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"log/slog"

	"github.com/keepsake-foundation/keepsake/executor"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/registry"
)

// Caller sends an action to a connected agent and waits for its
// result. Implemented by transport.Hub.
type Caller interface {
	Call(ctx context.Context, nodeID string, action protocol.Action) (*protocol.ActionResult, error)
}

// Router forwards actions to their executing node: the hub's own
// executor for hub-routed actions, the transport for agent-routed
// ones. It is the Dispatcher the snapshot index and the scheduler
// dispatch through.
type Router struct {
	caller   Caller
	local    *executor.Executor
	logger   *slog.Logger
	progress func(ctx context.Context, runID, note string)
}

// New returns a router executing hub-routed actions on local and
// forwarding the rest through caller.
func New(caller Caller, local *executor.Executor, logger *slog.Logger) *Router {
	return &Router{
		caller: caller,
		local:  local,
		logger: logger.With("component", "router"),
	}
}

// OnProgress registers the sink for progress notes from hub-executed
// run actions. Agent-executed runs report through the transport
// instead. Must be set before dispatching.
func (r *Router) OnProgress(fn func(ctx context.Context, runID, note string)) {
	r.progress = fn
}

// Dispatch routes one action and returns its result. A transport-level
// failure (node offline, connection lost) comes back as an error; the
// action's own failure comes back inside the result.
func (r *Router) Dispatch(ctx context.Context, action protocol.Action) (*protocol.ActionResult, error) {
	node := Route(action)
	if node == registry.HubNodeID {
		report := func(string) {}
		if r.progress != nil && action.Type == protocol.ActionRunJob {
			report = func(note string) { r.progress(ctx, action.RunID, note) }
		}
		return r.local.Execute(ctx, action, report), nil
	}

	r.logger.Debug("forwarding action", "type", action.Type, "node", node)
	return r.caller.Call(ctx, node, action)
}

// Route names the node an action executes on. Run actions are pinned
// to the action's node: the source directory only exists there.
// Maintenance actions against network-reachable drivers execute on
// the hub regardless of which node produced the artifacts.
func Route(action protocol.Action) string {
	if action.Type == protocol.ActionRunJob {
		return nodeOrHub(action.Node)
	}
	switch action.Target.Driver {
	case "webdav":
		return registry.HubNodeID
	default:
		return nodeOrHub(action.Node)
	}
}

func nodeOrHub(node string) string {
	if node == "" {
		return registry.HubNodeID
	}
	return node
}
