// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"

	"github.com/Latency-Zero/server/lib/codec"
)

// These names identify an "admin" message's read-only sub-operation, the
// concrete binding of the protocol's introspection-only admin kind.
const (
	adminOpStats     = "stats"
	adminOpListApps  = "list_apps"
	adminOpListPools = "list_pools"
	adminOpListBlock = "list_blocks"
)

// statsSnapshot is the "stats" admin operation's result payload.
type statsSnapshot struct {
	ActiveConnections int   `json:"active_connections"`
	RegisteredApps    int   `json:"registered_apps"`
	InFlightTriggers  int   `json:"in_flight_triggers"`
	Dispatched        int64 `json:"dispatched"`
	Completed         int64 `json:"completed"`
	TimedOut          int64 `json:"timed_out"`
	NoHandler         int64 `json:"no_handler"`
	TooManyInFlight   int64 `json:"too_many_in_flight"`
	ShortCircuited    int64 `json:"short_circuited"`
	RoutingErrors     int64 `json:"routing_errors"`
}

// handleAdmin dispatches one "admin" message to the read-only
// introspection operation it names.
func (o *Orchestrator) handleAdmin(ctx context.Context, msg *codec.Message) *codec.Message {
	switch string(msg.Operation) {
	case adminOpStats:
		stats := o.router.Snapshot()
		return memSuccessReply(msg, statsSnapshot{
			ActiveConnections: o.listener.ActiveConnections(),
			RegisteredApps:    len(o.registry.ListLive()),
			InFlightTriggers:  o.router.InFlightCount(),
			Dispatched:        stats.Dispatched,
			Completed:         stats.Completed,
			TimedOut:          stats.TimedOut,
			NoHandler:         stats.NoHandler,
			TooManyInFlight:   stats.TooManyInFlight,
			ShortCircuited:    stats.ShortCircuited,
			RoutingErrors:     stats.RoutingErrors,
		})

	case adminOpListApps:
		live := o.registry.ListLive()
		apps := make([]string, 0, len(live))
		for _, reg := range live {
			apps = append(apps, reg.AppID)
		}
		return memSuccessReply(msg, map[string]any{"apps": apps})

	case adminOpListPools:
		infos := o.pools.List()
		names := make([]string, 0, len(infos))
		for _, info := range infos {
			names = append(names, info.Name)
		}
		return memSuccessReply(msg, map[string]any{"pools": names})

	case adminOpListBlock:
		infos := o.memory.List()
		ids := make([]string, 0, len(infos))
		for _, info := range infos {
			ids = append(ids, info.BlockID)
		}
		return memSuccessReply(msg, map[string]any{"blocks": ids})

	default:
		return memErrorReply(msg, "VALIDATION_ERROR", fmt.Sprintf("unsupported admin operation %q", msg.Operation))
	}
}
