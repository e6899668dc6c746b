// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires Persistence, the Pool Manager, the Memory
// Manager, the App Registry, the Trigger Router, and Transport into one
// running server, and dispatches every inbound message to the
// component that owns it.
//
// One struct holds every long-lived component, started in dependency
// order. Construction order here is
// Persistence, Pool Manager, Memory Manager, App Registry, Trigger
// Router, Transport — the Pool Manager precedes the Memory Manager
// because internal/memory.Config takes a *pool.Manager, a Go-level
// constructor dependency that does not match the components' natural
// listed order (Memory Manager before Pool Manager); see DESIGN.md for
// the recorded decision. Shutdown begins once Transport's accept loop
// has returned: it stops the maintenance tickers and the Trigger
// Router's sweeper, then closes Persistence. The App Registry, Pool
// Manager and Memory Manager have no shutdown step of their own.
package orchestrator
