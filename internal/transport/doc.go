// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport owns the TCP listener, per-connection framing, and
// the read/write halves of every client connection.
//
// An accept loop hands each connection to its own goroutine, which
// reads and writes frames concurrently over a long-lived connection
// that multiplexes many concurrent trigger/response/emit/memory
// messages — framing uses the 4-byte length prefix lib/codec defines.
//
// Transport is deliberately decoupled from the App Registry, Pool
// Manager, and Trigger Router: it calls a narrow [Dispatcher] interface
// for every parsed message and every disconnect. The Orchestrator
// implements Dispatcher and owns the actual routing.
package transport
