// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool owns pool metadata and the bidirectional app↔pool
// membership index, and enforces access policy for pool-scoped
// operations (trigger routing and memory ops).
//
// Two sentinel pools, "default" and "system", always exist and cannot
// be removed. They are created on first startup and re-created on any
// subsequent startup if somehow absent from the durable store.
package pool
