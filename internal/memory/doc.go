// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements named shared-memory blocks: allocation,
// attach/detach tracking, offset-addressed read/write/CAS, non-queued
// advisory locks with timeout-based auto-release, a per-block
// permission map, and a periodic idle-block garbage-collection sweep.
//
// Every block's contents live in an in-process byte buffer guarded by
// the block's own mutex, so concurrent reads/writes to different blocks
// never contend. A persistent block additionally mirrors its buffer to
// a plain file under the configured memory directory on every write, so
// its contents survive a server restart; a non-persistent block's
// buffer is never written to disk and is lost on restart or GC
// eviction. The persistence backing is a flat file per block rather
// than a memory-mapped or POSIX-shm region (see DESIGN.md for why).
package memory
