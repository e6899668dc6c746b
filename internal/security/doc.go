// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package security defines the access-control abstraction that the
// Pool Manager and Memory Manager call into: pool-access checks,
// encrypted-pool preparation, memory-block encrypt/decrypt, and key
// rotation. The cryptographic implementation is out of scope for the
// core; [AllowAll] satisfies the [Checker] interface by approving every
// operation and passing block contents through unchanged, which is
// sufficient for every test in this tree and for any deployment that
// has no encrypted pools.
package security
