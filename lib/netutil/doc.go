// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides small network-error classification helpers
// shared by the transport listener and its tests.
package netutil
