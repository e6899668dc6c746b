// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package router implements trigger-request routing: handler
// resolution against the App Registry and Pool Manager, the in-flight
// record table, response/error correlation, TTL-driven expiry, and
// disconnect-driven cleanup.
//
// A Router implements [registry.DisconnectObserver] so the App
// Registry can notify it directly when an AppID drops, rather than
// the two components sharing mutable state or routing through an
// event bus.
package router
