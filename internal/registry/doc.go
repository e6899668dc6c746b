// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the live map of AppID to registration,
// the trigger-name → set-of-AppIDs index, and the rehydration cache
// that survives a disconnect for a bounded TTL.
//
// Handshake processing is a small state machine per connection:
// UNBOUND transitions to BOUND on a valid handshake; a second
// handshake for an already-BOUND AppID is treated as an update; any
// disconnect drops BOUND and moves the registration into the
// rehydration cache.
//
// The Registry does not know about in-flight trigger records. Callers
// that need to react to a disconnect (the Trigger Router, to cancel
// records anchored on the departing AppID) register a
// [DisconnectObserver] instead of the Registry reaching into their
// state directly.
package registry
