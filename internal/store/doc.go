// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides durable storage for the LatZero server: app
// registrations, pools, memory-block metadata, server configuration,
// and backup bookkeeping. It also carries an ephemeral, never-replayed
// mirror of in-flight trigger records for admin introspection.
//
// The durable tables live in a SQLite database opened through
// lib/sqlitepool. List- and map-valued columns (pools, triggers,
// metadata, policies, properties, permissions) are stored as JSON text
// and decoded at this layer, so callers work with plain Go values.
//
// Store does not enforce referential integrity between entities — a
// memory block's pool column is not a foreign key. Callers above this
// layer (Pool Manager, Memory Manager) are responsible for checking
// that a referenced pool exists before writing a row that names it.
package store
