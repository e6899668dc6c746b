// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package store

const schema = `
CREATE TABLE IF NOT EXISTS apps (
	app_id           TEXT PRIMARY KEY,
	pools            TEXT NOT NULL DEFAULT '[]',
	triggers         TEXT NOT NULL DEFAULT '[]',
	metadata         TEXT NOT NULL DEFAULT '{}',
	protocol_version TEXT NOT NULL DEFAULT '',
	registered_at    INTEGER NOT NULL,
	last_seen_at     INTEGER NOT NULL,
	rehydrated       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pools (
	name              TEXT PRIMARY KEY,
	type              TEXT NOT NULL DEFAULT 'local',
	encrypted         INTEGER NOT NULL DEFAULT 0,
	owners            TEXT NOT NULL DEFAULT '[]',
	policies          TEXT NOT NULL DEFAULT '{}',
	properties        TEXT NOT NULL DEFAULT '{}',
	max_memory_blocks INTEGER NOT NULL DEFAULT 0,
	max_triggers      INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_blocks (
	block_id    TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	pool        TEXT NOT NULL,
	size        INTEGER NOT NULL,
	type        TEXT NOT NULL DEFAULT 'shared',
	permissions TEXT NOT NULL DEFAULT '{}',
	version     INTEGER NOT NULL DEFAULT 0,
	persistent  INTEGER NOT NULL DEFAULT 0,
	encrypted   INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_blocks_pool ON memory_blocks(pool);
CREATE INDEX IF NOT EXISTS idx_memory_blocks_type ON memory_blocks(type);

CREATE TABLE IF NOT EXISTS server_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backups (
	path       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL
);
`
