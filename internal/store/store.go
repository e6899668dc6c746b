// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Latency-Zero/server/lib/clock"
	"github.com/Latency-Zero/server/lib/sqlitepool"
)

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the durable database file. Ignored when MemoryMode is
	// true, in which case the durable tables live in a private
	// in-process SQLite database that vanishes on Close.
	Path string

	// MemoryMode collapses the durable store to in-memory-only, per
	// the "memory_mode" server configuration knob.
	MemoryMode bool

	// PoolSize is the number of pooled connections. Zero lets
	// lib/sqlitepool choose, which uses max(runtime.NumCPU(), 4).
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the durable-plus-ephemeral storage layer for the server. A
// Store owns exactly one SQLite connection pool and one in-memory
// trigger-record mirror.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	mirrorMu sync.Mutex
	mirror   map[string]TriggerRecordRow
}

// Open creates or opens the durable store and applies the schema. In
// MemoryMode the pool size is forced to 1: each ":memory:" connection
// in zombiezen is an independent, unshared database, so a pool of more
// than one connection would silently fragment the data.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	path := cfg.Path
	poolSize := cfg.PoolSize
	if cfg.MemoryMode {
		path = ":memory:"
		poolSize = 1
	}
	if path == "" {
		return nil, fmt.Errorf("store: Path is required unless MemoryMode is set")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: logger,
		mirror: make(map[string]TriggerRecordRow),
	}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Tx scopes a group of operations to a single connection and a single
// SQLite transaction. Every method on Tx mirrors a Store method, minus
// the ctx parameter (the connection is already checked out).
type Tx struct {
	conn  *sqlite.Conn
	clock clock.Clock
}

// Transaction runs fn atomically: fn's writes commit together if fn
// returns nil, and roll back entirely if fn returns an error. This is
// the "transaction(fn) combinator executing a closure atomically and
// rolling back on any error" contract.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: transaction: %w", err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: transaction: begin: %w", err)
	}
	defer endTx(&err)

	err = fn(&Tx{conn: conn, clock: s.clock})
	return err
}

// withConn runs fn with a single checked-out connection, wrapped in its
// own savepoint so that a single Store-level call (e.g. PutApp outside
// an explicit Transaction) is atomic with respect to the row it writes.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer s.pool.Put(conn)

	release := sqlitex.Save(conn)
	defer release(&err)

	return fn(conn)
}
