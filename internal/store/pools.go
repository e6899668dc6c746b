// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// PoolRow is the durable row for a pool.
type PoolRow struct {
	Name            string
	Type            string // local, global, encrypted
	Encrypted       bool
	Owners          []string
	Policies        map[string][]string
	Properties      map[string]any
	MaxMemoryBlocks int
	MaxTriggers     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *Store) PutPool(ctx context.Context, row PoolRow) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error { return putPool(conn, row) })
}

func (s *Store) GetPool(ctx context.Context, name string) (PoolRow, bool, error) {
	var row PoolRow
	var found bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		row, found, err = getPool(conn, name)
		return err
	})
	return row, found, err
}

func (s *Store) DeletePool(ctx context.Context, name string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error { return deletePool(conn, name) })
}

func (s *Store) ListPools(ctx context.Context) ([]PoolRow, error) {
	var rows []PoolRow
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		rows, err = listPools(conn)
		return err
	})
	return rows, err
}

func (tx *Tx) PutPool(row PoolRow) error               { return putPool(tx.conn, row) }
func (tx *Tx) GetPool(name string) (PoolRow, bool, error) { return getPool(tx.conn, name) }
func (tx *Tx) DeletePool(name string) error             { return deletePool(tx.conn, name) }

func putPool(conn *sqlite.Conn, row PoolRow) error {
	ownersJSON, err := json.Marshal(row.Owners)
	if err != nil {
		return fmt.Errorf("store: marshal pool owners: %w", err)
	}
	policies := row.Policies
	if policies == nil {
		policies = map[string][]string{}
	}
	policiesJSON, err := json.Marshal(policies)
	if err != nil {
		return fmt.Errorf("store: marshal pool policies: %w", err)
	}
	properties := row.Properties
	if properties == nil {
		properties = map[string]any{}
	}
	propertiesJSON, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("store: marshal pool properties: %w", err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO pools (name, type, encrypted, owners, policies, properties,
			max_memory_blocks, max_triggers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type=excluded.type, encrypted=excluded.encrypted, owners=excluded.owners,
			policies=excluded.policies, properties=excluded.properties,
			max_memory_blocks=excluded.max_memory_blocks, max_triggers=excluded.max_triggers,
			updated_at=excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				row.Name, row.Type, boolToInt(row.Encrypted), string(ownersJSON),
				string(policiesJSON), string(propertiesJSON), row.MaxMemoryBlocks,
				row.MaxTriggers, row.CreatedAt.UnixNano(), row.UpdatedAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: put pool %s: %w", row.Name, err)
	}
	return nil
}

func getPool(conn *sqlite.Conn, name string) (PoolRow, bool, error) {
	var row PoolRow
	found := false
	var scanErr error

	err := sqlitex.Execute(conn, `
		SELECT name, type, encrypted, owners, policies, properties,
			max_memory_blocks, max_triggers, created_at, updated_at
		FROM pools WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				row, scanErr = scanPool(stmt)
				return scanErr
			},
		})
	if err != nil {
		return PoolRow{}, false, fmt.Errorf("store: get pool %s: %w", name, err)
	}
	if scanErr != nil {
		return PoolRow{}, false, scanErr
	}
	return row, found, nil
}

func deletePool(conn *sqlite.Conn, name string) error {
	err := sqlitex.Execute(conn, `DELETE FROM pools WHERE name = ?`,
		&sqlitex.ExecOptions{Args: []any{name}})
	if err != nil {
		return fmt.Errorf("store: delete pool %s: %w", name, err)
	}
	return nil
}

func listPools(conn *sqlite.Conn) ([]PoolRow, error) {
	var rows []PoolRow
	var scanErr error

	err := sqlitex.Execute(conn, `
		SELECT name, type, encrypted, owners, policies, properties,
			max_memory_blocks, max_triggers, created_at, updated_at
		FROM pools ORDER BY name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row, err := scanPool(stmt)
				if err != nil {
					scanErr = err
					return err
				}
				rows = append(rows, row)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list pools: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return rows, nil
}

// Columns: name(0), type(1), encrypted(2), owners(3), policies(4),
// properties(5), max_memory_blocks(6), max_triggers(7), created_at(8),
// updated_at(9)
func scanPool(stmt *sqlite.Stmt) (PoolRow, error) {
	var row PoolRow
	row.Name = stmt.ColumnText(0)
	row.Type = stmt.ColumnText(1)
	row.Encrypted = stmt.ColumnInt64(2) != 0
	row.MaxMemoryBlocks = int(stmt.ColumnInt64(6))
	row.MaxTriggers = int(stmt.ColumnInt64(7))
	row.CreatedAt = time.Unix(0, stmt.ColumnInt64(8))
	row.UpdatedAt = time.Unix(0, stmt.ColumnInt64(9))

	if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &row.Owners); err != nil {
		return PoolRow{}, fmt.Errorf("store: unmarshal pool owners for %s: %w", row.Name, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &row.Policies); err != nil {
		return PoolRow{}, fmt.Errorf("store: unmarshal pool policies for %s: %w", row.Name, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &row.Properties); err != nil {
		return PoolRow{}, fmt.Errorf("store: unmarshal pool properties for %s: %w", row.Name, err)
	}
	return row, nil
}
