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

// MemoryBlockRow is the durable row for a memory block's metadata.
// Attachments are runtime state owned by the Memory Manager's
// in-memory mirror and are never persisted here.
type MemoryBlockRow struct {
	BlockID     string
	Name        string
	Pool        string
	Size        int64
	Type        string
	Permissions map[string][]string
	Version     int64
	Persistent  bool
	Encrypted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s *Store) PutMemoryBlock(ctx context.Context, row MemoryBlockRow) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error { return putMemoryBlock(conn, row) })
}

func (s *Store) GetMemoryBlock(ctx context.Context, blockID string) (MemoryBlockRow, bool, error) {
	var row MemoryBlockRow
	var found bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		row, found, err = getMemoryBlock(conn, blockID)
		return err
	})
	return row, found, err
}

func (s *Store) DeleteMemoryBlock(ctx context.Context, blockID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error { return deleteMemoryBlock(conn, blockID) })
}

// ListMemoryBlocksByPool returns every block row in pool, ordered by
// block_id.
func (s *Store) ListMemoryBlocksByPool(ctx context.Context, pool string) ([]MemoryBlockRow, error) {
	var rows []MemoryBlockRow
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		rows, err = listMemoryBlocks(conn, "WHERE pool = ?", pool)
		return err
	})
	return rows, err
}

// ListMemoryBlocksByType returns every block row of the given type,
// ordered by block_id.
func (s *Store) ListMemoryBlocksByType(ctx context.Context, blockType string) ([]MemoryBlockRow, error) {
	var rows []MemoryBlockRow
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		rows, err = listMemoryBlocks(conn, "WHERE type = ?", blockType)
		return err
	})
	return rows, err
}

func (s *Store) ListMemoryBlocks(ctx context.Context) ([]MemoryBlockRow, error) {
	var rows []MemoryBlockRow
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		rows, err = listMemoryBlocks(conn, "")
		return err
	})
	return rows, err
}

func (tx *Tx) PutMemoryBlock(row MemoryBlockRow) error { return putMemoryBlock(tx.conn, row) }
func (tx *Tx) GetMemoryBlock(blockID string) (MemoryBlockRow, bool, error) {
	return getMemoryBlock(tx.conn, blockID)
}
func (tx *Tx) DeleteMemoryBlock(blockID string) error { return deleteMemoryBlock(tx.conn, blockID) }

func putMemoryBlock(conn *sqlite.Conn, row MemoryBlockRow) error {
	permissions := row.Permissions
	if permissions == nil {
		permissions = map[string][]string{}
	}
	permissionsJSON, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("store: marshal block permissions: %w", err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO memory_blocks (block_id, name, pool, size, type, permissions,
			version, persistent, encrypted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(block_id) DO UPDATE SET
			name=excluded.name, pool=excluded.pool, size=excluded.size,
			type=excluded.type, permissions=excluded.permissions,
			version=excluded.version, persistent=excluded.persistent,
			encrypted=excluded.encrypted, updated_at=excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				row.BlockID, row.Name, row.Pool, row.Size, row.Type, string(permissionsJSON),
				row.Version, boolToInt(row.Persistent), boolToInt(row.Encrypted),
				row.CreatedAt.UnixNano(), row.UpdatedAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: put memory block %s: %w", row.BlockID, err)
	}
	return nil
}

func getMemoryBlock(conn *sqlite.Conn, blockID string) (MemoryBlockRow, bool, error) {
	var row MemoryBlockRow
	found := false
	var scanErr error

	err := sqlitex.Execute(conn, `
		SELECT block_id, name, pool, size, type, permissions, version,
			persistent, encrypted, created_at, updated_at
		FROM memory_blocks WHERE block_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{blockID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				row, scanErr = scanMemoryBlock(stmt)
				return scanErr
			},
		})
	if err != nil {
		return MemoryBlockRow{}, false, fmt.Errorf("store: get memory block %s: %w", blockID, err)
	}
	if scanErr != nil {
		return MemoryBlockRow{}, false, scanErr
	}
	return row, found, nil
}

func deleteMemoryBlock(conn *sqlite.Conn, blockID string) error {
	err := sqlitex.Execute(conn, `DELETE FROM memory_blocks WHERE block_id = ?`,
		&sqlitex.ExecOptions{Args: []any{blockID}})
	if err != nil {
		return fmt.Errorf("store: delete memory block %s: %w", blockID, err)
	}
	return nil
}

func listMemoryBlocks(conn *sqlite.Conn, where string, args ...any) ([]MemoryBlockRow, error) {
	var rows []MemoryBlockRow
	var scanErr error

	query := `SELECT block_id, name, pool, size, type, permissions, version,
			persistent, encrypted, created_at, updated_at
		FROM memory_blocks ` + where + ` ORDER BY block_id`

	err := sqlitex.Execute(conn, query,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row, err := scanMemoryBlock(stmt)
				if err != nil {
					scanErr = err
					return err
				}
				rows = append(rows, row)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list memory blocks: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return rows, nil
}

// Columns: block_id(0), name(1), pool(2), size(3), type(4),
// permissions(5), version(6), persistent(7), encrypted(8),
// created_at(9), updated_at(10)
func scanMemoryBlock(stmt *sqlite.Stmt) (MemoryBlockRow, error) {
	var row MemoryBlockRow
	row.BlockID = stmt.ColumnText(0)
	row.Name = stmt.ColumnText(1)
	row.Pool = stmt.ColumnText(2)
	row.Size = stmt.ColumnInt64(3)
	row.Type = stmt.ColumnText(4)
	row.Version = stmt.ColumnInt64(6)
	row.Persistent = stmt.ColumnInt64(7) != 0
	row.Encrypted = stmt.ColumnInt64(8) != 0
	row.CreatedAt = time.Unix(0, stmt.ColumnInt64(9))
	row.UpdatedAt = time.Unix(0, stmt.ColumnInt64(10))

	if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &row.Permissions); err != nil {
		return MemoryBlockRow{}, fmt.Errorf("store: unmarshal block permissions for %s: %w", row.BlockID, err)
	}
	return row, nil
}
