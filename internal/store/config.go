// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// GetConfig returns the server_config value for key, or ("", false, nil)
// if absent.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var scanErr error
		err := sqlitex.Execute(conn, `SELECT value FROM server_config WHERE key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					value = stmt.ColumnText(0)
					return nil
				},
			})
		if err != nil {
			scanErr = fmt.Errorf("store: get config %s: %w", key, err)
		}
		return scanErr
	})
	return value, found, err
}

// SetConfig sets the server_config value for key.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO server_config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			&sqlitex.ExecOptions{Args: []any{key, value}})
		if err != nil {
			return fmt.Errorf("store: set config %s: %w", key, err)
		}
		return nil
	})
}
