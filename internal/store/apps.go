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

// AppRow is the durable row for an application registration. It holds
// only the fields that survive a disconnect — the live connection
// itself is never persisted.
type AppRow struct {
	AppID           string
	Pools           []string
	Triggers        []string
	Metadata        map[string]any
	ProtocolVersion string
	RegisteredAt    time.Time
	LastSeenAt      time.Time
	Rehydrated      bool
}

// PutApp inserts the row for row.AppID, or updates an existing row's
// columns other than registered_at, which keeps its first value.
func (s *Store) PutApp(ctx context.Context, row AppRow) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return putApp(conn, row)
	})
}

// GetApp returns the row for appID, or (AppRow{}, false, nil) if absent.
func (s *Store) GetApp(ctx context.Context, appID string) (AppRow, bool, error) {
	var row AppRow
	var found bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		row, found, err = getApp(conn, appID)
		return err
	})
	return row, found, err
}

// DeleteApp removes the row for appID. Not an error if absent.
func (s *Store) DeleteApp(ctx context.Context, appID string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return deleteApp(conn, appID)
	})
}

// ListApps returns every app row, ordered by app_id.
func (s *Store) ListApps(ctx context.Context) ([]AppRow, error) {
	var rows []AppRow
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		rows, err = listApps(conn)
		return err
	})
	return rows, err
}

// Tx equivalents, for callers composing app writes with other entities
// inside a single Store.Transaction.

func (tx *Tx) PutApp(row AppRow) error          { return putApp(tx.conn, row) }
func (tx *Tx) GetApp(appID string) (AppRow, bool, error) { return getApp(tx.conn, appID) }
func (tx *Tx) DeleteApp(appID string) error     { return deleteApp(tx.conn, appID) }

func putApp(conn *sqlite.Conn, row AppRow) error {
	poolsJSON, err := json.Marshal(row.Pools)
	if err != nil {
		return fmt.Errorf("store: marshal app pools: %w", err)
	}
	triggersJSON, err := json.Marshal(row.Triggers)
	if err != nil {
		return fmt.Errorf("store: marshal app triggers: %w", err)
	}
	metadata := row.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal app metadata: %w", err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO apps (app_id, pools, triggers, metadata, protocol_version,
			registered_at, last_seen_at, rehydrated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			pools=excluded.pools, triggers=excluded.triggers,
			metadata=excluded.metadata, protocol_version=excluded.protocol_version,
			last_seen_at=excluded.last_seen_at, rehydrated=excluded.rehydrated`,
		&sqlitex.ExecOptions{
			Args: []any{
				row.AppID, string(poolsJSON), string(triggersJSON), string(metadataJSON),
				row.ProtocolVersion, row.RegisteredAt.UnixNano(), row.LastSeenAt.UnixNano(),
				boolToInt(row.Rehydrated),
			},
		})
	if err != nil {
		return fmt.Errorf("store: put app %s: %w", row.AppID, err)
	}
	return nil
}

func getApp(conn *sqlite.Conn, appID string) (AppRow, bool, error) {
	var row AppRow
	found := false
	var scanErr error

	err := sqlitex.Execute(conn, `
		SELECT app_id, pools, triggers, metadata, protocol_version,
			registered_at, last_seen_at, rehydrated
		FROM apps WHERE app_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{appID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				row, scanErr = scanApp(stmt)
				return scanErr
			},
		})
	if err != nil {
		return AppRow{}, false, fmt.Errorf("store: get app %s: %w", appID, err)
	}
	if scanErr != nil {
		return AppRow{}, false, scanErr
	}
	return row, found, nil
}

func deleteApp(conn *sqlite.Conn, appID string) error {
	err := sqlitex.Execute(conn, `DELETE FROM apps WHERE app_id = ?`,
		&sqlitex.ExecOptions{Args: []any{appID}})
	if err != nil {
		return fmt.Errorf("store: delete app %s: %w", appID, err)
	}
	return nil
}

func listApps(conn *sqlite.Conn) ([]AppRow, error) {
	var rows []AppRow
	var scanErr error

	err := sqlitex.Execute(conn, `
		SELECT app_id, pools, triggers, metadata, protocol_version,
			registered_at, last_seen_at, rehydrated
		FROM apps ORDER BY app_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row, err := scanApp(stmt)
				if err != nil {
					scanErr = err
					return err
				}
				rows = append(rows, row)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list apps: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return rows, nil
}

// Columns: app_id(0), pools(1), triggers(2), metadata(3),
// protocol_version(4), registered_at(5), last_seen_at(6), rehydrated(7)
func scanApp(stmt *sqlite.Stmt) (AppRow, error) {
	var row AppRow
	row.AppID = stmt.ColumnText(0)
	row.ProtocolVersion = stmt.ColumnText(4)
	row.RegisteredAt = time.Unix(0, stmt.ColumnInt64(5))
	row.LastSeenAt = time.Unix(0, stmt.ColumnInt64(6))
	row.Rehydrated = stmt.ColumnInt64(7) != 0

	if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &row.Pools); err != nil {
		return AppRow{}, fmt.Errorf("store: unmarshal app pools for %s: %w", row.AppID, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &row.Triggers); err != nil {
		return AppRow{}, fmt.Errorf("store: unmarshal app triggers for %s: %w", row.AppID, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &row.Metadata); err != nil {
		return AppRow{}, fmt.Errorf("store: unmarshal app metadata for %s: %w", row.AppID, err)
	}
	return row, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
