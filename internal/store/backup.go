// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// BackupRow records one snapshot taken by Backup.
type BackupRow struct {
	Path      string
	CreatedAt int64 // Unix nanoseconds
	SizeBytes int64
}

// Backup writes a timestamped, consistent snapshot of the durable
// store into dir, using SQLite's online backup facility (VACUUM INTO,
// which takes its own read transaction and never blocks concurrent
// writers for longer than the final commit). Once written, it prunes
// the oldest snapshots in dir past maxBackups.
//
// Backup does not check MemoryMode; the Orchestrator does not schedule
// periodic backups when the server runs in memory mode.
func (s *Store) Backup(ctx context.Context, dir string, maxBackups int) (string, error) {
	timestamp := s.clock.Now().UTC().Format("20060102T150405.000000000Z")
	path := filepath.Join(dir, fmt.Sprintf("latzero-%s.db", timestamp))

	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `VACUUM INTO ?`, &sqlitex.ExecOptions{Args: []any{path}})
	})
	if err != nil {
		return "", fmt.Errorf("store: backup: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("store: backup: stat snapshot: %w", err)
	}

	row := BackupRow{Path: path, CreatedAt: s.clock.Now().UnixNano(), SizeBytes: info.Size()}
	if err := s.recordBackup(ctx, row); err != nil {
		return "", err
	}
	if err := s.pruneBackups(ctx, dir, maxBackups); err != nil {
		return path, err
	}
	return path, nil
}

func (s *Store) recordBackup(ctx context.Context, row BackupRow) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO backups (path, created_at, size_bytes) VALUES (?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET created_at=excluded.created_at, size_bytes=excluded.size_bytes`,
			&sqlitex.ExecOptions{Args: []any{row.Path, row.CreatedAt, row.SizeBytes}})
		if err != nil {
			return fmt.Errorf("store: record backup: %w", err)
		}
		return nil
	})
}

// ListBackups returns every recorded backup, newest first.
func (s *Store) ListBackups(ctx context.Context) ([]BackupRow, error) {
	var rows []BackupRow
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT path, created_at, size_bytes FROM backups ORDER BY created_at DESC`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					rows = append(rows, BackupRow{
						Path:      stmt.ColumnText(0),
						CreatedAt: stmt.ColumnInt64(1),
						SizeBytes: stmt.ColumnInt64(2),
					})
					return nil
				},
			})
	})
	return rows, err
}

// pruneBackups deletes the oldest backup files, both from dir and from
// the backups table, until at most maxBackups remain. maxBackups <= 0
// disables pruning.
func (s *Store) pruneBackups(ctx context.Context, dir string, maxBackups int) error {
	if maxBackups <= 0 {
		return nil
	}

	rows, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(rows) <= maxBackups {
		return nil
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt > rows[j].CreatedAt })
	stale := rows[maxBackups:]

	for _, row := range stale {
		if err := os.Remove(row.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: prune backup %s: %w", row.Path, err)
		}
		err := s.withConn(ctx, func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, `DELETE FROM backups WHERE path = ?`,
				&sqlitex.ExecOptions{Args: []any{row.Path}})
		})
		if err != nil {
			return fmt.Errorf("store: prune backup record %s: %w", row.Path, err)
		}
	}
	return nil
}
