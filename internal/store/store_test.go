// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Latency-Zero/server/internal/store"
	"github.com/Latency-Zero/server/lib/clock"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "latzero.db"),
		Clock:  clock.Fake(time.Unix(0, 0)),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestAppRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := store.AppRow{
		AppID:           "myApp",
		Pools:            []string{"default"},
		Triggers:         []string{"echo"},
		Metadata:         map[string]any{"region": "us"},
		ProtocolVersion:  "0.1.0",
		RegisteredAt:     time.Unix(100, 0),
		LastSeenAt:       time.Unix(100, 0),
	}
	if err := s.PutApp(ctx, row); err != nil {
		t.Fatalf("PutApp: %v", err)
	}

	got, found, err := s.GetApp(ctx, "myApp")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if !found {
		t.Fatal("GetApp: not found")
	}
	if len(got.Pools) != 1 || got.Pools[0] != "default" {
		t.Errorf("Pools = %v, want [default]", got.Pools)
	}
	if len(got.Triggers) != 1 || got.Triggers[0] != "echo" {
		t.Errorf("Triggers = %v, want [echo]", got.Triggers)
	}
	if got.Metadata["region"] != "us" {
		t.Errorf("Metadata[region] = %v, want us", got.Metadata["region"])
	}

	if err := s.DeleteApp(ctx, "myApp"); err != nil {
		t.Fatalf("DeleteApp: %v", err)
	}
	_, found, err = s.GetApp(ctx, "myApp")
	if err != nil {
		t.Fatalf("GetApp after delete: %v", err)
	}
	if found {
		t.Error("GetApp after delete: still found")
	}
}

func TestAppUpdateReplacesFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := store.AppRow{AppID: "a", Pools: []string{"p1"}, Triggers: []string{"t1"}, RegisteredAt: time.Unix(0, 0), LastSeenAt: time.Unix(0, 0)}
	if err := s.PutApp(ctx, base); err != nil {
		t.Fatalf("PutApp: %v", err)
	}

	updated := base
	updated.Pools = []string{"p1", "p2"}
	updated.LastSeenAt = time.Unix(10, 0)
	if err := s.PutApp(ctx, updated); err != nil {
		t.Fatalf("PutApp update: %v", err)
	}

	got, _, err := s.GetApp(ctx, "a")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if len(got.Pools) != 2 {
		t.Errorf("Pools after update = %v, want 2 entries", got.Pools)
	}
}

func TestListApps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if err := s.PutApp(ctx, store.AppRow{AppID: id, RegisteredAt: time.Unix(0, 0), LastSeenAt: time.Unix(0, 0)}); err != nil {
			t.Fatalf("PutApp %s: %v", id, err)
		}
	}

	rows, err := s.ListApps(ctx)
	if err != nil {
		t.Fatalf("ListApps: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("ListApps: got %d rows, want 3", len(rows))
	}
	if rows[0].AppID != "a" || rows[1].AppID != "b" || rows[2].AppID != "c" {
		t.Errorf("ListApps order = %v, want sorted by app_id", rows)
	}
}

func TestPoolRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := store.PoolRow{
		Name:       "default",
		Type:       "local",
		Owners:     []string{"root"},
		Policies:   map[string][]string{"read": {"*"}},
		Properties: map[string]any{"note": "sentinel"},
		CreatedAt:  time.Unix(0, 0),
		UpdatedAt:  time.Unix(0, 0),
	}
	if err := s.PutPool(ctx, row); err != nil {
		t.Fatalf("PutPool: %v", err)
	}

	got, found, err := s.GetPool(ctx, "default")
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if !found {
		t.Fatal("GetPool: not found")
	}
	if got.Policies["read"][0] != "*" {
		t.Errorf("Policies[read] = %v, want [*]", got.Policies["read"])
	}
}

func TestMemoryBlockListByPool(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blocks := []store.MemoryBlockRow{
		{BlockID: "m1", Pool: "default", Size: 16, Type: "shared", CreatedAt: time.Unix(0, 0), UpdatedAt: time.Unix(0, 0)},
		{BlockID: "m2", Pool: "default", Size: 32, Type: "shared", CreatedAt: time.Unix(0, 0), UpdatedAt: time.Unix(0, 0)},
		{BlockID: "m3", Pool: "other", Size: 8, Type: "shared", CreatedAt: time.Unix(0, 0), UpdatedAt: time.Unix(0, 0)},
	}
	for _, b := range blocks {
		if err := s.PutMemoryBlock(ctx, b); err != nil {
			t.Fatalf("PutMemoryBlock %s: %v", b.BlockID, err)
		}
	}

	rows, err := s.ListMemoryBlocksByPool(ctx, "default")
	if err != nil {
		t.Fatalf("ListMemoryBlocksByPool: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ListMemoryBlocksByPool: got %d, want 2", len(rows))
	}
}

func TestMemoryBlockVersionPersists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	block := store.MemoryBlockRow{BlockID: "m", Pool: "default", Size: 16, CreatedAt: time.Unix(0, 0), UpdatedAt: time.Unix(0, 0)}
	if err := s.PutMemoryBlock(ctx, block); err != nil {
		t.Fatalf("PutMemoryBlock: %v", err)
	}

	block.Version = 3
	block.UpdatedAt = time.Unix(5, 0)
	if err := s.PutMemoryBlock(ctx, block); err != nil {
		t.Fatalf("PutMemoryBlock update: %v", err)
	}

	got, _, err := s.GetMemoryBlock(ctx, "m")
	if err != nil {
		t.Fatalf("GetMemoryBlock: %v", err)
	}
	if got.Version != 3 {
		t.Errorf("Version = %d, want 3", got.Version)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := s.Transaction(ctx, func(tx *store.Tx) error {
		if err := tx.PutApp(store.AppRow{AppID: "rollback-me", RegisteredAt: time.Unix(0, 0), LastSeenAt: time.Unix(0, 0)}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Transaction error = %v, want %v", err, sentinel)
	}

	_, found, err := s.GetApp(ctx, "rollback-me")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if found {
		t.Error("GetApp: row survived a rolled-back transaction")
	}
}

func TestTransactionCommitsMultipleWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx *store.Tx) error {
		if err := tx.PutApp(store.AppRow{AppID: "a", RegisteredAt: time.Unix(0, 0), LastSeenAt: time.Unix(0, 0)}); err != nil {
			return err
		}
		return tx.PutPool(store.PoolRow{Name: "p", CreatedAt: time.Unix(0, 0), UpdatedAt: time.Unix(0, 0)})
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	if _, found, _ := s.GetApp(ctx, "a"); !found {
		t.Error("app not committed")
	}
	if _, found, _ := s.GetPool(ctx, "p"); !found {
		t.Error("pool not committed")
	}
}

func TestServerConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, found, err := s.GetConfig(ctx, "missing"); err != nil || found {
		t.Fatalf("GetConfig(missing) = found=%v err=%v", found, err)
	}

	if err := s.SetConfig(ctx, "cluster_id", "abc"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	value, found, err := s.GetConfig(ctx, "cluster_id")
	if err != nil || !found || value != "abc" {
		t.Fatalf("GetConfig = %q, %v, %v; want abc, true, nil", value, found, err)
	}
}

func TestBackupPruning(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	s, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "latzero.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	backupDir := t.TempDir()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fakeClock.Advance(time.Second)
		if _, err := s.Backup(ctx, backupDir, 2); err != nil {
			t.Fatalf("Backup #%d: %v", i, err)
		}
	}

	rows, err := s.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ListBackups after pruning: got %d, want 2", len(rows))
	}
}

func TestTriggerRecordMirror(t *testing.T) {
	s := openTestStore(t)

	s.MirrorTriggerRecord(store.TriggerRecordRow{ID: "t1", OriginAppID: "a", TriggerName: "echo"})
	rows := s.MirroredTriggerRecords()
	if len(rows) != 1 || rows[0].ID != "t1" {
		t.Fatalf("MirroredTriggerRecords = %v, want one record t1", rows)
	}

	s.UnmirrorTriggerRecord("t1")
	if rows := s.MirroredTriggerRecords(); len(rows) != 0 {
		t.Fatalf("MirroredTriggerRecords after unmirror = %v, want empty", rows)
	}
}
