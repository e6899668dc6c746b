// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package registry_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Latency-Zero/server/internal/pool"
	"github.com/Latency-Zero/server/internal/registry"
	"github.com/Latency-Zero/server/internal/store"
	"github.com/Latency-Zero/server/lib/clock"
	"github.com/Latency-Zero/server/lib/codec"
)

// fakeSender is a test double for registry.Sender.
type fakeSender struct {
	id     uint64
	sent   []*codec.Message
	closed bool
}

func (f *fakeSender) ConnID() uint64 { return f.id }
func (f *fakeSender) Send(msg *codec.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeSender) Close() error { f.closed = true; return nil }

type fakeObserver struct {
	disconnected []string
}

func (f *fakeObserver) OnAppDisconnected(appID string) {
	f.disconnected = append(f.disconnected, appID)
}

func newTestRegistry(t *testing.T) (*registry.Registry, *pool.Manager, clock.Clock) {
	t.Helper()
	fc := clock.Fake(time.Unix(0, 0))
	s, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "latzero.db"),
		Clock: fc,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pm, err := pool.New(pool.Config{Store: s, Clock: fc})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	if err := pm.LoadFromStore(context.Background()); err != nil {
		t.Fatalf("pool.LoadFromStore: %v", err)
	}

	r, err := registry.New(registry.Config{Pools: pm, Store: s, Clock: fc})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if err := r.LoadFromStore(context.Background()); err != nil {
		t.Fatalf("registry.LoadFromStore: %v", err)
	}
	return r, pm, fc
}

func TestFullHandshakeBindsApp(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	conn := &fakeSender{id: 1}

	msg := &codec.Message{
		Type: codec.KindHandshake, ID: "11111111-1111-1111-1111-111111111111",
		AppID: "app1", Pools: []string{"default"}, Triggers: []string{"order.created"},
	}
	ack, err := r.Handshake(ctx, conn, msg)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if ack.Type != codec.KindHandshakeAck || ack.Status != "success" {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.Assigned == nil || ack.Assigned.Rehydrated {
		t.Fatalf("ack.Assigned = %+v, want non-rehydrated", ack.Assigned)
	}
	if !r.IsBound("app1") {
		t.Error("IsBound(app1) = false after handshake")
	}
	handlers := r.ActiveHandlersForTrigger("order.created")
	if len(handlers) != 1 || handlers[0] != "app1" {
		t.Errorf("ActiveHandlersForTrigger = %v, want [app1]", handlers)
	}
}

func TestHandshakeRejectsUnknownPool(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	conn := &fakeSender{id: 1}

	msg := &codec.Message{
		Type: codec.KindHandshake, ID: "11111111-1111-1111-1111-111111111111",
		AppID: "app1", Pools: []string{"does-not-exist"},
	}
	ack, err := r.Handshake(ctx, conn, msg)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if ack.Type != codec.KindError || ack.ErrorCode != "HANDSHAKE_ERROR" {
		t.Fatalf("ack = %+v, want HANDSHAKE_ERROR", ack)
	}
}

func TestRehydrationRestoresPoolsAndTriggers(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	conn1 := &fakeSender{id: 1}

	full := &codec.Message{
		Type: codec.KindHandshake, ID: "11111111-1111-1111-1111-111111111111",
		AppID: "app1", Pools: []string{"default"}, Triggers: []string{"order.created"},
	}
	if _, err := r.Handshake(ctx, conn1, full); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	r.Disconnect(ctx, conn1.ConnID())
	if r.IsBound("app1") {
		t.Fatal("IsBound(app1) = true after disconnect")
	}
	if handlers := r.ActiveHandlersForTrigger("order.created"); len(handlers) != 0 {
		t.Errorf("ActiveHandlersForTrigger after disconnect = %v, want empty", handlers)
	}

	conn2 := &fakeSender{id: 2}
	minimal := &codec.Message{
		Type: codec.KindHandshake, ID: "22222222-2222-2222-2222-222222222222",
		AppID: "app1",
	}
	ack, err := r.Handshake(ctx, conn2, minimal)
	if err != nil {
		t.Fatalf("Handshake (rehydration): %v", err)
	}
	if !ack.Assigned.Rehydrated {
		t.Fatalf("ack.Assigned.Rehydrated = false, want true")
	}
	if len(ack.Assigned.Pools) != 1 || ack.Assigned.Pools[0] != "default" {
		t.Errorf("ack.Assigned.Pools = %v, want [default]", ack.Assigned.Pools)
	}
	if len(ack.Assigned.Triggers) != 1 || ack.Assigned.Triggers[0] != "order.created" {
		t.Errorf("ack.Assigned.Triggers = %v, want [order.created]", ack.Assigned.Triggers)
	}
	if handlers := r.ActiveHandlersForTrigger("order.created"); len(handlers) != 1 || handlers[0] != "app1" {
		t.Errorf("ActiveHandlersForTrigger after rehydration = %v, want [app1]", handlers)
	}
}

func TestRehydrationDropsPoolRemovedWhileOffline(t *testing.T) {
	r, pm, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := pm.Create(ctx, "gone", pool.TypeLocal, false, nil, nil); err != nil {
		t.Fatalf("pool.Create: %v", err)
	}

	conn1 := &fakeSender{id: 1}
	full := &codec.Message{
		Type: codec.KindHandshake, ID: "11111111-1111-1111-1111-111111111111",
		AppID: "app1", Pools: []string{"default", "gone"}, Triggers: []string{"t1"},
	}
	if _, err := r.Handshake(ctx, conn1, full); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	r.Disconnect(ctx, conn1.ConnID())

	if err := pm.Remove(ctx, "gone"); err != nil {
		t.Fatalf("pool.Remove: %v", err)
	}

	conn2 := &fakeSender{id: 2}
	minimal := &codec.Message{
		Type: codec.KindHandshake, ID: "22222222-2222-2222-2222-222222222222",
		AppID: "app1",
	}
	ack, err := r.Handshake(ctx, conn2, minimal)
	if err != nil {
		t.Fatalf("Handshake (rehydration): %v", err)
	}
	if len(ack.Assigned.Pools) != 1 || ack.Assigned.Pools[0] != "default" {
		t.Fatalf("ack.Assigned.Pools = %v, want [default] (gone dropped)", ack.Assigned.Pools)
	}
}

func TestDuplicateBoundAppIDEvictsPriorConnection(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	conn1 := &fakeSender{id: 1}
	conn2 := &fakeSender{id: 2}

	msg1 := &codec.Message{Type: codec.KindHandshake, ID: "11111111-1111-1111-1111-111111111111", AppID: "app1"}
	if _, err := r.Handshake(ctx, conn1, msg1); err != nil {
		t.Fatalf("first Handshake: %v", err)
	}

	msg2 := &codec.Message{Type: codec.KindHandshake, ID: "22222222-2222-2222-2222-222222222222", AppID: "app1"}
	if _, err := r.Handshake(ctx, conn2, msg2); err != nil {
		t.Fatalf("second Handshake: %v", err)
	}

	reg, ok := r.Lookup("app1")
	if !ok || reg.Conn.ConnID() != conn2.ConnID() {
		t.Fatalf("Lookup(app1) = %+v, %v, want conn2 bound", reg, ok)
	}
	// The eviction itself runs in a goroutine; give it a moment.
	for i := 0; i < 100 && !conn1.closed; i++ {
		time.Sleep(time.Millisecond)
	}
	if !conn1.closed {
		t.Error("prior connection was not closed on duplicate BOUND handshake")
	}
}

func TestDisconnectNotifiesObservers(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	conn := &fakeSender{id: 1}
	obs := &fakeObserver{}
	r.AddDisconnectObserver(obs)

	msg := &codec.Message{Type: codec.KindHandshake, ID: "11111111-1111-1111-1111-111111111111", AppID: "app1"}
	if _, err := r.Handshake(ctx, conn, msg); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	r.Disconnect(ctx, conn.ConnID())

	if len(obs.disconnected) != 1 || obs.disconnected[0] != "app1" {
		t.Errorf("observer notified with %v, want [app1]", obs.disconnected)
	}
}

func TestDisconnectRemovesPoolMembership(t *testing.T) {
	r, pm, _ := newTestRegistry(t)
	ctx := context.Background()
	conn := &fakeSender{id: 1}

	msg := &codec.Message{
		Type: codec.KindHandshake, ID: "11111111-1111-1111-1111-111111111111",
		AppID: "app1", Pools: []string{"default"},
	}
	if _, err := r.Handshake(ctx, conn, msg); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if !pm.ValidateMembership("app1", "default") {
		t.Fatal("app1 not a member of default after handshake")
	}

	r.Disconnect(ctx, conn.ConnID())
	if pm.ValidateMembership("app1", "default") {
		t.Error("app1 still a member of default after disconnect")
	}
}

func TestPurgeExpiredRehydrations(t *testing.T) {
	r, _, fc := newTestRegistry(t)
	ctx := context.Background()
	conn := &fakeSender{id: 1}

	msg := &codec.Message{Type: codec.KindHandshake, ID: "11111111-1111-1111-1111-111111111111", AppID: "app1"}
	if _, err := r.Handshake(ctx, conn, msg); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	r.Disconnect(ctx, conn.ConnID())

	if n := r.PurgeExpiredRehydrations(ctx); n != 0 {
		t.Fatalf("PurgeExpiredRehydrations (too early) = %d, want 0", n)
	}

	fake, ok := fc.(interface{ Advance(time.Duration) })
	if !ok {
		t.Fatal("fake clock does not support Advance")
	}
	fake.Advance(25 * time.Hour)

	if n := r.PurgeExpiredRehydrations(ctx); n != 1 {
		t.Fatalf("PurgeExpiredRehydrations = %d, want 1", n)
	}
}
