// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package router_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Latency-Zero/server/internal/pool"
	"github.com/Latency-Zero/server/internal/registry"
	"github.com/Latency-Zero/server/internal/router"
	"github.com/Latency-Zero/server/internal/store"
	"github.com/Latency-Zero/server/lib/clock"
	"github.com/Latency-Zero/server/lib/codec"
)

type fakeSender struct {
	id     uint64
	sent   []*codec.Message
	fail   bool
}

func (f *fakeSender) ConnID() uint64 { return f.id }
func (f *fakeSender) Send(msg *codec.Message) error {
	if f.fail {
		return errSendFailed
	}
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeSender) Close() error { return nil }

var errSendFailed = &codec.ValidationError{Code: "SEND_FAILED", Message: "send failed"}

type harness struct {
	r    *router.Router
	reg  *registry.Registry
	pm   *pool.Manager
	fc   *clock.FakeClock
	conn uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clock.Fake(time.Unix(0, 0))
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "latzero.db"), Clock: fc})
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

	reg, err := registry.New(registry.Config{Pools: pm, Store: s, Clock: fc})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if err := reg.LoadFromStore(context.Background()); err != nil {
		t.Fatalf("registry.LoadFromStore: %v", err)
	}

	r, err := router.New(router.Config{
		Registry: reg, Pools: pm, Store: s, Clock: fc,
		DefaultTTL: 30 * time.Second, MaxTTL: 5 * time.Minute, MaxInFlight: 10000,
	})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	return &harness{r: r, reg: reg, pm: pm, fc: fc}
}

var nextConnID uint64 = 1

func (h *harness) handshake(t *testing.T, appID string, pools, triggers []string) *fakeSender {
	t.Helper()
	nextConnID++
	conn := &fakeSender{id: nextConnID}
	msg := &codec.Message{
		Type: codec.KindHandshake, ID: "11111111-1111-1111-1111-111111111111",
		AppID: appID, Pools: pools, Triggers: triggers,
	}
	ack, err := h.reg.Handshake(context.Background(), conn, msg)
	if err != nil {
		t.Fatalf("Handshake(%s): %v", appID, err)
	}
	if ack.Type != codec.KindHandshakeAck {
		t.Fatalf("Handshake(%s) ack = %+v", appID, ack)
	}
	return conn
}

func TestTriggerDispatchAndResponse(t *testing.T) {
	h := newHarness(t)
	origin := h.handshake(t, "caller", []string{"default"}, nil)
	dest := h.handshake(t, "handler", []string{"default"}, []string{"echo"})

	triggerMsg := &codec.Message{
		Type: codec.KindTrigger, ID: "22222222-2222-2222-2222-222222222222",
		Origin: "caller", Trigger: "echo", Payload: []byte(`{}`),
	}
	ack, err := h.r.HandleTrigger(context.Background(), origin.ConnID(), triggerMsg)
	if err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}
	if ack != nil {
		t.Fatalf("HandleTrigger returned synchronous error: %+v", ack)
	}
	if len(dest.sent) != 1 || dest.sent[0].ID != triggerMsg.ID {
		t.Fatalf("destination did not receive trigger: %+v", dest.sent)
	}
	if h.r.InFlightCount() != 1 {
		t.Fatalf("InFlightCount = %d, want 1", h.r.InFlightCount())
	}

	respMsg := &codec.Message{Type: codec.KindResponse, CorrelationID: triggerMsg.ID, Status: "success", Result: []byte(`{"ok":true}`)}
	h.r.HandleResponse(context.Background(), respMsg)

	if len(origin.sent) != 1 {
		t.Fatalf("origin did not receive response: %+v", origin.sent)
	}
	if h.r.InFlightCount() != 0 {
		t.Fatalf("InFlightCount after response = %d, want 0", h.r.InFlightCount())
	}
}

func TestTriggerNoHandlerNotFound(t *testing.T) {
	h := newHarness(t)
	origin := h.handshake(t, "caller", []string{"default"}, nil)

	triggerMsg := &codec.Message{
		Type: codec.KindTrigger, ID: "22222222-2222-2222-2222-222222222222",
		Origin: "caller", Trigger: "echo", Payload: []byte(`{}`),
	}
	ack, err := h.r.HandleTrigger(context.Background(), origin.ConnID(), triggerMsg)
	if err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}
	if ack == nil || ack.ErrorCode != "NOT_FOUND" {
		t.Fatalf("ack = %+v, want NOT_FOUND", ack)
	}
}

func TestTriggerAccessDeniedWhenNotPoolMember(t *testing.T) {
	h := newHarness(t)
	if err := h.pm.Create(context.Background(), "private", pool.TypeLocal, false, nil, nil); err != nil {
		t.Fatalf("Create pool: %v", err)
	}
	origin := h.handshake(t, "caller", []string{"default"}, nil)

	triggerMsg := &codec.Message{
		Type: codec.KindTrigger, ID: "22222222-2222-2222-2222-222222222222",
		Origin: "caller", Trigger: "echo", Pool: "private", Payload: []byte(`{}`),
	}
	ack, err := h.r.HandleTrigger(context.Background(), origin.ConnID(), triggerMsg)
	if err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}
	if ack == nil || ack.ErrorCode != "ACCESS_DENIED" {
		t.Fatalf("ack = %+v, want ACCESS_DENIED", ack)
	}
}

func TestShortCircuitRejected(t *testing.T) {
	h := newHarness(t)
	origin := h.handshake(t, "solo", []string{"default"}, []string{"echo"})

	triggerMsg := &codec.Message{
		Type: codec.KindTrigger, ID: "22222222-2222-2222-2222-222222222222",
		Origin: "solo", Trigger: "echo", Payload: []byte(`{}`),
	}
	ack, err := h.r.HandleTrigger(context.Background(), origin.ConnID(), triggerMsg)
	if err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}
	if ack == nil || ack.ErrorCode != "SHORT_CIRCUIT_NOT_IMPLEMENTED" {
		t.Fatalf("ack = %+v, want SHORT_CIRCUIT_NOT_IMPLEMENTED", ack)
	}
}

func TestTriggerTimeout(t *testing.T) {
	h := newHarness(t)
	origin := h.handshake(t, "caller", []string{"default"}, nil)
	h.handshake(t, "handler", []string{"default"}, []string{"echo"})

	ttl := int64(1000)
	triggerMsg := &codec.Message{
		Type: codec.KindTrigger, ID: "22222222-2222-2222-2222-222222222222",
		Origin: "caller", Trigger: "echo", Payload: []byte(`{}`), TTL: &ttl,
	}
	if _, err := h.r.HandleTrigger(context.Background(), origin.ConnID(), triggerMsg); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	h.fc.Advance(2 * time.Second)

	if len(origin.sent) != 1 || origin.sent[0].ErrorCode != "TIMEOUT" {
		t.Fatalf("origin.sent = %+v, want one TIMEOUT error", origin.sent)
	}
	if h.r.InFlightCount() != 0 {
		t.Fatalf("InFlightCount after timeout = %d, want 0", h.r.InFlightCount())
	}
}

func TestDisconnectCleansUpInFlightRecords(t *testing.T) {
	h := newHarness(t)
	origin := h.handshake(t, "caller", []string{"default"}, nil)
	dest := h.handshake(t, "handler", []string{"default"}, []string{"echo"})

	triggerMsg := &codec.Message{
		Type: codec.KindTrigger, ID: "22222222-2222-2222-2222-222222222222",
		Origin: "caller", Trigger: "echo", Payload: []byte(`{}`),
	}
	if _, err := h.r.HandleTrigger(context.Background(), origin.ConnID(), triggerMsg); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	h.reg.Disconnect(context.Background(), dest.ConnID())

	if h.r.InFlightCount() != 0 {
		t.Fatalf("InFlightCount after destination disconnect = %d, want 0", h.r.InFlightCount())
	}
	if len(origin.sent) != 1 || origin.sent[0].ErrorCode != "ROUTING_ERROR" {
		t.Fatalf("origin.sent = %+v, want one ROUTING_ERROR", origin.sent)
	}
}

func TestRoundRobinDistributesAcrossHandlers(t *testing.T) {
	h := newHarness(t)
	origin := h.handshake(t, "caller", []string{"default"}, nil)
	h1 := h.handshake(t, "h1", []string{"default"}, []string{"echo"})
	h2 := h.handshake(t, "h2", []string{"default"}, []string{"echo"})

	for i := 0; i < 2; i++ {
		triggerMsg := &codec.Message{
			Type: codec.KindTrigger, ID: "33333333-3333-3333-3333-33333333333" + string(rune('0'+i)),
			Origin: "caller", Trigger: "echo", Payload: []byte(`{}`),
		}
		if _, err := h.r.HandleTrigger(context.Background(), origin.ConnID(), triggerMsg); err != nil {
			t.Fatalf("HandleTrigger: %v", err)
		}
	}

	if len(h1.sent) != 1 || len(h2.sent) != 1 {
		t.Fatalf("round robin split = %d, %d, want 1, 1", len(h1.sent), len(h2.sent))
	}
}

func TestEmitFansOutToAllHandlers(t *testing.T) {
	h := newHarness(t)
	origin := h.handshake(t, "caller", []string{"default"}, nil)
	h1 := h.handshake(t, "h1", []string{"default"}, []string{"news"})
	h2 := h.handshake(t, "h2", []string{"default"}, []string{"news"})

	emitMsg := &codec.Message{Type: codec.KindEmit, Trigger: "news", Payload: []byte(`{}`)}
	h.r.HandleEmit(context.Background(), origin.ConnID(), emitMsg)

	if len(h1.sent) != 1 || len(h2.sent) != 1 {
		t.Fatalf("emit fan-out = %d, %d, want 1, 1", len(h1.sent), len(h2.sent))
	}
	if h.r.InFlightCount() != 0 {
		t.Fatal("emit must not create an in-flight record")
	}
}

func TestZeroTTLTimesOutImmediately(t *testing.T) {
	h := newHarness(t)
	origin := h.handshake(t, "caller", []string{"default"}, nil)
	h.handshake(t, "handler", []string{"default"}, []string{"echo"})

	zero := int64(0)
	triggerMsg := &codec.Message{
		Type: codec.KindTrigger, ID: "33333333-3333-3333-3333-333333333333",
		Origin: "caller", Trigger: "echo", Payload: []byte(`{}`), TTL: &zero,
	}
	if _, err := h.r.HandleTrigger(context.Background(), origin.ConnID(), triggerMsg); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	if len(origin.sent) != 1 || origin.sent[0].ErrorCode != "TIMEOUT" {
		t.Fatalf("origin.sent = %+v, want one TIMEOUT error", origin.sent)
	}
	if h.r.InFlightCount() != 0 {
		t.Fatalf("InFlightCount after zero-ttl = %d, want 0", h.r.InFlightCount())
	}
}

func TestTTLClampedToConfiguredMax(t *testing.T) {
	h := newHarness(t)
	origin := h.handshake(t, "caller", []string{"default"}, nil)
	h.handshake(t, "handler", []string{"default"}, []string{"echo"})

	huge := int64((10 * time.Minute).Milliseconds())
	triggerMsg := &codec.Message{
		Type: codec.KindTrigger, ID: "44444444-4444-4444-4444-444444444444",
		Origin: "caller", Trigger: "echo", Payload: []byte(`{}`), TTL: &huge,
	}
	if _, err := h.r.HandleTrigger(context.Background(), origin.ConnID(), triggerMsg); err != nil {
		t.Fatalf("HandleTrigger: %v", err)
	}

	// The configured max is 5 minutes; advancing just past it should
	// fire the timeout even though the message asked for 10 minutes.
	h.fc.Advance(5*time.Minute + time.Second)

	if len(origin.sent) != 1 || origin.sent[0].ErrorCode != "TIMEOUT" {
		t.Fatalf("origin.sent = %+v, want one TIMEOUT error", origin.sent)
	}
}
