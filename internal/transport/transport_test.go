// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Latency-Zero/server/internal/transport"
	"github.com/Latency-Zero/server/lib/codec"
)

// recordingDispatcher records every message and disconnect it sees,
// and echoes trigger messages back to the sender as a response.
type recordingDispatcher struct {
	mu           sync.Mutex
	received     []*codec.Message
	disconnected []uint64
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, conn *transport.Connection, msg *codec.Message) {
	d.mu.Lock()
	d.received = append(d.received, msg)
	d.mu.Unlock()

	if msg.Type == codec.KindTrigger {
		conn.Send(&codec.Message{Type: codec.KindResponse, CorrelationID: msg.ID, Status: "success"})
	}
}

func (d *recordingDispatcher) OnDisconnect(connID uint64) {
	d.mu.Lock()
	d.disconnected = append(d.disconnected, connID)
	d.mu.Unlock()
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func (d *recordingDispatcher) disconnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.disconnected)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, msg *codec.Message) {
	t.Helper()
	payload, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := codec.WriteFrame(conn, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func recv(t *testing.T, conn net.Conn) *codec.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := codec.ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := codec.Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func newTestListener(t *testing.T, disp transport.Dispatcher) (*transport.Listener, context.CancelFunc) {
	t.Helper()
	ln, err := transport.New(transport.Config{Host: "127.0.0.1", Port: 0, Dispatcher: disp})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ln.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln, cancel
}

func TestListenerDispatchesMessages(t *testing.T) {
	disp := &recordingDispatcher{}
	ln, _ := newTestListener(t, disp)

	conn := dial(t, ln.Address())
	send(t, conn, &codec.Message{Type: codec.KindHandshake, AppID: "app-one", ProtocolVersion: "0.1.0"})

	deadline := time.Now().Add(2 * time.Second)
	for disp.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if disp.count() != 1 {
		t.Fatalf("expected 1 dispatched message, got %d", disp.count())
	}
}

func TestListenerEchoesResponse(t *testing.T) {
	disp := &recordingDispatcher{}
	ln, _ := newTestListener(t, disp)

	triggerID := uuid.NewString()
	conn := dial(t, ln.Address())
	send(t, conn, &codec.Message{
		Type: codec.KindTrigger, ID: triggerID, Origin: "app-origin",
		Trigger: "ping", Payload: []byte(`{}`),
	})

	msg := recv(t, conn)
	if msg.Type != codec.KindResponse || msg.CorrelationID != triggerID {
		t.Fatalf("unexpected response: %+v", msg)
	}
}

func TestListenerMalformedMessageWithIDGetsErrorReply(t *testing.T) {
	disp := &recordingDispatcher{}
	ln, _ := newTestListener(t, disp)

	triggerID := uuid.NewString()
	conn := dial(t, ln.Address())
	// A trigger message missing its required "trigger" field.
	send(t, conn, &codec.Message{Type: codec.KindTrigger, ID: triggerID, Origin: "app-origin", Payload: []byte(`{}`)})

	msg := recv(t, conn)
	if msg.Type != codec.KindError || msg.CorrelationID != triggerID {
		t.Fatalf("expected error reply correlated to %s, got %+v", triggerID, msg)
	}
}

func TestListenerDisconnectNotifiesDispatcher(t *testing.T) {
	disp := &recordingDispatcher{}
	ln, _ := newTestListener(t, disp)

	conn := dial(t, ln.Address())
	send(t, conn, &codec.Message{Type: codec.KindHandshake, AppID: "app-two", ProtocolVersion: "0.1.0"})
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for disp.disconnectCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if disp.disconnectCount() != 1 {
		t.Fatalf("expected 1 disconnect notification, got %d", disp.disconnectCount())
	}
}

func TestListenerRejectsConnectionsOverMax(t *testing.T) {
	disp := &recordingDispatcher{}
	ln, err := transport.New(transport.Config{Host: "127.0.0.1", Port: 0, Dispatcher: disp, MaxConnections: 1})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ln.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	first := dial(t, ln.Address())
	send(t, first, &codec.Message{Type: codec.KindHandshake, AppID: "app-first", ProtocolVersion: "0.1.0"})

	deadline := time.Now().Add(2 * time.Second)
	for disp.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := dial(t, ln.Address())
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("expected the over-limit connection to be closed immediately")
	}
}
