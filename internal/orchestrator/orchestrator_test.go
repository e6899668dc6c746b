// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/Latency-Zero/server/internal/config"
	"github.com/Latency-Zero/server/internal/orchestrator"
	"github.com/Latency-Zero/server/lib/codec"
)

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.MemoryMode = true

	dataDir := t.TempDir()
	cfg.DataDir = dataDir
	layout, err := cfg.Layout()
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}

	o, err := orchestrator.New(orchestrator.Config{Server: cfg, Layout: layout})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o
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

// handshake completes a minimal handshake for appID over conn and
// returns the handshake_ack.
func handshake(t *testing.T, conn net.Conn, appID string) *codec.Message {
	t.Helper()
	send(t, conn, &codec.Message{Type: codec.KindHandshake, AppID: appID, ProtocolVersion: "0.1.0"})
	ack := recv(t, conn)
	if ack.Type != codec.KindHandshakeAck {
		t.Fatalf("handshake: got kind %q, want handshake_ack", ack.Type)
	}
	if ack.Status != "success" {
		t.Fatalf("handshake: got status %q, want success", ack.Status)
	}
	return ack
}

// TestMemoryCreateGrantsCreatorAccess exercises the "memory" wire
// operations end to end: a block created over handleMemory must be
// readable and writable by the AppID that created it, without any
// separate permission grant. This is the path the unit tests in
// internal/memory never cover, since they call Manager.Create directly
// with an explicit permission map.
func TestMemoryCreateGrantsCreatorAccess(t *testing.T) {
	o := newTestOrchestrator(t)
	conn := dial(t, o.Address())
	handshake(t, conn, "app-writer")

	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "create-1",
		Operation: codec.MemoryOpCreate, BlockID: "scratch", Size: 16,
	})
	createReply := recv(t, conn)
	if createReply.Type != codec.KindResponse {
		t.Fatalf("create: got kind %q, error %q/%q, want response", createReply.Type, createReply.ErrorCode, createReply.Error)
	}

	payload := []byte("hello, block!!!!")
	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "write-1",
		Operation: codec.MemoryOpWrite, BlockID: "scratch", Offset: 0, Data: payload,
	})
	writeReply := recv(t, conn)
	if writeReply.Type != codec.KindResponse {
		t.Fatalf("write: got kind %q, error %q/%q, want response", writeReply.Type, writeReply.ErrorCode, writeReply.Error)
	}

	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "read-1",
		Operation: codec.MemoryOpRead, BlockID: "scratch", Offset: 0, Length: int64(len(payload)),
	})
	readReply := recv(t, conn)
	if readReply.Type != codec.KindResponse {
		t.Fatalf("read: got kind %q, error %q/%q, want response", readReply.Type, readReply.ErrorCode, readReply.Error)
	}

	var result struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(readReply.Result, &result); err != nil {
		t.Fatalf("decoding read result: %v", err)
	}
	if string(result.Data) != string(payload) {
		t.Fatalf("read back %q, want %q", result.Data, payload)
	}
}

// TestMemoryRemoveFailsWhileAttached mirrors the invariant enforced in
// internal/memory.Manager.Remove at the wire-protocol boundary: a block
// created and never detached must not be removable.
func TestMemoryRemoveFailsWhileAttached(t *testing.T) {
	o := newTestOrchestrator(t)
	conn := dial(t, o.Address())
	handshake(t, conn, "app-writer")

	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "create-1",
		Operation: codec.MemoryOpCreate, BlockID: "scratch", Size: 16,
	})
	if reply := recv(t, conn); reply.Type != codec.KindResponse {
		t.Fatalf("create: got kind %q, want response", reply.Type)
	}

	// Create implicitly does not attach; attach explicitly so removal
	// has something to refuse against.
	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "attach-1",
		Operation: codec.MemoryOpAttach, BlockID: "scratch", Mode: codec.LockModeRead,
	})
	if reply := recv(t, conn); reply.Type != codec.KindResponse {
		t.Fatalf("attach: got kind %q, want response", reply.Type)
	}

	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "remove-1",
		Operation: codec.MemoryOpRemove, BlockID: "scratch",
	})
	removeReply := recv(t, conn)
	if removeReply.Type != codec.KindError {
		t.Fatalf("remove: got kind %q, want error", removeReply.Type)
	}
	if removeReply.ErrorCode != "STILL_ATTACHED" {
		t.Fatalf("remove: got error_code %q, want STILL_ATTACHED", removeReply.ErrorCode)
	}

	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "detach-1",
		Operation: codec.MemoryOpDetach, BlockID: "scratch",
	})
	if reply := recv(t, conn); reply.Type != codec.KindResponse {
		t.Fatalf("detach: got kind %q, want response", reply.Type)
	}

	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "remove-2",
		Operation: codec.MemoryOpRemove, BlockID: "scratch",
	})
	if reply := recv(t, conn); reply.Type != codec.KindResponse {
		t.Fatalf("remove after detach: got kind %q, error %q/%q, want response", reply.Type, reply.ErrorCode, reply.Error)
	}
}

// TestMemoryWriteNotifiesAttachedApps checks that a write fans an emit
// notification out to every AppID attached to the block, over the same
// wire connection the memory operations themselves use.
func TestMemoryWriteNotifiesAttachedApps(t *testing.T) {
	o := newTestOrchestrator(t)
	conn := dial(t, o.Address())
	handshake(t, conn, "app-writer")

	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "create-1",
		Operation: codec.MemoryOpCreate, BlockID: "scratch", Size: 8,
	})
	if reply := recv(t, conn); reply.Type != codec.KindResponse {
		t.Fatalf("create: got kind %q, want response", reply.Type)
	}

	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "attach-1",
		Operation: codec.MemoryOpAttach, BlockID: "scratch", Mode: codec.LockModeWrite,
	})
	if reply := recv(t, conn); reply.Type != codec.KindResponse {
		t.Fatalf("attach: got kind %q, want response", reply.Type)
	}

	send(t, conn, &codec.Message{
		Type: codec.KindMemory, ID: "write-1",
		Operation: codec.MemoryOpWrite, BlockID: "scratch", Offset: 0, Data: []byte("12345678"),
	})

	var sawEmit, sawResponse bool
	for i := 0; i < 2; i++ {
		msg := recv(t, conn)
		switch msg.Type {
		case codec.KindEmit:
			sawEmit = true
			if msg.Trigger != "memory.block_written" {
				t.Fatalf("emit trigger = %q, want memory.block_written", msg.Trigger)
			}
			var payload struct {
				BlockID string `json:"block_id"`
			}
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				t.Fatalf("decoding emit payload: %v", err)
			}
			if payload.BlockID != "scratch" {
				t.Fatalf("emit block_id = %q, want scratch", payload.BlockID)
			}
		case codec.KindResponse:
			sawResponse = true
		default:
			t.Fatalf("unexpected message kind %q", msg.Type)
		}
	}
	if !sawEmit {
		t.Fatal("write did not notify the attached app")
	}
	if !sawResponse {
		t.Fatal("write did not reply with a response")
	}
}
