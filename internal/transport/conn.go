// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/Latency-Zero/server/lib/codec"
)

// Connection is one live, long-lived client connection. It implements
// [registry.Sender] (ConnID, Send, Close) via duck typing — transport
// never imports internal/registry, per this package's doc comment.
//
// Writes are serialized by writeMu so two goroutines replying to the
// same connection (e.g., the Trigger Router delivering a response
// while the Orchestrator delivers an admin reply) never interleave
// two frames' bytes on the wire.
type Connection struct {
	id   uint64
	conn net.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func newConnection(id uint64, conn net.Conn) *Connection {
	return &Connection{id: id, conn: conn}
}

// ConnID identifies this connection for weak-reference bookkeeping in
// the App Registry and Trigger Router.
func (c *Connection) ConnID() uint64 { return c.id }

// Send encodes and writes msg as one length-prefixed frame.
func (c *Connection) Send(msg *codec.Message) error {
	payload, err := codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encoding message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := codec.WriteFrame(c.conn, payload); err != nil {
		return fmt.Errorf("transport: writing frame: %w", err)
	}
	return nil
}

// Close terminates the underlying socket. Idempotent.
func (c *Connection) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// RemoteAddr returns the peer's network address, for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
