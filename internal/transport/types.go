// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"

	"github.com/Latency-Zero/server/lib/codec"
)

// Dispatcher receives every successfully parsed message and every
// disconnect from the Listener. The Orchestrator implements this; the
// Listener never imports the App Registry, Pool Manager, or Trigger
// Router directly.
type Dispatcher interface {
	// Dispatch handles one parsed message from conn. Implementations
	// that need to reply call conn.Send directly — Dispatch has no
	// return value because several message kinds (trigger, emit) do
	// not produce a synchronous reply at all.
	Dispatch(ctx context.Context, conn *Connection, msg *codec.Message)

	// OnDisconnect is called once, after the connection's socket is
	// closed, for every connection that ever reached Dispatch at least
	// zero times (i.e., every accepted connection).
	OnDisconnect(connID uint64)
}

// errorMessage builds a best-effort "error" reply for a message that
// failed validation but carried an id: the Transport converts it to an
// error reply when the originating message had an id, otherwise it
// closes the connection.
func errorMessage(correlationID string, verr *codec.ValidationError) *codec.Message {
	return &codec.Message{
		Type:          codec.KindError,
		CorrelationID: correlationID,
		Error:         verr.Message,
		ErrorCode:     verr.Code,
	}
}
