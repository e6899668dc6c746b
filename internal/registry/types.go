// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"time"

	"github.com/Latency-Zero/server/lib/codec"
)

// ConnState is a connection's handshake state.
type ConnState int

const (
	Unbound ConnState = iota
	Bound
)

func (s ConnState) String() string {
	if s == Bound {
		return "bound"
	}
	return "unbound"
}

// Sender is the narrow interface a live connection exposes to the
// Registry and Trigger Router: enough to deliver a message and to
// terminate the connection when a newer handshake evicts it. Transport
// implements this.
type Sender interface {
	// ConnID identifies the connection for weak-reference bookkeeping.
	ConnID() uint64

	// Send delivers msg to the connection's peer.
	Send(msg *codec.Message) error

	// Close terminates the connection.
	Close() error
}

// Registration is the live, in-memory view of a bound application.
type Registration struct {
	AppID           string
	Pools           []string
	Triggers        []string
	Metadata        map[string]any
	ProtocolVersion string
	RegisteredAt    time.Time
	LastSeenAt      time.Time
	Rehydrated      bool
	Conn            Sender
}

// cacheEntry is what a disconnected registration retains in the
// rehydration cache.
type cacheEntry struct {
	pools           []string
	triggers        []string
	metadata        map[string]any
	protocolVersion string
	registeredAt    time.Time
	lastSeenAt      time.Time
}

// DisconnectObserver is notified when a bound AppID disconnects, after
// the Registry has already moved it to the rehydration cache and torn
// down its pool memberships and trigger-index entries. The Trigger
// Router implements this to fail in-flight records anchored on the
// departing AppID.
type DisconnectObserver interface {
	OnAppDisconnected(appID string)
}
