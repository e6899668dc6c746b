// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import "encoding/json"

// Kind identifies the message's role on the wire. The set is closed —
// §4.2's message catalog — and every kind has a dedicated validation
// rule in [Validate].
type Kind string

const (
	KindHandshake    Kind = "handshake"
	KindHandshakeAck Kind = "handshake_ack"
	KindTrigger      Kind = "trigger"
	KindResponse     Kind = "response"
	KindEmit         Kind = "emit"
	KindError        Kind = "error"
	KindMemory       Kind = "memory"
	KindAdmin        Kind = "admin"
	KindBinaryFrame  Kind = "binary_frame"
)

// MemoryOp identifies the sub-operation of a "memory" message.
type MemoryOp string

const (
	MemoryOpCreate  MemoryOp = "create"
	MemoryOpAttach  MemoryOp = "attach"
	MemoryOpDetach  MemoryOp = "detach"
	MemoryOpRead    MemoryOp = "read"
	MemoryOpWrite   MemoryOp = "write"
	MemoryOpCAS     MemoryOp = "cas"
	MemoryOpLock    MemoryOp = "lock"
	MemoryOpUnlock  MemoryOp = "unlock"
	MemoryOpRemove  MemoryOp = "remove"
	MemoryOpInspect MemoryOp = "inspect"
)

// LockMode identifies the advisory lock mode requested by a "memory"
// lock operation.
type LockMode string

const (
	LockModeRead      LockMode = "read"
	LockModeWrite     LockMode = "write"
	LockModeExclusive LockMode = "exclusive"
)

// Assigned carries the server-resolved handshake fields echoed back in
// a handshake_ack, per §6's example. Rehydrated registrations echo the
// restored pools/triggers here rather than whatever (possibly empty)
// set the client's minimal handshake supplied.
type Assigned struct {
	AppID      string   `json:"app_id"`
	Pools      []string `json:"pools"`
	Triggers   []string `json:"triggers"`
	Rehydrated bool     `json:"rehydrated"`
}

// Message is the union of every field used by any message kind in the
// protocol. A single struct (rather than one type per kind, decoded by
// a two-pass type switch) mirrors how the wire format itself is
// schema-on-read: one JSON object, fields present or absent depending
// on "type". Decode normalizes the two duck-typed field pairs the
// source protocol tolerates (trigger/process, correlation_id/in_reply_to)
// onto their canonical field (Trigger, CorrelationID) so the rest of the
// server only ever reads one name.
type Message struct {
	Type Kind `json:"type"`

	// ID is the message's own identifier. Required on trigger messages;
	// optional on handshake, where it must be a UUID when present;
	// optional elsewhere.
	ID string `json:"id,omitempty"`

	// --- handshake / handshake_ack ---

	AppID           string         `json:"app_id,omitempty"`
	Pools           []string       `json:"pools,omitempty"`
	Triggers        []string       `json:"triggers,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Status          string         `json:"status,omitempty"`
	Assigned        *Assigned      `json:"assigned,omitempty"`

	// --- trigger / emit ---

	Origin      string          `json:"origin,omitempty"`
	Trigger     string          `json:"trigger,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Pool        string          `json:"pool,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Flags       map[string]any  `json:"flags,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`

	// TTL is a pointer so a message can distinguish an explicit ttl=0
	// (immediate timeout) from an omitted ttl (use the router's
	// configured default).
	TTL *int64 `json:"ttl,omitempty"`

	// --- response / error ---

	InReplyTo string          `json:"in_reply_to,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`

	// --- memory ---

	Operation MemoryOp `json:"operation,omitempty"`
	BlockID   string   `json:"block_id,omitempty"`
	Size      int64    `json:"size,omitempty"`
	Data      []byte   `json:"data,omitempty"`
	Offset    int64    `json:"offset,omitempty"`
	Length    int64    `json:"length,omitempty"`
	Expected  []byte   `json:"expected,omitempty"`
	Mode      LockMode `json:"mode,omitempty"`
	Timeout   int64    `json:"timeout,omitempty"`
	LockID    string   `json:"lock_id,omitempty"`

	// --- admin ---
	//
	// admin reuses the Operation field (JSON "operation") — both
	// "memory" and "admin" carry their sub-operation in a field of that
	// name. The admin operation names (stats, list_apps, list_pools, list_blocks)
	// are read back out of Operation as a plain string by the admin
	// handler.

	// --- binary_frame ---

	BinarySize int64 `json:"binary_size,omitempty"`

	// process is a duck-typed alias of trigger, accepted on input and
	// normalized onto Trigger by Decode. It is not populated by Encode.
	Process string `json:"process,omitempty"`
}

// Encode marshals msg to its JSON wire representation. The codec is
// symmetric: the same struct and the same function build outbound
// responses as parse inbound requests.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode unmarshals payload into a Message, normalizes duck-typed
// fields, and validates it against its kind's schema. A non-nil
// *ValidationError is returned on any schema violation; callers that
// need to reply with an error message (§4.2 "Failure semantics") have
// everything they need in the error's Code and message id, when present.
func Decode(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &ValidationError{Code: "VALIDATION_ERROR", Message: "malformed JSON: " + err.Error()}
	}
	normalize(&msg)
	if err := Validate(&msg); err != nil {
		return &msg, err
	}
	return &msg, nil
}

// normalize resolves the protocol's duck-typed field pairs onto their
// canonical name: clients sometimes treat trigger/process and
// correlation_id/in_reply_to interchangeably. Both are accepted on
// input; only the canonical field is read by the rest of the server.
func normalize(msg *Message) {
	if msg.Trigger == "" && msg.Process != "" {
		msg.Trigger = msg.Process
	}
	if msg.CorrelationID == "" && msg.InReplyTo != "" {
		msg.CorrelationID = msg.InReplyTo
	}
}
