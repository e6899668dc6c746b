// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the LatZero wire protocol: a 4-byte
// big-endian length-prefixed frame carrying a JSON-encoded message, plus
// schema validation for each message kind defined in the protocol
// (handshake, handshake_ack, trigger, response, emit, error, memory,
// admin).
//
// Framing and encoding are deliberately separate. [ReadFrame] and
// [WriteFrame] move raw bytes across an [io.Reader]/[io.Writer] with the
// 4-byte length prefix and the maximum-frame-size guard; [Decode] and
// [Encode] convert between a frame's payload bytes and a [Message].
// Transport owns framing; the codec owns schema.
//
// The codec never interprets trigger.payload or handshake.metadata —
// the payload travels as an opaque [json.RawMessage] and the metadata
// as a decoded map[string]any, and validation examines neither.
package codec
