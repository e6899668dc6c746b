// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum permitted frame payload size: 16 MiB. A
// frame whose declared length exceeds this is rejected and the
// connection is terminated by the caller (Transport owns that decision;
// the codec only reports the violation).
const MaxFrameSize = 16 * 1024 * 1024

// frameHeaderSize is the length, in bytes, of the big-endian length
// prefix that precedes every frame payload on the wire.
const frameHeaderSize = 4

// ErrFrameTooLarge is returned by ReadFrame when a frame's declared
// length exceeds MaxFrameSize. The caller must close the connection —
// the stream position after an oversized length prefix is not
// recoverable.
var ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")

// ReadFrame reads one length-prefixed frame from r and returns its
// payload. maxFrameSize overrides MaxFrameSize when non-zero, letting
// callers apply a stricter cap (tests, constrained transports); pass 0
// to use MaxFrameSize.
//
// Returns io.EOF only when the connection is closed cleanly before any
// bytes of a new frame arrive. A partial length prefix or partial
// payload is reported as a wrapped io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxFrameSize uint32) ([]byte, error) {
	if maxFrameSize == 0 {
		maxFrameSize = MaxFrameSize
	}

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("codec: reading frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("codec: reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload to w as one length-prefixed frame. Returns
// an error (rather than panicking) if payload exceeds MaxFrameSize — the
// caller constructed an oversized outbound message, which is a bug, not
// a transport failure.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("codec: outbound frame of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("codec: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("codec: writing frame payload: %w", err)
	}
	return nil
}
