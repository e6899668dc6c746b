// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package codec_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Latency-Zero/server/lib/codec"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"emit","trigger":"t","payload":{}}`)
	if err := codec.WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := codec.ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadFrame = %q, want %q", got, payload)
	}
}

func TestReadFrameAtMaxSizeAccepted(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], codec.MaxFrameSize)
	buf.Write(header[:])
	buf.Write(make([]byte, codec.MaxFrameSize))

	if _, err := codec.ReadFrame(&buf, 0); err != nil {
		t.Fatalf("ReadFrame at exactly MaxFrameSize: %v", err)
	}
}

func TestReadFrameOneByteOverMaxRejected(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], codec.MaxFrameSize+1)
	buf.Write(header[:])

	_, err := codec.ReadFrame(&buf, 0)
	if err != codec.ErrFrameTooLarge {
		t.Fatalf("ReadFrame one byte over max = %v, want ErrFrameTooLarge", err)
	}
}

func TestWriteFrameOversizedRejected(t *testing.T) {
	var buf bytes.Buffer
	if err := codec.WriteFrame(&buf, make([]byte, codec.MaxFrameSize+1)); err == nil {
		t.Fatal("WriteFrame with oversized payload succeeded, want error")
	}
}
