// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Latency-Zero/server/internal/memory"
	"github.com/Latency-Zero/server/internal/pool"
	"github.com/Latency-Zero/server/internal/transport"
	"github.com/Latency-Zero/server/lib/codec"
)

// handleMemory dispatches one "memory" message to the Memory Manager
// and builds the response or error reply to send back.
//
// The wire schema defines "memory create" with only `size` as a
// required field — block name, owning pool, type, and
// permissions are not broken out into dedicated wire fields. LatZero
// reuses the message's `pool` field (already defined for trigger
// routing) as the block's owning pool, and treats `block_id` itself as
// the block's name when no separate name is carried. This mirrors the
// protocol's existing practice of reusing one field across kinds
// (`operation` serves both "memory" and "admin"; see the admin note on
// codec.Message).
func (o *Orchestrator) handleMemory(ctx context.Context, conn *transport.Connection, msg *codec.Message) *codec.Message {
	appID, ok := o.registry.AppByConnID(conn.ConnID())
	if !ok {
		return memErrorReply(msg, "VALIDATION_ERROR", "connection is not bound to an app_id")
	}

	switch msg.Operation {
	case codec.MemoryOpCreate:
		poolName := msg.Pool
		if poolName == "" {
			poolName = pool.Default
		}
		// The wire schema carries no dedicated permissions field, so the
		// creator is granted read/write on its own block by default —
		// otherwise checkAccess's no-membership-fallback policy would
		// deny every future operation, including the creator's own.
		permissions := map[string][]string{
			"read":  {appID},
			"write": {appID},
		}
		err := o.memory.Create(ctx, msg.BlockID, msg.BlockID, poolName, msg.Size, "", permissions, false, false)
		if err != nil {
			return memErrorFrom(msg, err)
		}
		return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID})

	case codec.MemoryOpAttach:
		mode := memory.AttachRead
		if msg.Mode == codec.LockModeWrite || msg.Mode == codec.LockModeExclusive {
			mode = memory.AttachWrite
		}
		if err := o.memory.Attach(ctx, msg.BlockID, appID, mode); err != nil {
			return memErrorFrom(msg, err)
		}
		return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID, "mode": mode.String()})

	case codec.MemoryOpDetach:
		if err := o.memory.Detach(msg.BlockID, appID); err != nil {
			return memErrorFrom(msg, err)
		}
		return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID})

	case codec.MemoryOpRead:
		data, err := o.memory.Read(ctx, msg.BlockID, appID, msg.Offset, msg.Length)
		if err != nil {
			return memErrorFrom(msg, err)
		}
		return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID, "data": data})

	case codec.MemoryOpWrite:
		if err := o.memory.Write(ctx, msg.BlockID, appID, msg.Offset, msg.Data); err != nil {
			return memErrorFrom(msg, err)
		}
		return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID})

	case codec.MemoryOpCAS:
		ok, actual, err := o.memory.CompareAndSwap(ctx, msg.BlockID, appID, msg.Offset, msg.Expected, msg.Data)
		if err != nil {
			return memErrorFrom(msg, err)
		}
		return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID, "swapped": ok, "actual": actual})

	case codec.MemoryOpLock:
		lockMode := memory.LockRead
		switch msg.Mode {
		case codec.LockModeWrite:
			lockMode = memory.LockWrite
		case codec.LockModeExclusive:
			lockMode = memory.LockExclusive
		}
		timeout := time.Duration(msg.Timeout) * time.Millisecond
		lockID, err := o.memory.Lock(ctx, msg.BlockID, appID, lockMode, timeout)
		if err != nil {
			if errors.Is(err, memory.ErrLockConflict) {
				return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID, "acquired": false})
			}
			return memErrorFrom(msg, err)
		}
		return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID, "acquired": true, "lock_id": lockID})

	case codec.MemoryOpUnlock:
		if err := o.memory.Unlock(msg.BlockID, msg.LockID); err != nil {
			return memErrorFrom(msg, err)
		}
		return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID})

	case codec.MemoryOpRemove:
		if err := o.memory.Remove(ctx, msg.BlockID); err != nil {
			return memErrorFrom(msg, err)
		}
		return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID})

	case codec.MemoryOpInspect:
		info, ok := o.memory.Inspect(msg.BlockID)
		if !ok {
			return memErrorReply(msg, "NOT_FOUND", fmt.Sprintf("block %q does not exist", msg.BlockID))
		}
		return memSuccessReply(msg, info)

	default:
		return memErrorReply(msg, "VALIDATION_ERROR", fmt.Sprintf("unsupported memory operation %q", msg.Operation))
	}
}

// handleBinaryFrame applies a bulk write whose payload arrived as raw
// bytes following the frame's JSON header rather than as a "memory"
// message's base64 `data` field — the binary_frame variant used for
// bulk memory transfer. The target block and offset are carried in the
// same fields a "memory write" message uses.
func (o *Orchestrator) handleBinaryFrame(ctx context.Context, conn *transport.Connection, msg *codec.Message) *codec.Message {
	appID, ok := o.registry.AppByConnID(conn.ConnID())
	if !ok {
		return memErrorReply(msg, "VALIDATION_ERROR", "connection is not bound to an app_id")
	}
	if msg.BlockID == "" {
		return memErrorReply(msg, "VALIDATION_ERROR", "binary_frame: missing block_id")
	}
	if err := o.memory.Write(ctx, msg.BlockID, appID, msg.Offset, msg.Data); err != nil {
		return memErrorFrom(msg, err)
	}
	return memSuccessReply(msg, map[string]any{"block_id": msg.BlockID, "bytes_written": len(msg.Data)})
}

// OnBlockWritten implements memory.WriteObserver. It fires after every
// successful write or CAS commit and pushes an emit-style notification
// to every AppID currently attached to the block, including the writer.
func (o *Orchestrator) OnBlockWritten(blockID string, version int64) {
	info, ok := o.memory.Inspect(blockID)
	if !ok || len(info.Attachments) == 0 {
		return
	}
	payload, err := json.Marshal(map[string]any{"block_id": blockID, "version": version})
	if err != nil {
		o.logger.Error("orchestrator: encoding block-written notification", "block_id", blockID, "error", err)
		return
	}
	for appID := range info.Attachments {
		reg, ok := o.registry.Lookup(appID)
		if !ok || reg.Conn == nil {
			continue
		}
		notice := &codec.Message{Type: codec.KindEmit, Trigger: "memory.block_written", Origin: "latzero", Payload: payload}
		if err := reg.Conn.Send(notice); err != nil {
			o.logger.Warn("orchestrator: notifying block write failed", "block_id", blockID, "app_id", appID, "error", err)
		}
	}
}

func memErrorFrom(msg *codec.Message, err error) *codec.Message {
	var opErr *memory.OpError
	if errors.As(err, &opErr) {
		return memErrorReply(msg, opErr.Code, opErr.Message)
	}
	return memErrorReply(msg, "INTERNAL_ERROR", err.Error())
}

func memErrorReply(msg *codec.Message, code, text string) *codec.Message {
	return &codec.Message{Type: codec.KindError, CorrelationID: msg.ID, Error: text, ErrorCode: code}
}

func memSuccessReply(msg *codec.Message, result any) *codec.Message {
	payload, err := json.Marshal(result)
	if err != nil {
		return memErrorReply(msg, "INTERNAL_ERROR", fmt.Sprintf("encoding result: %v", err))
	}
	return &codec.Message{Type: codec.KindResponse, CorrelationID: msg.ID, Status: "success", Result: payload}
}
