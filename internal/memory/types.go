// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"
	"time"
)

// AttachMode is the mode an AppID attaches to a block under.
type AttachMode int

const (
	AttachRead AttachMode = iota
	AttachWrite
)

func (m AttachMode) String() string {
	if m == AttachWrite {
		return "write"
	}
	return "read"
}

// LockMode is the advisory lock mode held on a block.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockWrite:
		return "write"
	case LockExclusive:
		return "exclusive"
	default:
		return "read"
	}
}

// conflicts reports whether holding a lock in m1 conflicts with a
// concurrent request for m2. Exclusive conflicts with everything,
// including another exclusive. Write conflicts with write and
// exclusive. Read only conflicts with write and exclusive.
func (m1 LockMode) conflicts(m2 LockMode) bool {
	if m1 == LockExclusive || m2 == LockExclusive {
		return true
	}
	if m1 == LockWrite || m2 == LockWrite {
		return true
	}
	return false
}

// Info is a point-in-time snapshot of a block's metadata, safe to hand
// to callers outside the block's lock.
type Info struct {
	BlockID         string
	Name            string
	Pool            string
	Size            int64
	Type            string
	Permissions     map[string][]string
	Version         int64
	Persistent      bool
	Encrypted       bool
	Attachments     map[string]AttachMode
	LockHolder      *LockInfo
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastAccessedAt  time.Time
}

// LockInfo describes the currently-held advisory lock on a block, if
// any.
type LockInfo struct {
	LockID string
	Mode   LockMode
	Holder string
}

// block is the live, mutex-guarded state for one memory block.
type block struct {
	mu sync.Mutex

	blockID     string
	name        string
	pool        string
	typ         string
	permissions map[string][]string
	persistent  bool
	encrypted   bool
	createdAt   time.Time

	data    []byte
	version int64

	attachments map[string]AttachMode

	lockID     string
	lockMode   LockMode
	lockHeld   bool
	lockHolder string
	lockTimer  *lockTimer

	lastAccessedAt time.Time
	updatedAt      time.Time

	filePath string
}

// lockTimer is the narrow shape the Manager needs from a scheduled
// auto-release; it wraps clock.Timer so block doesn't need to import
// lib/clock directly.
type lockTimer struct {
	stop func() bool
}

func (b *block) snapshot() Info {
	attachments := make(map[string]AttachMode, len(b.attachments))
	for appID, mode := range b.attachments {
		attachments[appID] = mode
	}
	permissions := make(map[string][]string, len(b.permissions))
	for op, appIDs := range b.permissions {
		permissions[op] = append([]string(nil), appIDs...)
	}

	var lockInfo *LockInfo
	if b.lockHeld {
		lockInfo = &LockInfo{LockID: b.lockID, Mode: b.lockMode, Holder: b.lockHolder}
	}

	return Info{
		BlockID: b.blockID, Name: b.name, Pool: b.pool, Size: int64(len(b.data)),
		Type: b.typ, Permissions: permissions, Version: b.version,
		Persistent: b.persistent, Encrypted: b.encrypted, Attachments: attachments,
		LockHolder: lockInfo, CreatedAt: b.createdAt, UpdatedAt: b.updatedAt,
		LastAccessedAt: b.lastAccessedAt,
	}
}
