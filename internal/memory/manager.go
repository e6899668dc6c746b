// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Latency-Zero/server/internal/pool"
	"github.com/Latency-Zero/server/internal/security"
	"github.com/Latency-Zero/server/internal/store"
	"github.com/Latency-Zero/server/lib/clock"
)

// WriteObserver is notified after a successful write or CAS commits to
// a block. The Orchestrator (or any other component) implements
// this to fan a notification out to a block's attached AppIDs, rather
// than the Manager reaching into connection state directly.
type WriteObserver interface {
	OnBlockWritten(blockID string, version int64)
}

// Manager owns every live memory block. Safe for concurrent use: the
// Manager's own lock guards the block index; each block's own lock
// guards its contents, so operations on different blocks never
// contend.
type Manager struct {
	pools      *pool.Manager
	security   security.Checker
	store      *store.Store
	clock      clock.Clock
	logger     *slog.Logger
	memoryDir  string
	idleMaxAge time.Duration

	mu     sync.RWMutex
	blocks map[string]*block

	observersMu sync.Mutex
	observers   []WriteObserver
}

// Config holds the parameters for constructing a Manager.
type Config struct {
	Pools      *pool.Manager
	Security   security.Checker
	Store      *store.Store
	Clock      clock.Clock
	Logger     *slog.Logger
	MemoryDir  string        // default: empty (persistent blocks require a non-empty dir)
	IdleMaxAge time.Duration // default 30m
}

// New constructs a Manager. Call LoadFromStore to rehydrate persistent
// blocks left over from a previous run.
func New(cfg Config) (*Manager, error) {
	if cfg.Pools == nil {
		return nil, fmt.Errorf("memory: Pools is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("memory: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("memory: Clock is required")
	}
	sec := cfg.Security
	if sec == nil {
		sec = security.AllowAll{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	idleMaxAge := cfg.IdleMaxAge
	if idleMaxAge <= 0 {
		idleMaxAge = 30 * time.Minute
	}
	return &Manager{
		pools: cfg.Pools, security: sec, store: cfg.Store, clock: cfg.Clock,
		logger: logger, memoryDir: cfg.MemoryDir, idleMaxAge: idleMaxAge,
		blocks: make(map[string]*block),
	}, nil
}

// AddWriteObserver registers obs to be notified of every future write.
func (m *Manager) AddWriteObserver(obs WriteObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Manager) notifyWrite(blockID string, version int64) {
	m.observersMu.Lock()
	observers := append([]WriteObserver(nil), m.observers...)
	m.observersMu.Unlock()
	for _, obs := range observers {
		obs.OnBlockWritten(blockID, version)
	}
}

// LoadFromStore rehydrates every persisted block's metadata and, for
// persistent blocks, its backing-file contents.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	rows, err := m.store.ListMemoryBlocks(ctx)
	if err != nil {
		return fmt.Errorf("memory: load: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		b := &block{
			blockID: row.BlockID, name: row.Name, pool: row.Pool, typ: row.Type,
			permissions: row.Permissions, persistent: row.Persistent, encrypted: row.Encrypted,
			createdAt: row.CreatedAt, updatedAt: row.UpdatedAt, version: row.Version,
			attachments: make(map[string]AttachMode),
			data:        make([]byte, row.Size),
		}
		if row.Persistent {
			b.filePath = m.backingPath(row.BlockID)
			if data, err := os.ReadFile(b.filePath); err == nil {
				copy(b.data, data)
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("memory: read backing file for %s: %w", row.BlockID, err)
			}
		}
		m.blocks[row.BlockID] = b
	}
	return nil
}

func (m *Manager) backingPath(blockID string) string {
	return filepath.Join(m.memoryDir, blockID)
}

func (m *Manager) lookup(blockID string) (*block, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[blockID]
	return b, ok
}

// Exists reports whether blockID is currently allocated.
func (m *Manager) Exists(blockID string) bool {
	_, ok := m.lookup(blockID)
	return ok
}

// Inspect returns a snapshot of blockID's metadata.
func (m *Manager) Inspect(blockID string) (Info, bool) {
	b, ok := m.lookup(blockID)
	if !ok {
		return Info{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot(), true
}

// List returns a snapshot of every live block, for admin introspection.
func (m *Manager) List() []Info {
	m.mu.RLock()
	blocks := make([]*block, 0, len(m.blocks))
	for _, b := range m.blocks {
		blocks = append(blocks, b)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(blocks))
	for _, b := range blocks {
		b.mu.Lock()
		out = append(out, b.snapshot())
		b.mu.Unlock()
	}
	return out
}

// Create allocates a new block. poolName must already exist. If
// persistent is true, a backing file is opened under the Manager's
// memory directory before any metadata is recorded; if that allocation
// fails, no metadata is recorded.
func (m *Manager) Create(ctx context.Context, blockID, name, poolName string, size int64, typ string, permissions map[string][]string, persistent, encrypted bool) error {
	if blockID == "" {
		return validationErrorf("block_id must not be empty")
	}
	if size <= 0 {
		return validationErrorf("size must be positive")
	}
	if !m.pools.Exists(poolName) {
		return notFoundf("pool %q does not exist", poolName)
	}
	if m.Exists(blockID) {
		return validationErrorf("block %q already exists", blockID)
	}

	data := make([]byte, size)
	var filePath string
	if persistent {
		filePath = m.backingPath(blockID)
		if err := os.WriteFile(filePath, data, 0600); err != nil {
			return fmt.Errorf("memory: allocate backing file for %s: %w", blockID, err)
		}
	}

	now := m.clock.Now()
	row := store.MemoryBlockRow{
		BlockID: blockID, Name: name, Pool: poolName, Size: size, Type: typ,
		Permissions: permissions, Version: 0, Persistent: persistent, Encrypted: encrypted,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := m.store.PutMemoryBlock(ctx, row); err != nil {
		if persistent {
			os.Remove(filePath)
		}
		return fmt.Errorf("memory: persist block %s: %w", blockID, err)
	}

	b := &block{
		blockID: blockID, name: name, pool: poolName, typ: typ, permissions: permissions,
		persistent: persistent, encrypted: encrypted, createdAt: now, updatedAt: now,
		lastAccessedAt: now, data: data, attachments: make(map[string]AttachMode),
		filePath: filePath,
	}

	m.mu.Lock()
	m.blocks[blockID] = b
	m.mu.Unlock()
	return nil
}

// Remove deletes a block's metadata, backing file (if any), and
// in-memory state. Fails with STILL_ATTACHED if any AppID is currently
// attached — a block must be explicitly detached by every attachment
// before it can be removed.
func (m *Manager) Remove(ctx context.Context, blockID string) error {
	m.mu.Lock()
	b, ok := m.blocks[blockID]
	if !ok {
		m.mu.Unlock()
		return notFoundf("block %q does not exist", blockID)
	}

	b.mu.Lock()
	if len(b.attachments) > 0 {
		count := len(b.attachments)
		b.mu.Unlock()
		m.mu.Unlock()
		return stillAttachedf("block %q has %d attachment(s), detach them first", blockID, count)
	}
	if b.lockTimer != nil {
		b.lockTimer.stop()
	}
	filePath := b.filePath
	b.mu.Unlock()

	delete(m.blocks, blockID)
	m.mu.Unlock()

	if filePath != "" {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("memory: remove backing file failed", "block_id", blockID, "error", err)
		}
	}
	if err := m.store.DeleteMemoryBlock(ctx, blockID); err != nil {
		return fmt.Errorf("memory: delete block %s: %w", blockID, err)
	}
	return nil
}

// checkAccess evaluates the permission map (or the security module, for
// encrypted blocks) for appID performing op on b. The permission map
// is the sole authority for plain blocks: unlike pool access checks,
// there is no membership fallback — an operation with no matching
// permission entry is denied.
func (m *Manager) checkAccess(ctx context.Context, b *block, appID, op string) security.Result {
	if b.encrypted {
		return m.security.CheckMemoryAccess(ctx, appID, b.blockID, op)
	}
	allowed := b.permissions[op]
	for _, id := range allowed {
		if id == "*" || id == appID {
			return security.AllowResult()
		}
	}
	return security.DenyResult(security.ReasonPolicyDenied)
}

// Attach records appID's attachment to blockID under mode. Re-attaching
// with a different mode updates the recorded mode.
func (m *Manager) Attach(ctx context.Context, blockID, appID string, mode AttachMode) error {
	b, ok := m.lookup(blockID)
	if !ok {
		return notFoundf("block %q does not exist", blockID)
	}
	op := "read"
	if mode == AttachWrite {
		op = "write"
	}
	if result := m.checkAccess(ctx, b, appID, op); !result.Allowed() {
		return accessDeniedf("app %q may not attach to block %q for %s", appID, blockID, op)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachments[appID] = mode
	b.lastAccessedAt = m.clock.Now()
	return nil
}

// Detach removes appID's attachment to blockID. Idempotent.
func (m *Manager) Detach(blockID, appID string) error {
	b, ok := m.lookup(blockID)
	if !ok {
		return notFoundf("block %q does not exist", blockID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attachments, appID)
	b.lastAccessedAt = m.clock.Now()
	return nil
}

// Read returns the slice [offset, offset+length) of blockID's data.
// length <= 0 means "to end."
func (m *Manager) Read(ctx context.Context, blockID, appID string, offset, length int64) ([]byte, error) {
	b, ok := m.lookup(blockID)
	if !ok {
		return nil, notFoundf("block %q does not exist", blockID)
	}
	if result := m.checkAccess(ctx, b, appID, "read"); !result.Allowed() {
		return nil, accessDeniedf("app %q may not read block %q", appID, blockID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 || offset > int64(len(b.data)) {
		return nil, outOfBoundsf("offset %d out of range for block %q of size %d", offset, blockID, len(b.data))
	}
	end := int64(len(b.data))
	if length > 0 {
		end = offset + length
	}
	if end > int64(len(b.data)) {
		return nil, outOfBoundsf("read [%d,%d) out of range for block %q of size %d", offset, end, blockID, len(b.data))
	}
	b.lastAccessedAt = m.clock.Now()
	out := make([]byte, end-offset)
	copy(out, b.data[offset:end])
	return out, nil
}

// Write copies data into [offset, offset+len(data)) of blockID and
// increments its version. A zero-length write is a no-op: it validates
// the offset but leaves version, timestamps, and subscribers untouched.
func (m *Manager) Write(ctx context.Context, blockID, appID string, offset int64, data []byte) error {
	b, ok := m.lookup(blockID)
	if !ok {
		return notFoundf("block %q does not exist", blockID)
	}
	if result := m.checkAccess(ctx, b, appID, "write"); !result.Allowed() {
		return accessDeniedf("app %q may not write block %q", appID, blockID)
	}

	b.mu.Lock()
	wrote, err := m.applyWrite(b, offset, data)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	version := b.version
	b.mu.Unlock()

	if wrote {
		m.notifyWrite(blockID, version)
	}
	return nil
}

// applyWrite performs the bounds-checked copy and backing-file mirror,
// reporting whether it actually mutated the block (false for a
// zero-length write, which is a validated no-op). Caller holds b.mu.
func (m *Manager) applyWrite(b *block, offset int64, data []byte) (bool, error) {
	if offset < 0 || offset+int64(len(data)) > int64(len(b.data)) {
		return false, outOfBoundsf("write [%d,%d) out of range for block %q of size %d", offset, offset+int64(len(data)), b.blockID, len(b.data))
	}
	if len(data) == 0 {
		return false, nil
	}
	copy(b.data[offset:], data)
	b.version++
	b.updatedAt = m.clock.Now()
	b.lastAccessedAt = b.updatedAt
	if b.persistent && b.filePath != "" {
		if err := os.WriteFile(b.filePath, b.data, 0600); err != nil {
			m.logger.Error("memory: backing-file write failed", "block_id", b.blockID, "error", err)
		}
	}
	return true, nil
}

// CompareAndSwap reads the current slice [offset, offset+len(expected)),
// and if it equals expected, performs the write and returns (true, the
// slice's prior contents, nil). Otherwise it returns (false, the
// current contents, nil).
func (m *Manager) CompareAndSwap(ctx context.Context, blockID, appID string, offset int64, expected, data []byte) (bool, []byte, error) {
	b, ok := m.lookup(blockID)
	if !ok {
		return false, nil, notFoundf("block %q does not exist", blockID)
	}
	if result := m.checkAccess(ctx, b, appID, "write"); !result.Allowed() {
		return false, nil, accessDeniedf("app %q may not write block %q", appID, blockID)
	}

	b.mu.Lock()
	if offset < 0 || offset+int64(len(expected)) > int64(len(b.data)) {
		b.mu.Unlock()
		return false, nil, outOfBoundsf("cas [%d,%d) out of range for block %q of size %d", offset, offset+int64(len(expected)), blockID, len(b.data))
	}
	current := make([]byte, len(expected))
	copy(current, b.data[offset:offset+int64(len(expected))])

	if string(current) != string(expected) {
		b.lastAccessedAt = m.clock.Now()
		b.mu.Unlock()
		return false, current, nil
	}
	wrote, err := m.applyWrite(b, offset, data)
	if err != nil {
		b.mu.Unlock()
		return false, current, err
	}
	version := b.version
	b.mu.Unlock()

	if wrote {
		m.notifyWrite(blockID, version)
	}
	return true, current, nil
}

// Lock attempts to acquire an advisory lock on blockID in mode on
// behalf of appID. Acquisition is non-queued: if the block is already
// locked in a conflicting mode, Lock returns ErrLockConflict
// immediately rather than waiting. A successful lock auto-releases
// after timeout.
func (m *Manager) Lock(ctx context.Context, blockID, appID string, mode LockMode, timeout time.Duration) (string, error) {
	b, ok := m.lookup(blockID)
	if !ok {
		return "", notFoundf("block %q does not exist", blockID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lockHeld && b.lockMode.conflicts(mode) {
		return "", ErrLockConflict
	}

	if b.lockTimer != nil {
		b.lockTimer.stop()
		b.lockTimer = nil
	}

	lockID := uuid.NewString()
	b.lockHeld = true
	b.lockID = lockID
	b.lockMode = mode
	b.lockHolder = appID

	if timeout > 0 {
		timer := m.clock.AfterFunc(timeout, func() { m.autoRelease(blockID, lockID) })
		b.lockTimer = &lockTimer{stop: timer.Stop}
	}
	return lockID, nil
}

func (m *Manager) autoRelease(blockID, lockID string) {
	b, ok := m.lookup(blockID)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockHeld && b.lockID == lockID {
		b.lockHeld = false
		b.lockID = ""
		b.lockHolder = ""
		b.lockTimer = nil
	}
}

// Unlock releases the lock identified by lockID on blockID. Per the
// lock-ownership decision recorded in DESIGN.md, possession of a valid,
// currently-held lock_id is sufficient authorization to release it —
// the releasing AppID need not match the original acquirer.
func (m *Manager) Unlock(blockID, lockID string) error {
	b, ok := m.lookup(blockID)
	if !ok {
		return notFoundf("block %q does not exist", blockID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.lockHeld || b.lockID != lockID {
		return accessDeniedf("lock_id %q is not currently held on block %q", lockID, blockID)
	}
	if b.lockTimer != nil {
		b.lockTimer.stop()
		b.lockTimer = nil
	}
	b.lockHeld = false
	b.lockID = ""
	b.lockHolder = ""
	return nil
}

// SweepIdle removes every non-persistent block with zero attachments
// whose last_accessed_at is older than the Manager's configured
// idle-max-age. Returns the number of blocks removed.
func (m *Manager) SweepIdle(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.RLock()
	var candidates []string
	for id, b := range m.blocks {
		b.mu.Lock()
		idle := !b.persistent && len(b.attachments) == 0 && now.Sub(b.lastAccessedAt) > m.idleMaxAge
		b.mu.Unlock()
		if idle {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range candidates {
		if err := m.Remove(ctx, id); err != nil {
			m.logger.Warn("memory: idle sweep remove failed", "block_id", id, "error", err)
			continue
		}
		removed++
	}
	return removed
}
