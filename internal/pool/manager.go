// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Latency-Zero/server/internal/security"
	"github.com/Latency-Zero/server/internal/store"
	"github.com/Latency-Zero/server/lib/clock"
	"github.com/Latency-Zero/server/lib/codec"
)

// Manager owns every pool's metadata and the app↔pool membership
// index. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	pools    map[string]*state
	appPools map[string]map[string]struct{} // appID -> set of pool names

	store    *store.Store
	security security.Checker
	clock    clock.Clock
	logger   *slog.Logger
}

// Config holds the parameters for constructing a Manager.
type Config struct {
	Store    *store.Store
	Security security.Checker // defaults to security.AllowAll{} if nil
	Clock    clock.Clock
	Logger   *slog.Logger
}

// New constructs a Manager with no pools loaded. Call LoadFromStore
// before serving traffic.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pool: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("pool: Clock is required")
	}
	sec := cfg.Security
	if sec == nil {
		sec = security.AllowAll{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		pools:    make(map[string]*state),
		appPools: make(map[string]map[string]struct{}),
		store:    cfg.Store,
		security: sec,
		clock:    cfg.Clock,
		logger:   logger,
	}, nil
}

// LoadFromStore rehydrates every pool from Persistence and re-creates
// any sentinel pool absent from the durable store.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	rows, err := m.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("pool: load: %w", err)
	}

	m.mu.Lock()
	for _, row := range rows {
		m.pools[row.Name] = &state{
			name:            row.Name,
			typ:             Type(row.Type),
			encrypted:       row.Encrypted,
			owners:          row.Owners,
			policies:        row.Policies,
			properties:      row.Properties,
			members:         make(map[string]struct{}),
			maxMemoryBlocks: row.MaxMemoryBlocks,
			maxTriggers:     row.MaxTriggers,
			createdAt:       row.CreatedAt,
			updatedAt:       row.UpdatedAt,
		}
	}
	m.mu.Unlock()

	for _, name := range []string{Default, System} {
		if _, ok := m.lookup(name); ok {
			continue
		}
		if err := m.Create(ctx, name, TypeLocal, false, nil, nil); err != nil {
			return fmt.Errorf("pool: creating sentinel %s: %w", name, err)
		}
		m.logger.Info("sentinel pool created", "pool", name)
	}
	return nil
}

func (m *Manager) lookup(name string) (*state, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.pools[name]
	return s, ok
}

// Exists reports whether pool exists.
func (m *Manager) Exists(name string) bool {
	_, ok := m.lookup(name)
	return ok
}

// Get returns a snapshot of pool's current state.
func (m *Manager) Get(name string) (Info, bool) {
	s, ok := m.lookup(name)
	if !ok {
		return Info{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.snapshot(), true
}

// List returns a snapshot of every pool, for admin introspection.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.pools))
	for _, s := range m.pools {
		out = append(out, s.snapshot())
	}
	return out
}

// Create registers a new pool. Fails if name already exists or if
// name/type fail validation.
func (m *Manager) Create(ctx context.Context, name string, typ Type, encrypted bool, properties map[string]any, owners []string) error {
	if err := codec.ValidatePoolName(name); err != nil {
		return err
	}
	if typ == TypeEncrypted {
		encrypted = true
	}
	if encrypted && typ != TypeEncrypted {
		return fmt.Errorf("pool: %s: encrypted=true requires type=encrypted", name)
	}

	if m.Exists(name) {
		return fmt.Errorf("pool: %s already exists", name)
	}

	now := m.clock.Now()
	row := store.PoolRow{
		Name:       name,
		Type:       string(typ),
		Encrypted:  encrypted,
		Owners:     owners,
		Policies:   map[string][]string{},
		Properties: properties,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.PutPool(ctx, row); err != nil {
		return fmt.Errorf("pool: create %s: %w", name, err)
	}

	if encrypted {
		if err := m.security.PrepareEncryptedPool(ctx, name); err != nil {
			return fmt.Errorf("pool: create %s: preparing encryption: %w", name, err)
		}
	}

	m.mu.Lock()
	m.pools[name] = &state{
		name:       name,
		typ:        typ,
		encrypted:  encrypted,
		owners:     owners,
		policies:   map[string][]string{},
		properties: properties,
		members:    make(map[string]struct{}),
		createdAt:  now,
		updatedAt:  now,
	}
	m.mu.Unlock()
	return nil
}

// Update applies the non-zero fields of updates to pool. Sentinel
// pools reject changes to Type and Encrypted; every other field may be
// updated on a sentinel.
type Update struct {
	Properties *map[string]any
	Policies   *map[string][]string
	Owners     *[]string
	Type       *Type
	Encrypted  *bool
}

func (m *Manager) Update(ctx context.Context, name string, updates Update) error {
	s, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("pool: %s not found", name)
	}

	if IsSentinel(name) && (updates.Type != nil || updates.Encrypted != nil) {
		return fmt.Errorf("pool: %s: sentinel pools cannot change type or encryption", name)
	}

	m.mu.Lock()
	if updates.Properties != nil {
		s.properties = *updates.Properties
	}
	if updates.Policies != nil {
		s.policies = *updates.Policies
	}
	if updates.Owners != nil {
		s.owners = *updates.Owners
	}
	if updates.Type != nil {
		s.typ = *updates.Type
	}
	if updates.Encrypted != nil {
		s.encrypted = *updates.Encrypted
	}
	s.updatedAt = m.clock.Now()
	snapshot := s.snapshot()
	m.mu.Unlock()

	row := store.PoolRow{
		Name: snapshot.Name, Type: string(snapshot.Type), Encrypted: snapshot.Encrypted,
		Owners: snapshot.Owners, Policies: snapshot.Policies, Properties: snapshot.Properties,
		MaxMemoryBlocks: snapshot.MaxMemoryBlocks, MaxTriggers: snapshot.MaxTriggers,
		CreatedAt: snapshot.CreatedAt, UpdatedAt: snapshot.UpdatedAt,
	}
	if err := m.store.PutPool(ctx, row); err != nil {
		return fmt.Errorf("pool: update %s: %w", name, err)
	}
	return nil
}

// Remove deletes pool. Fails if it has members or is a sentinel.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if IsSentinel(name) {
		return fmt.Errorf("pool: %s is a sentinel and cannot be removed", name)
	}
	s, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("pool: %s not found", name)
	}

	m.mu.RLock()
	memberCount := len(s.members)
	m.mu.RUnlock()
	if memberCount > 0 {
		return fmt.Errorf("pool: %s has %d members, remove them first", name, memberCount)
	}

	if err := m.store.DeletePool(ctx, name); err != nil {
		return fmt.Errorf("pool: remove %s: %w", name, err)
	}

	m.mu.Lock()
	delete(m.pools, name)
	m.mu.Unlock()
	return nil
}

// AddAppToPool joins app to pool, maintaining both the pool's member
// set and the app's reverse index. Idempotent.
func (m *Manager) AddAppToPool(ctx context.Context, app, poolName string) error {
	s, ok := m.lookup(poolName)
	if !ok {
		return fmt.Errorf("pool: %s not found", poolName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, already := s.members[app]; already {
		return nil
	}
	s.members[app] = struct{}{}
	if m.appPools[app] == nil {
		m.appPools[app] = make(map[string]struct{})
	}
	m.appPools[app][poolName] = struct{}{}
	return nil
}

// RemoveAppFromPool removes app from pool's member set, maintaining
// both directions. Idempotent.
func (m *Manager) RemoveAppFromPool(ctx context.Context, app, poolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.pools[poolName]; ok {
		delete(s.members, app)
	}
	if pools, ok := m.appPools[app]; ok {
		delete(pools, poolName)
		if len(pools) == 0 {
			delete(m.appPools, app)
		}
	}
	return nil
}

// GetMembers returns the AppIDs currently in pool.
func (m *Manager) GetMembers(poolName string) ([]string, bool) {
	s, ok := m.lookup(poolName)
	if !ok {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := make([]string, 0, len(s.members))
	for app := range s.members {
		members = append(members, app)
	}
	return members, true
}

// GetPoolsOfApp returns every pool app currently belongs to.
func (m *Manager) GetPoolsOfApp(app string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pools := make([]string, 0, len(m.appPools[app]))
	for p := range m.appPools[app] {
		pools = append(pools, p)
	}
	return pools
}

// ValidateMembership reports whether app belongs to pool.
func (m *Manager) ValidateMembership(app, poolName string) bool {
	s, ok := m.lookup(poolName)
	if !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, member := s.members[app]
	return member
}

// GetProperty returns pool's value for key.
func (m *Manager) GetProperty(poolName, key string) (any, bool) {
	s, ok := m.lookup(poolName)
	if !ok {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := s.properties[key]
	return value, ok
}

// SetProperty sets pool's value for key, persisting the change.
func (m *Manager) SetProperty(ctx context.Context, poolName, key string, value any) error {
	s, ok := m.lookup(poolName)
	if !ok {
		return fmt.Errorf("pool: %s not found", poolName)
	}
	m.mu.Lock()
	if s.properties == nil {
		s.properties = make(map[string]any)
	}
	s.properties[key] = value
	s.updatedAt = m.clock.Now()
	snapshot := s.snapshot()
	m.mu.Unlock()

	row := store.PoolRow{
		Name: snapshot.Name, Type: string(snapshot.Type), Encrypted: snapshot.Encrypted,
		Owners: snapshot.Owners, Policies: snapshot.Policies, Properties: snapshot.Properties,
		MaxMemoryBlocks: snapshot.MaxMemoryBlocks, MaxTriggers: snapshot.MaxTriggers,
		CreatedAt: snapshot.CreatedAt, UpdatedAt: snapshot.UpdatedAt,
	}
	return m.store.PutPool(ctx, row)
}

// CheckAccess reports whether app may perform op against pool. For
// encrypted pools, the security module is authoritative. Otherwise the
// policy map governs: an explicit "*" or app-ID entry for op allows or
// denies; absence of any policy entry for op falls back to plain
// membership.
func (m *Manager) CheckAccess(ctx context.Context, app, poolName, op string) security.Result {
	s, ok := m.lookup(poolName)
	if !ok {
		return security.DenyResult(security.ReasonNotMember)
	}

	m.mu.RLock()
	encrypted := s.encrypted
	allowed, hasPolicy := policyAllows(s.policies, op, app)
	_, member := s.members[app]
	m.mu.RUnlock()

	if encrypted {
		return m.security.CheckPoolAccess(ctx, app, poolName, op)
	}
	if hasPolicy {
		if allowed {
			return security.AllowResult()
		}
		return security.DenyResult(security.ReasonPolicyDenied)
	}
	if member {
		return security.AllowResult()
	}
	return security.DenyResult(security.ReasonNotMember)
}

func policyAllows(policies map[string][]string, op, app string) (allowed, hasPolicy bool) {
	entries, ok := policies[op]
	if !ok {
		return false, false
	}
	for _, entry := range entries {
		if entry == "*" || entry == app {
			return true, true
		}
	}
	return false, true
}
