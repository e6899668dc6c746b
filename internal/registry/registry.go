// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Latency-Zero/server/internal/pool"
	"github.com/Latency-Zero/server/internal/store"
	"github.com/Latency-Zero/server/lib/clock"
	"github.com/Latency-Zero/server/lib/codec"
)

// Registry maintains the live AppID → Registration map, the
// trigger-name → set-of-AppIDs index, and the rehydration cache.
// Safe for concurrent use.
type Registry struct {
	pools *pool.Manager
	store *store.Store
	clock clock.Clock

	rehydrationTTL time.Duration
	logger         *slog.Logger

	mu           sync.RWMutex
	live         map[string]*Registration       // AppID -> registration
	connToApp    map[uint64]string              // connection id -> AppID
	triggerIndex map[string]map[string]struct{} // trigger name -> set of AppIDs
	rehydration  map[string]cacheEntry          // AppID -> cached state

	appLocksMu sync.Mutex
	appLocks   map[string]*sync.Mutex

	observersMu sync.Mutex
	observers   []DisconnectObserver
}

// Config holds the parameters for constructing a Registry.
type Config struct {
	Pools          *pool.Manager
	Store          *store.Store
	Clock          clock.Clock
	RehydrationTTL time.Duration // default 24h
	Logger         *slog.Logger
}

// New constructs a Registry. Call LoadFromStore before serving traffic
// to seed the rehydration cache from durable registrations left over
// from a previous run.
func New(cfg Config) (*Registry, error) {
	if cfg.Pools == nil {
		return nil, fmt.Errorf("registry: Pools is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("registry: Clock is required")
	}
	ttl := cfg.RehydrationTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		pools:          cfg.Pools,
		store:          cfg.Store,
		clock:          cfg.Clock,
		rehydrationTTL: ttl,
		logger:         logger,
		live:           make(map[string]*Registration),
		connToApp:      make(map[uint64]string),
		triggerIndex:   make(map[string]map[string]struct{}),
		rehydration:    make(map[string]cacheEntry),
		appLocks:       make(map[string]*sync.Mutex),
	}, nil
}

// AddDisconnectObserver registers obs to be notified of every future
// disconnect.
func (r *Registry) AddDisconnectObserver(obs DisconnectObserver) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, obs)
}

// LoadFromStore seeds the rehydration cache from every durably-stored
// app row. Every app is offline at startup, so every row becomes a
// cache entry rather than a live registration.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	rows, err := r.store.ListApps(ctx)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.rehydration[row.AppID] = cacheEntry{
			pools:           row.Pools,
			triggers:        row.Triggers,
			metadata:        row.Metadata,
			protocolVersion: row.ProtocolVersion,
			registeredAt:    row.RegisteredAt,
			lastSeenAt:      row.LastSeenAt,
		}
	}
	return nil
}

// appLock returns the per-AppID mutex, creating it on first use. The
// Registry never removes entries from appLocks: the mutex set grows
// with the set of AppIDs ever seen, which is bounded by how many
// distinct clients have ever connected — an acceptable tradeoff for a
// local-host server's lifetime.
func (r *Registry) appLock(appID string) *sync.Mutex {
	r.appLocksMu.Lock()
	defer r.appLocksMu.Unlock()
	lock, ok := r.appLocks[appID]
	if !ok {
		lock = &sync.Mutex{}
		r.appLocks[appID] = lock
	}
	return lock
}

// Handshake processes an inbound "handshake" message on conn. It
// returns the handshake_ack (or error) message the caller must send
// back. The AppID's per-app critical section serializes this call
// against any concurrent update or disconnect for the same AppID.
func (r *Registry) Handshake(ctx context.Context, conn Sender, msg *codec.Message) (*codec.Message, error) {
	if err := codec.ValidateAppID(msg.AppID); err != nil {
		return errorMessage(msg, "HANDSHAKE_ERROR", err.Error()), nil
	}
	for _, pname := range msg.Pools {
		if !r.pools.Exists(pname) {
			return errorMessage(msg, "HANDSHAKE_ERROR", fmt.Sprintf("pool %q does not exist", pname)), nil
		}
	}

	lock := r.appLock(msg.AppID)
	lock.Lock()
	defer lock.Unlock()

	now := r.clock.Now()

	r.mu.RLock()
	_, alreadyBound := r.live[msg.AppID]
	cache, hasCache := r.rehydration[msg.AppID]
	r.mu.RUnlock()

	if alreadyBound {
		return r.bindRegistration(ctx, conn, msg, now, msg.Pools, msg.Triggers, msg.Metadata, false)
	}

	rehydrate := len(msg.Triggers) == 0 && hasCache
	if rehydrate {
		restoredPools := make([]string, 0, len(cache.pools))
		for _, pname := range cache.pools {
			if !r.pools.Exists(pname) {
				// A pool was removed while the app was offline; drop it
				// from the restored set rather than failing rehydration.
				continue
			}
			restoredPools = append(restoredPools, pname)
		}
		return r.bindRegistration(ctx, conn, msg, now, restoredPools, cache.triggers, cache.metadata, true)
	}
	return r.bindRegistration(ctx, conn, msg, now, msg.Pools, msg.Triggers, msg.Metadata, false)
}

// bindRegistration performs the shared tail of every handshake path:
// evict a stale connection if this AppID was BOUND elsewhere, persist
// the registration, update the live map, trigger index, and pool
// memberships, and build the handshake_ack.
func (r *Registry) bindRegistration(ctx context.Context, conn Sender, msg *codec.Message, now time.Time, pools, triggers []string, metadata map[string]any, rehydrated bool) (*codec.Message, error) {
	for _, t := range triggers {
		if err := codec.ValidateTriggerName(t); err != nil {
			return errorMessage(msg, "HANDSHAKE_ERROR", err.Error()), nil
		}
	}

	r.mu.Lock()
	if prior, ok := r.live[msg.AppID]; ok && prior.Conn.ConnID() != conn.ConnID() {
		// Duplicate BOUND AppID: the newer handshake wins. The prior
		// connection is evicted so at most one BOUND connection exists
		// per AppID at any time.
		delete(r.connToApp, prior.Conn.ConnID())
		go prior.Conn.Close()
	}

	registeredAt := now
	if rehydrated {
		if prior, ok := r.rehydration[msg.AppID]; ok {
			registeredAt = prior.registeredAt
		}
	}

	reg := &Registration{
		AppID:           msg.AppID,
		Pools:           append([]string(nil), pools...),
		Triggers:        append([]string(nil), triggers...),
		Metadata:        metadata,
		ProtocolVersion: msg.ProtocolVersion,
		RegisteredAt:    registeredAt,
		LastSeenAt:      now,
		Rehydrated:      rehydrated,
		Conn:            conn,
	}
	r.live[msg.AppID] = reg
	r.connToApp[conn.ConnID()] = msg.AppID
	delete(r.rehydration, msg.AppID)

	for _, t := range triggers {
		if r.triggerIndex[t] == nil {
			r.triggerIndex[t] = make(map[string]struct{})
		}
		r.triggerIndex[t][msg.AppID] = struct{}{}
	}
	r.mu.Unlock()

	for _, pname := range pools {
		if err := r.pools.AddAppToPool(ctx, msg.AppID, pname); err != nil {
			r.logger.Warn("handshake: join pool failed", "app_id", msg.AppID, "pool", pname, "error", err)
		}
	}

	row := store.AppRow{
		AppID: msg.AppID, Pools: reg.Pools, Triggers: reg.Triggers, Metadata: metadata,
		ProtocolVersion: reg.ProtocolVersion, RegisteredAt: reg.RegisteredAt, LastSeenAt: reg.LastSeenAt,
		Rehydrated: rehydrated,
	}
	if err := r.store.PutApp(ctx, row); err != nil {
		return nil, fmt.Errorf("registry: persist app %s: %w", msg.AppID, err)
	}

	ack := &codec.Message{
		Type:          codec.KindHandshakeAck,
		ID:            uuid.NewString(),
		CorrelationID: msg.ID,
		Status:        "success",
		Assigned: &codec.Assigned{
			AppID:      msg.AppID,
			Pools:      reg.Pools,
			Triggers:   reg.Triggers,
			Rehydrated: rehydrated,
		},
	}
	return ack, nil
}

// ListLive returns every currently-BOUND registration, for admin
// introspection. The Conn field of each returned Registration is live
// and must not be retained beyond the call.
func (r *Registry) ListLive() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.live))
	for _, reg := range r.live {
		out = append(out, *reg)
	}
	return out
}

// Lookup returns the live registration for appID, if BOUND.
func (r *Registry) Lookup(appID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.live[appID]
	return reg, ok
}

// IsBound reports whether appID currently has a live connection.
func (r *Registry) IsBound(appID string) bool {
	_, ok := r.Lookup(appID)
	return ok
}

// ActiveHandlersForTrigger returns every currently-BOUND AppID
// registered for triggerName, sorted by AppID. Registration order is
// not kept.
func (r *Registry) ActiveHandlersForTrigger(triggerName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.triggerIndex[triggerName]
	if len(set) == 0 {
		return nil
	}
	handlers := make([]string, 0, len(set))
	for appID := range set {
		if _, bound := r.live[appID]; bound {
			handlers = append(handlers, appID)
		}
	}
	sort.Strings(handlers)
	return handlers
}

// AppByConnID returns the AppID bound to connID, if any.
func (r *Registry) AppByConnID(connID uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	appID, ok := r.connToApp[connID]
	return appID, ok
}

// Disconnect tears down connID's binding: it drops BOUND, retains the
// registration in the rehydration cache, removes trigger-index entries
// and pool memberships, and notifies every DisconnectObserver. Safe to
// call for an unbound or already-disconnected connID (no-op).
func (r *Registry) Disconnect(ctx context.Context, connID uint64) {
	r.mu.RLock()
	appID, ok := r.connToApp[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	lock := r.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	reg, ok := r.live[appID]
	if !ok || reg.Conn.ConnID() != connID {
		r.mu.Unlock()
		return
	}
	delete(r.live, appID)
	delete(r.connToApp, connID)
	for _, t := range reg.Triggers {
		if set, ok := r.triggerIndex[t]; ok {
			delete(set, appID)
			if len(set) == 0 {
				delete(r.triggerIndex, t)
			}
		}
	}
	now := r.clock.Now()
	r.rehydration[appID] = cacheEntry{
		pools: reg.Pools, triggers: reg.Triggers, metadata: reg.Metadata,
		protocolVersion: reg.ProtocolVersion, registeredAt: reg.RegisteredAt, lastSeenAt: now,
	}
	r.mu.Unlock()

	for _, pname := range reg.Pools {
		if err := r.pools.RemoveAppFromPool(ctx, appID, pname); err != nil {
			r.logger.Warn("disconnect: leave pool failed", "app_id", appID, "pool", pname, "error", err)
		}
	}

	row := store.AppRow{
		AppID: appID, Pools: reg.Pools, Triggers: reg.Triggers, Metadata: reg.Metadata,
		ProtocolVersion: reg.ProtocolVersion, RegisteredAt: reg.RegisteredAt, LastSeenAt: now,
		Rehydrated: false,
	}
	if err := r.store.PutApp(ctx, row); err != nil {
		r.logger.Error("disconnect: persist rehydration state failed", "app_id", appID, "error", err)
	}

	r.observersMu.Lock()
	observers := append([]DisconnectObserver(nil), r.observers...)
	r.observersMu.Unlock()
	for _, obs := range observers {
		obs.OnAppDisconnected(appID)
	}
}

// PurgeExpiredRehydrations removes every rehydration-cache entry whose
// last_seen_at is older than the configured TTL. Intended to run on a
// periodic sweep.
func (r *Registry) PurgeExpiredRehydrations(ctx context.Context) int {
	now := r.clock.Now()
	var expired []string

	r.mu.Lock()
	for appID, entry := range r.rehydration {
		if now.Sub(entry.lastSeenAt) > r.rehydrationTTL {
			expired = append(expired, appID)
			delete(r.rehydration, appID)
		}
	}
	r.mu.Unlock()

	for _, appID := range expired {
		if err := r.store.DeleteApp(ctx, appID); err != nil {
			r.logger.Error("rehydration purge: delete failed", "app_id", appID, "error", err)
		}
	}
	return len(expired)
}

func errorMessage(msg *codec.Message, code, text string) *codec.Message {
	return &codec.Message{
		Type:          codec.KindError,
		CorrelationID: msg.ID,
		Error:         text,
		ErrorCode:     code,
	}
}
