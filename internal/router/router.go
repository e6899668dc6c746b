// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/Latency-Zero/server/internal/pool"
	"github.com/Latency-Zero/server/internal/registry"
	"github.com/Latency-Zero/server/internal/store"
	"github.com/Latency-Zero/server/lib/clock"
	"github.com/Latency-Zero/server/lib/codec"
)

// Router resolves trigger handlers, tracks in-flight records, and
// correlates responses. It implements [registry.DisconnectObserver].
type Router struct {
	registry *registry.Registry
	pools    *pool.Manager
	store    *store.Store
	clock    clock.Clock
	logger   *slog.Logger

	policy        Policy
	defaultTTL    time.Duration
	maxTTL        time.Duration
	maxInFlight   int
	sweepInterval time.Duration

	mu      sync.Mutex
	records map[string]*Record
	cursors map[string]int // round-robin cursor per trigger name

	statsMu sync.Mutex
	stats   Stats

	sweepStop func()
}

// Config holds the parameters for constructing a Router.
type Config struct {
	Registry      *registry.Registry
	Pools         *pool.Manager
	Store         *store.Store
	Clock         clock.Clock
	Logger        *slog.Logger
	Policy        Policy
	DefaultTTL    time.Duration // default 30s
	MaxTTL        time.Duration // default 5m
	MaxInFlight   int           // default 10000
	SweepInterval time.Duration // default 60s
}

// New constructs a Router and registers it as a disconnect observer on
// cfg.Registry.
func New(cfg Config) (*Router, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("router: Registry is required")
	}
	if cfg.Pools == nil {
		return nil, fmt.Errorf("router: Pools is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("router: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("router: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	maxTTL := cfg.MaxTTL
	if maxTTL <= 0 {
		maxTTL = 5 * time.Minute
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 10000
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}

	r := &Router{
		registry: cfg.Registry, pools: cfg.Pools, store: cfg.Store, clock: cfg.Clock,
		logger: logger, policy: cfg.Policy, defaultTTL: defaultTTL, maxTTL: maxTTL,
		maxInFlight: maxInFlight, sweepInterval: sweepInterval,
		records: make(map[string]*Record), cursors: make(map[string]int),
	}
	cfg.Registry.AddDisconnectObserver(r)
	return r, nil
}

// Start launches the periodic stragglers sweep. Call Stop to end it.
func (r *Router) Start() {
	ticker := r.clock.NewTicker(r.sweepInterval)
	done := make(chan struct{})
	r.sweepStop = func() {
		ticker.Stop()
		close(done)
	}
	go func() {
		for {
			select {
			case <-ticker.C:
				r.sweepStragglers()
			case <-done:
				return
			}
		}
	}()
}

// Stop ends the periodic sweep, if started.
func (r *Router) Stop() {
	if r.sweepStop != nil {
		r.sweepStop()
	}
}

// Snapshot returns the current cumulative counters.
func (r *Router) Snapshot() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *Router) incr(field *int64) {
	r.statsMu.Lock()
	*field++
	r.statsMu.Unlock()
}

// InFlightCount returns the number of records currently tracked.
func (r *Router) InFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func errMsg(correlationID, code, text string) *codec.Message {
	return &codec.Message{Type: codec.KindError, CorrelationID: correlationID, Error: text, ErrorCode: code}
}

// HandleTrigger processes an inbound "trigger" message from
// originConnID. It returns a synchronous error message when the
// trigger is rejected before dispatch (validation,
// access, not-found, too-many, short-circuit, or an immediate send
// failure); it returns (nil, nil) once the trigger is dispatched — the
// eventual response arrives later through HandleResponse.
func (r *Router) HandleTrigger(ctx context.Context, originConnID uint64, msg *codec.Message) (*codec.Message, error) {
	originAppID, ok := r.registry.AppByConnID(originConnID)
	if !ok {
		return errMsg(msg.ID, "VALIDATION_ERROR", "origin connection is not bound to an app_id"), nil
	}

	poolName := msg.Pool
	if poolName == "" {
		poolName = pool.Default
	}
	if !r.pools.Exists(poolName) {
		return errMsg(msg.ID, "NOT_FOUND", fmt.Sprintf("pool %q does not exist", poolName)), nil
	}
	if !r.pools.ValidateMembership(originAppID, poolName) {
		return errMsg(msg.ID, "ACCESS_DENIED", fmt.Sprintf("app %q is not a member of pool %q", originAppID, poolName)), nil
	}

	var destAppID string
	if msg.Destination != "" {
		// Explicit destination: validated against the general
		// shares-a-pool-with-origin rule (§4.6.8), not just the named
		// pool — a looser check than the implicit-candidate path, which
		// requires membership of the named pool.
		if err := r.validateRouting(originAppID, msg.Destination, msg.Trigger); err != nil {
			return errMsg(msg.ID, "ACCESS_DENIED", err.Error()), nil
		}
		destAppID = msg.Destination
	} else {
		candidates := r.candidates("", msg.Trigger, poolName, originAppID)
		if len(candidates) == 0 {
			r.incr(&r.stats.NoHandler)
			return errMsg(msg.ID, "NOT_FOUND", fmt.Sprintf("no active handler for trigger %q in pool %q", msg.Trigger, poolName)), nil
		}
		destAppID = r.selectDestination(msg.Trigger, candidates)
	}

	// Short-circuit rule: an intra-app trigger is explicitly rejected
	// rather than dispatched in-process. See DESIGN.md's recorded
	// decision.
	if destAppID == originAppID {
		r.incr(&r.stats.ShortCircuited)
		return errMsg(msg.ID, "SHORT_CIRCUIT_NOT_IMPLEMENTED", "intra-app trigger dispatch is not implemented"), nil
	}

	r.mu.Lock()
	if len(r.records) >= r.maxInFlight {
		r.mu.Unlock()
		r.incr(&r.stats.TooManyInFlight)
		return errMsg(msg.ID, "TOO_MANY_REQUESTS", "in-flight trigger table is full"), nil
	}

	ttl := resolveTTL(msg.TTL, r.defaultTTL, r.maxTTL)
	now := r.clock.Now()
	rec := &Record{
		ID: msg.ID, OriginAppID: originAppID, DestinationAppID: destAppID, Pool: poolName,
		TriggerName: msg.Trigger, CreatedAt: now, TTL: ttl, DispatchedTo: destAppID,
		State: Pending, OriginalMessage: msg,
	}
	r.records[rec.ID] = rec
	r.mu.Unlock()

	r.store.MirrorTriggerRecord(store.TriggerRecordRow{
		ID: rec.ID, OriginAppID: originAppID, Destination: destAppID, Pool: poolName,
		TriggerName: msg.Trigger, CreatedAt: now.UnixNano(), TTLMillis: ttl.Milliseconds(),
	})

	timer := r.clock.AfterFunc(ttl, func() { r.expire(rec.ID) })
	r.mu.Lock()
	rec.timerStop = timer.Stop
	r.mu.Unlock()

	destReg, ok := r.registry.Lookup(destAppID)
	if !ok {
		r.failRecord(rec.ID, "ROUTING_ERROR", fmt.Sprintf("destination %q is no longer active", destAppID))
		return nil, nil
	}
	if err := destReg.Conn.Send(msg); err != nil {
		r.failRecord(rec.ID, "ROUTING_ERROR", fmt.Sprintf("send to %q failed: %v", destAppID, err))
		return nil, nil
	}

	r.mu.Lock()
	rec.State = Dispatched
	r.mu.Unlock()
	r.incr(&r.stats.Dispatched)
	return nil, nil
}

// resolveTTL picks the effective TTL for a trigger record: the
// message's requested TTL (milliseconds) clamped to maxTTL when
// present, or defaultTTL when the message omits ttl entirely. A
// present ttl of 0 resolves to 0 (immediate timeout) — it is not
// treated as "unset".
func resolveTTL(requestedMillis *int64, defaultTTL, maxTTL time.Duration) time.Duration {
	if requestedMillis == nil {
		return defaultTTL
	}
	requested := time.Duration(*requestedMillis) * time.Millisecond
	if requested <= 0 {
		return 0
	}
	if requested > maxTTL {
		return maxTTL
	}
	return requested
}

// candidates resolves the implicit destination-candidate set: every
// active handler of the trigger name that is also a member of
// poolName. originAppID is accepted for
// symmetry with the explicit-destination path but is not filtered out
// here — self-selection is caught afterward by the short-circuit rule.
func (r *Router) candidates(destination, triggerName, poolName, originAppID string) []string {
	handlers := r.registry.ActiveHandlersForTrigger(triggerName)
	out := make([]string, 0, len(handlers))
	for _, appID := range handlers {
		if r.pools.ValidateMembership(appID, poolName) {
			out = append(out, appID)
		}
	}
	return out
}

// selectDestination applies the configured routing policy to pick one
// AppID from candidates, which is never empty.
func (r *Router) selectDestination(triggerName string, candidates []string) string {
	switch r.policy {
	case Random:
		return candidates[rand.Intn(len(candidates))]
	case FirstAvailable:
		return candidates[0]
	case RoundRobin, LoadBalanced:
		fallthrough
	default:
		r.mu.Lock()
		idx := r.cursors[triggerName] % len(candidates)
		r.cursors[triggerName] = idx + 1
		r.mu.Unlock()
		return candidates[idx]
	}
}

// validateRouting checks that destination both registers triggerName
// and shares at least one pool with origin. Used by the
// explicit-destination path.
func (r *Router) validateRouting(originAppID, destination, triggerName string) error {
	reg, ok := r.registry.Lookup(destination)
	if !ok {
		return fmt.Errorf("destination %q is not active", destination)
	}
	hasTrigger := false
	for _, t := range reg.Triggers {
		if t == triggerName {
			hasTrigger = true
			break
		}
	}
	if !hasTrigger {
		return fmt.Errorf("destination %q does not register trigger %q", destination, triggerName)
	}

	originPools := r.pools.GetPoolsOfApp(originAppID)
	destPools := make(map[string]struct{}, len(reg.Pools))
	for _, p := range reg.Pools {
		destPools[p] = struct{}{}
	}
	for _, p := range originPools {
		if _, ok := destPools[p]; ok {
			return nil
		}
	}
	return fmt.Errorf("origin %q and destination %q share no pool", originAppID, destination)
}

// HandleResponse processes an inbound "response" or "error" message.
// destination is deliberately ignored on this path — see DESIGN.md's
// recorded open-question decision.
func (r *Router) HandleResponse(ctx context.Context, msg *codec.Message) {
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = msg.ID
	}

	r.mu.Lock()
	rec, ok := r.records[correlationID]
	if ok {
		delete(r.records, correlationID)
		if rec.timerStop != nil {
			rec.timerStop()
		}
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("router: response for unknown or expired record", "correlation_id", correlationID)
		return
	}

	r.store.UnmirrorTriggerRecord(rec.ID)

	originReg, ok := r.registry.Lookup(rec.OriginAppID)
	if !ok {
		r.logger.Warn("router: origin disconnected before response delivery", "app_id", rec.OriginAppID, "record_id", rec.ID)
		return
	}
	if err := originReg.Conn.Send(msg); err != nil {
		r.logger.Warn("router: response delivery failed", "app_id", rec.OriginAppID, "record_id", rec.ID, "error", err)
		return
	}
	r.incr(&r.stats.Completed)
}

// HandleEmit delivers msg to every active handler of its trigger name
// intersected with pool membership. No record is created and no
// response is expected.
func (r *Router) HandleEmit(ctx context.Context, originConnID uint64, msg *codec.Message) {
	originAppID, ok := r.registry.AppByConnID(originConnID)
	if !ok {
		return
	}
	poolName := msg.Pool
	if poolName == "" {
		poolName = pool.Default
	}

	for _, appID := range r.candidates("", msg.Trigger, poolName, originAppID) {
		reg, ok := r.registry.Lookup(appID)
		if !ok {
			continue
		}
		if err := reg.Conn.Send(msg); err != nil {
			r.logger.Warn("router: emit delivery failed", "app_id", appID, "error", err)
		}
	}
}

// expire fires a record's TTL timer: synthesize a TIMEOUT error,
// deliver it to the origin if live, and remove the record.
func (r *Router) expire(id string) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.store.UnmirrorTriggerRecord(id)
	r.incr(&r.stats.TimedOut)

	if originReg, ok := r.registry.Lookup(rec.OriginAppID); ok {
		msg := errMsg(rec.ID, "TIMEOUT", fmt.Sprintf("trigger %q timed out after %s", rec.TriggerName, rec.TTL))
		if err := originReg.Conn.Send(msg); err != nil {
			r.logger.Warn("router: timeout delivery failed", "app_id", rec.OriginAppID, "record_id", id, "error", err)
		}
	}
}

// failRecord removes a record and delivers an error message to its
// origin, used for immediate send failures and disconnect cleanup.
func (r *Router) failRecord(id, code, text string) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
		if rec.timerStop != nil {
			rec.timerStop()
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.store.UnmirrorTriggerRecord(id)
	r.incr(&r.stats.RoutingErrors)

	if originReg, ok := r.registry.Lookup(rec.OriginAppID); ok {
		msg := errMsg(rec.ID, code, text)
		if err := originReg.Conn.Send(msg); err != nil {
			r.logger.Warn("router: failure delivery failed", "app_id", rec.OriginAppID, "record_id", id, "error", err)
		}
	}
}

// sweepStragglers walks the table and expires any record whose TTL has
// already elapsed but whose own timer has not yet fired — a backstop
// against timer-scheduling skew.
func (r *Router) sweepStragglers() {
	now := r.clock.Now()
	var stale []string

	r.mu.Lock()
	for id, rec := range r.records {
		if now.Sub(rec.CreatedAt) >= rec.TTL {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.expire(id)
	}
}

// OnAppDisconnected implements registry.DisconnectObserver. It times
// out every record where appID is the origin or dispatched-to
// destination.
func (r *Router) OnAppDisconnected(appID string) {
	r.mu.Lock()
	var affected []string
	for id, rec := range r.records {
		if rec.OriginAppID == appID || rec.DispatchedTo == appID {
			affected = append(affected, id)
		}
	}
	r.mu.Unlock()

	for _, id := range affected {
		r.failRecord(id, "ROUTING_ERROR", fmt.Sprintf("app %q disconnected while trigger was in flight", appID))
	}
}
