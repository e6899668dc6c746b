// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Latency-Zero/server/internal/config"
	"github.com/Latency-Zero/server/internal/memory"
	"github.com/Latency-Zero/server/internal/pool"
	"github.com/Latency-Zero/server/internal/registry"
	"github.com/Latency-Zero/server/internal/router"
	"github.com/Latency-Zero/server/internal/security"
	"github.com/Latency-Zero/server/internal/store"
	"github.com/Latency-Zero/server/internal/transport"
	"github.com/Latency-Zero/server/lib/clock"
	"github.com/Latency-Zero/server/lib/codec"
)

// Orchestrator owns every long-lived component and is the sole
// implementation of [transport.Dispatcher] in the server binary.
type Orchestrator struct {
	cfg    *config.Config
	layout config.Layout
	clock  clock.Clock
	logger *slog.Logger

	store    *store.Store
	pools    *pool.Manager
	memory   *memory.Manager
	registry *registry.Registry
	router   *router.Router
	listener *transport.Listener

	backupInterval time.Duration

	stopTickers chan struct{}
}

// New constructs every component in dependency order — Persistence,
// Pool Manager, Memory Manager, App Registry, Trigger Router,
// Transport — and rehydrates each from durable state. It does not
// start accepting connections; call Run for that.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Server == nil {
		return nil, fmt.Errorf("orchestrator: Server config is required")
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sec := cfg.Security
	if sec == nil {
		sec = security.AllowAll{}
	}
	backupInterval := cfg.BackupInterval
	if backupInterval == 0 {
		backupInterval = 15 * time.Minute
	}

	st, err := store.Open(store.Config{
		Path:       cfg.Layout.StoreFile,
		MemoryMode: cfg.Server.MemoryMode,
		Clock:      cl,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening store: %w", err)
	}

	pools, err := pool.New(pool.Config{Store: st, Security: sec, Clock: cl, Logger: logger})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: pool manager: %w", err)
	}
	if err := pools.LoadFromStore(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: loading pools: %w", err)
	}

	mem, err := memory.New(memory.Config{
		Pools: pools, Security: sec, Store: st, Clock: cl, Logger: logger,
		MemoryDir: cfg.Layout.MemoryDir, IdleMaxAge: cfg.Server.MemoryIdleMaxAge,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: memory manager: %w", err)
	}
	if err := mem.LoadFromStore(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: loading memory blocks: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Pools: pools, Store: st, Clock: cl, RehydrationTTL: cfg.Server.RehydrationTTL, Logger: logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: app registry: %w", err)
	}
	if err := reg.LoadFromStore(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: loading app registrations: %w", err)
	}

	rt, err := router.New(router.Config{
		Registry: reg, Pools: pools, Store: st, Clock: cl, Logger: logger,
		Policy: router.RoundRobin, DefaultTTL: cfg.Server.DefaultTTL, MaxTTL: cfg.Server.MaxTTL,
		MaxInFlight: cfg.Server.MaxInFlight, SweepInterval: cfg.Server.SweepInterval,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: trigger router: %w", err)
	}

	o := &Orchestrator{
		cfg: cfg.Server, layout: cfg.Layout, clock: cl, logger: logger,
		store: st, pools: pools, memory: mem, registry: reg, router: rt,
		backupInterval: backupInterval,
		stopTickers:    make(chan struct{}),
	}
	mem.AddWriteObserver(o)

	ln, err := transport.New(transport.Config{
		Host: cfg.Server.Host, Port: cfg.Server.Port, MaxConnections: cfg.Server.MaxConnections,
		Dispatcher: o, Logger: logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: transport listener: %w", err)
	}
	o.listener = ln

	return o, nil
}

// Address returns the bound listener address.
func (o *Orchestrator) Address() string { return o.listener.Address() }

// Run starts the Trigger Router's sweeper, the accept loop, and the
// background maintenance tickers, then blocks until ctx is canceled.
// On return, Transport has stopped and shutdown has run.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.router.Start()
	go o.runMaintenance(ctx)

	err := o.listener.Serve(ctx)
	o.shutdown()
	return err
}

// runMaintenance periodically purges expired rehydration-cache
// entries, sweeps idle memory blocks, and snapshots the durable store.
func (o *Orchestrator) runMaintenance(ctx context.Context) {
	sweepInterval := o.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	maintenanceTicker := o.clock.NewTicker(sweepInterval)
	defer maintenanceTicker.Stop()

	var backupTicker *clock.Ticker
	var backupC <-chan time.Time
	if o.backupInterval > 0 && !o.cfg.MemoryMode {
		backupTicker = o.clock.NewTicker(o.backupInterval)
		defer backupTicker.Stop()
		backupC = backupTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopTickers:
			return
		case <-maintenanceTicker.C:
			purged := o.registry.PurgeExpiredRehydrations(ctx)
			if purged > 0 {
				o.logger.Info("orchestrator: purged expired rehydration entries", "count", purged)
			}
			swept := o.memory.SweepIdle(ctx)
			if swept > 0 {
				o.logger.Info("orchestrator: swept idle memory blocks", "count", swept)
			}
		case <-backupC:
			path, err := o.store.Backup(ctx, o.layout.BackupsDir, o.cfg.MaxBackups)
			if err != nil {
				o.logger.Error("orchestrator: backup failed", "error", err)
				continue
			}
			o.logger.Info("orchestrator: backup written", "path", path)
		}
	}
}

// shutdown stops the Trigger Router's sweeper, the maintenance
// ticker, and closes the durable store, in the reverse of
// construction order. Transport has already stopped by the time this
// runs (Run calls it after Serve returns).
func (o *Orchestrator) shutdown() {
	close(o.stopTickers)
	o.router.Stop()
	if err := o.store.Close(); err != nil {
		o.logger.Error("orchestrator: closing store", "error", err)
	}
}

// Dispatch implements transport.Dispatcher. It routes msg to the
// component that owns its kind and sends back whatever synchronous
// reply that component produces, if any.
func (o *Orchestrator) Dispatch(ctx context.Context, conn *transport.Connection, msg *codec.Message) {
	switch msg.Type {
	case codec.KindHandshake:
		ack, err := o.registry.Handshake(ctx, conn, msg)
		if err != nil {
			o.logger.Error("orchestrator: handshake failed", "conn_id", conn.ConnID(), "error", err)
			return
		}
		o.send(conn, ack)

	case codec.KindTrigger:
		reply, err := o.router.HandleTrigger(ctx, conn.ConnID(), msg)
		if err != nil {
			o.logger.Error("orchestrator: trigger handling failed", "conn_id", conn.ConnID(), "error", err)
			return
		}
		o.send(conn, reply)

	case codec.KindResponse, codec.KindError:
		o.router.HandleResponse(ctx, msg)

	case codec.KindEmit:
		o.router.HandleEmit(ctx, conn.ConnID(), msg)

	case codec.KindMemory:
		o.send(conn, o.handleMemory(ctx, conn, msg))

	case codec.KindAdmin:
		o.send(conn, o.handleAdmin(ctx, msg))

	case codec.KindBinaryFrame:
		o.send(conn, o.handleBinaryFrame(ctx, conn, msg))

	default:
		o.logger.Warn("orchestrator: unhandled message kind", "type", msg.Type, "conn_id", conn.ConnID())
	}
}

// OnDisconnect implements transport.Dispatcher.
func (o *Orchestrator) OnDisconnect(connID uint64) {
	o.registry.Disconnect(context.Background(), connID)
}

// send delivers msg on conn if non-nil, logging delivery failures — a
// send failure here means the peer is already gone; the connection's
// own read loop will observe the same thing and call OnDisconnect.
func (o *Orchestrator) send(conn *transport.Connection, msg *codec.Message) {
	if msg == nil {
		return
	}
	if err := conn.Send(msg); err != nil {
		o.logger.Warn("orchestrator: send failed", "conn_id", conn.ConnID(), "error", err)
	}
}
