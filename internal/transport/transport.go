// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Latency-Zero/server/lib/codec"
	"github.com/Latency-Zero/server/lib/netutil"
)

// Config configures a Listener.
type Config struct {
	// Host is the bind address. Default: localhost.
	Host string

	// Port is the bind port. Zero asks the kernel for an unused ephemeral
	// port, which Listener.Address reports back after New returns.
	Port int

	// MaxConnections caps concurrent connections. Zero means unbounded.
	MaxConnections int

	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// Listener owns the TCP socket and every accepted [Connection]. It
// never imports internal/registry, internal/router, or internal/memory
// directly — every parsed message and every disconnect crosses the
// [Dispatcher] boundary, per this package's doc comment.
type Listener struct {
	net.Listener

	dispatcher Dispatcher
	logger     *slog.Logger
	maxConns   int

	nextConnID atomic.Uint64

	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[uint64]*Connection
}

// New binds the TCP listener. It does not start accepting connections
// until Serve is called.
func New(cfg Config) (*Listener, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("transport: Dispatcher is required")
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}

	return &Listener{
		Listener:   ln,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		maxConns:   cfg.MaxConnections,
		conns:      make(map[uint64]*Connection),
	}, nil
}

// Address returns the listener's bound address, useful when Port was 0
// and the kernel chose an ephemeral port (tests do this).
func (l *Listener) Address() string {
	return l.Listener.Addr().String()
}

// Serve runs the accept loop until ctx is canceled or Close is called.
// Each accepted connection is served by its own goroutine; Serve
// returns once the listener socket is closed and every connection
// goroutine has exited.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Listener.Close()
	}()

	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}

		if l.maxConns > 0 && l.activeCount() >= l.maxConns {
			conn.Close()
			continue
		}

		id := l.nextConnID.Add(1)
		c := newConnection(id, conn)
		l.addConn(c)

		l.wg.Add(1)
		go l.serveConnection(ctx, c)
	}
}

// ActiveConnections returns the current number of live connections.
func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Listener) activeCount() int {
	return l.ActiveConnections()
}

func (l *Listener) addConn(c *Connection) {
	l.mu.Lock()
	l.conns[c.id] = c
	l.mu.Unlock()
}

func (l *Listener) removeConn(id uint64) {
	l.mu.Lock()
	delete(l.conns, id)
	l.mu.Unlock()
}

// serveConnection reads frames from c until it disconnects or the
// server shuts down, dispatching every successfully decoded message.
func (l *Listener) serveConnection(ctx context.Context, c *Connection) {
	defer l.wg.Done()
	defer func() {
		c.Close()
		l.removeConn(c.id)
		l.dispatcher.OnDisconnect(c.id)
	}()

	for {
		payload, err := codec.ReadFrame(c.conn, 0)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				l.logger.Warn("transport: read failed", "conn_id", c.id, "error", err)
			}
			return
		}

		msg, err := codec.Decode(payload)
		if err != nil {
			verr, ok := err.(*codec.ValidationError)
			if !ok {
				l.logger.Warn("transport: decode failed", "conn_id", c.id, "error", err)
				return
			}
			if msg != nil && msg.ID != "" {
				if sendErr := c.Send(errorMessage(msg.ID, verr)); sendErr != nil {
					l.logger.Warn("transport: error reply failed", "conn_id", c.id, "error", sendErr)
					return
				}
				continue
			}
			// No id to correlate an error reply against: the connection
			// is unrecoverable.
			return
		}

		if msg.Type == codec.KindBinaryFrame {
			raw := make([]byte, msg.BinarySize)
			if _, err := io.ReadFull(c.conn, raw); err != nil {
				if !netutil.IsExpectedCloseError(err) {
					l.logger.Warn("transport: reading binary frame payload failed", "conn_id", c.id, "error", err)
				}
				return
			}
			msg.Data = raw
		}

		l.dispatcher.Dispatch(ctx, c, msg)
	}
}

// Close stops accepting new connections and closes every live
// connection. It does not wait for their goroutines to exit — callers
// that need that guarantee should cancel Serve's context instead and
// let it return only after l.wg.Wait() completes.
func (l *Listener) Close() error {
	err := l.Listener.Close()

	l.mu.Lock()
	conns := make([]*Connection, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return err
}
