// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Latency-Zero/server/internal/config"
	"github.com/Latency-Zero/server/internal/orchestrator"
)

// runStart parses flags, assembles a [config.Config] through the
// override layers precedence (default → config file → environment →
// flags), and runs the server until a termination signal arrives.
func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)

	cfg := config.Default()

	// cfg is loaded from the config file and environment before the
	// flags below bind to its fields as their defaults, so an
	// explicitly-passed flag always wins, a set environment variable
	// wins over the file, and the file wins over the built-in default.
	configPath := scanConfigFlag(args)
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnvironment(); err != nil {
		return err
	}

	fs.StringVar(&cfg.Host, "host", cfg.Host, "bind address")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "bind port")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "persisted state directory")
	fs.BoolVar(&cfg.Cluster, "cluster", cfg.Cluster, "reserved for future multi-node replication")
	fs.BoolVar(&cfg.TLS, "tls", cfg.TLS, "reserved for future transport encryption")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum log level: debug, info, warn, error")
	fs.StringVar(&configPath, "config", configPath, "path to a YAML config file (optional)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	layout, err := cfg.Layout()
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{Server: cfg, Layout: layout, Logger: logger})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("latzero: listening", "address", orch.Address())
	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	logger.Info("latzero: shut down cleanly")
	return nil
}

// scanConfigFlag finds --config/-config's value by a plain string
// scan of args, before the main FlagSet is built — the config file
// must be loaded first so its values can seed the other flags'
// defaults, but a FlagSet can't parse --config alone without erroring
// on every other flag it doesn't yet know about.
func scanConfigFlag(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(arg, "=")
		if name != "--config" && name != "-config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func parseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unrecognized log level %q", level)
	}
}
