// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"log/slog"
	"time"

	"github.com/Latency-Zero/server/internal/config"
	"github.com/Latency-Zero/server/internal/security"
	"github.com/Latency-Zero/server/lib/clock"
)

// Config holds the parameters for constructing an Orchestrator. In
// production, cmd/latzero builds this from a fully-resolved
// [config.Config]; tests build it directly to inject a [clock.Fake]
// and a tighter sweep interval.
type Config struct {
	Server *config.Config
	Layout config.Layout

	// Security is the access-control backend consulted by the Pool
	// Manager and Memory Manager. Defaults to security.AllowAll{}.
	Security security.Checker

	// Clock abstracts every timer the Orchestrator and the components
	// it owns create. Defaults to clock.Real().
	Clock clock.Clock

	Logger *slog.Logger

	// BackupInterval is how often the Orchestrator snapshots the
	// durable store. Default: 15m, which a zero value selects. A
	// negative value disables periodic backups; they are also skipped
	// when the server runs in memory mode.
	BackupInterval time.Duration
}
