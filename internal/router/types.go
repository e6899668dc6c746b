// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"time"

	"github.com/Latency-Zero/server/lib/codec"
)

// Policy selects how the Router picks one destination from a candidate
// set of handler AppIDs.
type Policy int

const (
	RoundRobin Policy = iota
	Random
	FirstAvailable
	LoadBalanced
)

// RecordState is a trigger record's position in its state machine:
// PENDING → DISPATCHED → (COMPLETED | TIMED_OUT | FAILED).
type RecordState int

const (
	Pending RecordState = iota
	Dispatched
	Completed
	TimedOut
	Failed
)

func (s RecordState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Dispatched:
		return "dispatched"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is the in-flight state the Router keeps to correlate a
// response or synthesize a timeout for one trigger request.
type Record struct {
	ID              string
	OriginAppID     string
	DestinationAppID string
	Pool            string
	TriggerName     string
	CreatedAt       time.Time
	TTL             time.Duration
	DispatchedTo    string
	State           RecordState
	OriginalMessage *codec.Message

	timerStop func() bool
}

// Stats are cumulative counters surfaced through the admin "stats"
// operation. There is no single aggregate "failed" counter — each
// distinct failure reason (no handler, too many in flight,
// short-circuited, routing error) has its own counter instead.
type Stats struct {
	Dispatched      int64
	Completed       int64
	TimedOut        int64
	NoHandler       int64
	TooManyInFlight int64
	ShortCircuited  int64
	RoutingErrors   int64
}
