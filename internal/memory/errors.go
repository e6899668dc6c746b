// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import "fmt"

// OpError is a typed, wire-carryable operation failure. Code matches
// one of the protocol's stable error codes.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func notFoundf(format string, args ...any) *OpError {
	return &OpError{Code: "NOT_FOUND", Message: fmt.Sprintf(format, args...)}
}

func accessDeniedf(format string, args ...any) *OpError {
	return &OpError{Code: "ACCESS_DENIED", Message: fmt.Sprintf(format, args...)}
}

func outOfBoundsf(format string, args ...any) *OpError {
	return &OpError{Code: "OUT_OF_BOUNDS", Message: fmt.Sprintf(format, args...)}
}

func validationErrorf(format string, args ...any) *OpError {
	return &OpError{Code: "VALIDATION_ERROR", Message: fmt.Sprintf(format, args...)}
}

func stillAttachedf(format string, args ...any) *OpError {
	return &OpError{Code: "STILL_ATTACHED", Message: fmt.Sprintf(format, args...)}
}

// ErrLockConflict is returned by Lock when the requested mode
// conflicts with the currently-held lock. Not a wire error code on its
// own — callers (the Orchestrator's memory-operation handler) report
// it as a non-error "conflict" result, since a non-queued lock
// acquisition failing is an expected, routine outcome rather than a
// protocol-level fault.
var ErrLockConflict = &OpError{Code: "LOCK_CONFLICT", Message: "block lock held in a conflicting mode"}
