// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the LatZero
// server binary: raw I/O that legitimately happens before or after the
// structured logger is initialized.
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main().
package process
