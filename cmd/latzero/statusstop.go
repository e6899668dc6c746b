// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
)

// runStatus reports whether a server is running. The core protocol has
// no specified cross-process control channel (a pidfile or admin
// socket), so this reports that fact rather than silently no-op'ing
// or guessing from the TCP port being in use.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "", "persisted state directory (unused; no control channel exists yet)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = dataDir

	fmt.Println("latzero: status is not implemented — no cross-process control channel is specified yet")
	return nil
}

// runStop requests a running server to shut down. Same limitation as
// runStatus: there is no pidfile or admin socket to address a
// specific running instance, so this reports that instead of pretending
// to act. Send SIGINT or SIGTERM to the process directly for now.
func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "", "persisted state directory (unused; no control channel exists yet)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = dataDir

	fmt.Println("latzero: stop is not implemented — no cross-process control channel is specified yet; send SIGINT or SIGTERM to the running process directly")
	return nil
}
