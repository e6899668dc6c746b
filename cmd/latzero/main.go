// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Command latzero is the LatZero server binary: a local-host process
// orchestration fabric exposing triggers and shared memory blocks over
// a length-prefixed JSON TCP protocol.
package main

import (
	"fmt"
	"os"

	"github.com/Latency-Zero/server/lib/process"
	"github.com/Latency-Zero/server/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "status":
		return runStatus(args[1:])
	case "stop":
		return runStop(args[1:])
	case "version":
		fmt.Printf("latzero %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: latzero <subcommand> [flags]

Subcommands:
  start     Run the server in the foreground
  status    Report whether a server is running (stub)
  stop      Request a running server to shut down (stub)
  version   Print version information

Run 'latzero start --help' for server flags.
`)
}
