// Copyright 2026 The LatZero Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the LatZero server.
//
// Configuration layers in increasing precedence: built-in defaults, an
// optional YAML file (--config), LATZERO_* environment variables, then
// CLI flags. Each layer only overrides fields it actually sets — an
// absent --config file or an unset environment variable leaves the
// previous layer's value untouched.
package config
