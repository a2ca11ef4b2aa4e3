// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the
// rigrun credential subsystem.
//
// # Key Types
//
//   - Config: storage, security policy, provider limits, mail and audit
//   - Duration: time.Duration that reads and writes as "30s" in TOML
//   - ValidateErrors: every field that failed validation
//
// # Configuration Precedence
//
//   - Environment variables (RIGRUN_AUTH_*)
//   - ~/.rigrun/auth.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ttl := cfg.Security.Session.TTL.Duration
//
// Watch reloads the file on change; the interactive shell uses it to apply
// new provider limits without a restart.
package config
