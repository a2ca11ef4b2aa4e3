// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-auth command line.
//
// Every command except help, version and config builds an App from the
// loaded configuration: storage backend, lockout guard, audit log, key
// vault, mail dispatcher, provider rate buckets and the auth service. The
// App is closed before the process exits so queued reset codes are sent.
//
// # Commands
//
//	signup, signin, signout, status, refresh, passwd
//	reset request|verify, recover, rekey
//	totp enroll|confirm|disable
//	apikey set|get|delete|list|verify
//	limits [show|reset|unlock]
//	config show|path|init|get
//	shell, version, help
//
// With --json every command prints a JSONResponse envelope on stdout and
// prompts go to stderr.
package cli
