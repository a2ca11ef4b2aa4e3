// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the persisted key/value store used by the
// credential subsystem.
//
// Every backend implements Store: string values addressed by string keys,
// with whole-value replace on Set. A missing key is reported as ErrNotFound.
//
// # Backends
//
//   - memory: process-local map, used by tests and ephemeral sessions
//   - file:   a single JSON document written atomically (temp + fsync + rename)
//   - sqlite: a kv table in a modernc.org/sqlite database, schema managed by goose
//   - bolt:   a kv bucket in a bbolt database
//
// # Usage
//
//	store, err := storage.Open(ctx, storage.Options{Driver: "sqlite", Path: dbPath})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = store.Set(ctx, "session", payload)
//	value, err := store.Get(ctx, "session")
//	if errors.Is(err, storage.ErrNotFound) {
//	    // no session
//	}
//
// # Storage Location
//
// Database files default to ~/.rigrun/ with 0600 permissions.
package storage
