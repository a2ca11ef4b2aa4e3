// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// ErrNotFound is returned by Get and Delete when a key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown storage driver")

// Store is a persisted string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Backend is a Store that owns resources.
type Backend interface {
	Store
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// =============================================================================
// OPEN
// =============================================================================

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Options selects and configures a backend.
type Options struct {
	// Driver is one of memory, file, sqlite, bolt.
	Driver string

	// Path is the database or document path. Ignored by memory.
	Path string
}

// Open creates the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver != DriverMemory && opts.Path == "" {
		path, err := DefaultPath(driver)
		if err != nil {
			return nil, err
		}
		opts.Path = path
	}

	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFile:
		return NewFile(opts.Path)
	case DriverSQLite:
		return NewSQLite(ctx, opts.Path)
	case DriverBolt:
		return NewBolt(ctx, opts.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}

// DefaultPath returns ~/.rigrun/auth.<ext> for driver.
func DefaultPath(driver string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	name := "auth.json"
	switch driver {
	case DriverSQLite:
		name = "auth.db"
	case DriverBolt:
		name = "auth.bolt"
	}
	return filepath.Join(home, ".rigrun", name), nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	return nil
}
