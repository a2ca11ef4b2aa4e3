// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// BACKEND CONTRACT TESTS
// =============================================================================

func openBackends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	backends := map[string]Backend{"memory": NewMemory()}

	file, err := NewFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	backends["file"] = file

	sqlite, err := NewSQLite(ctx, filepath.Join(dir, "auth.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	backends["sqlite"] = sqlite

	bolt, err := NewBolt(ctx, filepath.Join(dir, "auth.bolt"))
	if err != nil {
		t.Fatalf("NewBolt failed: %v", err)
	}
	backends["bolt"] = bolt

	t.Cleanup(func() {
		for _, b := range backends {
			b.Close()
		}
	})
	return backends
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()

	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
			}

			if err := store.Set(ctx, "session", `{"a":1}`); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			got, err := store.Get(ctx, "session")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got != `{"a":1}` {
				t.Errorf("Get = %q, want %q", got, `{"a":1}`)
			}

			if err := store.Set(ctx, "session", "replaced"); err != nil {
				t.Fatalf("Set (replace) failed: %v", err)
			}
			if got, _ := store.Get(ctx, "session"); got != "replaced" {
				t.Errorf("Get after replace = %q, want %q", got, "replaced")
			}

			if err := store.Delete(ctx, "session"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := store.Get(ctx, "session"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete error = %v, want ErrNotFound", err)
			}
			if err := store.Delete(ctx, "session"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second Delete error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestBackendKeys(t *testing.T) {
	ctx := context.Background()

	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"vault:b", "vault:a", "session", "vaultx"} {
				if err := store.Set(ctx, k, "v"); err != nil {
					t.Fatalf("Set(%s) failed: %v", k, err)
				}
			}

			keys, err := store.Keys(ctx, "vault:")
			if err != nil {
				t.Fatalf("Keys failed: %v", err)
			}
			if strings.Join(keys, ",") != "vault:a,vault:b" {
				t.Errorf("Keys = %v, want [vault:a vault:b]", keys)
			}
		})
	}
}

func TestFilePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.json")

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	if err := f.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %o, want 0600", info.Mode().Perm())
	}

	reopened, err := NewFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got, err := reopened.Get(ctx, "k"); err != nil || got != "v" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.db")

	s, err := NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.Close()

	// Migrations must be idempotent on an existing database.
	s, err = NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if got, err := s.Get(ctx, "k"); err != nil || got != "v" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		driver string
		path   string
	}{
		{DriverMemory, ""},
		{DriverFile, filepath.Join(dir, "a.json")},
		{DriverSQLite, filepath.Join(dir, "a.db")},
		{"BOLT", filepath.Join(dir, "a.bolt")},
	}
	for _, tt := range tests {
		b, err := Open(ctx, Options{Driver: tt.driver, Path: tt.path})
		if err != nil {
			t.Fatalf("Open(%s) failed: %v", tt.driver, err)
		}
		if err := b.Set(ctx, "k", "v"); err != nil {
			t.Errorf("Open(%s).Set failed: %v", tt.driver, err)
		}
		b.Close()
	}

	if _, err := Open(ctx, Options{Driver: "redis", Path: "x"}); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("Open(redis) error = %v, want ErrUnknownDriver", err)
	}
}
