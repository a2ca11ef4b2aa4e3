// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// TestConfig_ConcurrentAccess tests that Global() and SetGlobal() can be
// called concurrently. Run with -race.
func TestConfig_ConcurrentAccess(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := Default()
			c.Storage.Driver = "memory"
			SetGlobal(c)
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}

func TestConfig_GlobalInitialization(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	cfg := Global()
	require.NotNil(t, cfg)
	assert.Equal(t, Default().Storage.Driver, cfg.Storage.Driver)
	assert.Same(t, cfg, Global(), "Global returns the same instance")

	custom := Default()
	custom.Mail.Driver = "none"
	SetGlobal(custom)
	assert.Equal(t, "none", Global().Mail.Driver)
}

func TestConfig_Default(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100000, cfg.Security.KDFIterations)
	assert.Equal(t, 8, cfg.Security.MinPasswordLength)
	assert.Equal(t, 5, cfg.Security.Lockout.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Security.Lockout.Duration.Duration)
	assert.Equal(t, 24*time.Hour, cfg.Security.Session.TTL.Duration)
	assert.Equal(t, 10*time.Minute, cfg.Security.OTP.TTL.Duration)
	assert.Equal(t, 6, cfg.Security.OTP.Digits)
	assert.False(t, cfg.Security.OTP.PerEmail)
	assert.False(t, cfg.Security.Lockout.Persist)
	assert.False(t, cfg.Security.Session.DeriveSigningKey)
	assert.Contains(t, cfg.Limits, "openrouter")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"few iterations", func(c *Config) { c.Security.KDFIterations = 10 }, "security.kdf_iterations"},
		{"short password", func(c *Config) { c.Security.MinPasswordLength = 4 }, "security.min_password_length"},
		{"zero attempts", func(c *Config) { c.Security.Lockout.MaxAttempts = 0 }, "security.lockout.max_attempts"},
		{"tiny lockout", func(c *Config) { c.Security.Lockout.Duration = D(time.Millisecond) }, "security.lockout.duration"},
		{"tiny ttl", func(c *Config) { c.Security.Session.TTL = D(time.Second) }, "security.session.ttl"},
		{"long otp", func(c *Config) { c.Security.OTP.TTL = D(48 * time.Hour) }, "security.otp.ttl"},
		{"otp digits", func(c *Config) { c.Security.OTP.Digits = 12 }, "security.otp.digits"},
		{"limit window", func(c *Config) { c.Limits["openrouter"] = LimitConfig{MaxRequests: 1} }, "limits.openrouter.window"},
		{"mail driver", func(c *Config) { c.Mail.Driver = "smtp" }, "mail.driver"},
		{"mail queue", func(c *Config) { c.Mail.QueueSize = 0 }, "mail.queue_size"},
		{"audit size", func(c *Config) { c.Audit.MaxSize = 1 }, "audit.max_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestConfig_ValidateCollectsAll(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "nope"
	cfg.Mail.Driver = "nope"
	err := cfg.Validate()

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 2)
	assert.Contains(t, err.Error(), "; ")
}

func TestLoadFromPath_FillsDefaults(t *testing.T) {
	path := writeConfig(t, `
[storage]
driver = "bolt"

[security.otp]
ttl = "5m"
per_email = true

[mail]
rate = 0

[audit]
enabled = false
`)
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Security.OTP.TTL.Duration)
	assert.True(t, cfg.Security.OTP.PerEmail)
	assert.Equal(t, 6, cfg.Security.OTP.Digits, "unset digits default")
	assert.Equal(t, 24*time.Hour, cfg.Security.Session.TTL.Duration)
	assert.Equal(t, float64(0), cfg.Mail.Rate, "explicit zero kept")
	assert.False(t, cfg.Audit.Enabled, "explicit false kept")
	assert.Equal(t, Default().Limits, cfg.Limits)
}

func TestLoadFromPath_Invalid(t *testing.T) {
	_, err := LoadFromPath(writeConfig(t, "[security.session]\nttl = \"forever\"\n"))
	assert.Error(t, err)

	_, err = LoadFromPath(writeConfig(t, "[storage]\ndriver = \"mongo\"\n"))
	var verrs ValidateErrors
	assert.True(t, errors.As(err, &verrs))

	_, err = LoadFromPath(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadFromPath_FixesPermissions(t *testing.T) {
	if os.PathSeparator != '/' {
		t.Skip("unix permissions")
	}
	path := writeConfig(t, "")
	require.NoError(t, os.Chmod(path, 0644))

	_, err := LoadFromPath(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSaveTOMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "auth.toml")
	cfg := Default()
	cfg.Storage.Driver = "file"
	cfg.Security.Session.TTL = D(90 * time.Minute)
	cfg.Limits["groq"] = LimitConfig{MaxRequests: 30, Window: D(time.Minute)}

	require.NoError(t, SaveTOML(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# rigrun"))
	assert.Contains(t, string(data), `ttl = "1h30m0s"`)

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RIGRUN_AUTH_STORAGE_DRIVER", "memory")
	t.Setenv("RIGRUN_AUTH_KDF_ITERATIONS", "2000")
	t.Setenv("RIGRUN_AUTH_SESSION_TTL", "2h")
	t.Setenv("RIGRUN_AUTH_OTP_PER_EMAIL", "true")
	t.Setenv("RIGRUN_AUTH_LOCKOUT_PERSIST", "1")
	t.Setenv("RIGRUN_AUTH_MAIL_DRIVER", "none")
	t.Setenv("RIGRUN_AUTH_AUDIT_ENABLED", "no")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 2000, cfg.Security.KDFIterations)
	assert.Equal(t, 2*time.Hour, cfg.Security.Session.TTL.Duration)
	assert.True(t, cfg.Security.OTP.PerEmail)
	assert.True(t, cfg.Security.Lockout.Persist)
	assert.Equal(t, "none", cfg.Mail.Driver)
	assert.False(t, cfg.Audit.Enabled)
}

func TestApplyEnvOverrides_IgnoresGarbage(t *testing.T) {
	t.Setenv("RIGRUN_AUTH_KDF_ITERATIONS", "lots")
	t.Setenv("RIGRUN_AUTH_SESSION_TTL", "a while")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, Default().Security.KDFIterations, cfg.Security.KDFIterations)
	assert.Equal(t, Default().Security.Session.TTL, cfg.Security.Session.TTL)
}

func TestConfig_Get(t *testing.T) {
	cfg := Default()

	v, err := cfg.Get("security.otp.digits")
	require.NoError(t, err)
	assert.Equal(t, 6, v)

	v, err = cfg.Get("security.session.ttl")
	require.NoError(t, err)
	assert.Equal(t, "24h0m0s", v)

	v, err = cfg.Get("limits.openrouter.max_requests")
	require.NoError(t, err)
	assert.Equal(t, 60, v)

	_, err = cfg.Get("security.nope")
	assert.Error(t, err)
	_, err = cfg.Get("limits.unknown.window")
	assert.Error(t, err)
	_, err = cfg.Get("")
	assert.Error(t, err)
}

func TestConfig_Clone(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Limits["openrouter"] = LimitConfig{MaxRequests: 1, Window: D(time.Second)}
	clone.Storage.Driver = "memory"

	assert.Equal(t, 60, cfg.Limits["openrouter"].MaxRequests)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "[security.otp]\ndigits = 6\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	errs := make(chan error, 4)
	require.NoError(t, WatchWithDebounce(ctx, path, 50*time.Millisecond, func(c *Config, err error) {
		if err != nil {
			errs <- err
			return
		}
		got <- c
	}))

	require.NoError(t, os.WriteFile(path, []byte("[security.otp]\ndigits = 8\n"), 0600))
	select {
	case c := <-got:
		assert.Equal(t, 8, c.Security.OTP.Digits)
	case err := <-errs:
		t.Fatalf("unexpected reload error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}

	require.NoError(t, os.WriteFile(path, []byte("[security.otp]\ndigits = 99\n"), 0600))
	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "security.otp.digits")
	case c := <-got:
		t.Fatalf("invalid file produced a config: %+v", c.Security.OTP)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after invalid write")
	}
}
