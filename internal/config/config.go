// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-auth/internal/util"
)

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as a Go duration string ("24h").
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete credential subsystem configuration.
type Config struct {
	Storage  StorageConfig          `toml:"storage" json:"storage"`
	Security SecurityConfig         `toml:"security" json:"security"`
	Limits   map[string]LimitConfig `toml:"limits" json:"limits"`
	Mail     MailConfig             `toml:"mail" json:"mail"`
	Audit    AuditConfig            `toml:"audit" json:"audit"`
}

// StorageConfig selects the key/value backend.
type StorageConfig struct {
	// Driver is memory, file, sqlite or bolt.
	Driver string `toml:"driver" json:"driver"`

	// Path overrides the backend's default location.
	Path string `toml:"path" json:"path"`
}

// SecurityConfig holds the credential policy.
type SecurityConfig struct {
	KDFIterations     int           `toml:"kdf_iterations" json:"kdf_iterations"`
	MinPasswordLength int           `toml:"min_password_length" json:"min_password_length"`
	Lockout           LockoutConfig `toml:"lockout" json:"lockout"`
	Session           SessionConfig `toml:"session" json:"session"`
	OTP               OTPConfig     `toml:"otp" json:"otp"`
}

// LockoutConfig configures the failed-attempt guard.
type LockoutConfig struct {
	MaxAttempts int      `toml:"max_attempts" json:"max_attempts"`
	Duration    Duration `toml:"duration" json:"duration"`

	// Persist keeps lockout state in the store across restarts.
	Persist bool `toml:"persist" json:"persist"`
}

// SessionConfig configures session tokens.
type SessionConfig struct {
	TTL Duration `toml:"ttl" json:"ttl"`

	// DeriveSigningKey signs tokens with an HKDF subkey of the password salt
	// instead of the salt itself.
	DeriveSigningKey bool `toml:"derive_signing_key" json:"derive_signing_key"`
}

// OTPConfig configures password reset codes.
type OTPConfig struct {
	TTL    Duration `toml:"ttl" json:"ttl"`
	Digits int      `toml:"digits" json:"digits"`

	// PerEmail keeps one pending code per address instead of one per device.
	PerEmail bool `toml:"per_email" json:"per_email"`
}

// LimitConfig is the request budget for one cloud provider.
type LimitConfig struct {
	MaxRequests int      `toml:"max_requests" json:"max_requests"`
	Window      Duration `toml:"window" json:"window"`
	MinInterval Duration `toml:"min_interval" json:"min_interval"`
}

// MailConfig configures reset code delivery.
type MailConfig struct {
	// Driver is console, file or none.
	Driver    string  `toml:"driver" json:"driver"`
	From      string  `toml:"from" json:"from"`
	Path      string  `toml:"path" json:"path"`
	Rate      float64 `toml:"rate" json:"rate"`
	Burst     int     `toml:"burst" json:"burst"`
	QueueSize int     `toml:"queue_size" json:"queue_size"`
}

// AuditConfig configures the security event log.
type AuditConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Path    string `toml:"path" json:"path"`
	MaxSize int64  `toml:"max_size" json:"max_size"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Security: SecurityConfig{
			KDFIterations:     100000,
			MinPasswordLength: 8,
			Lockout: LockoutConfig{
				MaxAttempts: 5,
				Duration:    D(30 * time.Second),
			},
			Session: SessionConfig{
				TTL: D(24 * time.Hour),
			},
			OTP: OTPConfig{
				TTL:    D(10 * time.Minute),
				Digits: 6,
			},
		},
		Limits: map[string]LimitConfig{
			"openrouter": {MaxRequests: 60, Window: D(time.Minute), MinInterval: D(100 * time.Millisecond)},
			"anthropic":  {MaxRequests: 50, Window: D(time.Minute), MinInterval: D(200 * time.Millisecond)},
		},
		Mail: MailConfig{
			Driver:    "console",
			From:      "noreply@rigrun.local",
			Rate:      1,
			Burst:     3,
			QueueSize: 32,
		},
		Audit: AuditConfig{
			Enabled: true,
			MaxSize: 10 * 1024 * 1024,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigrun configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun"), nil
}

// ConfigPath returns the path to auth.toml.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "auth.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.rigrun/auth.toml, or returns defaults when it is absent.
// Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads a TOML file, fills missing values, applies
// environment overrides and validates.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := &Config{}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}

	fillDefaults(cfg, md)
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills values the file left unset. Booleans are only filled
// when the key is absent, so an explicit false is kept.
func fillDefaults(cfg *Config, md toml.MetaData) {
	def := Default()

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}

	sec := &cfg.Security
	if sec.KDFIterations == 0 {
		sec.KDFIterations = def.Security.KDFIterations
	}
	if sec.MinPasswordLength == 0 {
		sec.MinPasswordLength = def.Security.MinPasswordLength
	}
	if sec.Lockout.MaxAttempts == 0 {
		sec.Lockout.MaxAttempts = def.Security.Lockout.MaxAttempts
	}
	if sec.Lockout.Duration.Duration == 0 {
		sec.Lockout.Duration = def.Security.Lockout.Duration
	}
	if sec.Session.TTL.Duration == 0 {
		sec.Session.TTL = def.Security.Session.TTL
	}
	if sec.OTP.TTL.Duration == 0 {
		sec.OTP.TTL = def.Security.OTP.TTL
	}
	if sec.OTP.Digits == 0 {
		sec.OTP.Digits = def.Security.OTP.Digits
	}

	if cfg.Limits == nil {
		cfg.Limits = def.Limits
	}

	if cfg.Mail.Driver == "" {
		cfg.Mail.Driver = def.Mail.Driver
	}
	if cfg.Mail.From == "" {
		cfg.Mail.From = def.Mail.From
	}
	if !md.IsDefined("mail", "rate") {
		cfg.Mail.Rate = def.Mail.Rate
	}
	if cfg.Mail.Burst == 0 {
		cfg.Mail.Burst = def.Mail.Burst
	}
	if cfg.Mail.QueueSize == 0 {
		cfg.Mail.QueueSize = def.Mail.QueueSize
	}

	if !md.IsDefined("audit", "enabled") {
		cfg.Audit.Enabled = def.Audit.Enabled
	}
	if cfg.Audit.MaxSize == 0 {
		cfg.Audit.MaxSize = def.Audit.MaxSize
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg as TOML with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf strings.Builder
	buf.WriteString("# rigrun credential subsystem configuration\n")
	buf.WriteString("# Generated by rigrun-auth - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, []byte(buf.String()), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

var (
	validDrivers     = map[string]bool{"memory": true, "file": true, "sqlite": true, "bolt": true}
	validMailDrivers = map[string]bool{"console": true, "file": true, "none": true}
)

// Validate checks every field and returns ValidateErrors when any fail.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !validDrivers[strings.ToLower(c.Storage.Driver)] {
		add("storage.driver", "invalid driver '%s', must be one of: memory, file, sqlite, bolt", c.Storage.Driver)
	}

	sec := c.Security
	if sec.KDFIterations < 1000 {
		add("security.kdf_iterations", "must be at least 1000, got %d", sec.KDFIterations)
	}
	if sec.MinPasswordLength < 8 || sec.MinPasswordLength > 128 {
		add("security.min_password_length", "must be between 8 and 128, got %d", sec.MinPasswordLength)
	}
	if sec.Lockout.MaxAttempts < 1 || sec.Lockout.MaxAttempts > 100 {
		add("security.lockout.max_attempts", "must be between 1 and 100, got %d", sec.Lockout.MaxAttempts)
	}
	if sec.Lockout.Duration.Duration < time.Second {
		add("security.lockout.duration", "must be at least 1s, got %s", sec.Lockout.Duration)
	}
	if sec.Session.TTL.Duration < time.Minute {
		add("security.session.ttl", "must be at least 1m, got %s", sec.Session.TTL)
	}
	if sec.OTP.TTL.Duration < 30*time.Second || sec.OTP.TTL.Duration > 24*time.Hour {
		add("security.otp.ttl", "must be between 30s and 24h, got %s", sec.OTP.TTL)
	}
	if sec.OTP.Digits < 4 || sec.OTP.Digits > 9 {
		add("security.otp.digits", "must be between 4 and 9, got %d", sec.OTP.Digits)
	}

	for _, name := range sortedKeys(c.Limits) {
		l := c.Limits[name]
		field := "limits." + name
		if l.MaxRequests < 1 {
			add(field+".max_requests", "must be positive, got %d", l.MaxRequests)
		}
		if l.Window.Duration <= 0 {
			add(field+".window", "must be positive, got %s", l.Window)
		}
		if l.MinInterval.Duration < 0 {
			add(field+".min_interval", "must not be negative, got %s", l.MinInterval)
		}
	}

	if !validMailDrivers[strings.ToLower(c.Mail.Driver)] {
		add("mail.driver", "invalid driver '%s', must be one of: console, file, none", c.Mail.Driver)
	}
	if c.Mail.Rate < 0 {
		add("mail.rate", "must not be negative, got %g", c.Mail.Rate)
	}
	if c.Mail.Burst < 1 {
		add("mail.burst", "must be positive, got %d", c.Mail.Burst)
	}
	if c.Mail.QueueSize < 1 || c.Mail.QueueSize > 10000 {
		add("mail.queue_size", "must be between 1 and 10000, got %d", c.Mail.QueueSize)
	}

	if c.Audit.MaxSize < 1024 {
		add("audit.max_size", "must be at least 1024 bytes, got %d", c.Audit.MaxSize)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func sortedKeys(m map[string]LimitConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies RIGRUN_AUTH_* environment variables:
//   - RIGRUN_AUTH_STORAGE_DRIVER, RIGRUN_AUTH_STORAGE_PATH
//   - RIGRUN_AUTH_KDF_ITERATIONS
//   - RIGRUN_AUTH_SESSION_TTL
//   - RIGRUN_AUTH_OTP_PER_EMAIL
//   - RIGRUN_AUTH_LOCKOUT_PERSIST
//   - RIGRUN_AUTH_MAIL_DRIVER
//   - RIGRUN_AUTH_AUDIT_ENABLED, RIGRUN_AUTH_AUDIT_PATH
//
// Unparseable values are reported on stderr and ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGRUN_AUTH_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("RIGRUN_AUTH_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("RIGRUN_AUTH_KDF_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Security.KDFIterations = n
		} else {
			envWarning("RIGRUN_AUTH_KDF_ITERATIONS", err)
		}
	}
	if v := os.Getenv("RIGRUN_AUTH_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Security.Session.TTL = D(d)
		} else {
			envWarning("RIGRUN_AUTH_SESSION_TTL", err)
		}
	}
	if v := os.Getenv("RIGRUN_AUTH_OTP_PER_EMAIL"); v != "" {
		c.Security.OTP.PerEmail = envBool(v)
	}
	if v := os.Getenv("RIGRUN_AUTH_LOCKOUT_PERSIST"); v != "" {
		c.Security.Lockout.Persist = envBool(v)
	}
	if v := os.Getenv("RIGRUN_AUTH_MAIL_DRIVER"); v != "" {
		c.Mail.Driver = v
	}
	if v := os.Getenv("RIGRUN_AUTH_AUDIT_ENABLED"); v != "" {
		c.Audit.Enabled = envBool(v)
	}
	if v := os.Getenv("RIGRUN_AUTH_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}
}

func envBool(v string) bool {
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
}

func envWarning(name string, err error) {
	fmt.Fprintf(os.Stderr, "Warning: ignoring %s: %v\n", name, err)
}

// =============================================================================
// GET (DOT NOTATION)
// =============================================================================

// Get returns the value at a dotted TOML key such as "security.otp.ttl".
// Limits are addressed as "limits.<provider>.<field>".
func (c *Config) Get(key string) (any, error) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		var next reflect.Value
		switch v.Kind() {
		case reflect.Struct:
			next = fieldByTag(v, part)
		case reflect.Map:
			next = v.MapIndex(reflect.ValueOf(part))
		}
		if !next.IsValid() {
			return nil, fmt.Errorf("unknown key: %s", strings.Join(parts[:i+1], "."))
		}
		v = next
	}

	if d, ok := v.Interface().(Duration); ok {
		return d.String(), nil
	}
	return v.Interface(), nil
}

func fieldByTag(v reflect.Value, tag string) reflect.Value {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if name, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ","); name == tag {
			return v.Field(i)
		}
	}
	return reflect.Value{}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Limits != nil {
		clone.Limits = make(map[string]LimitConfig, len(c.Limits))
		for k, v := range c.Limits {
			clone.Limits[k] = v
		}
	}
	return &clone
}

// String returns the config as indented JSON for display.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the process configuration, loading it on first use.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal replaces the process configuration.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting clears the singleton.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
