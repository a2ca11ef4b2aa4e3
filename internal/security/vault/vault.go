// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vault keeps provider API keys and other small secrets encrypted in
// the key/value store.
//
// A 256-bit master key is generated on first use and stored alongside the
// entries. Each entry is sealed with AES-GCM under an HKDF subkey of the
// master key labeled with the entry name, so a ciphertext moved to another
// name will not open. Stored values have the form base64(iv):base64(ct).
//
// The vault protects against casual disclosure of the store file, not
// against an attacker who can read both the entries and the master key.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/rigrun-auth/internal/security/audit"
	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// KeyMaster is the store key of the base64 master key.
	KeyMaster = "vault:master"

	// KeyPrefix prefixes every provider API key entry.
	KeyPrefix = "vault:key:"

	subkeyLabel = "rigrun vault:"
)

var (
	// ErrNotFound is returned for an absent entry.
	ErrNotFound = errors.New("vault entry not found")

	// ErrUnrecoverable is returned when an entry exists but cannot be
	// decrypted, typically because the master key was replaced.
	ErrUnrecoverable = errors.New("vault entry unrecoverable")

	// ErrInvalidName is returned for a provider name outside [a-z0-9._-].
	ErrInvalidName = errors.New("invalid provider name")

	// ErrEmptySecret is returned when storing an empty value.
	ErrEmptySecret = errors.New("secret is empty")
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Store is the subset of storage.Backend the vault needs.
type Store interface {
	storage.Store
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// =============================================================================
// VAULT
// =============================================================================

// Vault seals secrets under a device master key.
type Vault struct {
	store  Store
	crypto crypto.Provider
	sink   audit.Sink

	mu     sync.Mutex
	master []byte
}

// Option configures a Vault.
type Option func(*Vault)

// WithCrypto sets the crypto provider.
func WithCrypto(p crypto.Provider) Option {
	return func(v *Vault) { v.crypto = p }
}

// WithAuditSink sets the audit destination.
func WithAuditSink(sink audit.Sink) Option {
	return func(v *Vault) { v.sink = sink }
}

// New creates a vault over store. The master key is loaded lazily.
func New(store Store, opts ...Option) *Vault {
	v := &Vault{
		store:  store,
		crypto: crypto.Default(),
		sink:   audit.Nop{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NormalizeName lower-cases and trims a provider name and validates it.
func NormalizeName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// Fingerprint returns the first 8 hex chars of the SHA-256 of secret, safe
// to display and log.
func Fingerprint(secret string) string {
	if secret == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:4])
}

// masterKey returns the cached master key, loading or creating it.
func (v *Vault) masterKey(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.master != nil {
		return v.master, nil
	}

	encoded, err := v.store.Get(ctx, KeyMaster)
	switch {
	case err == nil:
		key, derr := crypto.DecodeBase64(encoded)
		if derr != nil || len(key) != crypto.KeySize {
			return nil, fmt.Errorf("%w: master key is corrupt", ErrUnrecoverable)
		}
		v.master = key
		return key, nil

	case errors.Is(err, storage.ErrNotFound):
		key, gerr := v.crypto.RandomBytes(crypto.KeySize)
		if gerr != nil {
			return nil, gerr
		}
		if serr := v.store.Set(ctx, KeyMaster, crypto.EncodeBase64(key)); serr != nil {
			return nil, fmt.Errorf("failed to save master key: %w", serr)
		}
		v.master = key
		return key, nil

	default:
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
}

func (v *Vault) subkey(ctx context.Context, label string) ([]byte, error) {
	master, err := v.masterKey(ctx)
	if err != nil {
		return nil, err
	}
	return crypto.Expand(master, subkeyLabel+label, crypto.KeySize)
}

// =============================================================================
// SEALER
// =============================================================================

// Seal encrypts plaintext under the subkey for label.
func (v *Vault) Seal(ctx context.Context, label string, plaintext []byte) (string, error) {
	key, err := v.subkey(ctx, label)
	if err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(key)
	return crypto.SealString(v.crypto, plaintext, key)
}

// Open decrypts a value produced by Seal with the same label. Any failure
// to decrypt is ErrUnrecoverable.
func (v *Vault) Open(ctx context.Context, label, sealed string) ([]byte, error) {
	key, err := v.subkey(ctx, label)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	plaintext, err := crypto.OpenString(v.crypto, sealed, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnrecoverable, label, err)
	}
	return plaintext, nil
}

// =============================================================================
// API KEYS
// =============================================================================

// Put stores apiKey for provider, replacing any earlier key.
func (v *Vault) Put(ctx context.Context, provider, apiKey string) error {
	name, err := NormalizeName(provider)
	if err != nil {
		return err
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrEmptySecret
	}

	sealed, err := v.Seal(ctx, name, []byte(apiKey))
	if err != nil {
		return err
	}
	if err := v.store.Set(ctx, KeyPrefix+name, sealed); err != nil {
		return fmt.Errorf("failed to save key for %s: %w", name, err)
	}
	audit.Record(v.sink, audit.EventVaultAccess, name, true, map[string]string{
		"op":          "put",
		"fingerprint": Fingerprint(apiKey),
	})
	return nil
}

// Get returns the API key for provider. An entry that can no longer be
// decrypted is reported as absent; the error matches both ErrNotFound and
// ErrUnrecoverable.
func (v *Vault) Get(ctx context.Context, provider string) (string, error) {
	name, err := NormalizeName(provider)
	if err != nil {
		return "", err
	}

	sealed, err := v.store.Get(ctx, KeyPrefix+name)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load key for %s: %w", name, err)
	}

	plaintext, err := v.Open(ctx, name, sealed)
	if err != nil {
		if errors.Is(err, ErrUnrecoverable) {
			audit.Record(v.sink, audit.EventVaultUnreadable, name, false, nil)
			return "", fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return "", err
	}
	audit.Record(v.sink, audit.EventVaultAccess, name, true, map[string]string{"op": "get"})
	return string(plaintext), nil
}

// Delete removes the key for provider.
func (v *Vault) Delete(ctx context.Context, provider string) error {
	name, err := NormalizeName(provider)
	if err != nil {
		return err
	}
	if err := v.store.Delete(ctx, KeyPrefix+name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete key for %s: %w", name, err)
	}
	audit.Record(v.sink, audit.EventVaultAccess, name, true, map[string]string{"op": "delete"})
	return nil
}

// Entry describes a stored key without revealing it.
type Entry struct {
	Provider    string `json:"provider"`
	Fingerprint string `json:"fingerprint"`
	Readable    bool   `json:"readable"`
}

// List returns every stored provider sorted by name.
func (v *Vault) List(ctx context.Context) ([]Entry, error) {
	keys, err := v.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimPrefix(k, KeyPrefix)
		entry := Entry{Provider: name, Fingerprint: "unreadable"}

		sealed, err := v.store.Get(ctx, k)
		if err != nil {
			continue
		}
		if plaintext, err := v.Open(ctx, name, sealed); err == nil {
			entry.Fingerprint = Fingerprint(string(plaintext))
			entry.Readable = true
			crypto.ZeroBytes(plaintext)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
