// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

// KeyCredentials is the store key holding every credential record.
const KeyCredentials = "auth:credentials"

// DefaultMinPasswordLength is the shortest accepted password, in characters.
const DefaultMinPasswordLength = 8

// emailPattern is a deliberately loose shape check: one @, no spaces, a dot
// in the domain.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// =============================================================================
// CREDENTIAL
// =============================================================================

// Credential is one stored account. Secrets are never kept in clear.
type Credential struct {
	UserID          string    `json:"userId"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"passwordHash"`
	PasswordSalt    string    `json:"passwordSalt"`
	CreatedAt       time.Time `json:"createdAt"`
	RecoveryKeyHash string    `json:"recoveryKeyHash,omitempty"`
	RecoveryKeySalt string    `json:"recoveryKeySalt,omitempty"`
	TOTPSecret      string    `json:"totpSecret,omitempty"`
}

// HasRecoveryKey reports whether a recovery key is configured.
func (c *Credential) HasRecoveryKey() bool {
	return c.RecoveryKeyHash != "" && c.RecoveryKeySalt != ""
}

// HasTOTP reports whether a second factor is enrolled.
func (c *Credential) HasTOTP() bool {
	return c.TOTPSecret != ""
}

// User returns the public projection of the credential.
func (c *Credential) User() User {
	return User{UserID: c.UserID, Email: c.Email, CreatedAt: c.CreatedAt}
}

// User is the non-secret part of a credential.
type User struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// NormalizeEmail trims and case-folds an email address.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

// ValidateEmail checks the shape of an already normalized address.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// normalizePassword puts a password in NFC so visually identical input
// hashes the same on every platform.
func normalizePassword(password string) string {
	return norm.NFC.String(password)
}

// =============================================================================
// CREDENTIAL STORE
// =============================================================================

// Credentials manages credential records in the key/value store.
type Credentials struct {
	env    *env
	minLen int

	// dummySalt feeds the decoy derivation for unknown emails.
	dummySalt []byte

	mu sync.Mutex
}

func newCredentials(e *env, minLen int) (*Credentials, error) {
	if minLen < 1 {
		minLen = DefaultMinPasswordLength
	}
	salt, err := e.crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return nil, err
	}
	return &Credentials{env: e, minLen: minLen, dummySalt: salt}, nil
}

// weakPasswordError reports a configured minimum other than the default.
type weakPasswordError struct {
	min int
}

func (e *weakPasswordError) Error() string {
	return fmt.Sprintf("password must be at least %d characters", e.min)
}

func (e *weakPasswordError) Is(target error) bool {
	return target == ErrWeakPassword
}

func (c *Credentials) checkPasswordStrength(password string) error {
	if utf8.RuneCountInString(password) < c.minLen {
		if c.minLen == DefaultMinPasswordLength {
			return ErrWeakPassword
		}
		return &weakPasswordError{min: c.minLen}
	}
	return nil
}

func (c *Credentials) hashPassword(password string, salt []byte) ([]byte, error) {
	return c.env.crypto.DeriveKey([]byte(normalizePassword(password)), salt, c.env.iterations, 256)
}

// Create validates and stores a new credential. Each setup func runs on the record
// before the single write, so fields it sets land atomically with it.
func (c *Credentials) Create(ctx context.Context, email, password string, setup ...func(*Credential)) (*Credential, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	password = normalizePassword(password)
	if err := c.checkPasswordStrength(password); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	for _, existing := range all {
		if existing.Email == email {
			return nil, ErrEmailTaken
		}
	}

	salt, err := c.env.crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return nil, err
	}
	hash, err := c.hashPassword(password, salt)
	if err != nil {
		return nil, err
	}

	cred := &Credential{
		UserID:       uuid.NewString(),
		Email:        email,
		PasswordHash: crypto.EncodeBase64(hash),
		PasswordSalt: crypto.EncodeBase64(salt),
		CreatedAt:    c.env.now().UTC(),
	}
	for _, fn := range setup {
		fn(cred)
	}
	all = append(all, cred)
	if err := c.saveLocked(ctx, all); err != nil {
		return nil, err
	}
	return cred, nil
}

// Verify checks email and password. An unknown email still pays for one key
// derivation so the two failures cost the same.
func (c *Credentials) Verify(ctx context.Context, email, password string) (*Credential, error) {
	cred, err := c.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		if _, derr := c.hashPassword(password, c.dummySalt); derr != nil {
			return nil, derr
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := c.checkPassword(cred, password); err != nil {
		return nil, err
	}
	return cred, nil
}

// VerifyByID checks the password of the credential with userID.
func (c *Credentials) VerifyByID(ctx context.Context, userID, password string) (*Credential, error) {
	cred, err := c.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.checkPassword(cred, password); err != nil {
		return nil, err
	}
	return cred, nil
}

func (c *Credentials) checkPassword(cred *Credential, password string) error {
	salt, err := crypto.DecodeBase64(cred.PasswordSalt)
	if err != nil {
		return fmt.Errorf("corrupt password salt: %w", err)
	}
	want, err := crypto.DecodeBase64(cred.PasswordHash)
	if err != nil {
		return fmt.Errorf("corrupt password hash: %w", err)
	}
	got, err := c.hashPassword(password, salt)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(got)
	if !crypto.Equal(got, want) {
		return ErrWrongPassword
	}
	return nil
}

// ChangePassword replaces the password after re-verifying the current one.
// A new salt is drawn, which invalidates every token minted before.
func (c *Credentials) ChangePassword(ctx context.Context, userID, current, next string) (*Credential, error) {
	cred, err := c.VerifyByID(ctx, userID, current)
	if err != nil {
		return nil, err
	}
	next = normalizePassword(next)
	if next == normalizePassword(current) {
		return nil, ErrSamePassword
	}
	if err := c.checkPasswordStrength(next); err != nil {
		return nil, err
	}

	salt, err := c.env.crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return nil, err
	}
	hash, err := c.hashPassword(next, salt)
	if err != nil {
		return nil, err
	}

	return c.update(ctx, cred.UserID, func(rec *Credential) {
		rec.PasswordHash = crypto.EncodeBase64(hash)
		rec.PasswordSalt = crypto.EncodeBase64(salt)
	})
}

// SetRecoveryKey stores the hash and salt of a recovery key.
func (c *Credentials) SetRecoveryKey(ctx context.Context, userID, hash, salt string) error {
	_, err := c.update(ctx, userID, func(rec *Credential) {
		rec.RecoveryKeyHash = hash
		rec.RecoveryKeySalt = salt
	})
	return err
}

// SetTOTPSecret stores a sealed second-factor secret. An empty value
// disables the second factor.
func (c *Credentials) SetTOTPSecret(ctx context.Context, userID, sealed string) error {
	_, err := c.update(ctx, userID, func(rec *Credential) {
		rec.TOTPSecret = sealed
	})
	return err
}

// FindByEmail returns the credential for email.
func (c *Credentials) FindByEmail(ctx context.Context, email string) (*Credential, error) {
	email = NormalizeEmail(email)
	return c.find(ctx, func(rec *Credential) bool { return rec.Email == email })
}

// FindByID returns the credential with userID.
func (c *Credentials) FindByID(ctx context.Context, userID string) (*Credential, error) {
	return c.find(ctx, func(rec *Credential) bool { return rec.UserID == userID })
}

// Count returns the number of stored credentials.
func (c *Credentials) Count(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.loadLocked(ctx)
	return len(all), err
}

func (c *Credentials) find(ctx context.Context, match func(*Credential) bool) (*Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if match(rec) {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

func (c *Credentials) update(ctx context.Context, userID string, mutate func(*Credential)) (*Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec.UserID == userID {
			mutate(rec)
			if err := c.saveLocked(ctx, all); err != nil {
				return nil, err
			}
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

func (c *Credentials) loadLocked(ctx context.Context) ([]*Credential, error) {
	raw, err := c.env.store.Get(ctx, KeyCredentials)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	var all []*Credential
	if err := json.Unmarshal([]byte(raw), &all); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return all, nil
}

func (c *Credentials) saveLocked(ctx context.Context, all []*Credential) error {
	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := c.env.store.Set(ctx, KeyCredentials, string(data)); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}
