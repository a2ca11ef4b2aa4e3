// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/security/access"
	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

const (
	// KeyPendingOTP is the store key of the pending reset code. With
	// per-email codes enabled the normalized email is appended.
	KeyPendingOTP = "auth:pending_otp"

	// DefaultOTPTTL is how long a reset code stays valid.
	DefaultOTPTTL = 10 * time.Minute

	// DefaultOTPDigits is the length of a reset code.
	DefaultOTPDigits = 6
)

// PendingCode is an issued, not yet redeemed reset code. Only the hash of
// the code is stored.
type PendingCode struct {
	Email      string `json:"email"`
	HashedCode string `json:"hashedCode"`
	CodeSalt   string `json:"codeSalt"`
	ExpiresAt  int64  `json:"expiresAt"`
	Used       bool   `json:"used"`
}

// OTPFlow issues and redeems emailed reset codes.
//
// By default there is a single pending code per installation and a new
// request supersedes it whatever the email. With perEmail set, codes for
// different accounts coexist.
type OTPFlow struct {
	env      *env
	creds    *Credentials
	issuer   *Issuer
	guard    *access.Guard
	ttl      time.Duration
	digits   int
	perEmail bool
}

func newOTPFlow(e *env, creds *Credentials, issuer *Issuer, guard *access.Guard, ttl time.Duration, digits int, perEmail bool) *OTPFlow {
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	if digits < 4 || digits > 9 {
		digits = DefaultOTPDigits
	}
	return &OTPFlow{
		env:      e,
		creds:    creds,
		issuer:   issuer,
		guard:    guard,
		ttl:      ttl,
		digits:   digits,
		perEmail: perEmail,
	}
}

func (f *OTPFlow) storeKey(email string) string {
	if f.perEmail {
		return KeyPendingOTP + ":" + email
	}
	return KeyPendingOTP
}

// generateCode draws a numeric code from a random 32-bit value.
func (f *OTPFlow) generateCode() (string, error) {
	b, err := f.env.crypto.RandomBytes(4)
	if err != nil {
		return "", err
	}
	mod := uint32(math.Pow10(f.digits))
	n := binary.BigEndian.Uint32(b) % mod
	return fmt.Sprintf("%0*d", f.digits, n), nil
}

// Request issues a code for email and returns it in clear. An unknown email
// returns an empty code and no error, and counts as a failed attempt.
func (f *OTPFlow) Request(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	guardKey := access.NamespaceOTP + email

	if retry, locked := f.guard.CheckLocked(guardKey); locked {
		return "", &lockedError{retryAfter: retry}
	}

	if _, err := f.creds.FindByEmail(ctx, email); err != nil {
		if errors.Is(err, ErrNotFound) {
			f.guard.RecordFailure(guardKey)
			return "", nil
		}
		return "", err
	}

	code, err := f.generateCode()
	if err != nil {
		return "", err
	}
	salt, err := f.env.crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return "", err
	}
	hash, err := f.env.crypto.DeriveKey([]byte(code), salt, f.env.iterations, 256)
	if err != nil {
		return "", err
	}

	pending := &PendingCode{
		Email:      email,
		HashedCode: crypto.EncodeBase64(hash),
		CodeSalt:   crypto.EncodeBase64(salt),
		ExpiresAt:  f.env.now().Add(f.ttl).UnixMilli(),
	}
	if err := f.save(ctx, email, pending); err != nil {
		return "", err
	}
	return code, nil
}

// Verify redeems code for email and signs the account in. Rejections count
// against the email's attempt guard, except when nothing is pending.
func (f *OTPFlow) Verify(ctx context.Context, email, code string) (*Session, error) {
	email = NormalizeEmail(email)
	guardKey := access.NamespaceOTP + email

	if retry, locked := f.guard.CheckLocked(guardKey); locked {
		return nil, &lockedError{retryAfter: retry}
	}

	pending, err := f.check(ctx, email, code)
	if err != nil {
		if isRejection(err) && !errors.Is(err, ErrNoPendingCode) {
			f.guard.RecordFailure(guardKey)
		}
		return nil, err
	}

	pending.Used = true
	if err := f.save(ctx, email, pending); err != nil {
		return nil, err
	}
	f.guard.Clear(guardKey)

	cred, err := f.creds.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCredentialMissing
	}
	if err != nil {
		return nil, err
	}
	return f.issuer.Start(ctx, cred)
}

// check applies the rejection rules in order: no pending code, wrong email,
// expired, already used, wrong code.
func (f *OTPFlow) check(ctx context.Context, email, code string) (*PendingCode, error) {
	pending, err := f.load(ctx, email)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, ErrNoPendingCode
	}
	if pending.Email != email {
		return nil, ErrEmailMismatch
	}
	if f.env.now().UnixMilli() > pending.ExpiresAt {
		return nil, ErrCodeExpired
	}
	if pending.Used {
		return nil, ErrCodeUsed
	}

	salt, err := crypto.DecodeBase64(pending.CodeSalt)
	if err != nil {
		return nil, fmt.Errorf("corrupt code salt: %w", err)
	}
	want, err := crypto.DecodeBase64(pending.HashedCode)
	if err != nil {
		return nil, fmt.Errorf("corrupt code hash: %w", err)
	}
	got, err := f.env.crypto.DeriveKey([]byte(code), salt, f.env.iterations, 256)
	if err != nil {
		return nil, err
	}
	if !crypto.Equal(got, want) {
		return nil, ErrBadCode
	}
	return pending, nil
}

func (f *OTPFlow) load(ctx context.Context, email string) (*PendingCode, error) {
	raw, err := f.env.store.Get(ctx, f.storeKey(email))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending code: %w", err)
	}
	var p PendingCode
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil
	}
	return &p, nil
}

func (f *OTPFlow) save(ctx context.Context, email string, p *PendingCode) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending code: %w", err)
	}
	if err := f.env.store.Set(ctx, f.storeKey(email), string(data)); err != nil {
		return fmt.Errorf("failed to save pending code: %w", err)
	}
	return nil
}

// isRejection reports whether err is a verdict on the caller's input rather
// than an infrastructure failure.
func isRejection(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrWrongPassword, ErrNoPendingCode, ErrEmailMismatch,
		ErrCodeExpired, ErrCodeUsed, ErrBadCode, ErrNoRecoveryKey, ErrKeyMismatch,
		ErrTOTPInvalid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
