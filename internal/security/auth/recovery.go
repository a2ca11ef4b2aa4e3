// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/rigrun-auth/internal/security/access"
	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
)

const (
	// RecoveryAlphabet omits 0, O, 1 and I. Its 32 symbols divide 256, so a
	// byte modulo the length is unbiased.
	RecoveryAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// RecoveryKeyLength is the number of symbols in a key.
	RecoveryKeyLength = 24

	// RecoveryGroupSize is the number of symbols between dashes.
	RecoveryGroupSize = 4
)

// GenerateRecoveryKey returns a new key formatted as XXXX-XXXX-...-XXXX.
func GenerateRecoveryKey(p crypto.Provider) (string, error) {
	raw, err := p.RandomBytes(RecoveryKeyLength)
	if err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(raw)

	var sb strings.Builder
	sb.Grow(RecoveryKeyLength + RecoveryKeyLength/RecoveryGroupSize)
	for i, b := range raw {
		if i > 0 && i%RecoveryGroupSize == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(RecoveryAlphabet[int(b)%len(RecoveryAlphabet)])
	}
	return sb.String(), nil
}

// NormalizeRecoveryKey strips dashes and whitespace and upper-cases.
func NormalizeRecoveryKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, key)
}

// RecoveryFlow manages the offline recovery key.
type RecoveryFlow struct {
	env    *env
	creds  *Credentials
	issuer *Issuer
	guard  *access.Guard
}

// Store hashes key and saves it on the credential, replacing any earlier key.
func (r *RecoveryFlow) Store(ctx context.Context, userID, key string) error {
	hash, salt, err := r.hashKey(key)
	if err != nil {
		return err
	}
	return r.creds.SetRecoveryKey(ctx, userID, hash, salt)
}

// withKey hashes key and returns a Create setup func that attaches it.
func (r *RecoveryFlow) withKey(key string) (func(*Credential), error) {
	hash, salt, err := r.hashKey(key)
	if err != nil {
		return nil, err
	}
	return func(rec *Credential) {
		rec.RecoveryKeyHash = hash
		rec.RecoveryKeySalt = salt
	}, nil
}

func (r *RecoveryFlow) hashKey(key string) (hash, salt string, err error) {
	rawSalt, err := r.env.crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return "", "", err
	}
	rawHash, err := r.derive(key, rawSalt)
	if err != nil {
		return "", "", err
	}
	return crypto.EncodeBase64(rawHash), crypto.EncodeBase64(rawSalt), nil
}

func (r *RecoveryFlow) derive(key string, salt []byte) ([]byte, error) {
	return r.env.crypto.DeriveKey([]byte(NormalizeRecoveryKey(key)), salt, r.env.iterations, 256)
}

// Verify checks a supplied key for email and signs the account in.
func (r *RecoveryFlow) Verify(ctx context.Context, email, key string) (*Session, error) {
	email = NormalizeEmail(email)
	guardKey := access.NamespaceRecovery + email

	if retry, locked := r.guard.CheckLocked(guardKey); locked {
		return nil, &lockedError{retryAfter: retry}
	}

	cred, err := r.match(ctx, email, key)
	if err != nil {
		if isRejection(err) {
			r.guard.RecordFailure(guardKey)
		}
		return nil, err
	}
	r.guard.Clear(guardKey)

	return r.issuer.Start(ctx, cred)
}

// match pays for one derivation on an unknown email, as Credentials.Verify
// does, so the miss costs the same as a wrong key.
func (r *RecoveryFlow) match(ctx context.Context, email, key string) (*Credential, error) {
	cred, err := r.creds.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		if _, derr := r.derive(key, r.creds.dummySalt); derr != nil {
			return nil, derr
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !cred.HasRecoveryKey() {
		return nil, ErrNoRecoveryKey
	}

	salt, err := crypto.DecodeBase64(cred.RecoveryKeySalt)
	if err != nil {
		return nil, fmt.Errorf("corrupt recovery salt: %w", err)
	}
	want, err := crypto.DecodeBase64(cred.RecoveryKeyHash)
	if err != nil {
		return nil, fmt.Errorf("corrupt recovery hash: %w", err)
	}
	got, err := r.derive(key, salt)
	if err != nil {
		return nil, err
	}
	if !crypto.Equal(got, want) {
		return nil, ErrKeyMismatch
	}
	return cred, nil
}

// Regenerate issues and stores a new key after re-verifying the password.
// The plaintext is returned once and cannot be retrieved again.
func (r *RecoveryFlow) Regenerate(ctx context.Context, userID, password string) (string, error) {
	if _, err := r.creds.VerifyByID(ctx, userID, password); err != nil {
		return "", err
	}
	key, err := GenerateRecoveryKey(r.env.crypto)
	if err != nil {
		return "", err
	}
	if err := r.Store(ctx, userID, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrCredentialMissing
		}
		return "", err
	}
	return key, nil
}
