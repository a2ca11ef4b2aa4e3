// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jeranaias/rigrun-auth/internal/security/audit"
	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

const (
	// KeySession is the store key of the active session.
	KeySession = "auth:session"

	// DefaultSessionTTL is the lifetime of a minted session.
	DefaultSessionTTL = 24 * time.Hour

	signingKeyLabel = "rigrun-auth session signing key"
)

// Claims is the token payload. The subject is the user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Session is the persisted signed-in state.
type Session struct {
	User        User   `json:"user"`
	AccessToken string `json:"accessToken"`
	CreatedAt   int64  `json:"createdAt"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// Expires returns ExpiresAt as a time.
func (s *Session) Expires() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// =============================================================================
// ISSUER
// =============================================================================

// Issuer mints and verifies session tokens and owns the active session.
// Tokens are signed with HMAC-SHA256 keyed by the owner's password salt, so
// a password change revokes every earlier token.
type Issuer struct {
	env    *env
	creds  *Credentials
	ttl    time.Duration
	derive bool
	parser *jwt.Parser
}

func newIssuer(e *env, creds *Credentials, ttl time.Duration, derive bool) *Issuer {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Issuer{
		env:    e,
		creds:  creds,
		ttl:    ttl,
		derive: derive,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(e.now),
			jwt.WithExpirationRequired(),
			jwt.WithStrictDecoding(),
		),
	}
}

func (i *Issuer) signingKey(cred *Credential) ([]byte, error) {
	salt, err := crypto.DecodeBase64(cred.PasswordSalt)
	if err != nil {
		return nil, fmt.Errorf("corrupt password salt: %w", err)
	}
	if !i.derive {
		return salt, nil
	}
	return crypto.Expand(salt, signingKeyLabel, crypto.KeySize)
}

// Mint issues a session for cred valid for the configured TTL.
func (i *Issuer) Mint(cred *Credential) (*Session, error) {
	now := i.env.now()
	return i.mint(cred, now, now.Add(i.ttl))
}

// mint truncates both instants to whole seconds so that Session.ExpiresAt
// matches the token's exp claim, which carries seconds only.
func (i *Issuer) mint(cred *Credential, issued, expires time.Time) (*Session, error) {
	issued = issued.Truncate(time.Second)
	expires = expires.Truncate(time.Second)

	key, err := i.signingKey(cred)
	if err != nil {
		return nil, err
	}
	claims := Claims{
		Email: cred.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.UserID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign token: %w", crypto.ErrCryptoFailure, err)
	}
	return &Session{
		User:        cred.User(),
		AccessToken: token,
		CreatedAt:   issued.UnixMilli(),
		ExpiresAt:   expires.UnixMilli(),
	}, nil
}

// Verify checks the token's structure, signature and expiry, in that order.
func (i *Issuer) Verify(ctx context.Context, token string) (*Claims, error) {
	var lookupErr error
	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		sub, err := t.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, ErrMalformed
		}
		cred, err := i.creds.FindByID(ctx, sub)
		if errors.Is(err, ErrNotFound) {
			// A token for an unknown subject cannot carry a valid signature.
			return nil, ErrBadSignature
		}
		if err != nil {
			lookupErr = err
			return nil, err
		}
		return i.signingKey(cred)
	})
	if err == nil {
		return claims, nil
	}
	if lookupErr != nil {
		return nil, fmt.Errorf("failed to verify token: %w", lookupErr)
	}

	switch {
	case errors.Is(err, ErrMalformed):
		return nil, ErrMalformed
	case errors.Is(err, ErrBadSignature), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		// Header and payload decode but the signature segment does not:
		// the token was tampered with rather than mangled.
		if _, _, perr := i.parser.ParseUnverified(token, &Claims{}); perr == nil {
			return nil, ErrBadSignature
		}
		return nil, ErrMalformed
	default:
		return nil, ErrMalformed
	}
}

// =============================================================================
// ACTIVE SESSION
// =============================================================================

// Persist makes s the active session.
func (i *Issuer) Persist(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := i.env.store.Set(ctx, KeySession, string(data)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// load returns the stored session without validating it.
func (i *Issuer) load(ctx context.Context) (*Session, error) {
	raw, err := i.env.store.Get(ctx, KeySession)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		i.discard(ctx, "unparseable")
		return nil, nil
	}
	return &s, nil
}

// Active returns the active session, or nil when there is none. Expired
// sessions and sessions whose token no longer verifies are pruned.
func (i *Issuer) Active(ctx context.Context) (*Session, error) {
	s, err := i.load(ctx)
	if err != nil || s == nil {
		return nil, err
	}

	if i.env.now().UnixMilli() > s.ExpiresAt {
		i.discard(ctx, "expired")
		return nil, nil
	}

	claims, err := i.Verify(ctx, s.AccessToken)
	if err != nil {
		var reason string
		switch {
		case errors.Is(err, ErrBadSignature):
			reason = "bad_signature"
		case errors.Is(err, ErrTokenExpired):
			reason = "expired"
		case errors.Is(err, ErrMalformed):
			reason = "malformed"
		default:
			return nil, err
		}
		i.discard(ctx, reason)
		return nil, nil
	}
	if claims.Subject != s.User.UserID {
		i.discard(ctx, "subject_mismatch")
		return nil, nil
	}
	return s, nil
}

// Start mints a session for cred and makes it the active one.
func (i *Issuer) Start(ctx context.Context, cred *Credential) (*Session, error) {
	session, err := i.Mint(cred)
	if err != nil {
		return nil, err
	}
	if err := i.Persist(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Refresh re-mints the active session with a fresh expiry.
func (i *Issuer) Refresh(ctx context.Context) (*Session, error) {
	s, err := i.Active(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoActiveSession
	}
	cred, err := i.creds.FindByID(ctx, s.User.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCredentialMissing
	}
	if err != nil {
		return nil, err
	}
	return i.Start(ctx, cred)
}

// Clear removes the active session. Clearing an absent session succeeds.
func (i *Issuer) Clear(ctx context.Context) error {
	err := i.env.store.Delete(ctx, KeySession)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (i *Issuer) discard(ctx context.Context, reason string) {
	if err := i.Clear(ctx); err != nil {
		i.env.logf("SESSION_DISCARD_FAILED | reason=%s error=%v", reason, err)
	}
	audit.Record(i.env.sink, audit.EventSessionDiscard, "", true, map[string]string{"reason": reason})
}
