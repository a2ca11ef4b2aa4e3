// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
)

// =============================================================================
// INTERNAL REASONS
// =============================================================================

// Reasons returned by the components. The facade classifies them into an
// *Error; authentication reasons never leave the package unwrapped.
var (
	ErrInvalidEmail  = errors.New("invalid email format")
	ErrWeakPassword  = errors.New("password must be at least 8 characters")
	ErrEmailTaken    = errors.New("an account with this email already exists")
	ErrSamePassword  = errors.New("new password must differ from the current password")
	ErrNotFound      = errors.New("credential not found")
	ErrWrongPassword = errors.New("wrong password")

	ErrMalformed         = errors.New("malformed token")
	ErrTokenExpired      = errors.New("token expired")
	ErrBadSignature      = errors.New("bad token signature")
	ErrNoActiveSession   = errors.New("no active session")
	ErrCredentialMissing = errors.New("credential for session no longer exists")

	ErrNoPendingCode = errors.New("no pending reset code")
	ErrEmailMismatch = errors.New("reset code was issued for another email")
	ErrCodeExpired   = errors.New("reset code expired")
	ErrCodeUsed      = errors.New("reset code already used")
	ErrBadCode       = errors.New("wrong reset code")

	ErrNoRecoveryKey = errors.New("no recovery key configured")
	ErrKeyMismatch   = errors.New("recovery key mismatch")

	ErrTOTPRequired     = errors.New("two-factor code required")
	ErrTOTPInvalid      = errors.New("invalid two-factor code")
	ErrTOTPNotEnrolled  = errors.New("two-factor authentication is not enrolled")
	ErrTOTPUnavailable  = errors.New("two-factor authentication requires a secret vault")
	ErrNoPendingTOTP    = errors.New("no pending two-factor enrollment")
	ErrTOTPAlreadyExist = errors.New("two-factor authentication already enrolled")
)

// lockedError carries the guard's retry-after through the components.
type lockedError struct {
	retryAfter time.Duration
}

func (e *lockedError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry in %s", e.retryAfter.Round(time.Second))
}

// =============================================================================
// PUBLIC ERROR TYPE
// =============================================================================

// Kind classifies every error returned by Service.
type Kind int

const (
	// KindValidation is a malformed email or weak password. The message is
	// safe to show verbatim.
	KindValidation Kind = iota + 1

	// KindAuthentication is a wrong password, code or key. The message never
	// distinguishes an unknown account from a wrong secret.
	KindAuthentication

	// KindRateLimited carries RetryAfter.
	KindRateLimited

	// KindExpired is an expired reset code.
	KindExpired

	// KindAlreadyUsed is a reset code that was already redeemed.
	KindAlreadyUsed

	// KindNoSession is an operation that needs a signed-in session.
	KindNoSession

	// KindCryptoFailure is a failed cryptographic primitive.
	KindCryptoFailure

	// KindInternal is a failed collaborator such as the key/value store.
	KindInternal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindRateLimited:
		return "rate_limited"
	case KindExpired:
		return "expired"
	case KindAlreadyUsed:
		return "already_used"
	case KindNoSession:
		return "no_session"
	case KindCryptoFailure:
		return "crypto_failure"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// GenericAuthMessage is the only message an authentication failure shows.
const GenericAuthMessage = "Invalid email or password"

// Error is the single error type returned by Service.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration

	reason  error
	message string
}

// Error renders the user-facing message for the kind.
func (e *Error) Error() string {
	if e.message != "" {
		return e.message
	}
	switch e.Kind {
	case KindValidation:
		if e.reason != nil {
			return e.reason.Error()
		}
		return "invalid input"
	case KindAuthentication:
		return GenericAuthMessage
	case KindRateLimited:
		return fmt.Sprintf("Too many attempts. Try again in %d seconds.", int((e.RetryAfter+time.Second-1)/time.Second))
	case KindExpired:
		return "This code has expired. Request a new one."
	case KindAlreadyUsed:
		return "This code has already been used. Request a new one."
	case KindNoSession:
		return "No active session"
	default:
		return "Failed to process request"
	}
}

// Unwrap exposes the reason for every kind except authentication, whose
// reason must stay internal.
func (e *Error) Unwrap() error {
	if e.Kind == KindAuthentication {
		return nil
	}
	return e.reason
}

// RetryAfterMillis returns RetryAfter in milliseconds.
func (e *Error) RetryAfterMillis() int64 {
	return e.RetryAfter.Milliseconds()
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// NeedsTOTP reports whether err is a sign-in that stopped only for the
// missing second-factor code.
func NeedsTOTP(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuthentication && e.message == ErrTOTPRequired.Error()
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

func authFailure() *Error {
	return &Error{Kind: KindAuthentication}
}

// classify maps a component error to the public taxonomy.
func classify(err error) *Error {
	if err == nil {
		return nil
	}

	var already *Error
	if errors.As(err, &already) {
		return already
	}

	var locked *lockedError
	if errors.As(err, &locked) {
		return &Error{Kind: KindRateLimited, RetryAfter: locked.retryAfter, reason: err}
	}

	switch {
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrWeakPassword),
		errors.Is(err, ErrEmailTaken), errors.Is(err, ErrSamePassword):
		return &Error{Kind: KindValidation, reason: err}

	case errors.Is(err, ErrCodeExpired):
		return &Error{Kind: KindExpired, reason: err}

	case errors.Is(err, ErrCodeUsed):
		return &Error{Kind: KindAlreadyUsed, reason: err}

	case errors.Is(err, ErrNoActiveSession):
		return &Error{Kind: KindNoSession, reason: err}

	case errors.Is(err, ErrTOTPRequired):
		return &Error{Kind: KindAuthentication, message: ErrTOTPRequired.Error()}

	case errors.Is(err, ErrTOTPNotEnrolled), errors.Is(err, ErrNoPendingTOTP),
		errors.Is(err, ErrTOTPAlreadyExist), errors.Is(err, ErrTOTPUnavailable):
		return &Error{Kind: KindValidation, reason: err}

	case errors.Is(err, ErrNotFound), errors.Is(err, ErrWrongPassword),
		errors.Is(err, ErrNoPendingCode), errors.Is(err, ErrEmailMismatch),
		errors.Is(err, ErrBadCode), errors.Is(err, ErrNoRecoveryKey),
		errors.Is(err, ErrKeyMismatch), errors.Is(err, ErrTOTPInvalid),
		errors.Is(err, ErrMalformed), errors.Is(err, ErrBadSignature),
		errors.Is(err, ErrTokenExpired), errors.Is(err, ErrCredentialMissing):
		return authFailure()

	case errors.Is(err, crypto.ErrCryptoFailure):
		return &Error{Kind: KindCryptoFailure, reason: err}

	default:
		return &Error{Kind: KindInternal, reason: err}
	}
}
