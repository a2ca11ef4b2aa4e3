// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jeranaias/rigrun-auth/internal/storage"
)

const (
	// KeyPendingTOTP prefixes an enrollment awaiting its first code.
	KeyPendingTOTP = "auth:totp_pending:"

	// TOTPIssuer is the issuer shown by authenticator apps.
	TOTPIssuer = "rigrun"

	totpSecretSize = 20
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Sealer encrypts small secrets at rest. The API-key vault implements it.
type Sealer interface {
	Seal(ctx context.Context, label string, plaintext []byte) (string, error)
	Open(ctx context.Context, label, sealed string) ([]byte, error)
}

// TOTPEnrollment is returned once when enrollment starts.
type TOTPEnrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// TOTPFlow manages the optional time-based second factor.
type TOTPFlow struct {
	env    *env
	creds  *Credentials
	sealer Sealer
}

func totpLabel(userID string) string {
	return "totp:" + userID
}

// Enroll starts enrollment after re-verifying the password. The secret is
// held sealed until Confirm proves the authenticator produces codes.
func (f *TOTPFlow) Enroll(ctx context.Context, userID, password string) (*TOTPEnrollment, error) {
	if f.sealer == nil {
		return nil, ErrTOTPUnavailable
	}
	cred, err := f.creds.VerifyByID(ctx, userID, password)
	if err != nil {
		return nil, err
	}
	if cred.HasTOTP() {
		return nil, ErrTOTPAlreadyExist
	}

	secret, err := f.env.crypto.RandomBytes(totpSecretSize)
	if err != nil {
		return nil, err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: cred.Email,
		Secret:      secret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	sealed, err := f.sealer.Seal(ctx, totpLabel(userID), []byte(key.Secret()))
	if err != nil {
		return nil, err
	}
	if err := f.env.store.Set(ctx, KeyPendingTOTP+userID, sealed); err != nil {
		return nil, fmt.Errorf("failed to save pending enrollment: %w", err)
	}
	return &TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Confirm completes enrollment when code matches the pending secret.
func (f *TOTPFlow) Confirm(ctx context.Context, userID, code string) error {
	if f.sealer == nil {
		return ErrTOTPUnavailable
	}
	sealed, err := f.env.store.Get(ctx, KeyPendingTOTP+userID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoPendingTOTP
	}
	if err != nil {
		return fmt.Errorf("failed to load pending enrollment: %w", err)
	}

	secret, err := f.sealer.Open(ctx, totpLabel(userID), sealed)
	if err != nil {
		return err
	}
	if !f.valid(code, string(secret)) {
		return ErrTOTPInvalid
	}

	if err := f.creds.SetTOTPSecret(ctx, userID, sealed); err != nil {
		return err
	}
	if err := f.env.store.Delete(ctx, KeyPendingTOTP+userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to clear pending enrollment: %w", err)
	}
	return nil
}

// Disable removes the second factor after re-verifying the password.
func (f *TOTPFlow) Disable(ctx context.Context, userID, password string) error {
	cred, err := f.creds.VerifyByID(ctx, userID, password)
	if err != nil {
		return err
	}
	if !cred.HasTOTP() {
		return ErrTOTPNotEnrolled
	}
	return f.creds.SetTOTPSecret(ctx, userID, "")
}

// Check validates code against the enrolled secret of cred.
func (f *TOTPFlow) Check(ctx context.Context, cred *Credential, code string) error {
	if !cred.HasTOTP() {
		return nil
	}
	if strings.TrimSpace(code) == "" {
		return ErrTOTPRequired
	}
	if f.sealer == nil {
		return ErrTOTPUnavailable
	}
	secret, err := f.sealer.Open(ctx, totpLabel(cred.UserID), cred.TOTPSecret)
	if err != nil {
		return err
	}
	if !f.valid(code, string(secret)) {
		return ErrTOTPInvalid
	}
	return nil
}

func (f *TOTPFlow) valid(code, secret string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, f.env.now(), totpOpts)
	return err == nil && ok
}

// TOTPCode returns the code for secret at t.
func TOTPCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totpOpts)
}
