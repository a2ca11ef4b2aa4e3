// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-auth/internal/security/audit"
	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
)

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func requestCode(t *testing.T, f *fixture, email string) string {
	t.Helper()
	res, err := f.svc.RequestPasswordReset(context.Background(), email)
	require.NoError(t, err)
	require.Equal(t, ResetMessage, res.Message)
	require.Regexp(t, regexp.MustCompile(`^\d{6}$`), res.OTP)
	return res.OTP
}

func TestOTPSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "alice@example.com", "password123")
	require.NoError(t, f.svc.SignOut(ctx))

	code := requestCode(t, f, "alice@example.com")

	session, err := f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", code)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", session.User.Email)

	active, err := f.svc.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)

	_, err = f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", code)
	require.Error(t, err)
	assert.Equal(t, KindAlreadyUsed, KindOf(err))
	assert.ErrorIs(t, err, ErrCodeUsed)
}

func TestOTPExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "alice@example.com", "password123")

	code := requestCode(t, f, "alice@example.com")

	f.clock.Advance(DefaultOTPTTL)
	_, err := f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", code)
	require.NoError(t, err, "a code is still valid at its expiry instant")

	code = requestCode(t, f, "alice@example.com")
	f.clock.Advance(DefaultOTPTTL + time.Millisecond)
	_, err = f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", code)
	require.Error(t, err)
	assert.Equal(t, KindExpired, KindOf(err))
}

func TestOTPPlaintextIsNeverStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "alice@example.com", "password123")

	code := requestCode(t, f, "alice@example.com")
	_, err := f.store.Get(ctx, KeyPendingOTP)
	require.NoError(t, err)

	pending, err := f.svc.otp.load(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.NotEqual(t, code, pending.HashedCode)
	hash, err := crypto.DecodeBase64(pending.HashedCode)
	require.NoError(t, err)
	assert.Len(t, hash, 32)
	assert.False(t, pending.Used)
	assert.Equal(t, f.clock.Now().Add(DefaultOTPTTL).UnixMilli(), pending.ExpiresAt)
}

func TestOTPUnknownEmailIsNeutral(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.RequestPasswordReset(ctx, "ghost@example.com")
	require.NoError(t, err)
	assert.Equal(t, ResetMessage, res.Message)
	assert.Empty(t, res.OTP)

	_, err = f.store.Get(ctx, KeyPendingOTP)
	assert.Error(t, err, "no pending code is created")

	for i := 0; i < 4; i++ {
		_, err := f.svc.RequestPasswordReset(ctx, "ghost@example.com")
		require.NoError(t, err)
	}
	_, err = f.svc.RequestPasswordReset(ctx, "ghost@example.com")
	assert.Equal(t, KindRateLimited, KindOf(err), "unknown emails count against the guard")
}

func TestOTPWrongCodeLocksOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "alice@example.com", "password123")
	code := requestCode(t, f, "alice@example.com")

	for i := 0; i < 5; i++ {
		_, err := f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", wrongCode(code))
		assert.Equal(t, KindAuthentication, KindOf(err))
	}

	_, err := f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", code)
	assert.Equal(t, KindRateLimited, KindOf(err), "correct code is refused while locked")

	_, err = f.svc.SignIn(ctx, "alice@example.com", "password123")
	assert.NoError(t, err, "the OTP lock does not affect password sign-in")

	f.clock.Advance(30 * time.Second)
	_, err = f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", code)
	assert.NoError(t, err)
}

func TestOTPNewRequestSupersedes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "alice@example.com", "password123")
	f.signUp(t, "bob@example.com", "password123")

	aliceCode := requestCode(t, f, "alice@example.com")
	bobCode := requestCode(t, f, "bob@example.com")

	_, err := f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", aliceCode)
	assert.Equal(t, KindAuthentication, KindOf(err), "single pending code belongs to bob now")

	_, err = f.svc.VerifyOTPAndSignIn(ctx, "bob@example.com", bobCode)
	assert.NoError(t, err)

	first := requestCode(t, f, "alice@example.com")
	second := requestCode(t, f, "alice@example.com")
	if first != second {
		_, err = f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", first)
		assert.Equal(t, KindAuthentication, KindOf(err), "older code for the same email is superseded")
	}
	_, err = f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", second)
	assert.NoError(t, err)
}

func TestOTPPerEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPerEmailOTP(true))
	f.signUp(t, "alice@example.com", "password123")
	f.signUp(t, "bob@example.com", "password123")

	aliceCode := requestCode(t, f, "alice@example.com")
	bobCode := requestCode(t, f, "bob@example.com")

	_, err := f.svc.VerifyOTPAndSignIn(ctx, "alice@example.com", aliceCode)
	assert.NoError(t, err)
	_, err = f.svc.VerifyOTPAndSignIn(ctx, "bob@example.com", bobCode)
	assert.NoError(t, err)

	_, err = f.svc.VerifyOTPAndSignIn(ctx, "carol@example.com", bobCode)
	assert.Equal(t, KindAuthentication, KindOf(err))
}

func TestOTPNoPendingCode(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "alice@example.com", "password123")

	_, err := f.svc.VerifyOTPAndSignIn(context.Background(), "alice@example.com", "123456")
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, 1, f.sink.count(audit.EventOTPVerify, false))
}

func TestOTPMailerHandOff(t *testing.T) {
	mailer := &recordingMailer{}
	f := newFixture(t, WithMailer(mailer))
	f.signUp(t, "alice@example.com", "password123")

	code := requestCode(t, f, "Alice@Example.com")
	assert.Equal(t, code, mailer.sent["alice@example.com"])

	_, err := f.svc.RequestPasswordReset(context.Background(), "ghost@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, mailer.calls, "unknown emails are never mailed")
}

func TestOTPDigits(t *testing.T) {
	f := newFixture(t, WithOTPDigits(8), WithOTPTTL(time.Minute))
	f.signUp(t, "alice@example.com", "password123")

	res, err := f.svc.RequestPasswordReset(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Regexp(t, `^\d{8}$`, res.OTP)

	pending, err := f.svc.otp.load(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Minute).UnixMilli(), pending.ExpiresAt)
}
