// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTPEnrollmentFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithSealer(newTestSealer()))
	res := f.signUp(t, "tess@example.com", "password123")
	userID := res.Session.User.UserID

	_, err := f.svc.EnrollTOTP(ctx, userID, "wrong-password")
	assert.Equal(t, KindAuthentication, KindOf(err))

	err = f.svc.ConfirmTOTP(ctx, userID, "123456")
	assert.ErrorIs(t, err, ErrNoPendingTOTP)

	enrollment, err := f.svc.EnrollTOTP(ctx, userID, "password123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enrollment.URL, "otpauth://totp/"))
	assert.Contains(t, enrollment.URL, "issuer="+TOTPIssuer)

	raw, err := f.store.Get(ctx, KeyPendingTOTP+userID)
	require.NoError(t, err)
	assert.NotContains(t, raw, enrollment.Secret, "pending secret is sealed")

	code, err := TOTPCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)

	err = f.svc.ConfirmTOTP(ctx, userID, wrongCode(code))
	assert.Equal(t, KindAuthentication, KindOf(err))

	require.NoError(t, f.svc.ConfirmTOTP(ctx, userID, code))

	acct, err := f.svc.CurrentAccount(ctx)
	require.NoError(t, err)
	assert.True(t, acct.TOTPEnabled)

	_, err = f.svc.EnrollTOTP(ctx, userID, "password123")
	assert.ErrorIs(t, err, ErrTOTPAlreadyExist)

	// Password alone is no longer enough.
	_, err = f.svc.SignIn(ctx, "tess@example.com", "password123")
	require.Error(t, err)
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, ErrTOTPRequired.Error(), err.Error())
	assert.True(t, NeedsTOTP(err))

	f.clock.Advance(time.Minute)
	code, err = TOTPCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	_, err = f.svc.SignInWithTOTP(ctx, "tess@example.com", "password123", code)
	require.NoError(t, err)

	_, err = f.svc.SignInWithTOTP(ctx, "tess@example.com", "password123", wrongCode(code))
	assert.Equal(t, KindAuthentication, KindOf(err))
	assert.Equal(t, GenericAuthMessage, err.Error())

	require.NoError(t, f.svc.DisableTOTP(ctx, userID, "password123"))
	_, err = f.svc.SignIn(ctx, "tess@example.com", "password123")
	assert.NoError(t, err)

	err = f.svc.DisableTOTP(ctx, userID, "password123")
	assert.ErrorIs(t, err, ErrTOTPNotEnrolled)
}

func TestTOTPRequiredDoesNotCountAsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithSealer(newTestSealer()))
	res := f.signUp(t, "uma@example.com", "password123")
	userID := res.Session.User.UserID

	enrollment, err := f.svc.EnrollTOTP(ctx, userID, "password123")
	require.NoError(t, err)
	code, err := TOTPCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmTOTP(ctx, userID, code))

	for i := 0; i < 10; i++ {
		_, err := f.svc.SignIn(ctx, "uma@example.com", "password123")
		assert.Equal(t, KindAuthentication, KindOf(err))
	}
	assert.Nil(t, f.svc.guard.Status("login:uma@example.com"))
}

func TestTOTPWithoutSealer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.signUp(t, "vic@example.com", "password123")

	_, err := f.svc.EnrollTOTP(ctx, res.Session.User.UserID, "password123")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ErrorIs(t, err, ErrTOTPUnavailable)
}
