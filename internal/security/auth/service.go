// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/security/access"
	"github.com/jeranaias/rigrun-auth/internal/security/audit"
	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

// ResetMessage is shown for every reset request, known email or not.
const ResetMessage = "If an account exists for this email, a reset code has been sent."

// env is the set of collaborators shared by the components.
type env struct {
	store      storage.Store
	crypto     crypto.Provider
	now        func() time.Time
	iterations int
	sink       audit.Sink
	logger     func(format string, args ...interface{})
}

func (e *env) logf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger(format, args...)
	}
}

// Mailer hands a reset code to the delivery layer without waiting for it.
type Mailer interface {
	Enqueue(to, code string) error
}

// =============================================================================
// OPTIONS
// =============================================================================

type serviceConfig struct {
	crypto      crypto.Provider
	now         func() time.Time
	iterations  int
	minPassword int
	sessionTTL  time.Duration
	otpTTL      time.Duration
	otpDigits   int
	perEmailOTP bool
	deriveKey   bool
	guard       *access.Guard
	sink        audit.Sink
	mailer      Mailer
	sealer      Sealer
	logger      func(format string, args ...interface{})
}

// Option configures a Service.
type Option func(*serviceConfig)

// WithCrypto sets the crypto provider.
func WithCrypto(p crypto.Provider) Option {
	return func(c *serviceConfig) { c.crypto = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *serviceConfig) { c.now = now }
}

// WithIterations sets the PBKDF2 iteration count for every derived hash.
func WithIterations(n int) Option {
	return func(c *serviceConfig) {
		if n > 0 {
			c.iterations = n
		}
	}
}

// WithMinPasswordLength sets the shortest accepted password.
func WithMinPasswordLength(n int) Option {
	return func(c *serviceConfig) { c.minPassword = n }
}

// WithSessionTTL sets the session lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(c *serviceConfig) { c.sessionTTL = d }
}

// WithOTPTTL sets the reset code lifetime.
func WithOTPTTL(d time.Duration) Option {
	return func(c *serviceConfig) { c.otpTTL = d }
}

// WithOTPDigits sets the reset code length.
func WithOTPDigits(n int) Option {
	return func(c *serviceConfig) { c.otpDigits = n }
}

// WithPerEmailOTP keys pending reset codes by email.
func WithPerEmailOTP(enabled bool) Option {
	return func(c *serviceConfig) { c.perEmailOTP = enabled }
}

// WithDerivedSigningKey signs tokens with an HKDF subkey of the password
// salt instead of the salt itself.
func WithDerivedSigningKey(enabled bool) Option {
	return func(c *serviceConfig) { c.deriveKey = enabled }
}

// WithGuard shares an attempt guard, e.g. one with persistence enabled.
func WithGuard(g *access.Guard) Option {
	return func(c *serviceConfig) { c.guard = g }
}

// WithAuditSink sets the audit destination.
func WithAuditSink(sink audit.Sink) Option {
	return func(c *serviceConfig) { c.sink = sink }
}

// WithMailer sets the reset code delivery layer.
func WithMailer(m Mailer) Option {
	return func(c *serviceConfig) { c.mailer = m }
}

// WithSealer enables the second factor by providing secret storage.
func WithSealer(s Sealer) Option {
	return func(c *serviceConfig) { c.sealer = s }
}

// WithLogger replaces log.Printf for operational messages. nil silences them.
func WithLogger(logf func(format string, args ...interface{})) Option {
	return func(c *serviceConfig) { c.logger = logf }
}

// =============================================================================
// SERVICE
// =============================================================================

// Service is the facade over the credential subsystem. Every error it
// returns is an *Error.
type Service struct {
	env      *env
	creds    *Credentials
	issuer   *Issuer
	otp      *OTPFlow
	recovery *RecoveryFlow
	totp     *TOTPFlow
	guard    *access.Guard
	mailer   Mailer
}

// NewService builds a Service over store.
func NewService(ctx context.Context, store storage.Store, opts ...Option) (*Service, error) {
	cfg := &serviceConfig{
		crypto:     crypto.Default(),
		now:        time.Now,
		iterations: crypto.DefaultIterations,
		sink:       audit.Nop{},
		logger:     log.Printf,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	e := &env{
		store:      store,
		crypto:     cfg.crypto,
		now:        cfg.now,
		iterations: cfg.iterations,
		sink:       cfg.sink,
		logger:     cfg.logger,
	}

	guard := cfg.guard
	if guard == nil {
		g, err := access.NewGuard(ctx, access.WithClock(cfg.now), access.WithAuditSink(cfg.sink))
		if err != nil {
			return nil, fmt.Errorf("failed to create attempt guard: %w", err)
		}
		guard = g
	}

	creds, err := newCredentials(e, cfg.minPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential store: %w", err)
	}
	issuer := newIssuer(e, creds, cfg.sessionTTL, cfg.deriveKey)

	return &Service{
		env:      e,
		creds:    creds,
		issuer:   issuer,
		otp:      newOTPFlow(e, creds, issuer, guard, cfg.otpTTL, cfg.otpDigits, cfg.perEmailOTP),
		recovery: &RecoveryFlow{env: e, creds: creds, issuer: issuer, guard: guard},
		totp:     &TOTPFlow{env: e, creds: creds, sealer: cfg.sealer},
		guard:    guard,
		mailer:   cfg.mailer,
	}, nil
}

// fail classifies err, logging failures that are not the caller's fault.
func (s *Service) fail(op, subject string, err error) error {
	e := classify(err)
	switch e.Kind {
	case KindCryptoFailure:
		s.env.logf("AUTH_ERROR | op=%s subject=%s kind=%s", op, subject, e.Kind)
		audit.Record(s.env.sink, audit.EventCryptoFailure, subject, false, map[string]string{"op": op})
	case KindInternal:
		s.env.logf("AUTH_ERROR | op=%s subject=%s kind=%s error=%v", op, subject, e.Kind, err)
	}
	return e
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// SignUpResult is returned by SignUp. RecoveryKey is shown once.
type SignUpResult struct {
	Session     *Session
	RecoveryKey string
}

// SignUp creates an account, issues its recovery key and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password string) (*SignUpResult, error) {
	subject := audit.Mask(NormalizeEmail(email))

	// The recovery key is written with the credential; a failed write
	// leaves nothing behind, so a retry is not met with EmailTaken.
	key, err := GenerateRecoveryKey(s.env.crypto)
	if err != nil {
		return nil, s.fail("signup", subject, err)
	}
	withKey, err := s.recovery.withKey(key)
	if err != nil {
		return nil, s.fail("signup", subject, err)
	}

	cred, err := s.creds.Create(ctx, email, password, withKey)
	if err != nil {
		audit.Record(s.env.sink, audit.EventSignUp, subject, false, nil)
		return nil, s.fail("signup", subject, err)
	}

	session, err := s.issuer.Start(ctx, cred)
	if err != nil {
		return nil, s.fail("signup", subject, err)
	}

	audit.Record(s.env.sink, audit.EventSignUp, subject, true, nil)
	s.env.logf("AUTH_SIGNUP | user=%s", audit.Mask(cred.UserID))
	return &SignUpResult{Session: session, RecoveryKey: key}, nil
}

// SignIn verifies email and password and starts a session. Accounts with a
// second factor must use SignInWithTOTP.
func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	return s.signIn(ctx, email, password, "")
}

// SignInWithTOTP is SignIn with a second-factor code.
func (s *Service) SignInWithTOTP(ctx context.Context, email, password, code string) (*Session, error) {
	return s.signIn(ctx, email, password, code)
}

func (s *Service) signIn(ctx context.Context, email, password, code string) (*Session, error) {
	email = NormalizeEmail(email)
	subject := audit.Mask(email)
	guardKey := access.NamespaceLogin + email

	if retry, locked := s.guard.CheckLocked(guardKey); locked {
		return nil, &Error{Kind: KindRateLimited, RetryAfter: retry}
	}

	cred, err := s.creds.Verify(ctx, email, password)
	if err == nil {
		err = s.totp.Check(ctx, cred, code)
	}
	if err != nil {
		if isRejection(err) {
			s.guard.RecordFailure(guardKey)
		}
		audit.Record(s.env.sink, audit.EventSignIn, subject, false, nil)
		return nil, s.fail("signin", subject, err)
	}
	s.guard.Clear(guardKey)

	session, err := s.issuer.Start(ctx, cred)
	if err != nil {
		return nil, s.fail("signin", subject, err)
	}
	audit.Record(s.env.sink, audit.EventSignIn, subject, true, nil)
	return session, nil
}

// SignOut clears the active session. Credentials are untouched.
func (s *Service) SignOut(ctx context.Context) error {
	if err := s.issuer.Clear(ctx); err != nil {
		return s.fail("signout", "", err)
	}
	audit.Record(s.env.sink, audit.EventSignOut, "", true, nil)
	return nil
}

// ChangePassword replaces the password of userID. Every token minted before
// the change stops verifying; if the active session belongs to userID it is
// re-minted so this installation stays signed in.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	subject := audit.Mask(userID)

	prior, err := s.issuer.load(ctx)
	if err != nil {
		return s.fail("passwd", subject, err)
	}

	cred, err := s.creds.ChangePassword(ctx, userID, current, next)
	if err != nil {
		audit.Record(s.env.sink, audit.EventPasswordChange, subject, false, nil)
		return s.fail("passwd", subject, err)
	}

	if prior != nil && prior.User.UserID == userID {
		if _, err := s.issuer.Start(ctx, cred); err != nil {
			return s.fail("passwd", subject, err)
		}
	}
	audit.Record(s.env.sink, audit.EventPasswordChange, subject, true, nil)
	return nil
}

// =============================================================================
// RECOVERY
// =============================================================================

// ResetResult is returned by RequestPasswordReset. OTP is empty unless a
// code was just issued; the caller owns its delivery.
type ResetResult struct {
	Message string
	OTP     string
}

// RequestPasswordReset issues an emailed reset code. The result looks the
// same for known and unknown emails.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (*ResetResult, error) {
	email = NormalizeEmail(email)
	subject := audit.Mask(email)

	code, err := s.otp.Request(ctx, email)
	if err != nil {
		audit.Record(s.env.sink, audit.EventOTPRequest, subject, false, nil)
		return nil, s.fail("reset_request", subject, err)
	}

	if code != "" && s.mailer != nil {
		if err := s.mailer.Enqueue(email, code); err != nil {
			s.env.logf("AUTH_MAIL_FAILED | subject=%s error=%v", subject, err)
		}
	}
	audit.Record(s.env.sink, audit.EventOTPRequest, subject, true, nil)
	return &ResetResult{Message: ResetMessage, OTP: code}, nil
}

// VerifyOTPAndSignIn redeems a reset code and starts a session.
func (s *Service) VerifyOTPAndSignIn(ctx context.Context, email, code string) (*Session, error) {
	subject := audit.Mask(NormalizeEmail(email))

	session, err := s.otp.Verify(ctx, email, code)
	if err != nil {
		audit.Record(s.env.sink, audit.EventOTPVerify, subject, false, nil)
		return nil, s.fail("reset_verify", subject, err)
	}
	audit.Record(s.env.sink, audit.EventOTPVerify, subject, true, nil)
	return session, nil
}

// VerifyRecoveryKeyAndSignIn checks a recovery key and starts a session.
func (s *Service) VerifyRecoveryKeyAndSignIn(ctx context.Context, email, key string) (*Session, error) {
	subject := audit.Mask(NormalizeEmail(email))

	session, err := s.recovery.Verify(ctx, email, key)
	if err != nil {
		audit.Record(s.env.sink, audit.EventRecoveryVerify, subject, false, nil)
		return nil, s.fail("recover", subject, err)
	}
	audit.Record(s.env.sink, audit.EventRecoveryVerify, subject, true, nil)
	return session, nil
}

// RegenerateRecoveryKey replaces the recovery key of userID and returns the
// new key. The previous key stops working immediately.
func (s *Service) RegenerateRecoveryKey(ctx context.Context, userID, password string) (string, error) {
	subject := audit.Mask(userID)

	key, err := s.recovery.Regenerate(ctx, userID, password)
	if err != nil {
		audit.Record(s.env.sink, audit.EventRecoveryRotate, subject, false, nil)
		return "", s.fail("rekey", subject, err)
	}
	audit.Record(s.env.sink, audit.EventRecoveryRotate, subject, true, nil)
	return key, nil
}

// =============================================================================
// SESSION
// =============================================================================

// GetSession returns the active session or nil.
func (s *Service) GetSession(ctx context.Context) (*Session, error) {
	session, err := s.issuer.Active(ctx)
	if err != nil {
		return nil, s.fail("session", "", err)
	}
	return session, nil
}

// RefreshSession extends the active session and reports whether it did.
func (s *Service) RefreshSession(ctx context.Context) bool {
	session, err := s.issuer.Refresh(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoActiveSession) {
			s.fail("refresh", "", err)
			audit.Record(s.env.sink, audit.EventSessionRefresh, "", false, nil)
		}
		return false
	}
	audit.Record(s.env.sink, audit.EventSessionRefresh, audit.Mask(session.User.UserID), true, nil)
	return true
}

// VerifyToken checks an access token and returns its claims.
func (s *Service) VerifyToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.issuer.Verify(ctx, token)
	if err != nil {
		return nil, s.fail("verify_token", "", err)
	}
	return claims, nil
}

// Account describes the signed-in account.
type Account struct {
	User           User      `json:"user"`
	HasRecoveryKey bool      `json:"hasRecoveryKey"`
	TOTPEnabled    bool      `json:"totpEnabled"`
	SessionExpires time.Time `json:"sessionExpires"`
}

// CurrentAccount returns the account behind the active session.
func (s *Service) CurrentAccount(ctx context.Context) (*Account, error) {
	session, err := s.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, &Error{Kind: KindNoSession, reason: ErrNoActiveSession}
	}
	cred, err := s.creds.FindByID(ctx, session.User.UserID)
	if err != nil {
		return nil, s.fail("account", "", err)
	}
	return &Account{
		User:           cred.User(),
		HasRecoveryKey: cred.HasRecoveryKey(),
		TOTPEnabled:    cred.HasTOTP(),
		SessionExpires: session.Expires(),
	}, nil
}

// =============================================================================
// SECOND FACTOR
// =============================================================================

// EnrollTOTP starts second-factor enrollment for userID.
func (s *Service) EnrollTOTP(ctx context.Context, userID, password string) (*TOTPEnrollment, error) {
	subject := audit.Mask(userID)
	enrollment, err := s.totp.Enroll(ctx, userID, password)
	if err != nil {
		return nil, s.fail("totp_enroll", subject, err)
	}
	audit.Record(s.env.sink, audit.EventTOTPEnroll, subject, true, map[string]string{"stage": "started"})
	return enrollment, nil
}

// ConfirmTOTP completes enrollment with a code from the authenticator.
func (s *Service) ConfirmTOTP(ctx context.Context, userID, code string) error {
	subject := audit.Mask(userID)
	if err := s.totp.Confirm(ctx, userID, code); err != nil {
		audit.Record(s.env.sink, audit.EventTOTPEnroll, subject, false, map[string]string{"stage": "confirm"})
		return s.fail("totp_confirm", subject, err)
	}
	audit.Record(s.env.sink, audit.EventTOTPEnroll, subject, true, map[string]string{"stage": "confirmed"})
	return nil
}

// DisableTOTP removes the second factor of userID.
func (s *Service) DisableTOTP(ctx context.Context, userID, password string) error {
	subject := audit.Mask(userID)
	if err := s.totp.Disable(ctx, userID, password); err != nil {
		return s.fail("totp_disable", subject, err)
	}
	audit.Record(s.env.sink, audit.EventTOTPEnroll, subject, true, map[string]string{"stage": "disabled"})
	return nil
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// LockoutStats reports the attempt guard's state.
func (s *Service) LockoutStats() access.Stats {
	return s.guard.Stats()
}

// AccountCount returns the number of stored accounts.
func (s *Service) AccountCount(ctx context.Context) (int, error) {
	n, err := s.creds.Count(ctx)
	if err != nil {
		return 0, s.fail("count", "", err)
	}
	return n, nil
}

// LockedAccounts lists the currently locked guard keys, masked.
func (s *Service) LockedAccounts() []access.LockedEntry {
	return s.guard.ListLocked()
}
