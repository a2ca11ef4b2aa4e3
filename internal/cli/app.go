// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Builds the auth subsystem from configuration.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/config"
	"github.com/jeranaias/rigrun-auth/internal/mail"
	"github.com/jeranaias/rigrun-auth/internal/security/access"
	"github.com/jeranaias/rigrun-auth/internal/security/audit"
	"github.com/jeranaias/rigrun-auth/internal/security/auth"
	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
	"github.com/jeranaias/rigrun-auth/internal/security/vault"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

// LockoutStateKey is where persistent lockout state lives in the store.
const LockoutStateKey = "security:lockout"

// mailDrainTimeout bounds how long Close waits for queued reset codes.
const mailDrainTimeout = 10 * time.Second

// App is one wired instance of the auth subsystem plus its terminal.
type App struct {
	Store   storage.Backend
	Guard   *access.Guard
	Vault   *vault.Vault
	Mail    *mail.Dispatcher
	Buckets *access.Buckets
	Auth    *auth.Service

	Out    io.Writer
	Err    io.Writer
	Prompt Prompter

	// ConfigPath is the file the config was loaded from, if any.
	ConfigPath string

	cfgMu  sync.RWMutex
	config *config.Config

	json  bool
	quiet bool
	logf  func(format string, args ...interface{})

	auditLog *audit.Logger
	cancel   context.CancelFunc
}

// AppOptions carries the terminal side of an App.
type AppOptions struct {
	Out     io.Writer
	Err     io.Writer
	Prompt  Prompter
	JSON    bool
	Quiet   bool
	Verbose bool

	// Store replaces the configured backend. The App takes ownership.
	Store storage.Backend

	// Clock replaces time.Now in the guard, buckets and auth service.
	Clock func() time.Time
}

// NewApp opens storage and builds every component from cfg.
func NewApp(ctx context.Context, cfg *config.Config, opts AppOptions) (*App, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Prompt == nil {
		opts.Prompt = NewTermPrompter(os.Stdin, opts.Err)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	a := &App{
		config: cfg,
		Out:    opts.Out,
		Err:    opts.Err,
		Prompt: opts.Prompt,
		json:   opts.JSON,
		quiet:  opts.Quiet,
		logf:   func(string, ...interface{}) {},
	}
	if opts.Verbose {
		logger := log.New(opts.Err, "", log.LstdFlags)
		a.logf = logger.Printf
	}

	ctx, a.cancel = context.WithCancel(ctx)
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Storage
	store := opts.Store
	if store == nil {
		s, err := storage.Open(ctx, storage.Options{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
		}
		store = s
	}
	a.Store = store

	// Audit
	var sink audit.Sink = audit.Nop{}
	if cfg.Audit.Enabled {
		l, err := audit.NewLogger(cfg.Audit.Path)
		if err != nil {
			fmt.Fprintf(a.Err, "AUDIT ERROR: %v\n", err)
		} else {
			if cfg.Audit.MaxSize > 0 {
				l.SetMaxSize(cfg.Audit.MaxSize)
			}
			a.auditLog = l
			sink = l
		}
	}

	provider := crypto.Default()

	// Lockout guard
	guardOpts := []access.GuardOption{
		access.WithMaxAttempts(cfg.Security.Lockout.MaxAttempts),
		access.WithLockoutDuration(cfg.Security.Lockout.Duration.Duration),
		access.WithAuditSink(sink),
		access.WithClock(now),
	}
	if cfg.Security.Lockout.Persist {
		guardOpts = append(guardOpts, access.WithPersistence(store, LockoutStateKey, provider))
	}
	guard, err := access.NewGuard(ctx, guardOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create lockout guard: %w", err)
	}
	a.Guard = guard

	// Vault
	a.Vault = vault.New(store, vault.WithCrypto(provider), vault.WithAuditSink(sink))

	// Mail
	sender, err := mail.NewSender(cfg.Mail.Driver, cfg.Mail.From, cfg.Mail.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail sender: %w", err)
	}
	if sender != nil {
		a.Mail = mail.NewDispatcher(sender,
			mail.WithRate(cfg.Mail.Rate, cfg.Mail.Burst),
			mail.WithQueueSize(cfg.Mail.QueueSize),
			mail.WithLogger(a.logf),
		)
		a.Mail.Start(ctx)
	}

	// Provider buckets
	a.Buckets = newBuckets(cfg, now)

	// Auth facade
	authOpts := []auth.Option{
		auth.WithCrypto(provider),
		auth.WithClock(now),
		auth.WithIterations(cfg.Security.KDFIterations),
		auth.WithMinPasswordLength(cfg.Security.MinPasswordLength),
		auth.WithSessionTTL(cfg.Security.Session.TTL.Duration),
		auth.WithOTPTTL(cfg.Security.OTP.TTL.Duration),
		auth.WithOTPDigits(cfg.Security.OTP.Digits),
		auth.WithPerEmailOTP(cfg.Security.OTP.PerEmail),
		auth.WithDerivedSigningKey(cfg.Security.Session.DeriveSigningKey),
		auth.WithGuard(guard),
		auth.WithAuditSink(sink),
		auth.WithSealer(a.Vault),
		auth.WithLogger(a.logf),
	}
	if a.Mail != nil {
		authOpts = append(authOpts, auth.WithMailer(a.Mail))
	}
	svc, err := auth.NewService(ctx, store, authOpts...)
	if err != nil {
		return nil, err
	}
	a.Auth = svc

	ok = true
	return a, nil
}

// newBuckets builds one bucket per configured provider. Unlisted providers
// get access.DefaultLimit.
func newBuckets(cfg *config.Config, now func() time.Time) *access.Buckets {
	opts := []access.BucketsOption{access.WithBucketClock(now)}
	for name, l := range cfg.Limits {
		opts = append(opts, access.WithLimit(name, toLimit(l)))
	}
	return access.NewBuckets(access.DefaultLimit, opts...)
}

func toLimit(l config.LimitConfig) access.Limit {
	return access.Limit{
		MaxRequests: l.MaxRequests,
		Window:      l.Window.Duration,
		MinInterval: l.MinInterval.Duration,
	}
}

// ApplyLimits pushes the limits of cfg into the running buckets and returns
// the providers whose limit changed.
func (a *App) ApplyLimits(cfg *config.Config) []string {
	var changed []string
	for name, l := range cfg.Limits {
		if a.Buckets.SetLimit(name, toLimit(l)) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)

	a.cfgMu.Lock()
	a.config = cfg
	a.cfgMu.Unlock()
	return changed
}

// Config returns the current configuration.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.config
}

// Close drains the mail queue and releases storage and the audit log.
func (a *App) Close() error {
	var errs []error
	if a.Mail != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mailDrainTimeout)
		if err := a.Mail.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mail: %w", err))
		}
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

// emit prints data as JSON in --json mode and otherwise calls human.
func (a *App) emit(command string, data interface{}, human func()) error {
	if a.json {
		return NewJSONResponse(command, data).Print(a.Out)
	}
	human()
	return nil
}

// info prints an informational line unless --quiet or --json is set.
func (a *App) info(format string, args ...interface{}) {
	if a.quiet || a.json {
		return
	}
	fmt.Fprintf(a.Out, format+"\n", args...)
}
