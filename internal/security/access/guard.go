// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package access implements the keyed, time-windowed throttles used by the
// credential subsystem.
//
// Guard is the attempt guard: it counts consecutive failures per key and
// locks the key for a fixed window once the threshold is reached. Keys are
// namespaced by the caller ("login:", "otp:", "recovery:") so one flow never
// locks out another.
//
// Buckets is the token-bucket limiter used to pace outbound requests, one
// bucket per provider identity.
//
// Both keep their state in process memory. Guard can optionally mirror its
// state into a key/value store, signed with HMAC-SHA256 so a tampered record
// is detected and discarded.
package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/security/audit"
	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultMaxAttempts is the number of consecutive failures that triggers a lock.
	DefaultMaxAttempts = 5

	// DefaultLockoutDuration is how long a key stays locked.
	DefaultLockoutDuration = 30 * time.Second

	// Key namespaces used by the auth flows.
	NamespaceLogin    = "login:"
	NamespaceOTP      = "otp:"
	NamespaceRecovery = "recovery:"
)

// =============================================================================
// ATTEMPT RECORD
// =============================================================================

// AttemptRecord tracks consecutive failures for one key.
type AttemptRecord struct {
	// Count is the number of consecutive failed attempts.
	Count int `json:"count"`

	FirstAttempt time.Time `json:"first_attempt,omitempty"`
	LastAttempt  time.Time `json:"last_attempt"`

	// LockedUntil is zero when the key is not locked.
	LockedUntil time.Time `json:"locked_until,omitempty"`

	// LockoutCount is the total number of lockouts for this key.
	LockoutCount int `json:"lockout_count,omitempty"`
}

// lockedAt reports whether the record is locked at now.
func (a *AttemptRecord) lockedAt(now time.Time) bool {
	return !a.LockedUntil.IsZero() && now.Before(a.LockedUntil)
}

// remaining returns the time left on the lock, or 0.
func (a *AttemptRecord) remaining(now time.Time) time.Duration {
	if !a.lockedAt(now) {
		return 0
	}
	return a.LockedUntil.Sub(now)
}

// =============================================================================
// GUARD
// =============================================================================

// Guard is the attempt guard. It is safe for concurrent use.
type Guard struct {
	attempts        map[string]*AttemptRecord
	maxAttempts     int
	lockoutDuration time.Duration
	now             func() time.Time
	sink            audit.Sink
	persist         *persistence

	mu sync.Mutex
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithMaxAttempts sets the failure threshold. Values below 1 are ignored.
func WithMaxAttempts(max int) GuardOption {
	return func(g *Guard) {
		if max >= 1 {
			g.maxAttempts = max
		}
	}
}

// WithLockoutDuration sets the lock window.
func WithLockoutDuration(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.lockoutDuration = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithAuditSink sets the sink for lockout events.
func WithAuditSink(sink audit.Sink) GuardOption {
	return func(g *Guard) {
		g.sink = sink
	}
}

// WithPersistence mirrors guard state into store under stateKey, signed
// with p. A nil p uses crypto.Default().
func WithPersistence(store storage.Store, stateKey string, p crypto.Provider) GuardOption {
	return func(g *Guard) {
		if store != nil {
			g.persist = &persistence{store: store, stateKey: stateKey, crypto: p}
		}
	}
}

// NewGuard creates a Guard. When persistence is configured the previous
// state is loaded before the guard is returned.
func NewGuard(ctx context.Context, opts ...GuardOption) (*Guard, error) {
	g := &Guard{
		attempts:        make(map[string]*AttemptRecord),
		maxAttempts:     DefaultMaxAttempts,
		lockoutDuration: DefaultLockoutDuration,
		now:             time.Now,
		sink:            audit.Nop{},
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.persist != nil {
		if err := g.persist.init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize lockout persistence: %w", err)
		}
		attempts, err := g.persist.load(ctx)
		if err != nil {
			g.logEvent("LOCKOUT_STATE_TAMPERED", "system", map[string]string{"reason": err.Error()})
		} else if attempts != nil {
			g.attempts = attempts
		}
	}

	return g, nil
}

// =============================================================================
// CORE OPERATIONS
// =============================================================================

// CheckLocked reports whether key is locked and, if so, how long until it
// unlocks. An expired lock is cleared as a side effect.
func (g *Guard) CheckLocked(key string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, ok := g.attempts[key]
	if !ok {
		return 0, false
	}

	now := g.now()
	if record.lockedAt(now) {
		g.logEvent(audit.EventAttemptBlocked, audit.Mask(key), map[string]string{
			"time_remaining": record.remaining(now).String(),
		})
		return record.remaining(now), true
	}

	if !record.LockedUntil.IsZero() {
		record.LockedUntil = time.Time{}
		record.Count = 0
		record.FirstAttempt = time.Time{}
		g.saveLocked()
	}
	return 0, false
}

// RecordFailure counts a failed attempt for key. It returns the lock
// duration remaining and true when key is locked after this call. Failures
// recorded while the key is already locked do not extend the lock.
func (g *Guard) RecordFailure(key string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	masked := audit.Mask(key)

	record, ok := g.attempts[key]
	if !ok {
		record = &AttemptRecord{}
		g.attempts[key] = record
	}

	if record.lockedAt(now) {
		return record.remaining(now), true
	}
	if !record.LockedUntil.IsZero() {
		record.LockedUntil = time.Time{}
		record.Count = 0
	}

	if record.Count == 0 {
		record.FirstAttempt = now
	}
	record.Count++
	record.LastAttempt = now

	g.logEvent(audit.EventAttemptFailed, masked, map[string]string{
		"attempt_count": fmt.Sprintf("%d/%d", record.Count, g.maxAttempts),
	})

	locked := false
	if record.Count >= g.maxAttempts {
		record.LockedUntil = now.Add(g.lockoutDuration)
		record.LockoutCount++
		locked = true

		g.logEvent(audit.EventLockout, masked, map[string]string{
			"duration":       g.lockoutDuration.String(),
			"until":          record.LockedUntil.Format(time.RFC3339),
			"lockout_number": fmt.Sprintf("%d", record.LockoutCount),
		})
	}

	g.saveLocked()
	return record.remaining(now), locked
}

// Clear removes all state for key. Called after a successful attempt.
func (g *Guard) Clear(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.attempts[key]; !ok {
		return
	}
	delete(g.attempts, key)
	g.saveLocked()
}

// Unlock releases a locked key ahead of its deadline.
func (g *Guard) Unlock(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, ok := g.attempts[key]
	if !ok || !record.lockedAt(g.now()) {
		return fmt.Errorf("identifier not locked: %s", audit.Mask(key))
	}

	record.LockedUntil = time.Time{}
	record.Count = 0
	g.logEvent("AUTH_UNLOCK", audit.Mask(key), map[string]string{"method": "manual"})
	g.saveLocked()
	return nil
}

// Status returns a copy of the record for key, or nil.
func (g *Guard) Status(key string) *AttemptRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, ok := g.attempts[key]
	if !ok {
		return nil
	}
	cp := *record
	return &cp
}

// =============================================================================
// LISTING AND STATS
// =============================================================================

// LockedEntry describes a currently locked key. Identifier is masked.
type LockedEntry struct {
	Identifier    string        `json:"identifier"`
	LockedUntil   time.Time     `json:"locked_until"`
	TimeRemaining time.Duration `json:"time_remaining"`
	LockoutCount  int           `json:"lockout_count"`
}

// ListLocked returns every key locked right now.
func (g *Guard) ListLocked() []LockedEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var locked []LockedEntry
	for key, record := range g.attempts {
		if record.lockedAt(now) {
			locked = append(locked, LockedEntry{
				Identifier:    audit.Mask(key),
				LockedUntil:   record.LockedUntil,
				TimeRemaining: record.remaining(now),
				LockoutCount:  record.LockoutCount,
			})
		}
	}
	return locked
}

// Stats summarizes guard state.
type Stats struct {
	TotalTracked    int           `json:"total_tracked"`
	CurrentlyLocked int           `json:"currently_locked"`
	TotalLockouts   int           `json:"total_lockouts"`
	MaxAttempts     int           `json:"max_attempts"`
	LockoutDuration time.Duration `json:"lockout_duration"`
	Persistent      bool          `json:"persistent"`
}

// Stats returns guard statistics.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	stats := Stats{
		TotalTracked:    len(g.attempts),
		MaxAttempts:     g.maxAttempts,
		LockoutDuration: g.lockoutDuration,
		Persistent:      g.persist != nil,
	}
	for _, record := range g.attempts {
		if record.lockedAt(now) {
			stats.CurrentlyLocked++
		}
		stats.TotalLockouts += record.LockoutCount
	}
	return stats
}

// Cleanup drops records whose lock has expired and whose last failure is
// older than the lockout window. It returns the number removed.
func (g *Guard) Cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for key, record := range g.attempts {
		if record.lockedAt(now) {
			continue
		}
		if now.Sub(record.LastAttempt) >= g.lockoutDuration {
			delete(g.attempts, key)
			removed++
		}
	}
	if removed > 0 {
		g.saveLocked()
	}
	return removed
}

// =============================================================================
// HELPERS
// =============================================================================

func (g *Guard) saveLocked() {
	if g.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.persist.save(ctx, g.attempts); err != nil {
		g.logEvent("LOCKOUT_STATE_SAVE_FAILED", "system", map[string]string{"reason": err.Error()})
	}
}

func (g *Guard) logEvent(eventType, subject string, metadata map[string]string) {
	success := true
	switch eventType {
	case audit.EventLockout, audit.EventAttemptBlocked, audit.EventAttemptFailed,
		"LOCKOUT_STATE_TAMPERED", "LOCKOUT_STATE_SAVE_FAILED":
		success = false
	}
	audit.Record(g.sink, eventType, subject, success, metadata)
}
