// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGuard(t *testing.T, clock *fakeClock, opts ...GuardOption) *Guard {
	t.Helper()
	opts = append([]GuardOption{WithClock(clock.Now)}, opts...)
	g, err := NewGuard(context.Background(), opts...)
	require.NoError(t, err)
	return g
}

func TestGuardLocksAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)
	key := NamespaceLogin + "bob@x.com"

	for i := 1; i < DefaultMaxAttempts; i++ {
		_, locked := g.RecordFailure(key)
		assert.False(t, locked, "attempt %d should not lock", i)
		_, locked = g.CheckLocked(key)
		assert.False(t, locked)
	}

	retry, locked := g.RecordFailure(key)
	require.True(t, locked, "fifth failure should lock")
	assert.Equal(t, DefaultLockoutDuration, retry)

	retry, locked = g.CheckLocked(key)
	require.True(t, locked)
	assert.Equal(t, 30*time.Second, retry)

	clock.Advance(10 * time.Second)
	retry, locked = g.CheckLocked(key)
	require.True(t, locked)
	assert.Equal(t, 20*time.Second, retry)
}

func TestGuardLockExpires(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)
	key := NamespaceOTP + "alice@example.com"

	for i := 0; i < DefaultMaxAttempts; i++ {
		g.RecordFailure(key)
	}
	_, locked := g.CheckLocked(key)
	require.True(t, locked)

	clock.Advance(DefaultLockoutDuration)
	_, locked = g.CheckLocked(key)
	assert.False(t, locked, "lock should expire after the window")

	status := g.Status(key)
	require.NotNil(t, status)
	assert.Equal(t, 0, status.Count, "expired lock resets the counter")
	assert.Equal(t, 1, status.LockoutCount)

	_, locked = g.RecordFailure(key)
	assert.False(t, locked, "a single failure after expiry must not relock")
}

func TestGuardFailureWhileLockedDoesNotExtend(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)
	key := "login:x"

	for i := 0; i < DefaultMaxAttempts; i++ {
		g.RecordFailure(key)
	}
	clock.Advance(5 * time.Second)
	retry, locked := g.RecordFailure(key)
	assert.True(t, locked)
	assert.Equal(t, 25*time.Second, retry)
}

func TestGuardNamespacesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	for i := 0; i < DefaultMaxAttempts; i++ {
		g.RecordFailure(NamespaceOTP + "bob@x.com")
	}

	_, locked := g.CheckLocked(NamespaceOTP + "bob@x.com")
	assert.True(t, locked)
	_, locked = g.CheckLocked(NamespaceLogin + "bob@x.com")
	assert.False(t, locked)
	_, locked = g.CheckLocked(NamespaceRecovery + "bob@x.com")
	assert.False(t, locked)
}

func TestGuardClear(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	g.RecordFailure("login:a")
	g.RecordFailure("login:a")
	g.Clear("login:a")
	assert.Nil(t, g.Status("login:a"))

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		_, locked := g.RecordFailure("login:a")
		assert.False(t, locked, "counter should restart after Clear")
	}
}

func TestGuardOptions(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock, WithMaxAttempts(2), WithLockoutDuration(time.Minute), WithMaxAttempts(0))

	g.RecordFailure("k")
	retry, locked := g.RecordFailure("k")
	assert.True(t, locked)
	assert.Equal(t, time.Minute, retry)

	stats := g.Stats()
	assert.Equal(t, 2, stats.MaxAttempts)
	assert.Equal(t, 1, stats.CurrentlyLocked)
	assert.Equal(t, 1, stats.TotalLockouts)
	assert.False(t, stats.Persistent)

	locked2 := g.ListLocked()
	require.Len(t, locked2, 1)
	assert.NotEqual(t, "k", locked2[0].Identifier)

	require.NoError(t, g.Unlock("k"))
	_, isLocked := g.CheckLocked("k")
	assert.False(t, isLocked)
	assert.Error(t, g.Unlock("k"))
}

func TestGuardCleanup(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock)

	g.RecordFailure("a")
	for i := 0; i < DefaultMaxAttempts; i++ {
		g.RecordFailure("b")
	}

	clock.Advance(DefaultLockoutDuration - time.Second)
	assert.Equal(t, 0, g.Cleanup())

	clock.Advance(time.Second)
	assert.Equal(t, 2, g.Cleanup())
	assert.Equal(t, 0, g.Stats().TotalTracked)
}

func TestGuardConcurrentFailures(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(t, clock, WithMaxAttempts(1000))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RecordFailure("login:race")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, g.Status("login:race").Count)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestGuardPersistence(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemory()

	g := newTestGuard(t, clock, WithPersistence(store, "", nil))
	for i := 0; i < DefaultMaxAttempts; i++ {
		g.RecordFailure("login:bob@x.com")
	}

	_, err := store.Get(ctx, DefaultStateKey)
	require.NoError(t, err, "state should be written to the store")

	restarted := newTestGuard(t, clock, WithPersistence(store, "", nil))
	retry, locked := restarted.CheckLocked("login:bob@x.com")
	assert.True(t, locked, "lock should survive a restart")
	assert.Equal(t, DefaultLockoutDuration, retry)
	assert.True(t, restarted.Stats().Persistent)
}

func TestGuardPersistenceDetectsTampering(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemory()

	g := newTestGuard(t, clock, WithPersistence(store, "", nil))
	for i := 0; i < DefaultMaxAttempts; i++ {
		g.RecordFailure("login:bob@x.com")
	}

	encoded, err := store.Get(ctx, DefaultStateKey)
	require.NoError(t, err)
	payload, err := crypto.DecodeBase64(encoded)
	require.NoError(t, err)
	payload[0] ^= 0x01
	require.NoError(t, store.Set(ctx, DefaultStateKey, crypto.EncodeBase64(payload)))

	restarted := newTestGuard(t, clock, WithPersistence(store, "", nil))
	_, locked := restarted.CheckLocked("login:bob@x.com")
	assert.False(t, locked, "tampered state must be discarded")
}

// countingProvider records Sign calls on top of the default primitives.
type countingProvider struct {
	crypto.Provider
	mu    sync.Mutex
	signs int
}

func (p *countingProvider) Sign(message, key []byte) ([]byte, error) {
	p.mu.Lock()
	p.signs++
	p.mu.Unlock()
	return p.Provider.Sign(message, key)
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signs
}

func TestGuardPersistenceSignsWithProvider(t *testing.T) {
	clock := newFakeClock()
	store := storage.NewMemory()
	provider := &countingProvider{Provider: crypto.Default()}

	g := newTestGuard(t, clock, WithPersistence(store, "", provider))
	g.RecordFailure("login:bob@x.com")
	saved := provider.count()
	assert.Positive(t, saved, "saving state signs it through the provider")

	restarted := newTestGuard(t, clock, WithPersistence(store, "", provider))
	assert.Greater(t, provider.count(), saved, "loading state verifies it through the provider")
	assert.Equal(t, 1, restarted.Status("login:bob@x.com").Count)
}
