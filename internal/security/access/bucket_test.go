// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketsAllowUntilEmpty(t *testing.T) {
	clock := newFakeClock()
	b := NewBuckets(Limit{MaxRequests: 3, Window: time.Minute}, WithBucketClock(clock.Now))

	for i := 0; i < 3; i++ {
		ok, _ := b.Allow("provider:openrouter")
		require.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, wait := b.Allow("provider:openrouter")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)
	assert.Equal(t, 0, b.Remaining("provider:openrouter"))
}

func TestBucketsRefillWholeWindows(t *testing.T) {
	clock := newFakeClock()
	b := NewBuckets(Limit{MaxRequests: 2, Window: 10 * time.Second}, WithBucketClock(clock.Now))
	key := "provider:x"

	b.Allow(key)
	b.Allow(key)
	assert.Equal(t, 0, b.Remaining(key))

	clock.Advance(9 * time.Second)
	assert.Equal(t, 0, b.Remaining(key), "partial window adds nothing")

	clock.Advance(1 * time.Second)
	assert.Equal(t, 2, b.Remaining(key), "one window refills to capacity")

	clock.Advance(time.Hour)
	assert.Equal(t, 2, b.Remaining(key), "refill is capped at MaxRequests")
}

func TestBucketsPartialRefill(t *testing.T) {
	clock := newFakeClock()
	b := NewBuckets(Limit{MaxRequests: 5, Window: time.Second}, WithBucketClock(clock.Now))
	key := "k"

	for i := 0; i < 5; i++ {
		ok, _ := b.Allow(key)
		require.True(t, ok)
	}
	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, 5, b.Remaining(key))

	// The half window left over still counts toward the next refill.
	for i := 0; i < 5; i++ {
		ok, _ := b.Allow(key)
		require.True(t, ok)
	}
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 5, b.Remaining(key))
}

func TestBucketsLongIdleDoesNotOverflow(t *testing.T) {
	clock := newFakeClock()
	capacity := 1 << 30
	b := NewBuckets(Limit{MaxRequests: capacity, Window: time.Nanosecond}, WithBucketClock(clock.Now))
	key := "k"

	ok, _ := b.Allow(key)
	require.True(t, ok)
	// 200 years of nanosecond windows times 2^30 overflows int64.
	clock.Advance(200 * 365 * 24 * time.Hour)
	assert.Equal(t, capacity, b.Remaining(key))
	ok, _ = b.Allow(key)
	assert.True(t, ok)
	assert.Equal(t, capacity-1, b.Remaining(key))
}

func TestBucketsMinInterval(t *testing.T) {
	clock := newFakeClock()
	b := NewBuckets(Limit{MaxRequests: 10, Window: time.Minute, MinInterval: time.Second}, WithBucketClock(clock.Now))
	key := "provider:anthropic"

	ok, _ := b.Allow(key)
	require.True(t, ok)

	ok, wait := b.Allow(key)
	assert.False(t, ok, "second request inside MinInterval is refused")
	assert.Equal(t, time.Second, wait)
	assert.Equal(t, 9, b.Remaining(key), "refused request consumes nothing")

	clock.Advance(time.Second)
	ok, _ = b.Allow(key)
	assert.True(t, ok)
}

func TestBucketsRemainingHasNoSideEffect(t *testing.T) {
	clock := newFakeClock()
	b := NewBuckets(Limit{MaxRequests: 10, Window: time.Minute, MinInterval: time.Second}, WithBucketClock(clock.Now))
	key := "k"

	assert.Equal(t, 10, b.Remaining(key), "unknown key reports full capacity")

	ok, _ := b.Allow(key)
	require.True(t, ok)

	clock.Advance(time.Second)
	for i := 0; i < 3; i++ {
		b.Remaining(key)
	}
	ok, _ = b.Allow(key)
	assert.True(t, ok, "Remaining must not move lastRequest")
}

func TestBucketsResetAndLimits(t *testing.T) {
	clock := newFakeClock()
	b := NewBuckets(Limit{MaxRequests: 1, Window: time.Hour},
		WithBucketClock(clock.Now),
		WithLimit("provider:fast", Limit{MaxRequests: 100, Window: time.Second}),
	)

	b.Allow("provider:slow")
	ok, _ := b.Allow("provider:slow")
	assert.False(t, ok)

	b.Reset("provider:slow")
	ok, _ = b.Allow("provider:slow")
	assert.True(t, ok)

	assert.Equal(t, 100, b.Remaining("provider:fast"))

	b.Allow("provider:fast")
	b.Allow("provider:slow")
	b.ResetAll()
	assert.Equal(t, 100, b.Remaining("provider:fast"))
	assert.Equal(t, 1, b.Remaining("provider:slow"))

	assert.True(t, b.SetLimit("provider:slow", Limit{MaxRequests: 7, Window: time.Second}))
	assert.False(t, b.SetLimit("provider:slow", Limit{}))
	assert.False(t, b.SetLimit("provider:slow", Limit{MaxRequests: 7, Window: time.Second}), "unchanged")
	assert.Equal(t, 7, b.Remaining("provider:slow"))
}

func TestBucketsInvalidDefault(t *testing.T) {
	b := NewBuckets(Limit{})
	assert.Equal(t, DefaultLimit.MaxRequests, b.Remaining("any"))
}

func TestBucketsSnapshot(t *testing.T) {
	clock := newFakeClock()
	b := NewBuckets(Limit{MaxRequests: 4, Window: time.Minute}, WithBucketClock(clock.Now))
	b.Allow("a")

	snap := b.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].Key)
	assert.Equal(t, 3, snap[0].Remaining)
}

func TestBucketsWait(t *testing.T) {
	b := NewBuckets(Limit{MaxRequests: 10, Window: time.Minute, MinInterval: 20 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, b.Wait(ctx, "k"))
	require.NoError(t, b.Wait(ctx, "k"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	empty := NewBuckets(Limit{MaxRequests: 1, Window: time.Hour})
	empty.Allow("k")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, empty.Wait(ctx, "k"), context.DeadlineExceeded)
}

func TestBucketsExhaust(t *testing.T) {
	clock := newFakeClock()
	b := NewBuckets(Limit{MaxRequests: 5, Window: time.Minute}, WithBucketClock(clock.Now))

	ok, _ := b.Allow("anthropic")
	assert.True(t, ok)

	clock.Advance(30 * time.Second)
	b.Exhaust("anthropic")
	assert.Equal(t, 0, b.Remaining("anthropic"))

	ok, wait := b.Allow("anthropic")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	clock.Advance(time.Minute)
	assert.Equal(t, 5, b.Remaining("anthropic"))
}
