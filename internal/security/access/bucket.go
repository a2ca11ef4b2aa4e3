// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// TOKEN BUCKET
// =============================================================================

// Limit configures one token bucket.
type Limit struct {
	// MaxRequests is the bucket capacity and the refill amount per window.
	MaxRequests int `json:"max_requests"`

	// Window is the refill period.
	Window time.Duration `json:"window"`

	// MinInterval is the minimum spacing between two allowed requests.
	MinInterval time.Duration `json:"min_interval"`
}

// DefaultLimit paces a provider at 60 requests per minute, 100ms apart.
var DefaultLimit = Limit{
	MaxRequests: 60,
	Window:      time.Minute,
	MinInterval: 100 * time.Millisecond,
}

func (l Limit) valid() bool {
	return l.MaxRequests > 0 && l.Window > 0 && l.MinInterval >= 0
}

// bucket is the state for one key.
type bucket struct {
	limit       Limit
	tokens      int
	lastRefill  time.Time
	lastRequest time.Time
}

// refill adds MaxRequests tokens for every whole window elapsed since the
// last refill, capped at MaxRequests.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.limit.Window {
		return
	}
	windows := int64(elapsed / b.limit.Window)
	b.lastRefill = b.lastRefill.Add(time.Duration(windows) * b.limit.Window)
	// One window already refills to the cap.
	if windows > 1 {
		windows = 1
	}
	if tokens := int64(b.tokens) + windows*int64(b.limit.MaxRequests); tokens >= int64(b.limit.MaxRequests) {
		b.tokens = b.limit.MaxRequests
	} else {
		b.tokens = int(tokens)
	}
}

// wait returns how long until a request could be allowed, or 0.
func (b *bucket) wait(now time.Time) time.Duration {
	var d time.Duration
	if b.tokens <= 0 {
		d = b.lastRefill.Add(b.limit.Window).Sub(now)
	}
	if !b.lastRequest.IsZero() {
		if gap := b.lastRequest.Add(b.limit.MinInterval).Sub(now); gap > d {
			d = gap
		}
	}
	if d < 0 {
		return 0
	}
	return d
}

// Buckets is a keyed set of token buckets. It is safe for concurrent use.
type Buckets struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	limits       map[string]Limit
	defaultLimit Limit
	now          func() time.Time
}

// BucketsOption configures Buckets.
type BucketsOption func(*Buckets)

// WithBucketClock replaces time.Now.
func WithBucketClock(now func() time.Time) BucketsOption {
	return func(b *Buckets) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLimit sets the limit for a specific key.
func WithLimit(key string, limit Limit) BucketsOption {
	return func(b *Buckets) {
		if limit.valid() {
			b.limits[key] = limit
		}
	}
}

// NewBuckets creates a bucket set. Keys without an explicit limit use def;
// an invalid def falls back to DefaultLimit.
func NewBuckets(def Limit, opts ...BucketsOption) *Buckets {
	if !def.valid() {
		def = DefaultLimit
	}
	b := &Buckets{
		buckets:      make(map[string]*bucket),
		limits:       make(map[string]Limit),
		defaultLimit: def,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buckets) limitFor(key string) Limit {
	if l, ok := b.limits[key]; ok {
		return l
	}
	return b.defaultLimit
}

// getLocked returns the bucket for key, creating it full.
func (b *Buckets) getLocked(key string, now time.Time) *bucket {
	bk, ok := b.buckets[key]
	if !ok {
		limit := b.limitFor(key)
		bk = &bucket{limit: limit, tokens: limit.MaxRequests, lastRefill: now}
		b.buckets[key] = bk
	}
	return bk
}

// Allow consumes a token for key when one is available and MinInterval has
// passed since the last allowed request. When the request is refused it
// returns the time to wait before retrying.
func (b *Buckets) Allow(key string) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bk := b.getLocked(key, now)
	bk.refill(now)

	if d := bk.wait(now); d > 0 || bk.tokens <= 0 {
		return false, d
	}

	bk.tokens--
	bk.lastRequest = now
	return true, 0
}

// Remaining reports the tokens available for key after a refill pass. It
// never changes the last-request time.
func (b *Buckets) Remaining(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bk, ok := b.buckets[key]
	if !ok {
		return b.limitFor(key).MaxRequests
	}
	bk.refill(now)
	return bk.tokens
}

// Wait blocks until Allow succeeds for key or ctx is done.
func (b *Buckets) Wait(ctx context.Context, key string) error {
	for {
		ok, d := b.Allow(key)
		if ok {
			return nil
		}
		if d <= 0 {
			d = time.Millisecond
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset discards the bucket for key. The next request sees a full bucket.
func (b *Buckets) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets, key)
}

// Exhaust empties the bucket for key so the next request waits a full
// window. Used when the remote side reports it is rate limiting us.
func (b *Buckets) Exhaust(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bk := b.getLocked(key, now)
	bk.tokens = 0
	bk.lastRefill = now
}

// ResetAll discards every bucket.
func (b *Buckets) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets = make(map[string]*bucket)
}

// SetLimit replaces the limit for key and resets its bucket. It reports
// false for an invalid or unchanged limit. Used when the
// configuration is reloaded.
func (b *Buckets) SetLimit(key string, limit Limit) bool {
	if !limit.valid() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.limits[key]; ok && cur == limit {
		return false
	}
	b.limits[key] = limit
	delete(b.buckets, key)
	return true
}

// BucketStatus is a point-in-time view of one bucket.
type BucketStatus struct {
	Key       string `json:"key"`
	Remaining int    `json:"remaining"`
	Limit     Limit  `json:"limit"`
}

// Snapshot returns the state of every tracked bucket after a refill pass.
func (b *Buckets) Snapshot() []BucketStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]BucketStatus, 0, len(b.buckets))
	for key, bk := range b.buckets {
		bk.refill(now)
		out = append(out, BucketStatus{Key: key, Remaining: bk.tokens, Limit: bk.limit})
	}
	return out
}
