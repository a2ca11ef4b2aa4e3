// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/security/access"
	"github.com/jeranaias/rigrun-auth/internal/security/vault"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// UserAgent is sent on every paced request.
	UserAgent = "rigrun/0.2.0"

	// DefaultMaxRetries bounds retries of 429 and 5xx responses.
	DefaultMaxRetries = 2

	retryBaseDelay = time.Second
	retryMaxDelay  = 8 * time.Second
)

// ErrNoAPIKey is returned when the provider has no stored key.
var ErrNoAPIKey = errors.New("no API key configured for provider")

// KeySource resolves a provider's API key.
type KeySource interface {
	Get(ctx context.Context, provider string) (string, error)
}

// =============================================================================
// PACED TRANSPORT
// =============================================================================

// PacedTransport waits on the provider bucket before each round trip and
// sets the Authorization header from Keys. A 429 empties the bucket so the
// following requests back off as well.
type PacedTransport struct {
	Provider string
	Buckets  *access.Buckets
	Keys     KeySource

	// Base performs the request. nil means http.DefaultTransport.
	Base http.RoundTripper

	// MaxRetries applies to requests whose body can be replayed.
	MaxRetries int

	// Logf receives request and response lines. nil means log.Printf.
	Logf func(format string, args ...any)

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPacedTransport returns a transport over http.DefaultTransport.
func NewPacedTransport(provider string, buckets *access.Buckets, keys KeySource) *PacedTransport {
	return &PacedTransport{
		Provider:   provider,
		Buckets:    buckets,
		Keys:       keys,
		MaxRetries: DefaultMaxRetries,
	}
}

func (t *PacedTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *PacedTransport) logf(format string, args ...any) {
	if t.Logf != nil {
		t.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// RoundTrip implements http.RoundTripper.
func (t *PacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	key := ""
	if t.Keys != nil {
		k, err := t.Keys.Get(ctx, t.Provider)
		switch {
		case err == nil:
			key = k
		case errors.Is(err, vault.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrNoAPIKey, t.Provider)
		default:
			return nil, fmt.Errorf("failed to load API key for %s: %w", t.Provider, err)
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if t.Buckets != nil {
			if err := t.Buckets.Wait(ctx, t.Provider); err != nil {
				return nil, err
			}
		}

		// RoundTrippers must not modify the caller's request.
		out := req.Clone(ctx)
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to rewind request body: %w", err)
			}
			out.Body = body
		}
		if key != "" {
			out.Header.Set("Authorization", "Bearer "+key)
		}
		if out.Header.Get("User-Agent") == "" {
			out.Header.Set("User-Agent", UserAgent)
		}

		t.logf("API Request: %s %s provider=%s key=%s", out.Method, out.URL.Path, t.Provider, vault.Fingerprint(key))
		start := time.Now()
		resp, err := t.base().RoundTrip(out)
		if err != nil {
			return nil, err
		}
		t.logf("API Response: %d %s (%v)", resp.StatusCode, http.StatusText(resp.StatusCode), time.Since(start).Round(time.Millisecond))

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if resp.StatusCode == http.StatusTooManyRequests && t.Buckets != nil {
			t.Buckets.Exhaust(t.Provider)
		}
		canReplay := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
		if !retryable || attempt >= t.MaxRetries || !canReplay {
			return resp, nil
		}

		delay := backoff(attempt, resp.Header.Get("Retry-After"))
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		t.logf("API Retry: provider=%s attempt=%d after=%v (%v)", t.Provider, attempt+1, delay, lastErr)
		if err := t.wait(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (t *PacedTransport) wait(ctx context.Context, d time.Duration) error {
	if t.sleep != nil {
		return t.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff returns Retry-After when the server sent a delay in seconds, and
// otherwise 1s, 2s, 4s... capped at retryMaxDelay.
func backoff(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		if d > retryMaxDelay {
			d = retryMaxDelay
		}
		return d
	}
	d := retryBaseDelay * time.Duration(1<<uint(attempt))
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}
