// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-auth/internal/security/access"
	"github.com/jeranaias/rigrun-auth/internal/security/vault"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

func newVault(t *testing.T, provider, key string) *vault.Vault {
	t.Helper()
	v := vault.New(storage.NewMemory())
	if key != "" {
		require.NoError(t, v.Put(context.Background(), provider, key))
	}
	return v
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTransport(provider string, b *access.Buckets, keys KeySource) *PacedTransport {
	tr := NewPacedTransport(provider, b, keys)
	tr.Logf = func(string, ...any) {}
	tr.sleep = noSleep
	return tr
}

func TestPacedTransportInjectsKey(t *testing.T) {
	var gotAuth, gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotUA.Store(r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTransport("openrouter", access.NewBuckets(access.DefaultLimit), newVault(t, "openrouter", "sk-or-test"))
	client := &http.Client{Transport: tr}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/models", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer sk-or-test", gotAuth.Load())
	assert.Equal(t, UserAgent, gotUA.Load())
	assert.Empty(t, req.Header.Get("Authorization"), "caller request is not modified")
}

func TestPacedTransportMissingKey(t *testing.T) {
	tr := newTransport("anthropic", nil, newVault(t, "anthropic", ""))
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	require.NoError(t, err)
	_, err = tr.RoundTrip(req)
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestPacedTransportConsumesBucket(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	buckets := access.NewBuckets(access.Limit{MaxRequests: 2, Window: time.Hour})
	tr := newTransport("openrouter", buckets, nil)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := tr.RoundTrip(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, 0, buckets.Remaining("openrouter"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err := tr.RoundTrip(req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), hits.Load(), "third request never reached the server")
}

func TestPacedTransportRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTransport("openrouter", nil, nil)
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"q":1}`))
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []string{`{"q":1}`, `{"q":1}`, `{"q":1}`}, bodies)
}

func TestPacedTransportGivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := newTransport("openrouter", nil, nil)
	tr.MaxRetries = 1
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPacedTransport429ExhaustsBucket(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	buckets := access.NewBuckets(access.Limit{MaxRequests: 10, Window: time.Hour})
	tr := newTransport("openrouter", buckets, nil)
	tr.MaxRetries = 0

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 0, buckets.Remaining("openrouter"))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(0, ""))
	assert.Equal(t, 2*time.Second, backoff(1, ""))
	assert.Equal(t, 4*time.Second, backoff(2, "soon"))
	assert.Equal(t, retryMaxDelay, backoff(10, ""))
	assert.Equal(t, 3*time.Second, backoff(0, "3"))
	assert.Equal(t, retryMaxDelay, backoff(0, "600"))
}

func TestCheckKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	client := NewClient("openrouter", nil, newVault(t, "openrouter", "good"))
	check, err := CheckKey(ctx, client, "openrouter", srv.URL)
	require.NoError(t, err)
	assert.True(t, check.Valid)
	assert.Equal(t, http.StatusOK, check.Status)

	client = NewClient("openrouter", nil, newVault(t, "openrouter", "bad"))
	check, err = CheckKey(ctx, client, "openrouter", srv.URL)
	require.NoError(t, err)
	assert.False(t, check.Valid)
	assert.Equal(t, http.StatusUnauthorized, check.Status)

	_, err = CheckKey(ctx, client, "nowhere", "")
	assert.Error(t, err)
}
