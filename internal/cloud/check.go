// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/security/access"
)

// DefaultTimeout bounds one key check including retries.
const DefaultTimeout = 30 * time.Second

// KeyEndpoints are authenticated endpoints that answer 200 for a valid key.
var KeyEndpoints = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1/auth/key",
	"openai":     "https://api.openai.com/v1/models",
	"groq":       "https://api.groq.com/openai/v1/models",
}

// NewClient returns an http.Client whose requests are paced by buckets and
// carry the provider's key.
func NewClient(provider string, buckets *access.Buckets, keys KeySource) *http.Client {
	return &http.Client{
		Transport: NewPacedTransport(provider, buckets, keys),
		Timeout:   DefaultTimeout,
	}
}

// KeyCheck is the outcome of CheckKey.
type KeyCheck struct {
	Provider string        `json:"provider"`
	Endpoint string        `json:"endpoint"`
	Status   int           `json:"status"`
	Valid    bool          `json:"valid"`
	Latency  time.Duration `json:"latency"`
}

// CheckKey sends one GET to endpoint through client. A 401 or 403 is an
// invalid key, not an error.
func CheckKey(ctx context.Context, client *http.Client, provider, endpoint string) (*KeyCheck, error) {
	if endpoint == "" {
		endpoint = KeyEndpoints[provider]
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no key check endpoint known for %s", provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return &KeyCheck{
		Provider: provider,
		Endpoint: endpoint,
		Status:   resp.StatusCode,
		Valid:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		Latency:  time.Since(start).Round(time.Millisecond),
	}, nil
}
