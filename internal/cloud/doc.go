// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud paces outbound calls to cloud LLM providers.
//
// # Key Types
//
//   - PacedTransport: http.RoundTripper that takes a token from the
//     provider's bucket before each request and injects the provider API key
//   - KeySource: where API keys come from (the vault in production)
//
// # Usage
//
//	client := &http.Client{Transport: cloud.NewPacedTransport("openrouter", buckets, vault)}
//	resp, err := client.Get("https://openrouter.ai/api/v1/models")
//
// # Security
//
// API keys are never logged. Log lines carry the method, the path and an
// 8-hex-char fingerprint of the key.
package cloud
