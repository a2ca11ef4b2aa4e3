// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// json_output.go - Machine-readable output for every command.

package cli

import (
	"encoding/json"
	"io"
	"time"
)

// JSONResponse is the envelope printed in --json mode.
type JSONResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`

	// Error is null on success.
	Error *string `json:"error"`

	// Kind is the auth error kind, when the failure has one.
	Kind string `json:"kind,omitempty"`

	// RetryAfterMs is set for rate-limited failures.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`

	Timestamp string `json:"timestamp"`
	Command   string `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data interface{}) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates a failed response from err.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	msg := err.Error()
	resp := &JSONResponse{
		Success:   false,
		Error:     &msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
	if kind, retry := describeAuthError(err); kind != "" {
		resp.Kind = kind
		resp.RetryAfterMs = retry
	}
	return resp
}

// Print writes the response as indented JSON.
func (r *JSONResponse) Print(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// =============================================================================
// COMMAND DATA
// =============================================================================

// SessionData is printed by commands that start or show a session.
type SessionData struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	ExpiresAt   time.Time `json:"expires_at"`
	AccessToken string    `json:"access_token,omitempty"`
}

// StatusData is printed by status.
type StatusData struct {
	SignedIn       bool         `json:"signed_in"`
	Session        *SessionData `json:"session,omitempty"`
	HasRecoveryKey bool         `json:"has_recovery_key"`
	TOTPEnabled    bool         `json:"totp_enabled"`
	Storage        string       `json:"storage"`
	Accounts       int          `json:"accounts"`
}

// SignUpData is printed by signup. The recovery key appears only here.
type SignUpData struct {
	Session     SessionData `json:"session"`
	RecoveryKey string      `json:"recovery_key"`
}

// ResetData is printed by reset request.
type ResetData struct {
	Message string `json:"message"`
	Queued  bool   `json:"queued"`
}
