// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error display and exit codes for CLI commands.
//
// Handlers always return errors; Main decides how to show them.

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/rigrun-auth/internal/config"
	"github.com/jeranaias/rigrun-auth/internal/security/auth"
	"github.com/jeranaias/rigrun-auth/internal/security/vault"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitConfigError  = 3
	ExitAuthError    = 4
	ExitRateLimited  = 5
	ExitNotFound     = 7
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError is a malformed command line.
type UsageError struct {
	Command string
	Reason  string
	Example string
}

func (e *UsageError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Command, e.Reason)
	if e.Example != "" {
		msg += "\nUsage: " + e.Example
	}
	return msg
}

// ErrMissingArgument reports a required positional argument.
func ErrMissingArgument(command, name, example string) error {
	return &UsageError{Command: command, Reason: "missing " + name, Example: example}
}

func errUnknownSubcommand(command, sub, example string) error {
	return &UsageError{Command: command, Reason: fmt.Sprintf("unknown subcommand %q", sub), Example: example}
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w in the selected mode.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		NewJSONErrorResponse(command, err).Print(w)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
}

// describeAuthError returns the kind name and retry delay of an auth error.
func describeAuthError(err error) (string, int64) {
	var ae *auth.Error
	if !errors.As(err, &ae) {
		return "", 0
	}
	return ae.Kind.String(), ae.RetryAfterMillis()
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *UsageError
	if errors.As(err, &usage) {
		return ExitUsageError
	}
	var verrs config.ValidateErrors
	if errors.As(err, &verrs) {
		return ExitConfigError
	}
	if errors.Is(err, vault.ErrNotFound) {
		return ExitNotFound
	}

	switch auth.KindOf(err) {
	case auth.KindValidation:
		return ExitUsageError
	case auth.KindAuthentication, auth.KindExpired, auth.KindAlreadyUsed, auth.KindNoSession:
		return ExitAuthError
	case auth.KindRateLimited:
		return ExitRateLimited
	}
	return ExitGeneralError
}
