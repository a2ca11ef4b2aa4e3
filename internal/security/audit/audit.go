// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records security events for the credential subsystem.
//
// Events are written as JSON lines to an append-only file. Every string
// field passes through the redactors before it reaches disk, so a caller
// that accidentally includes a bearer token, recovery key or one-time code
// in metadata does not leak it. Identifiers (emails, user IDs) should be
// passed through Mask before they are logged at all.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultMaxFileSize is the size at which the log is rotated (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// Event types emitted by the credential subsystem.
const (
	EventSignUp          = "AUTH_SIGNUP"
	EventSignIn          = "AUTH_SIGNIN"
	EventSignOut         = "AUTH_SIGNOUT"
	EventPasswordChange  = "AUTH_PASSWORD_CHANGE"
	EventOTPRequest      = "AUTH_OTP_REQUEST"
	EventOTPVerify       = "AUTH_OTP_VERIFY"
	EventRecoveryVerify  = "AUTH_RECOVERY_VERIFY"
	EventRecoveryRotate  = "AUTH_RECOVERY_ROTATE"
	EventTOTPEnroll      = "AUTH_TOTP_ENROLL"
	EventSessionRefresh  = "AUTH_SESSION_REFRESH"
	EventSessionDiscard  = "AUTH_SESSION_DISCARD"
	EventCryptoFailure   = "AUTH_CRYPTO_FAILURE"
	EventLockout         = "AUTH_LOCKOUT"
	EventAttemptBlocked  = "AUTH_ATTEMPT_BLOCKED"
	EventAttemptFailed   = "AUTH_ATTEMPT_FAILED"
	EventVaultAccess     = "VAULT_ACCESS"
	EventVaultUnreadable = "VAULT_UNRECOVERABLE"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Subject   string            `json:"subject,omitempty"` // masked identifier
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToLogLine formats the event as a single human-readable line.
func (e *Event) ToLogLine() string {
	status := "SUCCESS"
	if !e.Success {
		status = "FAILURE"
		if e.Error != "" {
			status = "ERROR: " + e.Error
		}
	}
	return fmt.Sprintf("%s | %s | %s | %s",
		e.Timestamp.Format("2006-01-02 15:04:05"), e.EventType, e.Subject, status)
}

// =============================================================================
// REDACTION
// =============================================================================

// Redactor replaces sensitive data in a string.
type Redactor interface {
	Redact(input string) string
	Name() string
}

// PatternRedactor redacts text matching a regular expression.
type PatternRedactor struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// NewPatternRedactor creates a pattern-based redactor.
func NewPatternRedactor(name string, pattern *regexp.Regexp, replace string) *PatternRedactor {
	return &PatternRedactor{name: name, pattern: pattern, replace: replace}
}

// Redact replaces every match with the replacement string.
func (r *PatternRedactor) Redact(input string) string {
	return r.pattern.ReplaceAllString(input, r.replace)
}

// Name returns the redactor name.
func (r *PatternRedactor) Name() string {
	return r.name
}

var secretPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	replace string
}{
	{"OpenRouter", regexp.MustCompile(`sk-or-v1-[a-zA-Z0-9]{20,}`), "[OPENROUTER_KEY_REDACTED]"},
	{"Anthropic", regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`), "[ANTHROPIC_KEY_REDACTED]"},
	{"OpenAI", regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "[OPENAI_KEY_REDACTED]"},
	{"Bearer", regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
	{"JWT", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[JWT_REDACTED]"},
	{"Password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*\S+`), "[PASSWORD_REDACTED]"},
	{"RecoveryKey", regexp.MustCompile(`\b[A-HJ-NP-Z2-9]{4}(-[A-HJ-NP-Z2-9]{4}){5}\b`), "[RECOVERY_KEY_REDACTED]"},
	{"OneTimeCode", regexp.MustCompile(`\b\d{6}\b`), "[CODE_REDACTED]"},
}

func defaultRedactors() []Redactor {
	redactors := make([]Redactor, 0, len(secretPatterns))
	for _, sp := range secretPatterns {
		redactors = append(redactors, NewPatternRedactor(sp.name, sp.pattern, sp.replace))
	}
	return redactors
}

// RedactSecrets applies the built-in redactors to input.
func RedactSecrets(input string) string {
	for _, r := range defaultRedactors() {
		input = r.Redact(input)
	}
	return input
}

// Mask returns a stable, non-reversible identifier for logging.
func Mask(id string) string {
	hash := sha256.Sum256([]byte(id))
	return "hash:" + hex.EncodeToString(hash[:])[:12]
}

// =============================================================================
// SINK
// =============================================================================

// Sink accepts audit events. *Logger and Nop implement it.
type Sink interface {
	Log(event Event) error
}

// Nop discards every event.
type Nop struct{}

// Log implements Sink.
func (Nop) Log(Event) error { return nil }

// Record logs an event to sink, reporting a sink failure on stderr rather
// than failing the caller.
func Record(sink Sink, eventType, subject string, success bool, metadata map[string]string) {
	if sink == nil {
		return
	}
	event := Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Subject:   subject,
		Success:   success,
		Metadata:  metadata,
	}
	if err := sink.Log(event); err != nil {
		fmt.Fprintf(os.Stderr, "AUDIT ERROR: failed to log event %s: %v\n", eventType, err)
	}
}

// =============================================================================
// FILE LOGGER
// =============================================================================

// Logger writes redacted events to a JSON-lines file with size rotation.
type Logger struct {
	path      string
	file      *os.File
	mu        sync.Mutex
	enabled   bool
	maxSize   int64
	redactors []Redactor
}

// NewLogger opens (or creates) the audit log at path.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &Logger{
		path:      path,
		file:      file,
		enabled:   true,
		maxSize:   DefaultMaxFileSize,
		redactors: defaultRedactors(),
	}, nil
}

// Log redacts and appends event.
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.file == nil {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Error = l.redactLocked(event.Error)
	if event.Metadata != nil {
		redacted := make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			redacted[k] = l.redactLocked(v)
		}
		event.Metadata = redacted
	}

	if err := l.checkRotationLocked(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (l *Logger) redactLocked(input string) string {
	if input == "" {
		return input
	}
	for _, r := range l.redactors {
		input = r.Redact(input)
	}
	return input
}

// AddRedactor registers an extra redactor.
func (l *Logger) AddRedactor(r Redactor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redactors = append(l.redactors, r)
}

func (l *Logger) checkRotationLocked() error {
	if l.maxSize <= 0 {
		return nil
	}
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	if info.Size() < l.maxSize {
		return nil
	}
	return l.rotateLocked()
}

func (l *Logger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	ext := filepath.Ext(l.path)
	base := strings.TrimSuffix(l.path, ext)
	rotatedPath := fmt.Sprintf("%s_%s%s", base, time.Now().Format("20060102_150405.000"), ext)

	if err := os.Rename(l.path, rotatedPath); err != nil {
		l.file, _ = os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		l.file = nil
		return fmt.Errorf("failed to create new audit log after rotation: %w", err)
	}
	l.file = file
	return nil
}

// SetMaxSize sets the rotation threshold. Zero disables rotation.
func (l *Logger) SetMaxSize(size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxSize = size
}

// SetEnabled toggles logging.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DefaultPath returns ~/.rigrun/audit.log.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".rigrun", "audit.log")
	}
	return filepath.Join(home, ".rigrun", "audit.log")
}
