// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestLoggerWritesRedactedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	err = logger.Log(Event{
		EventType: EventOTPRequest,
		Subject:   Mask("alice@example.com"),
		Success:   true,
		Metadata: map[string]string{
			"note":  "code 123456 sent",
			"token": "Bearer eyJabc.eyJdef.sig",
			"key":   "ABCD-EFGH-JKLM-NPQR-STUV-WXYZ",
		},
	})
	require.NoError(t, err)

	events := readEvents(t, path)
	require.Len(t, events, 1)
	e := events[0]

	assert.Equal(t, EventOTPRequest, e.EventType)
	assert.True(t, strings.HasPrefix(e.Subject, "hash:"))
	assert.NotContains(t, e.Metadata["note"], "123456")
	assert.NotContains(t, e.Metadata["token"], "eyJabc")
	assert.Equal(t, "[RECOVERY_KEY_REDACTED]", e.Metadata["key"])
	assert.False(t, e.Timestamp.IsZero())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoggerDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	logger.SetEnabled(false)
	require.NoError(t, logger.Log(Event{EventType: EventSignIn}))

	assert.Empty(t, readEvents(t, path))
}

func TestLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	logger, err := NewLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	logger.SetMaxSize(64)
	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(Event{EventType: EventSignIn, Subject: Mask("bob@x.com"), Success: true}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "expected rotated files next to the active log")
}

func TestMask(t *testing.T) {
	a := Mask("bob@x.com")
	assert.Equal(t, a, Mask("bob@x.com"))
	assert.NotEqual(t, a, Mask("alice@x.com"))
	assert.Len(t, a, len("hash:")+12)
	assert.NotContains(t, a, "bob")
}

type failingSink struct{ calls int }

func (f *failingSink) Log(Event) error {
	f.calls++
	return errors.New("disk full")
}

func TestRecordSwallowsSinkFailure(t *testing.T) {
	sink := &failingSink{}
	Record(sink, EventSignIn, Mask("x"), false, nil)
	Record(nil, EventSignIn, Mask("x"), false, nil)
	Record(Nop{}, EventSignIn, Mask("x"), true, nil)
	assert.Equal(t, 1, sink.calls)
}

func TestRedactSecrets(t *testing.T) {
	tests := []struct {
		in   string
		gone string
	}{
		{"password=hunter22", "hunter22"},
		{"key sk-or-v1-abcdefghijklmnopqrstuvwxyz", "abcdefghijklmnop"},
		{"otp 654321", "654321"},
	}
	for _, tt := range tests {
		assert.NotContains(t, RedactSecrets(tt.in), tt.gone)
	}
}
