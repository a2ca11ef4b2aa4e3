// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mail delivers one-time reset codes out of band.
//
// A Sender performs a single delivery. The Dispatcher queues deliveries and
// runs them on a background worker so callers never wait on the transport.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrUnknownDriver is returned by NewSender for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown mail driver")

// Sender delivers a reset code to an address.
type Sender interface {
	Send(ctx context.Context, to, code string) error
}

// =============================================================================
// CONSOLE
// =============================================================================

// ConsoleSender prints codes to a writer. It is meant for local use where
// the user is also the mailbox owner.
type ConsoleSender struct {
	From string

	mu  sync.Mutex
	out io.Writer
}

// NewConsoleSender writes to out, or stderr when out is nil.
func NewConsoleSender(from string, out io.Writer) *ConsoleSender {
	if out == nil {
		out = os.Stderr
	}
	return &ConsoleSender{From: from, out: out}
}

// Send implements Sender.
func (c *ConsoleSender) Send(ctx context.Context, to, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "[mail] from=%s to=%s\nYour rigrun reset code is %s\n", c.From, to, code)
	return err
}

// =============================================================================
// FILE OUTBOX
// =============================================================================

// Message is one outbox record.
type Message struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Code   string    `json:"code"`
	SentAt time.Time `json:"sent_at"`
}

// FileSender appends messages as JSON lines to an owner-only outbox file.
type FileSender struct {
	From string

	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileSender creates the outbox directory if needed.
func NewFileSender(from, path string) (*FileSender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	return &FileSender{From: from, path: path, now: time.Now}, nil
}

// Path returns the outbox location.
func (f *FileSender) Path() string {
	return f.path
}

// Send implements Sender.
func (f *FileSender) Send(ctx context.Context, to, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{
		ID:     jobID(ctx),
		From:   f.From,
		To:     to,
		Code:   code,
		SentAt: f.now().UTC(),
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open outbox: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		file.Close()
		return fmt.Errorf("failed to write outbox: %w", err)
	}
	return file.Close()
}

// ReadOutbox returns every message in an outbox file, oldest first.
func ReadOutbox(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var m Message
		if err := dec.Decode(&m); err != nil {
			return msgs, fmt.Errorf("corrupt outbox: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// =============================================================================
// FACTORY
// =============================================================================

// NewSender builds a Sender for driver: "console", "file" or "none".
// "none" returns a nil Sender.
func NewSender(driver, from, path string) (Sender, error) {
	switch driver {
	case "", "console":
		return NewConsoleSender(from, nil), nil
	case "file":
		if path == "" {
			path = DefaultOutboxPath()
		}
		fs, err := NewFileSender(from, path)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// DefaultOutboxPath returns ~/.rigrun/outbox.jsonl.
func DefaultOutboxPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".rigrun", "outbox.jsonl")
	}
	return filepath.Join(home, ".rigrun", "outbox.jsonl")
}
