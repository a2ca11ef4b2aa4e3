// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - TTY detection and secret input.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// =============================================================================
// TTY DETECTION
// =============================================================================

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTTY returns true if stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the stdout width, or 80 when it is unknown.
func TerminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// =============================================================================
// COLOR OUTPUT CONTROL
// =============================================================================

var (
	colorsEnabled     bool
	colorsEnabledOnce sync.Once
)

// ColorsEnabled reports whether styled output should be used. NO_COLOR
// wins over FORCE_COLOR, which wins over TTY detection.
func ColorsEnabled() bool {
	colorsEnabledOnce.Do(func() {
		switch {
		case os.Getenv("NO_COLOR") != "":
			colorsEnabled = false
		case os.Getenv("FORCE_COLOR") != "":
			colorsEnabled = true
		default:
			colorsEnabled = IsStdoutTTY()
		}
	})
	return colorsEnabled
}

// GetColorProfile returns Ascii when colors are off.
func GetColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}

// =============================================================================
// SECRET INPUT
// =============================================================================

// ErrEmptyInput is returned when a required value was left blank.
var ErrEmptyInput = errors.New("no input given")

// Prompter reads visible and hidden values from the user.
type Prompter interface {
	ReadLine(prompt string) (string, error)
	ReadSecret(prompt string) (string, error)
}

// termPrompter reads secrets without echo when stdin is a terminal and
// falls back to plain lines when it is piped.
type termPrompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

// NewTermPrompter returns the Prompter used by the rigrun binary.
func NewTermPrompter(in *os.File, out io.Writer) Prompter {
	fd := int(in.Fd())
	return &termPrompter{
		in:  bufio.NewReader(in),
		out: out,
		fd:  fd,
		tty: term.IsTerminal(fd),
	}
}

func (p *termPrompter) ReadLine(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	return readTrimmedLine(p.in)
}

func (p *termPrompter) ReadSecret(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	if !p.tty {
		return readTrimmedLine(p.in)
	}
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(b), nil
}

// readerPrompter answers prompts from a reader, one line per value.
type readerPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewReaderPrompter returns a Prompter that reads every value, secret or
// not, from in.
func NewReaderPrompter(in io.Reader, out io.Writer) Prompter {
	return &readerPrompter{in: bufio.NewReader(in), out: out}
}

func (p *readerPrompter) ReadLine(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	return readTrimmedLine(p.in)
}

func (p *readerPrompter) ReadSecret(prompt string) (string, error) {
	return p.ReadLine(prompt)
}

func readTrimmedLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", ErrEmptyInput
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
