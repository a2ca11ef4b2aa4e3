// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// shell.go - Interactive shell with line editing, history and config hot
// reload.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/rigrun-auth/internal/config"
	"github.com/jeranaias/rigrun-auth/internal/util"
)

// LineReader is the part of liner.State the shell uses.
type LineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// =============================================================================
// HISTORY
// =============================================================================

// historyShell wraps liner with a history file in the config directory.
type historyShell struct {
	*liner.State
	path string
}

func newHistoryShell() *historyShell {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	h := &historyShell{State: line, path: filepath.Join(dir, "auth_history")}
	if f, err := os.Open(h.path); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return h
}

// Close saves history (0600) and restores the terminal.
func (h *historyShell) Close() {
	if err := os.MkdirAll(filepath.Dir(h.path), 0700); err == nil {
		if f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			h.WriteHistory(f)
			f.Close()
		}
	}
	h.State.Close()
}

// =============================================================================
// REPL
// =============================================================================

// HandleShell runs the interactive shell on the terminal.
func (a *App) HandleShell(ctx context.Context, args Args) error {
	h := newHistoryShell()
	defer h.Close()
	return a.RunShell(ctx, h)
}

// RunShell reads commands from lr until exit, EOF or Ctrl+C. When the App
// was loaded from a config file, edits to that file are applied to the
// running rate limits.
func (a *App) RunShell(ctx context.Context, lr LineReader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.ConfigPath != "" {
		if _, err := os.Stat(a.ConfigPath); err == nil {
			if err := config.Watch(ctx, a.ConfigPath, a.onConfigReload); err != nil {
				fmt.Fprintf(a.Err, "%s %v\n", WarningStyle.Render("[WARN]"), err)
			}
		}
	}

	title := "rigrun-auth shell " + Version
	fmt.Fprintln(a.Out, TitleStyle.Render(title))
	fmt.Fprintln(a.Out, RenderSeparator(util.DisplayWidth(title)))
	fmt.Fprintln(a.Out, DimStyle.Render("Type 'help' for commands, 'exit' to leave."))

	for {
		input, err := lr.Prompt(a.shellPrompt(ctx))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(a.Out)
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		lr.AppendHistory(input)

		switch input {
		case "exit", "quit", "q":
			return nil
		}

		cmd, args := ParseArgs(strings.Fields(input))
		if cmd == CmdShell {
			fmt.Fprintln(a.Err, DimStyle.Render("Already in the shell."))
			continue
		}
		if err := a.Dispatch(ctx, cmd, args); err != nil {
			DisplayError(a.Err, args.Name, err, a.json)
		}
	}
}

func (a *App) shellPrompt(ctx context.Context) string {
	if s, err := a.Auth.GetSession(ctx); err == nil && s != nil {
		return PromptStyle.Render(s.User.Email+"> ")
	}
	return PromptStyle.Render("rigrun-auth> ")
}

// onConfigReload applies a changed config file. An invalid file keeps the
// running configuration.
func (a *App) onConfigReload(cfg *config.Config, err error) {
	if err != nil {
		fmt.Fprintf(a.Err, "\n%s config not reloaded: %v\n", WarningStyle.Render("[WARN]"), err)
		return
	}
	changed := a.ApplyLimits(cfg)
	config.SetGlobal(cfg)
	if len(changed) > 0 {
		fmt.Fprintf(a.Err, "\n%s limits updated: %s\n", RenderStatus("ok"), strings.Join(changed, ", "))
	}
}
