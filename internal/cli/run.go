// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// run.go - Command dispatch and process entry point.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/jeranaias/rigrun-auth/internal/config"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

// Env is the process environment a run writes to.
type Env struct {
	Out    io.Writer
	Err    io.Writer
	Prompt Prompter

	// Store replaces the configured backend.
	Store storage.Backend
}

// Main runs the command in argv with the real terminal and returns the
// exit code.
func Main(argv []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, argv, Env{Out: os.Stdout, Err: os.Stderr})
}

// Run parses argv, wires the subsystem and dispatches the command.
func Run(ctx context.Context, argv []string, env Env) int {
	if env.Out == nil {
		env.Out = os.Stdout
	}
	if env.Err == nil {
		env.Err = os.Stderr
	}

	cmd, args := ParseArgs(argv)
	switch cmd {
	case CmdHelp:
		PrintUsage(env.Out)
		return ExitSuccess
	case CmdVersion:
		if args.JSON {
			NewJSONResponse("version", map[string]string{
				"version":    Version,
				"git_commit": GitCommit,
				"build_date": BuildDate,
				"go":         runtime.Version(),
			}).Print(env.Out)
			return ExitSuccess
		}
		PrintVersion(env.Out)
		return ExitSuccess
	case CmdUnknown:
		err := &UsageError{Command: args.Name, Reason: "unknown command", Example: "rigrun-auth help"}
		DisplayError(env.Err, args.Name, err, args.JSON)
		return ExitUsageError
	}

	path, err := resolveConfigPath(args)
	if err != nil {
		DisplayError(env.Err, args.Name, err, args.JSON)
		return ExitConfigError
	}
	cfg, loadErr := loadConfig(args)

	if cmd == CmdConfig {
		// init and path must work while the file is broken or missing.
		if loadErr != nil && (args.Subcommand == "init" || args.Subcommand == "path") {
			cfg, loadErr = config.Default(), nil
		}
		if loadErr != nil {
			DisplayError(env.Err, "config", loadErr, args.JSON)
			return ExitConfigError
		}
		return report(env, "config", args, HandleConfig(env.Out, args, cfg, path))
	}

	if loadErr != nil {
		DisplayError(env.Err, args.Name, loadErr, args.JSON)
		return ExitConfigError
	}
	config.SetGlobal(cfg)

	app, err := NewApp(ctx, cfg, AppOptions{
		Out:     env.Out,
		Err:     env.Err,
		Prompt:  env.Prompt,
		JSON:    args.JSON,
		Quiet:   args.Quiet,
		Verbose: args.Verbose,
		Store:   env.Store,
	})
	if err != nil {
		DisplayError(env.Err, args.Name, err, args.JSON)
		return ExitGeneralError
	}
	app.ConfigPath = path

	err = app.Dispatch(ctx, cmd, args)
	if cerr := app.Close(); cerr != nil && args.Verbose {
		fmt.Fprintf(env.Err, "%s %v\n", WarningStyle.Render("[WARN]"), cerr)
	}
	return report(env, args.Name, args, err)
}

func report(env Env, command string, args Args, err error) int {
	if err == nil {
		return ExitSuccess
	}
	w := env.Err
	if args.JSON {
		w = env.Out
	}
	DisplayError(w, command, err, args.JSON)
	return ExitCode(err)
}

// Dispatch runs one command against the App.
func (a *App) Dispatch(ctx context.Context, cmd Command, args Args) error {
	switch cmd {
	case CmdSignUp:
		return a.HandleSignUp(ctx, args)
	case CmdSignIn:
		return a.HandleSignIn(ctx, args)
	case CmdSignOut:
		return a.HandleSignOut(ctx, args)
	case CmdStatus:
		return a.HandleStatus(ctx, args)
	case CmdRefresh:
		return a.HandleRefresh(ctx, args)
	case CmdReset:
		return a.HandleReset(ctx, args)
	case CmdRecover:
		return a.HandleRecover(ctx, args)
	case CmdPasswd:
		return a.HandlePasswd(ctx, args)
	case CmdRekey:
		return a.HandleRekey(ctx, args)
	case CmdTOTP:
		return a.HandleTOTP(ctx, args)
	case CmdAPIKey:
		return a.HandleAPIKey(ctx, args)
	case CmdLimits:
		return a.HandleLimits(ctx, args)
	case CmdShell:
		return a.HandleShell(ctx, args)
	case CmdConfig:
		args.JSON = a.json
		return HandleConfig(a.Out, args, a.Config(), a.ConfigPath)
	case CmdHelp:
		PrintUsage(a.Out)
		return nil
	case CmdVersion:
		PrintVersion(a.Out)
		return nil
	default:
		return &UsageError{Command: args.Name, Reason: "unknown command", Example: "help"}
	}
}
