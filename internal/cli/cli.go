// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command-line parsing for rigrun-auth.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.2.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdSignUp
	CmdSignIn
	CmdSignOut
	CmdStatus
	CmdRefresh
	CmdReset
	CmdRecover
	CmdPasswd
	CmdRekey
	CmdTOTP
	CmdAPIKey
	CmdLimits
	CmdConfig
	CmdShell
	CmdVersion
	CmdUnknown
)

var commandNames = map[Command]string{
	CmdHelp:    "help",
	CmdSignUp:  "signup",
	CmdSignIn:  "signin",
	CmdSignOut: "signout",
	CmdStatus:  "status",
	CmdRefresh: "refresh",
	CmdReset:   "reset",
	CmdRecover: "recover",
	CmdPasswd:  "passwd",
	CmdRekey:   "rekey",
	CmdTOTP:    "totp",
	CmdAPIKey:  "apikey",
	CmdLimits:  "limits",
	CmdConfig:  "config",
	CmdShell:   "shell",
	CmdVersion: "version",
}

// String returns the command name as typed.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Quiet      bool
	Verbose    bool
	JSON       bool
	ConfigPath string

	// Name is the command word as typed, kept for error messages.
	Name string

	// Subcommand is the first positional argument of commands that have
	// subcommands (reset, totp, apikey, config, limits).
	Subcommand string

	// Raw holds the positional arguments after the command and subcommand.
	Raw []string

	// Options holds command flags; boolean flags map to "true".
	Options map[string]string
}

// Arg returns positional argument i or "".
func (a Args) Arg(i int) string {
	if i < len(a.Raw) {
		return a.Raw[i]
	}
	return ""
}

// Flag reports whether boolean option name was given.
func (a Args) Flag(name string) bool {
	return a.Options[name] == "true"
}

const usageText = `rigrun-auth - local account and API key manager for rigrun

Usage:
  rigrun-auth <command> [arguments] [flags]

Account:
  signup <email>                   Create an account and sign in
  signin <email> [--code 123456]   Sign in (--code for two-factor accounts)
  signout                          End the active session
  status                           Show the active session
  refresh                          Extend the active session
  passwd                           Change the password of the signed-in account

Recovery:
  reset request <email>            Email a one-time reset code
  reset verify <email> <code>      Sign in with a reset code
  recover <email>                  Sign in with the recovery key
  rekey                            Replace the recovery key

Two-factor:
  totp enroll                      Start authenticator enrollment
  totp confirm <code>              Finish enrollment
  totp disable                     Remove the second factor

Provider keys:
  apikey set <provider>            Store an API key (read from the prompt)
  apikey get <provider> [--reveal] Show the fingerprint (or the key)
  apikey delete <provider>         Remove a key
  apikey list                      List stored keys
  apikey verify <provider>         Test the key through the paced client

Other:
  limits                           Show rate limits and lockout state
  limits reset <provider>          Refill a provider bucket
  limits reset --all               Refill every bucket
  limits unlock <email>            Release a locked account
  config show|path|init|get <key>  Inspect or create the config file
  shell                            Interactive shell with config hot reload
  version                          Show version information
  help                             Show this help

Global flags:
  --config <path>    Config file (default ~/.rigrun/auth.toml)
  --json             Machine-readable output
  -q, --quiet        Suppress informational output
  -v, --verbose      Log operational events to stderr

Version: %s
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "rigrun-auth version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses os.Args.
func Parse() (Command, Args) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses args, which exclude the program name.
func ParseArgs(args []string) (Command, Args) {
	remaining, parsed := parseGlobalFlags(args)
	if len(remaining) == 0 {
		return CmdHelp, parsed
	}

	parsed.Name = strings.ToLower(remaining[0])
	remaining = parseCommandFlags(&parsed, remaining[1:])

	var cmd Command
	switch parsed.Name {
	case "signup", "register":
		cmd = CmdSignUp
	case "signin", "login":
		cmd = CmdSignIn
	case "signout", "logout":
		cmd = CmdSignOut
	case "status", "s", "whoami":
		cmd = CmdStatus
	case "refresh":
		cmd = CmdRefresh
	case "reset":
		cmd = CmdReset
	case "recover":
		cmd = CmdRecover
	case "passwd", "password":
		cmd = CmdPasswd
	case "rekey":
		cmd = CmdRekey
	case "totp", "2fa":
		cmd = CmdTOTP
	case "apikey", "apikeys", "key", "keys":
		cmd = CmdAPIKey
	case "limits", "limit":
		cmd = CmdLimits
	case "config":
		cmd = CmdConfig
	case "shell", "repl":
		cmd = CmdShell
	case "version", "--version":
		cmd = CmdVersion
	case "help", "--help", "-h":
		cmd = CmdHelp
	default:
		return CmdUnknown, parsed
	}

	if hasSubcommands(cmd) && len(remaining) > 0 {
		parsed.Subcommand = strings.ToLower(remaining[0])
		remaining = remaining[1:]
	}
	parsed.Raw = remaining
	return cmd, parsed
}

func hasSubcommands(cmd Command) bool {
	switch cmd {
	case CmdReset, CmdTOTP, CmdAPIKey, CmdConfig, CmdLimits:
		return true
	}
	return false
}

// parseGlobalFlags extracts flags valid before or after any command.
func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	parsed := Args{Options: make(map[string]string)}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-q", "--quiet":
			parsed.Quiet = true
		case "-v", "--verbose":
			parsed.Verbose = true
		case "--json":
			parsed.JSON = true
		case "--config":
			if i+1 < len(args) {
				i++
				parsed.ConfigPath = args[i]
			}
		default:
			if strings.HasPrefix(arg, "--config=") {
				parsed.ConfigPath = strings.TrimPrefix(arg, "--config=")
			} else {
				remaining = append(remaining, arg)
			}
		}
	}
	return remaining, parsed
}

// valueOptions take the following argument as their value.
var valueOptions = map[string]bool{
	"code": true,
	"url":  true,
}

// parseCommandFlags moves --name and --name=value arguments into
// parsed.Options and returns the positional arguments.
func parseCommandFlags(parsed *Args, args []string) []string {
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") || arg == "--" {
			positional = append(positional, arg)
			continue
		}
		name := strings.TrimPrefix(arg, "--")
		if k, v, ok := strings.Cut(name, "="); ok {
			parsed.Options[k] = v
			continue
		}
		if valueOptions[name] && i+1 < len(args) {
			i++
			parsed.Options[name] = args[i]
			continue
		}
		parsed.Options[name] = "true"
	}
	return positional
}
