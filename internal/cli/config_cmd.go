// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Config file commands. These run without opening storage.

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-auth/internal/config"
)

const configUsage = "rigrun-auth config show | config path | config init [--force] | config get <key>"

// errConfigExists is returned by config init without --force.
var errConfigExists = errors.New("config file already exists (use --force to overwrite)")

// resolveConfigPath returns --config or the default location.
func resolveConfigPath(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	return config.ConfigPath()
}

// loadConfig loads the file named by --config, or the default file when it
// exists, or the defaults.
func loadConfig(args Args) (*config.Config, error) {
	if args.ConfigPath != "" {
		return config.LoadFromPath(args.ConfigPath)
	}
	return config.Load()
}

// HandleConfig runs the config subcommands against cfg, which was loaded
// from path.
func HandleConfig(w io.Writer, args Args, cfg *config.Config, path string) error {
	emit := func(data interface{}, human func()) error {
		if args.JSON {
			return NewJSONResponse("config", data).Print(w)
		}
		human()
		return nil
	}

	switch args.Subcommand {
	case "", "show":
		if args.JSON {
			return NewJSONResponse("config", cfg).Print(w)
		}
		fmt.Fprintln(w, DimStyle.Render("# "+path))
		return toml.NewEncoder(w).Encode(cfg)

	case "path":
		_, err := os.Stat(path)
		exists := err == nil
		return emit(map[string]interface{}{"path": path, "exists": exists}, func() {
			fmt.Fprintln(w, path)
		})

	case "init":
		if _, err := os.Stat(path); err == nil && !args.Flag("force") {
			return fmt.Errorf("%s: %w", path, errConfigExists)
		}
		if err := config.SaveTOML(config.Default(), path); err != nil {
			return err
		}
		return emit(map[string]string{"path": path}, func() {
			if !args.Quiet {
				fmt.Fprintf(w, "%s Wrote %s\n", RenderStatus("ok"), path)
			}
		})

	case "get":
		key := args.Arg(0)
		if key == "" {
			return ErrMissingArgument("config get", "key", configUsage)
		}
		v, err := cfg.Get(key)
		if err != nil {
			return err
		}
		return emit(map[string]interface{}{"key": key, "value": v}, func() {
			fmt.Fprintln(w, toString(v))
		})

	default:
		return errUnknownSubcommand("config", args.Subcommand, configUsage)
	}
}
