// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// apikey_cmd.go - Cloud provider API keys in the vault.

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/rigrun-auth/internal/cloud"
	"github.com/jeranaias/rigrun-auth/internal/security/vault"
	"github.com/jeranaias/rigrun-auth/internal/util"
)

const apikeyUsage = "rigrun-auth apikey set|get|delete|verify <provider> | apikey list"

// APIKeyData is printed by apikey set, get and delete.
type APIKeyData struct {
	Provider    string `json:"provider"`
	Fingerprint string `json:"fingerprint"`
	Key         string `json:"key,omitempty"`
}

// HandleAPIKey manages provider keys.
func (a *App) HandleAPIKey(ctx context.Context, args Args) error {
	if args.Subcommand == "list" || args.Subcommand == "ls" || args.Subcommand == "" {
		return a.listAPIKeys(ctx)
	}

	provider := args.Arg(0)
	if provider == "" {
		return ErrMissingArgument("apikey "+args.Subcommand, "provider", apikeyUsage)
	}
	provider, err := vault.NormalizeName(provider)
	if err != nil {
		return err
	}

	switch args.Subcommand {
	case "set", "add":
		key, err := a.readSecret(fmt.Sprintf("API key for %s: ", provider))
		if err != nil {
			return err
		}
		if err := a.Vault.Put(ctx, provider, key); err != nil {
			return err
		}
		data := APIKeyData{Provider: provider, Fingerprint: vault.Fingerprint(key)}
		return a.emit("apikey", data, func() {
			a.info("%s Stored key for %s (%s)", RenderStatus("ok"), provider, data.Fingerprint)
		})

	case "get", "show":
		key, err := a.Vault.Get(ctx, provider)
		if err != nil {
			return err
		}
		data := APIKeyData{Provider: provider, Fingerprint: vault.Fingerprint(key)}
		if args.Flag("reveal") {
			data.Key = key
		}
		return a.emit("apikey", data, func() {
			fmt.Fprintln(a.Out, RenderField("Provider:", provider))
			fmt.Fprintln(a.Out, RenderField("Fingerprint:", data.Fingerprint))
			if data.Key != "" {
				fmt.Fprintln(a.Out, RenderField("Key:", data.Key))
			}
		})

	case "delete", "rm", "remove":
		if err := a.Vault.Delete(ctx, provider); err != nil {
			return err
		}
		return a.emit("apikey", APIKeyData{Provider: provider}, func() {
			a.info("%s Deleted key for %s", RenderStatus("ok"), provider)
		})

	case "verify", "check":
		client := cloud.NewClient(provider, a.Buckets, a.Vault)
		if t, ok := client.Transport.(*cloud.PacedTransport); ok {
			t.Logf = a.logf
		}
		check, err := cloud.CheckKey(ctx, client, provider, args.Options["url"])
		if err != nil {
			return err
		}
		return a.emit("apikey", check, func() {
			status := "ok"
			if !check.Valid {
				status = "fail"
			}
			fmt.Fprintf(a.Out, "%s %s answered %d in %s\n", RenderStatus(status), provider, check.Status, check.Latency)
		})

	default:
		return errUnknownSubcommand("apikey", args.Subcommand, apikeyUsage)
	}
}

func (a *App) listAPIKeys(ctx context.Context) error {
	entries, err := a.Vault.List(ctx)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []vault.Entry{}
	}
	return a.emit("apikey", entries, func() {
		if len(entries) == 0 {
			fmt.Fprintln(a.Out, DimStyle.Render("No API keys stored."))
			return
		}
		fmt.Fprintln(a.Out, TitleStyle.Render("API keys"))
		for _, e := range entries {
			status := "ok"
			if !e.Readable {
				status = "unreadable"
			}
			fmt.Fprintf(a.Out, "%s%s %s\n", LabelStyle.Render(util.TruncateDisplay(e.Provider, labelWidth-1)), e.Fingerprint, RenderStatus(status))
		}
	})
}
