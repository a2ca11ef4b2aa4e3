// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/security/access"
	"github.com/jeranaias/rigrun-auth/internal/security/auth"
	"github.com/jeranaias/rigrun-auth/internal/util"
)

const limitsUsage = "rigrun-auth limits [show] | limits reset <provider>|--all | limits unlock <email>"

var errNotLocked = errors.New("not locked")

// ProviderLimit is one row of the limits table.
type ProviderLimit struct {
	Provider    string `json:"provider"`
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
	MinInterval string `json:"min_interval"`
	Remaining   int    `json:"remaining"`
}

// LimitsData is printed by limits.
type LimitsData struct {
	Providers []ProviderLimit       `json:"providers"`
	Buckets   []access.BucketStatus `json:"buckets"`
	Lockout   access.Stats          `json:"lockout"`
	Locked    []access.LockedEntry  `json:"locked"`
	Pruned    int                   `json:"pruned"`
}

// HandleLimits shows provider budgets and lockout state.
func (a *App) HandleLimits(ctx context.Context, args Args) error {
	switch args.Subcommand {
	case "", "show":
		data := a.limitsData()
		return a.emit("limits", data, func() { a.printLimits(data) })

	case "reset":
		if args.Flag("all") {
			a.Buckets.ResetAll()
			return a.emit("limits", map[string]bool{"reset_all": true}, func() {
				a.info("%s All buckets refilled", RenderStatus("ok"))
			})
		}
		provider := args.Arg(0)
		if provider == "" {
			return ErrMissingArgument("limits reset", "provider", limitsUsage)
		}
		a.Buckets.Reset(provider)
		return a.emit("limits", map[string]string{"reset": provider}, func() {
			a.info("%s Bucket for %s refilled", RenderStatus("ok"), provider)
		})

	case "unlock":
		email := args.Arg(0)
		if email == "" {
			return ErrMissingArgument("limits unlock", "email", limitsUsage)
		}
		unlocked := a.unlock(auth.NormalizeEmail(email))
		if unlocked == 0 {
			return fmt.Errorf("%s: %w", email, errNotLocked)
		}
		return a.emit("limits", map[string]int{"unlocked": unlocked}, func() {
			a.info("%s Released %d lock(s)", RenderStatus("ok"), unlocked)
		})

	default:
		return errUnknownSubcommand("limits", args.Subcommand, limitsUsage)
	}
}

// unlock releases every guard namespace for email.
func (a *App) unlock(email string) int {
	n := 0
	for _, ns := range []string{access.NamespaceLogin, access.NamespaceOTP, access.NamespaceRecovery} {
		if err := a.Guard.Unlock(ns + email); err == nil {
			n++
		}
	}
	return n
}

// limitsData prunes expired guard records first so the counts are current.
func (a *App) limitsData() LimitsData {
	pruned := a.Guard.Cleanup()

	names := make([]string, 0, len(a.Config().Limits))
	for name := range a.Config().Limits {
		names = append(names, name)
	}
	sort.Strings(names)

	data := LimitsData{
		Providers: make([]ProviderLimit, 0, len(names)),
		Buckets:   a.Buckets.Snapshot(),
		Lockout:   a.Auth.LockoutStats(),
		Locked:    a.Auth.LockedAccounts(),
		Pruned:    pruned,
	}
	sort.Slice(data.Buckets, func(i, j int) bool { return data.Buckets[i].Key < data.Buckets[j].Key })
	for _, name := range names {
		l := a.Config().Limits[name]
		data.Providers = append(data.Providers, ProviderLimit{
			Provider:    name,
			MaxRequests: l.MaxRequests,
			Window:      l.Window.String(),
			MinInterval: l.MinInterval.String(),
			Remaining:   a.Buckets.Remaining(name),
		})
	}
	if data.Locked == nil {
		data.Locked = []access.LockedEntry{}
	}
	return data
}

func (a *App) printLimits(data LimitsData) {
	fmt.Fprintln(a.Out, TitleStyle.Render("Provider limits"))
	if len(data.Providers) == 0 {
		fmt.Fprintln(a.Out, DimStyle.Render("No providers configured."))
	}
	for _, p := range data.Providers {
		fmt.Fprintf(a.Out, "%s%d/%s  min %s  %s\n",
			LabelStyle.Render(util.PadDisplay(p.Provider, labelWidth-1)), p.MaxRequests, p.Window, p.MinInterval,
			DimStyle.Render(fmt.Sprintf("(%d left)", p.Remaining)))
	}

	fmt.Fprintln(a.Out, SectionStyle.Render("Lockout"))
	fmt.Fprintln(a.Out, RenderField("Max attempts:", data.Lockout.MaxAttempts))
	fmt.Fprintln(a.Out, RenderField("Duration:", data.Lockout.LockoutDuration))
	fmt.Fprintln(a.Out, RenderField("Persistent:", yesNo(data.Lockout.Persistent)))
	fmt.Fprintln(a.Out, RenderField("Tracked:", data.Lockout.TotalTracked))
	fmt.Fprintln(a.Out, RenderField("Locked now:", data.Lockout.CurrentlyLocked))
	if data.Pruned > 0 {
		fmt.Fprintln(a.Out, RenderField("Pruned:", data.Pruned))
	}
	for _, l := range data.Locked {
		fmt.Fprintf(a.Out, "  %s %s %s\n", RenderStatus("locked"), l.Identifier,
			DimStyle.Render(formatDuration(l.TimeRemaining.Round(time.Second))))
	}
}
