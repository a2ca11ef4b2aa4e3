// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// auth_cmd.go - Account, session and recovery commands.

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/security/auth"
)

// errPasswordMismatch is returned when the confirmation differs.
var errPasswordMismatch = errors.New("passwords do not match")

// =============================================================================
// INPUT HELPERS
// =============================================================================

// argOrPrompt returns positional argument i or asks for it.
func (a *App) argOrPrompt(args Args, i int, prompt string) (string, error) {
	if v := strings.TrimSpace(args.Arg(i)); v != "" {
		return v, nil
	}
	v, err := a.Prompt.ReadLine(prompt)
	if err != nil {
		return "", err
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", ErrEmptyInput
	}
	return v, nil
}

func (a *App) readSecret(prompt string) (string, error) {
	v, err := a.Prompt.ReadSecret(prompt)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", ErrEmptyInput
	}
	return v, nil
}

// readNewPassword asks for a password twice.
func (a *App) readNewPassword(prompt string) (string, error) {
	first, err := a.readSecret(prompt)
	if err != nil {
		return "", err
	}
	second, err := a.readSecret("Confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errPasswordMismatch
	}
	return first, nil
}

// account returns the signed-in account or a no-session error.
func (a *App) account(ctx context.Context) (*auth.Account, error) {
	return a.Auth.CurrentAccount(ctx)
}

func sessionData(s *auth.Session, withToken bool) SessionData {
	d := SessionData{
		UserID:    s.User.UserID,
		Email:     s.User.Email,
		ExpiresAt: s.Expires().UTC(),
	}
	if withToken {
		d.AccessToken = s.AccessToken
	}
	return d
}

func (a *App) printSession(title string, s *auth.Session) {
	fmt.Fprintln(a.Out, TitleStyle.Render(title))
	fmt.Fprintln(a.Out, RenderField("Email:", s.User.Email))
	fmt.Fprintln(a.Out, RenderField("User ID:", s.User.UserID))
	fmt.Fprintln(a.Out, RenderField("Expires:", formatExpiry(s.Expires())))
}

func formatExpiry(t time.Time) string {
	left := time.Until(t)
	if left <= 0 {
		return t.Local().Format(time.RFC1123) + " (expired)"
	}
	return fmt.Sprintf("%s (in %s)", t.Local().Format(time.RFC1123), formatDuration(left))
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func (a *App) printRecoveryKey(key string) {
	fmt.Fprintln(a.Out)
	fmt.Fprintln(a.Out, SectionStyle.Render("Recovery key"))
	fmt.Fprintln(a.Out, SecretStyle.Render(key))
	fmt.Fprintln(a.Out, WarningStyle.Render("Store this key somewhere safe. It is shown only once and replaces any earlier key."))
}

// =============================================================================
// ACCOUNT
// =============================================================================

// HandleSignUp creates an account.
func (a *App) HandleSignUp(ctx context.Context, args Args) error {
	email, err := a.argOrPrompt(args, 0, "Email: ")
	if err != nil {
		return err
	}
	password, err := a.readNewPassword("Password: ")
	if err != nil {
		return err
	}

	res, err := a.Auth.SignUp(ctx, email, password)
	if err != nil {
		return err
	}

	data := SignUpData{Session: sessionData(res.Session, args.Flag("show-token")), RecoveryKey: res.RecoveryKey}
	return a.emit("signup", data, func() {
		a.printSession("Account created", res.Session)
		a.printRecoveryKey(res.RecoveryKey)
	})
}

// HandleSignIn signs in with email and password, asking for a second-factor
// code when the account has one.
func (a *App) HandleSignIn(ctx context.Context, args Args) error {
	email, err := a.argOrPrompt(args, 0, "Email: ")
	if err != nil {
		return err
	}
	password, err := a.readSecret("Password: ")
	if err != nil {
		return err
	}

	var session *auth.Session
	if code := args.Options["code"]; code != "" {
		session, err = a.Auth.SignInWithTOTP(ctx, email, password, code)
	} else {
		session, err = a.Auth.SignIn(ctx, email, password)
		if auth.NeedsTOTP(err) && !a.json {
			code, cerr := a.Prompt.ReadLine("Authenticator code: ")
			if cerr != nil {
				return err
			}
			session, err = a.Auth.SignInWithTOTP(ctx, email, password, strings.TrimSpace(code))
		}
	}
	if err != nil {
		return err
	}

	return a.emit("signin", sessionData(session, args.Flag("show-token")), func() {
		a.printSession("Signed in", session)
	})
}

// HandleSignOut ends the active session.
func (a *App) HandleSignOut(ctx context.Context, args Args) error {
	if err := a.Auth.SignOut(ctx); err != nil {
		return err
	}
	return a.emit("signout", map[string]bool{"signed_out": true}, func() {
		a.info("%s Signed out", RenderStatus("ok"))
	})
}

// HandleStatus shows the active session.
func (a *App) HandleStatus(ctx context.Context, args Args) error {
	data := StatusData{Storage: a.Config().Storage.Driver}

	accounts, err := a.Auth.AccountCount(ctx)
	if err != nil {
		return err
	}
	data.Accounts = accounts

	session, err := a.Auth.GetSession(ctx)
	if err != nil {
		return err
	}
	if session != nil {
		acct, err := a.account(ctx)
		if err != nil && !auth.IsKind(err, auth.KindNoSession) {
			return err
		}
		if acct != nil {
			sd := sessionData(session, args.Flag("show-token"))
			data.SignedIn = true
			data.Session = &sd
			data.HasRecoveryKey = acct.HasRecoveryKey
			data.TOTPEnabled = acct.TOTPEnabled
		}
	}

	return a.emit("status", data, func() {
		if !data.SignedIn {
			fmt.Fprintf(a.Out, "%s Not signed in\n", RenderStatus("none"))
			fmt.Fprintln(a.Out, RenderField("Accounts:", data.Accounts))
			return
		}
		a.printSession("Session", session)
		fmt.Fprintln(a.Out, RenderField("Recovery key:", yesNo(data.HasRecoveryKey)))
		fmt.Fprintln(a.Out, RenderField("Two-factor:", yesNo(data.TOTPEnabled)))
		fmt.Fprintln(a.Out, RenderField("Storage:", data.Storage))
		fmt.Fprintln(a.Out, RenderField("Accounts:", data.Accounts))
		if data.Session.AccessToken != "" {
			fmt.Fprintln(a.Out, RenderField("Token:", data.Session.AccessToken))
		}
	})
}

// HandleRefresh extends the active session.
func (a *App) HandleRefresh(ctx context.Context, args Args) error {
	if !a.Auth.RefreshSession(ctx) {
		return &auth.Error{Kind: auth.KindNoSession}
	}
	session, err := a.Auth.GetSession(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return &auth.Error{Kind: auth.KindNoSession}
	}
	return a.emit("refresh", sessionData(session, false), func() {
		fmt.Fprintf(a.Out, "%s Session extended until %s\n", RenderStatus("ok"), session.Expires().Local().Format(time.RFC1123))
	})
}

// HandlePasswd changes the password of the signed-in account.
func (a *App) HandlePasswd(ctx context.Context, args Args) error {
	acct, err := a.account(ctx)
	if err != nil {
		return err
	}
	current, err := a.readSecret("Current password: ")
	if err != nil {
		return err
	}
	next, err := a.readNewPassword("New password: ")
	if err != nil {
		return err
	}
	if err := a.Auth.ChangePassword(ctx, acct.User.UserID, current, next); err != nil {
		return err
	}
	return a.emit("passwd", map[string]bool{"changed": true}, func() {
		a.info("%s Password changed. Tokens issued before now no longer verify.", RenderStatus("ok"))
	})
}

// =============================================================================
// RECOVERY
// =============================================================================

const resetUsage = "rigrun-auth reset request <email> | reset verify <email> <code>"

// HandleReset runs reset request and reset verify.
func (a *App) HandleReset(ctx context.Context, args Args) error {
	switch args.Subcommand {
	case "request":
		email, err := a.argOrPrompt(args, 0, "Email: ")
		if err != nil {
			return err
		}
		res, err := a.Auth.RequestPasswordReset(ctx, email)
		if err != nil {
			return err
		}
		data := ResetData{Message: res.Message, Queued: a.Mail != nil}
		return a.emit("reset", data, func() {
			fmt.Fprintf(a.Out, "%s %s\n", RenderStatus("ok"), res.Message)
			if a.Mail == nil {
				fmt.Fprintln(a.Out, WarningStyle.Render("Reset codes are not delivered while mail.driver is \"none\"."))
			}
		})

	case "verify":
		email, err := a.argOrPrompt(args, 0, "Email: ")
		if err != nil {
			return err
		}
		code, err := a.argOrPrompt(args, 1, "Reset code: ")
		if err != nil {
			return err
		}
		session, err := a.Auth.VerifyOTPAndSignIn(ctx, email, code)
		if err != nil {
			return err
		}
		return a.emit("reset", sessionData(session, args.Flag("show-token")), func() {
			a.printSession("Signed in with reset code", session)
			a.info("Run 'rigrun-auth passwd' to choose a new password.")
		})

	case "":
		return ErrMissingArgument("reset", "subcommand", resetUsage)
	default:
		return errUnknownSubcommand("reset", args.Subcommand, resetUsage)
	}
}

// HandleRecover signs in with the recovery key.
func (a *App) HandleRecover(ctx context.Context, args Args) error {
	email, err := a.argOrPrompt(args, 0, "Email: ")
	if err != nil {
		return err
	}
	key, err := a.readSecret("Recovery key: ")
	if err != nil {
		return err
	}
	session, err := a.Auth.VerifyRecoveryKeyAndSignIn(ctx, email, key)
	if err != nil {
		return err
	}
	return a.emit("recover", sessionData(session, args.Flag("show-token")), func() {
		a.printSession("Signed in with recovery key", session)
		a.info("Run 'rigrun-auth passwd' to choose a new password.")
	})
}

// HandleRekey replaces the recovery key of the signed-in account.
func (a *App) HandleRekey(ctx context.Context, args Args) error {
	acct, err := a.account(ctx)
	if err != nil {
		return err
	}
	password, err := a.readSecret("Password: ")
	if err != nil {
		return err
	}
	key, err := a.Auth.RegenerateRecoveryKey(ctx, acct.User.UserID, password)
	if err != nil {
		return err
	}
	return a.emit("rekey", map[string]string{"recovery_key": key}, func() {
		a.printRecoveryKey(key)
	})
}

// =============================================================================
// TWO-FACTOR
// =============================================================================

const totpUsage = "rigrun-auth totp enroll | totp confirm <code> | totp disable"

// HandleTOTP runs totp enroll, confirm and disable.
func (a *App) HandleTOTP(ctx context.Context, args Args) error {
	switch args.Subcommand {
	case "enroll", "confirm", "disable":
	case "":
		return ErrMissingArgument("totp", "subcommand", totpUsage)
	default:
		return errUnknownSubcommand("totp", args.Subcommand, totpUsage)
	}

	acct, err := a.account(ctx)
	if err != nil {
		return err
	}
	userID := acct.User.UserID

	switch args.Subcommand {
	case "enroll":
		password, err := a.readSecret("Password: ")
		if err != nil {
			return err
		}
		enrollment, err := a.Auth.EnrollTOTP(ctx, userID, password)
		if err != nil {
			return err
		}
		return a.emit("totp", enrollment, func() {
			fmt.Fprintln(a.Out, TitleStyle.Render("Two-factor enrollment"))
			fmt.Fprintln(a.Out, RenderField("Secret:", enrollment.Secret))
			fmt.Fprintln(a.Out, RenderField("URL:", enrollment.URL))
			a.info("Add the secret to your authenticator, then run 'rigrun-auth totp confirm <code>'.")
		})

	case "confirm":
		code, err := a.argOrPrompt(args, 0, "Authenticator code: ")
		if err != nil {
			return err
		}
		if err := a.Auth.ConfirmTOTP(ctx, userID, code); err != nil {
			return err
		}
		return a.emit("totp", map[string]bool{"enabled": true}, func() {
			a.info("%s Two-factor authentication enabled", RenderStatus("ok"))
		})

	case "disable":
		password, err := a.readSecret("Password: ")
		if err != nil {
			return err
		}
		if err := a.Auth.DisableTOTP(ctx, userID, password); err != nil {
			return err
		}
		return a.emit("totp", map[string]bool{"enabled": false}, func() {
			a.info("%s Two-factor authentication disabled", RenderStatus("ok"))
		})
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
