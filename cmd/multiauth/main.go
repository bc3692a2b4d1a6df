// Command multiauth is a terminal host for the multiauth facade. It signs in
// with email/password, Google or Apple, keeps the session on disk and prints
// the published authentication state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/panyam/multiauth"
	"github.com/panyam/multiauth/config"
	"github.com/spf13/cobra"
)

func main() {
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(context.Background())
	cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. cleanup closes the app when a command
// failed before the post run hook could.
func newRootCmd() (root *cobra.Command, cleanup func()) {
	var (
		envFile string
		out     = "text"
		timeout = 5 * time.Minute
		metrics bool
		a       *app
	)
	cleanup = func() {
		if a != nil {
			a.Close()
			a = nil
		}
	}

	root = &cobra.Command{
		Use:           "multiauth",
		Short:         "Sign in with email, Google or Apple and inspect the session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			level, _ := config.ParseLogLevel(cfg.LogLevel)
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			a, err = newApp(cmd.Context(), cfg, logger)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a == nil {
				return
			}
			a.settle()
			if metrics {
				printMetrics(cmd.ErrOrStderr(), a)
			}
			cleanup()
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file")
	root.PersistentFlags().StringVar(&out, "out", out, "Output format: json|text")
	root.PersistentFlags().DurationVar(&timeout, "timeout", timeout, "How long to wait for a flow to finish")
	root.PersistentFlags().BoolVar(&metrics, "metrics", false, "Print collected metrics on exit")

	signedIn := func(s multiauth.State) bool {
		return s.Status == multiauth.Authenticated
	}

	// finish prints the state a flow ended in and turns an alert into an error
	finish := func(cmd *cobra.Command, s multiauth.State, err error) error {
		if err != nil {
			return err
		}
		a.settle()
		s = a.auth.Snapshot()
		printState(cmd.OutOrStdout(), out, s)
		if s.ShowAlert && s.Error != "" {
			return fmt.Errorf("%s", s.Error)
		}
		return nil
	}

	signinCmd := &cobra.Command{Use: "signin", Short: "Start a sign in flow"}

	var email, password, name string
	var isNew bool
	emailCmd := &cobra.Command{
		Use:   "email",
		Short: "Sign in (or sign up with --new) with an email address and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := multiauth.EmailSignIn{Email: email, Password: password, DisplayName: name, IsNewUser: isNew}
			s, err := a.await(timeout, func() error {
				return a.auth.StartSignIn(cmd.Context(), params)
			}, signedIn)
			return finish(cmd, s, err)
		},
	}
	emailCmd.Flags().StringVar(&email, "email", "", "Email address")
	emailCmd.Flags().StringVar(&password, "password", os.Getenv("MULTIAUTH_PASSWORD"), "Password (env MULTIAUTH_PASSWORD)")
	emailCmd.Flags().StringVar(&name, "name", "", "Display name for new accounts")
	emailCmd.Flags().BoolVar(&isNew, "new", false, "Create the account")

	googleCmd := &cobra.Command{
		Use:   "google",
		Short: "Sign in with Google in the browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			anchor, ok := a.anchors[multiauth.ProviderGoogle]
			if !ok {
				return fmt.Errorf("google sign in is not configured (set OAUTH2_GOOGLE_CLIENT_ID)")
			}
			s, err := a.await(timeout, func() error {
				return a.auth.StartSignIn(cmd.Context(), multiauth.GoogleSignInParams{Anchor: anchor})
			}, signedIn)
			return finish(cmd, s, err)
		},
	}

	appleCmd := &cobra.Command{
		Use:   "apple",
		Short: "Sign in with Apple in the browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := a.anchors[multiauth.ProviderApple]; !ok {
				return fmt.Errorf("sign in with apple is not configured (set the OAUTH2_APPLE_* variables)")
			}
			s, err := a.await(timeout, func() error {
				return a.auth.StartSignIn(cmd.Context(), multiauth.AppleSignInParams{})
			}, signedIn)
			return finish(cmd, s, err)
		},
	}
	signinCmd.AddCommand(emailCmd, googleCmd, appleCmd)

	signoutCmd := &cobra.Command{
		Use:   "signout",
		Short: "Sign out of the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.await(timeout, func() error {
				return a.auth.SignOut(cmd.Context())
			}, func(s multiauth.State) bool {
				return s.Status == multiauth.Unauthenticated
			})
			return finish(cmd, s, err)
		},
	}

	var resetEmail string
	resetCmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Send a password reset email",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.await(timeout, func() error {
				return a.auth.ResetPassword(cmd.Context(), resetEmail)
			}, func(s multiauth.State) bool { return false })
			if err != nil {
				return err
			}
			if s.Error != "" {
				return fmt.Errorf("%s", s.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Notice)
			return nil
		},
	}
	resetCmd.Flags().StringVar(&resetEmail, "email", "", "Email address of the account")

	setNameCmd := &cobra.Command{
		Use:   "set-name NAME",
		Short: "Change the display name of the signed in user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.auth.ChangeDisplayName(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.settle()
			printState(cmd.OutOrStdout(), out, a.auth.Snapshot())
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the authentication state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.settle()
			printState(cmd.OutOrStdout(), out, a.auth.Snapshot())
			return nil
		},
	}

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List the configured sign in providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range a.registry.Providers() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}

	root.AddCommand(signinCmd, signoutCmd, resetCmd, setNameCmd, statusCmd, providersCmd)
	return root, cleanup
}

type stateView struct {
	Status         string `json:"status"`
	Provider       string `json:"provider,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	ProfilePicture int    `json:"profile_picture_bytes,omitempty"`
	Error          string `json:"error,omitempty"`
	Notice         string `json:"notice,omitempty"`
}

func printState(w io.Writer, out string, s multiauth.State) {
	v := stateView{
		Status:         s.Status.String(),
		Provider:       string(s.Provider),
		DisplayName:    s.DisplayName,
		ProfilePicture: len(s.ProfilePicture),
		Error:          s.Error,
		Notice:         s.Notice,
	}
	if out == "json" {
		p, _ := json.MarshalIndent(v, "", "  ")
		fmt.Fprintln(w, string(p))
		return
	}
	fmt.Fprintf(w, "status=%s", v.Status)
	if v.Provider != "" {
		fmt.Fprintf(w, " provider=%s", v.Provider)
	}
	if v.DisplayName != "" {
		fmt.Fprintf(w, " name=%q", v.DisplayName)
	}
	if v.ProfilePicture > 0 {
		fmt.Fprintf(w, " picture=%dB", v.ProfilePicture)
	}
	if v.Error != "" {
		fmt.Fprintf(w, " error=%q", v.Error)
	}
	if v.Notice != "" {
		fmt.Fprintf(w, " notice=%q", v.Notice)
	}
	fmt.Fprintln(w)
}

func printMetrics(w io.Writer, a *app) {
	families, err := a.metrics.Gather()
	if err != nil {
		a.logger.Warn("failed to gather metrics", "error", err)
		return
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
