// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/toeirei/poolgate/internal/core"
	"github.com/toeirei/poolgate/internal/tui"
)

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage downstream accounts",
		Long: `The 'accounts' command group edits the accounts section of the config
file. Edits are refused while a server answers on the configured address,
since it would overwrite them; use the HTTP API there. 'accounts status'
queries a running server instead.`,
	}
	cmd.PersistentFlags().BoolVar(&a.force, "force", false, "Edit the file even if a server is running")
	cmd.AddCommand(
		newAccountsListCmd(a),
		newAccountsStatusCmd(a),
		newAccountsAddCmd(a),
		newAccountsRemoveCmd(a),
		newAccountsSwitchCmd(a, true),
		newAccountsSwitchCmd(a, false),
	)
	return cmd
}

func newAccountsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if len(a.cfg.Accounts) == 0 {
				fmt.Fprintln(out, "No accounts configured.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tUSERNAME\tENABLED")
			for _, acc := range a.cfg.Accounts {
				user := acc.Username
				if user == "" {
					user = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", acc.Name, user, yesNo(acc.Enabled))
			}
			return w.Flush()
		},
	}
}

// adminClient targets the server described by the loaded config.
func (a *app) adminClient(baseURL string) *tui.AdminClient {
	if baseURL == "" {
		host := a.cfg.Server.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		baseURL = "http://" + listenAddr(host, a.cfg.Server.Port, false)
	}
	return &tui.AdminClient{BaseURL: baseURL, Token: a.cfg.Auth.Token}
}

func newAccountsStatusCmd(a *app) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live account health from a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			accs, err := a.adminClient(baseURL).Status(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHEALTH\tENABLED\tFAILURES\tUSES\tLAST REFRESH\tLAST ERROR")
			for _, s := range accs {
				refreshed := "-"
				if s.LastRefreshedAt != nil {
					refreshed = s.LastRefreshedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					s.Name, s.Health, yesNo(s.Enabled), s.ConsecutiveFailures, s.UseCount, refreshed, s.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "Server base URL (default: derived from server.host and server.port)")
	return cmd
}

// readSecret reads a secret without echo when in is a terminal, otherwise
// it reads one line.
func readSecret(in io.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newAccountsAddCmd(a *app) *cobra.Command {
	var refreshToken, username string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an account",
		Long: `Add an account by its OAuth refresh token. When --refresh-token is not
given the token is read from the terminal without echo.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if refreshToken == "" {
				tok, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Refresh token: ")
				if err != nil {
					return err
				}
				refreshToken = tok
			}
			svc, done, err := a.offline(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			err = svc.AddAccount(cmd.Context(), core.AddAccountRequest{
				Name:         args[0],
				RefreshToken: refreshToken,
				Username:     username,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added account %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().StringVar(&username, "username", "", "Display name of the account")
	return cmd
}

func newAccountsRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove an account",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.offline(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if err := svc.RemoveAccount(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed account %q\n", args[0])
			return nil
		},
	}
}

func newAccountsSwitchCmd(a *app, enable bool) *cobra.Command {
	use, short, verb := "disable", "Disable an account", "Disabled"
	if enable {
		use, short, verb = "enable", "Enable an account", "Enabled"
	}
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.offline(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if err := svc.SetAccountEnabled(cmd.Context(), args[0], enable); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s account %q\n", verb, args[0])
			return nil
		},
	}
}
