// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/toeirei/poolgate/internal/core"
	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/keys"
	"github.com/toeirei/poolgate/internal/model"
	"github.com/toeirei/poolgate/internal/pool"
)

// clipboardWrite is replaced in tests.
var clipboardWrite = clipboard.WriteAll

// serverCheckTimeout bounds the check for a running server.
const serverCheckTimeout = 500 * time.Millisecond

// guardOffline refuses file edits while a server answers on the configured
// address: the server rewrites the accounts and api_keys sections from
// memory on its next change, which would drop the edit.
func (a *app) guardOffline(ctx context.Context) error {
	if a.force {
		return nil
	}
	c := a.adminClient("")
	c.HTTP = &http.Client{Timeout: serverCheckTimeout}
	ctx, cancel := context.WithTimeout(ctx, serverCheckTimeout)
	defer cancel()
	if h, err := c.Health(ctx); err != nil || h.Status != "ok" {
		return nil
	}
	return errs.Validation("a poolgate server is running at %s and would overwrite this change; "+
		"use its HTTP API, stop it first, or pass --force", c.BaseURL)
}

// offline builds a service over the config file for management commands.
// The caller must run the returned close function.
func (a *app) offline(ctx context.Context) (*core.Service, func(), error) {
	if err := a.guardOffline(ctx); err != nil {
		return nil, nil, err
	}
	st := a.store()
	km, err := a.keyManager(st)
	if err != nil {
		return nil, nil, err
	}
	auditDB, err := a.auditStore()
	if err != nil {
		return nil, nil, err
	}
	p := pool.New(pool.WithStrategy(a.cfg.LoadBalance.Strategy))
	if err := core.LoadAccounts(p, a.cfg.Accounts); err != nil {
		_ = auditDB.Close()
		return nil, nil, err
	}
	svc := &core.Service{Pool: p, Keys: km, Accounts: st, Audit: auditDB, Logger: a.logger}
	return svc, func() { _ = auditDB.Close() }, nil
}

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys in the config file",
		Long: `The 'keys' command group edits the api_keys section of the config file.
A running server keeps its own copy and rewrites the section on its next
change, so these commands refuse to run while a server answers on the
configured address. Use the HTTP API to change keys on a live server.`,
	}
	cmd.PersistentFlags().BoolVar(&a.force, "force", false, "Edit the file even if a server is running")
	cmd.AddCommand(newKeysListCmd(a), newKeysCreateCmd(a), newKeysUpdateCmd(a), newKeysDeleteCmd(a))
	return cmd
}

func newKeysListCmd(a *app) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			km, err := keys.NewManager(a.cfg.ToModelKeys(), nil)
			if err != nil {
				return err
			}
			list := km.List()
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No API keys found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKEY\tMODE\tENABLED\tPOOL\tCREATED")
			for _, k := range list {
				secret := keys.MaskKey(k.Key)
				if showSecrets {
					secret = k.Key
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					k.Name, secret, k.AccessMode, yesNo(k.Enabled), poolSummary(k.PoolRestriction), createdAt(k.CreatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print full key values")
	return cmd
}

type keyFlags struct {
	mode         string
	allow        []string
	deny         []string
	poolMode     string
	poolAccounts []string
	disabled     bool
}

func (f *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", "", "Access mode: whitelist or blacklist")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Allowed endpoint patterns (whitelist mode)")
	cmd.Flags().StringSliceVar(&f.deny, "deny", nil, "Denied endpoint patterns (blacklist mode)")
	cmd.Flags().StringVar(&f.poolMode, "pool-mode", "", "Pool restriction: all, whitelist or blacklist")
	cmd.Flags().StringSliceVar(&f.poolAccounts, "pool-accounts", nil, "Accounts named by the pool restriction")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "Create or set the key disabled")
}

func (f *keyFlags) restriction() *model.PoolRestriction {
	if f.poolMode == "" && f.poolAccounts == nil {
		return nil
	}
	mode := model.PoolMode(strings.ToLower(f.poolMode))
	if mode == "" {
		mode = model.PoolWhitelist
	}
	return &model.PoolRestriction{Mode: mode, Accounts: append([]string{}, f.poolAccounts...)}
}

func newKeysCreateCmd(a *app) *cobra.Command {
	var f keyFlags
	var copyKey bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.offline(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			enabled := !f.disabled
			k, err := svc.CreateKey(keys.CreateRequest{
				Name:             args[0],
				AccessMode:       model.AccessMode(strings.ToLower(f.mode)),
				AllowedEndpoints: f.allow,
				DeniedEndpoints:  f.deny,
				PoolRestriction:  f.restriction(),
				Enabled:          &enabled,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created API key %q (%s)\n", k.Name, k.AccessMode)
			fmt.Fprintln(out, k.Key)
			if copyKey {
				if err := clipboardWrite(k.Key); err != nil {
					a.logger.Warn("could not copy key to clipboard", "err", err)
				} else {
					fmt.Fprintln(out, "Copied to clipboard.")
				}
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&copyKey, "copy", false, "Copy the new key to the clipboard")
	return cmd
}

func newKeysUpdateCmd(a *app) *cobra.Command {
	var f keyFlags
	var enable bool
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Change an API key; only the given flags are applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u keys.Update
			flags := cmd.Flags()
			if flags.Changed("mode") {
				m := model.AccessMode(strings.ToLower(f.mode))
				u.AccessMode = &m
			}
			if flags.Changed("allow") {
				u.AllowedEndpoints = &f.allow
			}
			if flags.Changed("deny") {
				u.DeniedEndpoints = &f.deny
			}
			if flags.Changed("pool-mode") || flags.Changed("pool-accounts") {
				u.PoolRestriction = f.restriction()
			}
			switch {
			case flags.Changed("disabled"):
				v := !f.disabled
				u.Enabled = &v
			case flags.Changed("enable"):
				u.Enabled = &enable
			}

			svc, done, err := a.offline(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if err := svc.UpdateKey(args[0], u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated API key %q\n", args[0])
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable the key")
	return cmd
}

func newKeysDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.offline(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if err := svc.DeleteKey(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted API key %q\n", args[0])
			return nil
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func poolSummary(r model.PoolRestriction) string {
	if r.Mode == "" || r.Mode == model.PoolAll {
		return "all"
	}
	return fmt.Sprintf("%s(%s)", r.Mode, strings.Join(r.Accounts, ","))
}

func createdAt(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
