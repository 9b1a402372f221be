// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/poolgate/internal/backup"
	"github.com/toeirei/poolgate/internal/config"
	"github.com/toeirei/poolgate/internal/db"
	"github.com/toeirei/poolgate/internal/keys"
	"github.com/toeirei/poolgate/internal/model"
)

func newBackupCmd(a *app) *cobra.Command {
	var withAudit bool
	cmd := &cobra.Command{
		Use:   "backup [output-file]",
		Short: "Write accounts, API keys and the audit log to a compressed archive",
		Long: `Write a zstd-compressed JSON archive with the configured accounts and API
keys and, unless --audit=false is given, the audit log. The archive holds
secrets and is created readable by the owner only. The default file name
is poolgate-backup-YYYY-MM-DD.json.zst.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			filename := backup.DefaultFileName(now)
			if len(args) == 1 {
				filename = backup.WithExtension(args[0])
			}
			var entries []model.AuditLogEntry
			if withAudit {
				store, err := a.auditStore()
				if err != nil {
					return err
				}
				entries, err = store.Entries(cmd.Context(), 0)
				_ = store.Close()
				if err != nil {
					return fmt.Errorf("read audit log: %w", err)
				}
			}
			arch := backup.FromConfig(a.store().Snapshot(), entries, now)
			if err := backup.WriteFile(filename, arch); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s (%d accounts, %d keys, %d audit entries)\n",
				filename, len(arch.Accounts), len(arch.APIKeys), len(arch.AuditLog))
			return nil
		},
	}
	cmd.Flags().BoolVar(&withAudit, "audit", true, "Include the audit log")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Replace accounts and API keys with those from a backup",
		Long: `Replace the accounts and api_keys sections of the config file with the
contents of a backup archive. Other settings are kept. Audit entries in the
archive are not replayed; the restore itself is recorded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := backup.ReadFile(args[0])
			if err != nil {
				return err
			}
			// reject archives whose keys would not load
			next := config.Config{APIKeys: arch.APIKeys}
			if _, err := keys.NewManager(next.ToModelKeys(), nil); err != nil {
				return fmt.Errorf("backup contains invalid API keys: %w", err)
			}

			if err := a.guardOffline(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !yes {
				fmt.Fprintf(out, "This replaces %d accounts and %d API keys in %s with %d accounts and %d API keys. Continue? [y/N]: ",
					len(a.cfg.Accounts), len(a.cfg.APIKeys), a.cfgPath, len(arch.Accounts), len(arch.APIKeys))
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if ans := strings.ToLower(strings.TrimSpace(answer)); ans != "y" && ans != "yes" {
					fmt.Fprintln(out, "Restore cancelled.")
					return nil
				}
			}

			if err := a.store().Replace(arch.Accounts, arch.APIKeys); err != nil {
				return err
			}
			store, err := a.auditStore()
			if err == nil {
				_ = store.LogAction(db.ActionRestore, fmt.Sprintf("file: %s, created: %s", args[0], arch.CreatedAt.Format(time.RFC3339)))
				_ = store.Close()
			}
			fmt.Fprintf(out, "Restored %d accounts and %d API keys from %s\n", len(arch.Accounts), len(arch.APIKeys), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&a.force, "force", false, "Restore even if a server is running")
	return cmd
}
