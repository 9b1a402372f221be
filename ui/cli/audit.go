// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/toeirei/poolgate/internal/db"
	"github.com/toeirei/poolgate/internal/model"
)

var (
	auditHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")).Padding(0, 1)
	auditCellStyle    = lipgloss.NewStyle().Padding(0, 1)
	auditAddStyle     = auditCellStyle.Foreground(lipgloss.Color("40"))
	auditRemoveStyle  = auditCellStyle.Foreground(lipgloss.Color("208"))
	auditWarningStyle = auditCellStyle.Foreground(lipgloss.Color("196"))
)

// actionStyle colors an action the way the dashboard does.
func actionStyle(action string) lipgloss.Style {
	switch {
	case action == db.ActionAutoDisabled:
		return auditWarningStyle
	case strings.HasPrefix(action, "ADD"),
		strings.HasPrefix(action, "CREATE"),
		strings.HasPrefix(action, "ENABLE"),
		action == db.ActionRecovered:
		return auditAddStyle
	case strings.HasPrefix(action, "DELETE"),
		strings.HasPrefix(action, "REMOVE"),
		strings.HasPrefix(action, "DISABLE"):
		return auditRemoveStyle
	}
	return auditCellStyle
}

func renderAuditTable(entries []model.AuditLogEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		ts := e.Timestamp
		if len(ts) > 19 {
			ts = ts[:19]
		}
		rows = append(rows, []string{ts, e.Username, e.Action, e.Details})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("TIMESTAMP (UTC)", "USER", "ACTION", "DETAILS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return auditHeaderStyle
			}
			if col == 2 && row >= 0 && row < len(rows) {
				return actionStyle(rows[row][2])
			}
			return auditCellStyle
		})
	return t.String()
}

func newAuditCmd(a *app) *cobra.Command {
	var (
		limit    int
		pruneAge time.Duration
		maintain bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show or prune the audit log",
		Long: `Print the newest audit log entries. --prune deletes entries older than
the given age and --maintain runs database maintenance afterwards.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.auditStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			out := cmd.OutOrStdout()
			if store == nil {
				fmt.Fprintln(out, "Audit log is disabled (database.type is none).")
				return nil
			}

			if pruneAge > 0 {
				n, err := store.Prune(cmd.Context(), time.Now().Add(-pruneAge))
				if err != nil {
					return fmt.Errorf("prune audit log: %w", err)
				}
				fmt.Fprintf(out, "Pruned %d audit entries older than %s\n", n, pruneAge)
			}
			if maintain {
				if err := db.RunDBMaintenance(a.cfg.Database.Type, a.cfg.Database.Dsn); err != nil {
					return err
				}
				fmt.Fprintln(out, "Maintenance completed successfully")
			}
			if pruneAge > 0 || maintain {
				return nil
			}

			entries, err := store.Entries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "The audit log is empty.")
				return nil
			}
			fmt.Fprintln(out, renderAuditTable(entries))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of entries to show (0 for all)")
	cmd.Flags().DurationVar(&pruneAge, "prune", 0, "Delete entries older than this age, e.g. 720h")
	cmd.Flags().BoolVar(&maintain, "maintain", false, "Run database maintenance (VACUUM and friends)")
	return cmd
}
