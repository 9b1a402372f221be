// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/poolgate/internal/i18n"
	"github.com/toeirei/poolgate/internal/tui"
)

func newDashboardCmd(a *app) *cobra.Command {
	var (
		baseURL  string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Watch account health of a running server",
		RunE: func(_ *cobra.Command, _ []string) error {
			tr, err := i18n.New(a.cfg.Language)
			if err != nil {
				return err
			}
			return tui.Run(a.adminClient(baseURL), tr, interval)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "Server base URL (default: derived from server.host and server.port)")
	cmd.Flags().DurationVar(&interval, "interval", tui.DefaultPollInterval, "Poll interval")
	return cmd
}
