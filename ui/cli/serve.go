// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toeirei/poolgate/internal/core"
	"github.com/toeirei/poolgate/internal/i18n"
	"github.com/toeirei/poolgate/internal/logging"
	"github.com/toeirei/poolgate/internal/pool"
	"github.com/toeirei/poolgate/internal/refresh"
	"github.com/toeirei/poolgate/internal/remote"
	"github.com/toeirei/poolgate/internal/security"
	"github.com/toeirei/poolgate/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Start the HTTP gateway. Accounts from the config file are logged in
immediately and refreshed on the configured interval. API keys and
accounts changed through the HTTP API are written back to the config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("host", "", "Listen address (overrides server.host)")
	cmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	cmd.Flags().Bool("ipv6", false, "Listen on [::] when host is unset")
	cmd.Flags().String("strategy", "", "Default strategy: round_robin, random or least_used")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().Bool("log-json", false, "Log as JSON")
	return cmd
}

// listenAddr returns host:port, honoring the ipv6 switch for the wildcard host.
func listenAddr(host string, port int, ipv6 bool) string {
	if ipv6 && (host == "" || host == "0.0.0.0") {
		host = "::"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := a.logger

	tr, err := i18n.New(cfg.Language)
	if err != nil {
		return err
	}

	auditDB, err := a.auditStore()
	if err != nil {
		return err
	}
	defer func() { _ = auditDB.Close() }()

	st := a.store()
	p := pool.New(
		pool.WithStrategy(cfg.LoadBalance.Strategy),
		pool.WithFailureThreshold(cfg.Refresh.FailureThreshold),
	)
	if err := core.LoadAccounts(p, cfg.Accounts); err != nil {
		return err
	}
	km, err := a.keyManager(st)
	if err != nil {
		return err
	}

	opts := remote.Options{
		AuthURL:       cfg.Downstream.AuthURL,
		APIURL:        cfg.Downstream.APIURL,
		ClientID:      cfg.Downstream.ClientID,
		ClientSecret:  cfg.Downstream.ClientSecret,
		UserAgent:     cfg.Downstream.UserAgent,
		Referer:       cfg.Downstream.Referer,
		Timeout:       cfg.Downstream.Timeout,
		DownloadHosts: cfg.Downstream.DownloadHosts,
	}
	if cfg.Proxy.Enabled {
		opts.ProxyHTTP, opts.ProxyHTTPS = cfg.Proxy.HTTP, cfg.Proxy.HTTPS
	}
	client, err := remote.New(opts)
	if err != nil {
		return err
	}

	sched := &refresh.Scheduler{
		Pool:     p,
		Auth:     client,
		Interval: cfg.Refresh.Interval,
		Stagger:  cfg.Refresh.Stagger,
		Timeout:  cfg.Refresh.Timeout,
		Logger:   logging.Component(log, "refresh"),
		Audit:    auditDB,
	}
	svc := &core.Service{
		Pool:      p,
		Keys:      km,
		Refresher: sched,
		Accounts:  st,
		Caller:    client,
		Audit:     auditDB,
		Logger:    logging.Component(log, "core"),
	}
	srv := server.New(server.Options{
		Service:      svc,
		AdminToken:   security.FromString(cfg.Auth.Token),
		Translator:   tr,
		Logger:       logging.Component(log, "http"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	log.Info("starting poolgate",
		"config", a.cfgPath,
		"accounts", p.Len(),
		"keys", km.Len(),
		"strategy", p.Default(),
		"audit", auditDB.Type(),
	)
	stopRefresh := sched.Start(ctx)
	err = srv.Run(ctx, listenAddr(cfg.Server.Host, cfg.Server.Port, cfg.Server.IPv6))
	stopRefresh()
	svc.Wait()
	return err
}
