// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package server exposes the account pool and the API key engine over HTTP.
// Administrative routes are gated by the configured admin token; data routes
// pass an API key through the authenticate and authorize stages before an
// account is selected for the downstream call.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	clog "github.com/charmbracelet/log"

	"github.com/toeirei/poolgate/internal/core"
	"github.com/toeirei/poolgate/internal/i18n"
	"github.com/toeirei/poolgate/internal/logging"
	"github.com/toeirei/poolgate/internal/security"
)

const shutdownGrace = 10 * time.Second

// Options configures a Server.
type Options struct {
	Service      *core.Service
	AdminToken   security.Secret
	Translator   *i18n.Translator
	Logger       *clog.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP front of poolgate.
type Server struct {
	svc   *core.Service
	admin security.Secret
	tr    *i18n.Translator
	log   *clog.Logger
	mux   *http.ServeMux
	opts  Options
}

// New builds a server and registers every route.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component(nil, "http")
	}
	s := &Server{
		svc:   opts.Service,
		admin: opts.AdminToken,
		tr:    opts.Translator,
		log:   logger,
		mux:   http.NewServeMux(),
		opts:  opts,
	}

	// Administration.
	s.mux.Handle("GET /api/keys", s.requireAdmin(s.handleListKeys))
	s.mux.Handle("POST /api/keys", s.requireAdmin(s.handleCreateKey))
	s.mux.Handle("PUT /api/keys/{name}", s.requireAdmin(s.handleUpdateKey))
	s.mux.Handle("DELETE /api/keys/{name}", s.requireAdmin(s.handleDeleteKey))
	s.mux.Handle("GET /api/accounts", s.requireAdmin(s.handleListAccounts))
	s.mux.Handle("GET /api/accounts/status", s.requireAdmin(s.handleAccountStatus))
	s.mux.Handle("POST /api/accounts", s.requireAdmin(s.handleAddAccount))
	s.mux.Handle("DELETE /api/accounts/{name}", s.requireAdmin(s.handleRemoveAccount))
	s.mux.Handle("POST /api/accounts/{name}/enable", s.requireAdmin(s.handleSetEnabled(true)))
	s.mux.Handle("POST /api/accounts/{name}/disable", s.requireAdmin(s.handleSetEnabled(false)))
	s.mux.Handle("POST /api/accounts/{name}/refresh", s.requireAdmin(s.handleRefreshAccount))

	// Downstream operations.
	s.mux.Handle("GET /api/illust/{id}", s.requireKey(s.handleIllust))
	s.mux.Handle("GET /api/search", s.requireKey(s.handleSearch))
	s.mux.Handle("GET /api/ranking", s.requireKey(s.handleRanking))
	s.mux.Handle("GET /api/recommended", s.requireKey(s.handleRecommended))
	s.mux.Handle("GET /api/download", s.requireKey(s.handleDownload))

	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Handler returns the routed handler wrapped in the access log.
func (s *Server) Handler() http.Handler {
	return s.accessLog(s.mux)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", l.Addr().String())
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
