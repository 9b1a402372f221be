// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package core wires the account pool, the refresh scheduler and the API
// key engine together. UI layers (HTTP server, CLI) call into a Service
// instead of touching the components directly, so every mutation is
// persisted and audited the same way.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	clog "github.com/charmbracelet/log"

	"github.com/toeirei/poolgate/internal/config"
	"github.com/toeirei/poolgate/internal/db"
	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/keys"
	"github.com/toeirei/poolgate/internal/logging"
	"github.com/toeirei/poolgate/internal/model"
	"github.com/toeirei/poolgate/internal/pool"
	"github.com/toeirei/poolgate/internal/refresh"
	"github.com/toeirei/poolgate/internal/remote"
	"github.com/toeirei/poolgate/internal/security"
)

// AccountPersister stores the account list after every account mutation.
type AccountPersister interface {
	SaveAccounts(accounts []config.Account) error
}

// Caller performs a downstream operation with a session token.
type Caller interface {
	Call(ctx context.Context, token string, op remote.Operation, args url.Values) (remote.Result, error)
}

// Refresher refreshes a single account on demand.
type Refresher interface {
	RefreshOne(ctx context.Context, name string) error
}

var (
	_ Refresher        = (*refresh.Scheduler)(nil)
	_ Caller           = (*remote.Client)(nil)
	_ AccountPersister = (*config.Store)(nil)
	_ keys.Persister   = (*config.Store)(nil)
)

// Service is the application facade.
type Service struct {
	Pool      *pool.Pool
	Keys      *keys.Manager
	Refresher Refresher
	Accounts  AccountPersister
	Caller    Caller
	Audit     db.AuditWriter
	Logger    *clog.Logger

	// accounts are persisted as a whole; mu keeps each pool change and its
	// file write together.
	mu sync.Mutex
	wg sync.WaitGroup
}

func (s *Service) log() *clog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logging.Component(nil, "core")
}

func (s *Service) audit(action, details string) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.LogAction(action, details); err != nil {
		s.log().Warn("audit write failed", "action", action, "err", err)
	}
}

// LoadAccounts fills the pool from config entries.
func LoadAccounts(p *pool.Pool, accounts []config.Account) error {
	for _, a := range accounts {
		err := p.Add(model.Account{
			Name:              a.Name,
			Username:          a.Username,
			RefreshCredential: security.FromString(a.RefreshToken),
			Enabled:           a.Enabled,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// accountRecords rebuilds the on-disk account list from the pool.
func (s *Service) accountRecords() []config.Account {
	names := s.Pool.Names()
	out := make([]config.Account, 0, len(names))
	for _, n := range names {
		acc, err := s.Pool.Get(n)
		if err != nil {
			continue
		}
		out = append(out, config.Account{
			Name:         acc.Name,
			RefreshToken: acc.RefreshCredential.Reveal(),
			Enabled:      acc.Enabled,
			Username:     acc.Username,
		})
	}
	return out
}

func (s *Service) persistAccounts() error {
	if s.Accounts == nil {
		return nil
	}
	return s.Accounts.SaveAccounts(s.accountRecords())
}

// AddAccountRequest describes a new account.
type AddAccountRequest struct {
	Name         string
	RefreshToken string
	Username     string
}

// AddAccount adds an enabled account, persists it and starts an immediate
// background refresh so it becomes selectable without waiting for the next
// scheduled pass.
func (s *Service) AddAccount(ctx context.Context, req AddAccountRequest) error {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return errs.Validation("account name is required")
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		return errs.Validation("refresh_token is required")
	}

	s.mu.Lock()
	err := s.Pool.Add(model.Account{
		Name:              name,
		Username:          req.Username,
		RefreshCredential: security.FromString(req.RefreshToken),
		Enabled:           true,
	})
	if err == nil {
		if err = s.persistAccounts(); err != nil {
			_ = s.Pool.Remove(name)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.audit(db.ActionAddAccount, "account: "+name)
	s.log().Info("account added", "account", name)
	s.refreshAsync(context.WithoutCancel(ctx), name)
	return nil
}

// RemoveAccount removes and forgets the account.
func (s *Service) RemoveAccount(name string) error {
	s.mu.Lock()
	at := s.Pool.IndexOf(name)
	prev, err := s.Pool.Get(name)
	if err == nil {
		if err = s.Pool.Remove(name); err == nil {
			if err = s.persistAccounts(); err != nil {
				_ = s.Pool.Restore(prev, at)
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.audit(db.ActionRemoveAccount, "account: "+name)
	s.log().Info("account removed", "account", name)
	return nil
}

// SetAccountEnabled flips the operator switch on an account. Re-enabling
// an account that refresh failures had disabled triggers a refresh.
func (s *Service) SetAccountEnabled(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	prev, err := s.Pool.Get(name)
	if err == nil {
		if err = s.Pool.SetEnabled(name, enabled); err == nil {
			if err = s.persistAccounts(); err != nil {
				_ = s.Pool.Restore(prev, s.Pool.IndexOf(name))
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	action := db.ActionDisableAccount
	if enabled {
		action = db.ActionEnableAccount
	}
	s.audit(action, "account: "+name)
	s.log().Info("account switched", "account", name, "enabled", enabled)
	if enabled && prev.Health == model.HealthDisabled {
		s.refreshAsync(context.WithoutCancel(ctx), name)
	}
	return nil
}

// RefreshAccount refreshes one account now and waits for the result.
func (s *Service) RefreshAccount(ctx context.Context, name string) error {
	if s.Refresher == nil {
		return errs.New(errs.KindInternal, "no refresher configured")
	}
	return s.Refresher.RefreshOne(ctx, name)
}

func (s *Service) refreshAsync(ctx context.Context, name string) {
	if s.Refresher == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Refresher.RefreshOne(ctx, name); err != nil && !errs.HasKind(err, errs.KindNotFound) {
			s.log().Warn("immediate refresh failed", "account", name, "err", err)
		}
	}()
}

// Wait blocks until background refreshes started by the service finish.
func (s *Service) Wait() { s.wg.Wait() }

// CreateKey issues a key and audits it by fingerprint.
func (s *Service) CreateKey(req keys.CreateRequest) (model.APIKey, error) {
	k, err := s.Keys.Create(req)
	if err != nil {
		return model.APIKey{}, err
	}
	s.audit(db.ActionCreateAPIKey, fmt.Sprintf("name: %s, mode: %s, fingerprint: %s", k.Name, k.AccessMode, keys.Fingerprint(k.Key)))
	return k, nil
}

// UpdateKey applies a partial update.
func (s *Service) UpdateKey(name string, u keys.Update) error {
	if err := s.Keys.Update(name, u); err != nil {
		return err
	}
	s.audit(db.ActionUpdateAPIKey, "name: "+name)
	return nil
}

// DeleteKey removes a key.
func (s *Service) DeleteKey(name string) error {
	k, err := s.Keys.Get(name)
	if err != nil {
		return err
	}
	if err := s.Keys.Delete(name); err != nil {
		return err
	}
	s.audit(db.ActionDeleteAPIKey, fmt.Sprintf("name: %s, fingerprint: %s", name, keys.Fingerprint(k.Key)))
	return nil
}

// Dispatch serves an allowed request: it narrows the pool to the key's
// restriction, selects an account and calls the downstream with that
// account's session token. The chosen account name is returned for logging.
func (s *Service) Dispatch(ctx context.Context, d keys.Decision, strategy model.Strategy, op remote.Operation, args url.Values) (remote.Result, string, error) {
	if !d.Allowed {
		return remote.Result{}, "", d.Err()
	}
	var allowed []string
	if d.Restriction.Mode != "" && d.Restriction.Mode != model.PoolAll {
		allowed = s.Pool.Resolve(d.Restriction)
	}
	acc, err := s.Pool.Select(strategy, allowed)
	if err != nil {
		return remote.Result{}, "", err
	}
	res, err := s.Caller.Call(ctx, acc.SessionToken.Reveal(), op, args)
	if err != nil {
		var re *remote.RemoteError
		if errors.As(err, &re) {
			return remote.Result{}, acc.Name, errs.Wrap(errs.KindDownstream, "downstream request failed", err)
		}
		return remote.Result{}, acc.Name, err
	}
	return res, acc.Name, nil
}

// Health summarizes the pool for the health endpoint and dashboards.
type Health struct {
	Status    string `json:"status"`
	Accounts  int    `json:"accounts"`
	Available int    `json:"available"`
	Healthy   int    `json:"healthy"`
	Keys      int    `json:"keys"`
}

// Health reports pool counts.
func (s *Service) Health() Health {
	h := Health{Status: "ok", Accounts: s.Pool.Len(), Available: len(s.Pool.ListAvailableNames())}
	for _, a := range s.Pool.Snapshot() {
		if a.Health == model.HealthHealthy {
			h.Healthy++
		}
	}
	if s.Keys != nil {
		h.Keys = s.Keys.Len()
	}
	return h
}
