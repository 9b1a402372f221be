// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package refresh keeps every account's session token fresh in the
// background.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"

	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/logging"
	"github.com/toeirei/poolgate/internal/pool"
)

const (
	DefaultInterval = 50 * time.Minute
	DefaultStagger  = 30 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// Audit actions written on health edges.
const (
	ActionAutoDisabled = "ACCOUNT_AUTO_DISABLED"
	ActionRecovered    = "ACCOUNT_RECOVERED"
)

// Authenticator exchanges a refresh credential for a session token.
type Authenticator interface {
	Authenticate(ctx context.Context, refreshToken string) (string, error)
}

// AuditWriter records health transitions.
type AuditWriter interface {
	LogAction(action, details string) error
}

// Clock abstracts time.Now for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Summary counts the results of one refresh pass.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Disabled  int
	Recovered int
}

// Scheduler refreshes accounts on a fixed interval.
type Scheduler struct {
	Pool     *pool.Pool
	Auth     Authenticator
	Interval time.Duration
	Stagger  time.Duration
	Timeout  time.Duration
	Logger   *clog.Logger
	Audit    AuditWriter
	Clock    Clock

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return DefaultInterval
}

func (s *Scheduler) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

func (s *Scheduler) log() *clog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logging.Component(nil, "refresh")
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return systemClock{}.Now()
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run does one full pass immediately and then one per interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Pool == nil || s.Auth == nil {
		return errors.New("refresh scheduler needs a pool and an authenticator")
	}
	s.RefreshAll(ctx)
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// Start runs the scheduler in a goroutine. The returned function cancels it
// and waits for the goroutine to exit.
func (s *Scheduler) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			s.log().Error("refresh scheduler stopped", "err", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

type result struct {
	ok         bool
	transition pool.Transition
}

// RefreshAll refreshes every account. Account i of n starts after
// i*Stagger/n so that load on the downstream is spread out. One account's
// failure never affects another's.
func (s *Scheduler) RefreshAll(ctx context.Context) Summary {
	targets := s.Pool.RefreshTargets()
	n := len(targets)
	sum := Summary{Total: n}
	if n == 0 {
		return sum
	}
	s.log().Debug("refresh pass starting", "accounts", n)

	results := make([]result, n)
	var wg sync.WaitGroup
	for i, tgt := range targets {
		offset := time.Duration(0)
		if s.Stagger > 0 {
			offset = time.Duration(int64(s.Stagger) * int64(i) / int64(n))
		}
		wg.Add(1)
		go func(i int, tgt pool.RefreshTarget, offset time.Duration) {
			defer wg.Done()
			if err := s.sleep(ctx, offset); err != nil {
				return
			}
			ok, tr, _ := s.refresh(ctx, tgt)
			results[i] = result{ok: ok, transition: tr}
		}(i, tgt, offset)
	}
	wg.Wait()

	for _, r := range results {
		if r.ok {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
		switch r.transition {
		case pool.TransitionDisabled:
			sum.Disabled++
		case pool.TransitionRecovered:
			sum.Recovered++
		}
	}
	s.log().Info("refresh pass finished", "total", sum.Total, "ok", sum.Succeeded, "failed", sum.Failed)
	return sum
}

// RefreshOne refreshes the named account right away and returns the
// refresh error, if any.
func (s *Scheduler) RefreshOne(ctx context.Context, name string) error {
	tgt, err := s.Pool.RefreshTarget(name)
	if err != nil {
		return err
	}
	_, _, err = s.refresh(ctx, tgt)
	return err
}

func (s *Scheduler) refresh(ctx context.Context, tgt pool.RefreshTarget) (bool, pool.Transition, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout())
	token, err := s.Auth.Authenticate(callCtx, tgt.Credential.Reveal())
	cancel()
	tgt.Credential.Zero()
	if err == nil && token == "" {
		err = errors.New("empty session token")
	}
	if err != nil {
		err = errs.Wrap(errs.KindRefresh, fmt.Sprintf("refresh account %s", tgt.Name), err)
	}

	tr, markErr := s.Pool.MarkRefreshResult(tgt.Name, pool.RefreshOutcome{Token: token, Err: err, At: s.now()})
	if markErr != nil {
		// removed while the call was in flight
		s.log().Debug("refresh result dropped", "account", tgt.Name, "err", markErr)
		return false, pool.TransitionNone, markErr
	}

	l := s.log().With("account", tgt.Name)
	if err != nil {
		l.Warn("token refresh failed", "err", err)
	} else {
		l.Debug("token refreshed")
	}
	switch tr {
	case pool.TransitionDisabled:
		l.Error("account disabled after repeated refresh failures", "threshold", s.Pool.Threshold())
		s.audit(ActionAutoDisabled, fmt.Sprintf("account: %s, error: %v", tgt.Name, err))
	case pool.TransitionRecovered:
		l.Info("account recovered")
		s.audit(ActionRecovered, "account: "+tgt.Name)
	}
	return err == nil, tr, err
}

func (s *Scheduler) audit(action, details string) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.LogAction(action, details); err != nil {
		s.log().Warn("audit write failed", "action", action, "err", err)
	}
}
