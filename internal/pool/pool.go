// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package pool holds the live set of downstream accounts and picks one per
// request under a load-balancing strategy.
package pool

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/model"
	"github.com/toeirei/poolgate/internal/security"
)

// DefaultFailureThreshold is the number of consecutive refresh failures after
// which an account is disabled.
const DefaultFailureThreshold = 3

// ErrNotAvailable is returned by Select when no candidate account exists.
var ErrNotAvailable = errs.Unavailable("No available account")

// Transition describes a health edge crossed by MarkRefreshResult.
type Transition int

const (
	TransitionNone Transition = iota
	// TransitionDisabled fires when the failure threshold is reached.
	TransitionDisabled
	// TransitionRecovered fires when a disabled account refreshes successfully.
	TransitionRecovered
)

func (t Transition) String() string {
	switch t {
	case TransitionDisabled:
		return "disabled"
	case TransitionRecovered:
		return "recovered"
	default:
		return "none"
	}
}

// RefreshOutcome is the result of one refresh attempt for an account.
type RefreshOutcome struct {
	Token string
	Err   error
	At    time.Time
}

// RefreshTarget is what the scheduler needs to refresh one account.
type RefreshTarget struct {
	Name       string
	Credential security.Secret
}

// Option configures a Pool.
type Option func(*Pool)

// WithStrategy sets the default strategy.
func WithStrategy(s model.Strategy) Option { return func(p *Pool) { p.strategy = s } }

// WithFailureThreshold sets the disable threshold. Values below 1 are ignored.
func WithFailureThreshold(n int) Option {
	return func(p *Pool) {
		if n >= 1 {
			p.threshold = n
		}
	}
}

// WithRand replaces the random source used by the Random strategy.
func WithRand(r *rand.Rand) Option { return func(p *Pool) { p.rnd = r } }

// Pool is safe for concurrent use. A single mutex guards the account map,
// the insertion order, the round-robin cursor and every account field.
type Pool struct {
	mu        sync.Mutex
	accounts  map[string]*model.Account
	order     []string
	cursor    int
	strategy  model.Strategy
	threshold int
	rnd       *rand.Rand
}

// New returns an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		accounts:  make(map[string]*model.Account),
		strategy:  model.RoundRobin,
		threshold: DefaultFailureThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return p
}

// Default returns the strategy used when Select gets no override.
func (p *Pool) Default() model.Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

// SetDefault changes the default strategy.
func (p *Pool) SetDefault(s model.Strategy) {
	p.mu.Lock()
	p.strategy = s
	p.mu.Unlock()
}

// Threshold returns the configured failure threshold.
func (p *Pool) Threshold() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threshold
}

// Add registers a new account. New accounts start degraded with no session
// token regardless of what the caller passed in those fields.
func (p *Pool) Add(acc model.Account) error {
	if acc.Name == "" {
		return errs.Validation("account name is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[acc.Name]; ok {
		return errs.DuplicateName("account", acc.Name)
	}
	a := acc
	a.RefreshCredential = acc.RefreshCredential.Clone()
	a.SessionToken = nil
	a.Health = model.HealthDegraded
	a.ConsecutiveFailures = 0
	a.UseCount = 0
	p.accounts[a.Name] = &a
	p.order = append(p.order, a.Name)
	return nil
}

// Remove deletes the account. It returns NotFound for unknown names,
// including on a repeated call.
func (p *Pool) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[name]
	if !ok {
		return errs.NotFound("account", name)
	}
	acc.SessionToken.Zero()
	acc.RefreshCredential.Zero()
	delete(p.accounts, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// Restore puts back an account exactly as a Get snapshot captured it,
// health, counters and tokens included. An account that was removed in the
// meantime is reinserted at index at, clamped to the current order.
func (p *Pool) Restore(acc model.Account, at int) error {
	if acc.Name == "" {
		return errs.Validation("account name is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a := acc
	a.RefreshCredential = acc.RefreshCredential.Clone()
	a.SessionToken = acc.SessionToken.Clone()
	if cur, ok := p.accounts[a.Name]; ok {
		*cur = a
		return nil
	}
	at = max(0, min(at, len(p.order)))
	p.accounts[a.Name] = &a
	p.order = append(p.order, "")
	copy(p.order[at+1:], p.order[at:])
	p.order[at] = a.Name
	return nil
}

// IndexOf returns the position of name in insertion order, or -1.
func (p *Pool) IndexOf(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, n := range p.order {
		if n == name {
			return i
		}
	}
	return -1
}

// SetEnabled flips the operator switch. Re-enabling an account that was
// disabled by refresh failures resets its failure counter and moves it back
// to degraded so the next refresh can restore it.
func (p *Pool) SetEnabled(name string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[name]
	if !ok {
		return errs.NotFound("account", name)
	}
	acc.Enabled = enabled
	if enabled && acc.Health == model.HealthDisabled {
		acc.Health = model.HealthDegraded
		acc.ConsecutiveFailures = 0
	}
	return nil
}

// Select picks an account. A nil allowed slice means no restriction; a
// non-nil empty slice means nothing is allowed. An empty override uses the
// pool default.
func (p *Pool) Select(override model.Strategy, allowed []string) (model.Account, error) {
	if allowed != nil && len(allowed) == 0 {
		return model.Account{}, ErrNotAvailable
	}
	var allowSet map[string]struct{}
	if allowed != nil {
		allowSet = make(map[string]struct{}, len(allowed))
		for _, n := range allowed {
			allowSet[n] = struct{}{}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*model.Account, 0, len(p.order))
	for _, n := range p.order {
		if allowSet != nil {
			if _, ok := allowSet[n]; !ok {
				continue
			}
		}
		if acc := p.accounts[n]; acc.Selectable() {
			candidates = append(candidates, acc)
		}
	}
	if len(candidates) == 0 {
		return model.Account{}, ErrNotAvailable
	}

	strategy := override
	if strategy == "" {
		strategy = p.strategy
	}

	var chosen *model.Account
	switch strategy {
	case model.Random:
		chosen = candidates[p.rnd.IntN(len(candidates))]
	case model.LeastUsed:
		chosen = candidates[0]
		for _, c := range candidates[1:] {
			if c.UseCount < chosen.UseCount {
				chosen = c
			}
		}
	default:
		idx := p.cursor % len(candidates)
		chosen = candidates[idx]
		p.cursor = idx + 1
	}
	chosen.UseCount++
	return snapshot(chosen, true), nil
}

// MarkRefreshResult applies a refresh outcome to the named account.
func (p *Pool) MarkRefreshResult(name string, out RefreshOutcome) (Transition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[name]
	if !ok {
		return TransitionNone, errs.NotFound("account", name)
	}
	if out.Err == nil && out.Token != "" {
		wasDisabled := acc.Health == model.HealthDisabled
		acc.SessionToken.Zero()
		acc.SessionToken = security.FromString(out.Token)
		acc.Health = model.HealthHealthy
		acc.ConsecutiveFailures = 0
		acc.LastError = ""
		acc.LastRefreshedAt = out.At
		if wasDisabled {
			return TransitionRecovered, nil
		}
		return TransitionNone, nil
	}

	acc.ConsecutiveFailures++
	if out.Err != nil {
		acc.LastError = out.Err.Error()
	} else {
		acc.LastError = "empty session token"
	}
	if acc.Health == model.HealthDisabled {
		return TransitionNone, nil
	}
	if acc.ConsecutiveFailures >= p.threshold {
		acc.Health = model.HealthDisabled
		return TransitionDisabled, nil
	}
	acc.Health = model.HealthDegraded
	return TransitionNone, nil
}

// Resolve turns a key's pool restriction into concrete selectable account
// names. The result is never nil, so an empty result restricts to nothing.
func (p *Pool) Resolve(r model.PoolRestriction) []string {
	listed := make(map[string]struct{}, len(r.Accounts))
	for _, n := range r.Accounts {
		listed[n] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.order))
	for _, n := range p.order {
		if !p.accounts[n].Selectable() {
			continue
		}
		_, in := listed[n]
		switch r.Mode {
		case model.PoolWhitelist:
			if !in {
				continue
			}
		case model.PoolBlacklist:
			if in {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

// ListAvailableNames returns enabled, not-disabled account names in
// insertion order.
func (p *Pool) ListAvailableNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.order))
	for _, n := range p.order {
		if p.accounts[n].Available() {
			out = append(out, n)
		}
	}
	return out
}

// Names returns every account name in insertion order.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Len returns the number of accounts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Get returns a copy of the named account including its secrets.
func (p *Pool) Get(name string) (model.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[name]
	if !ok {
		return model.Account{}, errs.NotFound("account", name)
	}
	return snapshot(acc, true), nil
}

// Snapshot returns every account without its refresh credential, for status
// views. The session token is kept so callers can test for its presence; it
// is redacted whenever printed or marshalled.
func (p *Pool) Snapshot() []model.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Account, 0, len(p.order))
	for _, n := range p.order {
		out = append(out, snapshot(p.accounts[n], false))
	}
	return out
}

// RefreshTargets returns a copy of every account's refresh credential.
func (p *Pool) RefreshTargets() []RefreshTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RefreshTarget, 0, len(p.order))
	for _, n := range p.order {
		out = append(out, RefreshTarget{Name: n, Credential: p.accounts[n].RefreshCredential.Clone()})
	}
	return out
}

// RefreshTarget returns the credential for one account.
func (p *Pool) RefreshTarget(name string) (RefreshTarget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[name]
	if !ok {
		return RefreshTarget{}, errs.NotFound("account", name)
	}
	return RefreshTarget{Name: name, Credential: acc.RefreshCredential.Clone()}, nil
}

func snapshot(a *model.Account, secrets bool) model.Account {
	out := *a
	out.SessionToken = a.SessionToken.Clone()
	if secrets {
		out.RefreshCredential = a.RefreshCredential.Clone()
	} else {
		out.RefreshCredential = nil
	}
	return out
}
