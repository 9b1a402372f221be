// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package pool

import (
	"errors"
	"math/rand/v2"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/model"
	"github.com/toeirei/poolgate/internal/security"
)

// newHealthyPool builds a pool where every named account holds a token.
func newHealthyPool(t *testing.T, names ...string) *Pool {
	t.Helper()
	p := New(WithRand(rand.New(rand.NewPCG(1, 2))))
	for _, n := range names {
		if err := p.Add(model.Account{Name: n, Enabled: true, RefreshCredential: security.FromString("rt-" + n)}); err != nil {
			t.Fatalf("Add(%s): %v", n, err)
		}
		if _, err := p.MarkRefreshResult(n, RefreshOutcome{Token: "tok-" + n, At: time.Unix(100, 0)}); err != nil {
			t.Fatalf("MarkRefreshResult(%s): %v", n, err)
		}
	}
	return p
}

func failN(t *testing.T, p *Pool, name string, n int) Transition {
	t.Helper()
	var last Transition
	for i := 0; i < n; i++ {
		tr, err := p.MarkRefreshResult(name, RefreshOutcome{Err: errors.New("boom")})
		if err != nil {
			t.Fatalf("MarkRefreshResult: %v", err)
		}
		if tr != TransitionNone {
			last = tr
		}
	}
	return last
}

func TestRoundRobinCycleOrder(t *testing.T) {
	p := newHealthyPool(t, "A", "B", "C")
	var got []string
	for i := 0; i < 6; i++ {
		acc, err := p.Select(model.RoundRobin, nil)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		got = append(got, acc.Name)
	}
	want := []string{"A", "B", "C", "A", "B", "C"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round robin order = %v, want %v", got, want)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	p := newHealthyPool(t, "a", "b", "c", "d")
	const rounds = 25
	counts := map[string]int{}
	for i := 0; i < rounds*4; i++ {
		acc, err := p.Select(model.RoundRobin, nil)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		counts[acc.Name]++
	}
	for _, n := range []string{"a", "b", "c", "d"} {
		if counts[n] != rounds {
			t.Errorf("account %s selected %d times, want %d", n, counts[n], rounds)
		}
	}
}

func TestLeastUsedMonotonic(t *testing.T) {
	p := newHealthyPool(t, "a", "b", "c")
	for i := 0; i < 30; i++ {
		if _, err := p.Select(model.LeastUsed, nil); err != nil {
			t.Fatalf("Select: %v", err)
		}
		var lo, hi uint64 = ^uint64(0), 0
		for _, a := range p.Snapshot() {
			lo = min(lo, a.UseCount)
			hi = max(hi, a.UseCount)
		}
		if hi-lo > 1 {
			t.Fatalf("use counts spread %d..%d after %d selections", lo, hi, i+1)
		}
	}
}

func TestLeastUsedTieBreaksByInsertionOrder(t *testing.T) {
	p := newHealthyPool(t, "first", "second")
	acc, err := p.Select(model.LeastUsed, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if acc.Name != "first" {
		t.Fatalf("got %s, want first", acc.Name)
	}
}

func TestRandomOnlyReturnsCandidates(t *testing.T) {
	p := newHealthyPool(t, "a", "b", "c")
	if err := p.SetEnabled("b", false); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		acc, err := p.Select(model.Random, nil)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[acc.Name] = true
	}
	if seen["b"] {
		t.Fatal("disabled account was selected")
	}
	if !seen["a"] || !seen["c"] {
		t.Fatalf("random never picked some candidates: %v", seen)
	}
}

func TestSelectIncrementsUseCount(t *testing.T) {
	p := newHealthyPool(t, "a")
	for i := 0; i < 3; i++ {
		if _, err := p.Select("", nil); err != nil {
			t.Fatal(err)
		}
	}
	acc, _ := p.Get("a")
	if acc.UseCount != 3 {
		t.Fatalf("UseCount = %d, want 3", acc.UseCount)
	}
}

func TestSelectRestrictions(t *testing.T) {
	p := newHealthyPool(t, "a", "b")

	if _, err := p.Select("", []string{}); !errs.HasKind(err, errs.KindAccountUnavailable) {
		t.Fatalf("empty allowed list: err = %v", err)
	}
	for i := 0; i < 4; i++ {
		acc, err := p.Select("", []string{"b"})
		if err != nil || acc.Name != "b" {
			t.Fatalf("restricted select = %q, %v", acc.Name, err)
		}
	}
	if _, err := p.Select("", []string{"missing"}); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("unknown allowed name: err = %v", err)
	}
}

func TestSelectSkipsAccountsWithoutToken(t *testing.T) {
	p := New()
	if err := p.Add(model.Account{Name: "fresh", Enabled: true, SessionToken: security.FromString("ignored")}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Select("", nil); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("account without refreshed token was selectable: %v", err)
	}
	acc, _ := p.Get("fresh")
	if acc.Health != model.HealthDegraded {
		t.Fatalf("new account health = %v, want degraded", acc.Health)
	}
}

func TestDisableThresholdAndRecovery(t *testing.T) {
	p := newHealthyPool(t, "a", "b")

	if tr := failN(t, p, "a", 2); tr != TransitionNone {
		t.Fatalf("transition after 2 failures = %v", tr)
	}
	acc, _ := p.Get("a")
	if acc.Health != model.HealthDegraded || !acc.Selectable() {
		t.Fatalf("after 2 failures: health=%v selectable=%v", acc.Health, acc.Selectable())
	}

	if tr := failN(t, p, "a", 1); tr != TransitionDisabled {
		t.Fatalf("transition after 3 failures = %v, want disabled", tr)
	}
	for i := 0; i < 10; i++ {
		got, err := p.Select(model.RoundRobin, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got.Name == "a" {
			t.Fatal("disabled account was selected")
		}
	}
	if names := p.ListAvailableNames(); !reflect.DeepEqual(names, []string{"b"}) {
		t.Fatalf("available = %v", names)
	}

	tr, err := p.MarkRefreshResult("a", RefreshOutcome{Token: "new", At: time.Unix(200, 0)})
	if err != nil || tr != TransitionRecovered {
		t.Fatalf("recovery transition = %v, %v", tr, err)
	}
	acc, _ = p.Get("a")
	if acc.Health != model.HealthHealthy || acc.ConsecutiveFailures != 0 || acc.SessionToken.Reveal() != "new" {
		t.Fatalf("after recovery: %+v", acc)
	}
}

func TestCustomThreshold(t *testing.T) {
	p := New(WithFailureThreshold(1))
	_ = p.Add(model.Account{Name: "a", Enabled: true})
	if tr := failN(t, p, "a", 1); tr != TransitionDisabled {
		t.Fatalf("threshold 1: transition = %v", tr)
	}
}

func TestReenableResetsDisabledAccount(t *testing.T) {
	p := newHealthyPool(t, "a")
	failN(t, p, "a", 3)
	if err := p.SetEnabled("a", true); err != nil {
		t.Fatal(err)
	}
	acc, _ := p.Get("a")
	if acc.Health != model.HealthDegraded || acc.ConsecutiveFailures != 0 {
		t.Fatalf("after re-enable: health=%v failures=%d", acc.Health, acc.ConsecutiveFailures)
	}
}

func TestOperatorDisableIsNeverSelectable(t *testing.T) {
	p := newHealthyPool(t, "a")
	_ = p.SetEnabled("a", false)
	if _, err := p.Select("", nil); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("err = %v", err)
	}
	if names := p.ListAvailableNames(); len(names) != 0 {
		t.Fatalf("available = %v", names)
	}
}

func TestResolve(t *testing.T) {
	p := newHealthyPool(t, "a1", "a2", "a3")
	tests := []struct {
		name string
		r    model.PoolRestriction
		want []string
	}{
		{"all", model.PoolRestriction{Mode: model.PoolAll}, []string{"a1", "a2", "a3"}},
		{"whitelist", model.PoolRestriction{Mode: model.PoolWhitelist, Accounts: []string{"a1", "a3", "ghost"}}, []string{"a1", "a3"}},
		{"blacklist", model.PoolRestriction{Mode: model.PoolBlacklist, Accounts: []string{"a2"}}, []string{"a1", "a3"}},
		{"whitelist none", model.PoolRestriction{Mode: model.PoolWhitelist}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Resolve(tt.r)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Resolve = %v, want %v", got, tt.want)
			}
		})
	}

	// a blacklisted account is never returned by a restricted select
	allowed := p.Resolve(model.PoolRestriction{Mode: model.PoolBlacklist, Accounts: []string{"a2"}})
	for i := 0; i < 9; i++ {
		acc, err := p.Select("", allowed)
		if err != nil {
			t.Fatal(err)
		}
		if acc.Name == "a2" {
			t.Fatal("blacklisted account selected")
		}
	}
}

func TestAddRemoveErrors(t *testing.T) {
	p := newHealthyPool(t, "a")
	if err := p.Add(model.Account{Name: "a"}); !errs.HasKind(err, errs.KindDuplicateName) {
		t.Fatalf("duplicate add: %v", err)
	}
	if err := p.Add(model.Account{}); !errs.HasKind(err, errs.KindValidation) {
		t.Fatalf("empty name: %v", err)
	}
	if err := p.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := p.Remove("a"); !errs.HasKind(err, errs.KindNotFound) {
			t.Fatalf("repeated Remove #%d: %v", i, err)
		}
	}
	if err := p.SetEnabled("a", true); !errs.HasKind(err, errs.KindNotFound) {
		t.Fatalf("SetEnabled on removed: %v", err)
	}
	if _, err := p.MarkRefreshResult("a", RefreshOutcome{Token: "x"}); !errs.HasKind(err, errs.KindNotFound) {
		t.Fatalf("MarkRefreshResult on removed: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("Len = %d", p.Len())
	}
}

func TestSnapshotOmitsRefreshCredential(t *testing.T) {
	p := newHealthyPool(t, "a")
	snap := p.Snapshot()
	if len(snap) != 1 || !snap[0].RefreshCredential.IsEmpty() {
		t.Fatalf("snapshot leaked refresh credential: %+v", snap)
	}
	targets := p.RefreshTargets()
	if len(targets) != 1 || targets[0].Credential.Reveal() != "rt-a" {
		t.Fatalf("targets = %+v", targets)
	}
}

func TestConcurrentSelectAndRemove(t *testing.T) {
	p := newHealthyPool(t, "a", "b", "c", "d")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = p.Select(model.Strategies[j%len(model.Strategies)], nil)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.Remove("c")
		_ = p.SetEnabled("b", false)
	}()
	wg.Wait()
	for i := 0; i < 10; i++ {
		acc, err := p.Select("", nil)
		if err != nil {
			t.Fatal(err)
		}
		if acc.Name == "c" || acc.Name == "b" {
			t.Fatalf("selected %s after removal/disable", acc.Name)
		}
	}
}

func TestRestore(t *testing.T) {
	p := newHealthyPool(t, "a", "b", "c")
	failN(t, p, "b", p.Threshold())
	snap, _ := p.Get("b")
	at := p.IndexOf("b")

	if err := p.SetEnabled("b", true); err != nil {
		t.Fatal(err)
	}
	if err := p.Restore(snap, at); err != nil {
		t.Fatalf("Restore in place: %v", err)
	}
	got, _ := p.Get("b")
	if got.Health != model.HealthDisabled || got.ConsecutiveFailures != snap.ConsecutiveFailures {
		t.Fatalf("in-place restore: %s/%d", got.Health, got.ConsecutiveFailures)
	}

	if err := p.Remove("b"); err != nil {
		t.Fatal(err)
	}
	if p.IndexOf("b") != -1 {
		t.Fatalf("removed account still indexed")
	}
	if err := p.Restore(snap, at); err != nil {
		t.Fatalf("Restore removed: %v", err)
	}
	if names := p.Names(); !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v", names)
	}
	got, _ = p.Get("b")
	if got.SessionToken.Reveal() != "tok-b" || got.RefreshCredential.Reveal() != "rt-b" || got.Health != model.HealthDisabled {
		t.Fatalf("restored account = %+v", got)
	}

	if err := p.Restore(model.Account{}, 0); !errs.HasKind(err, errs.KindValidation) {
		t.Fatalf("nameless restore: %v", err)
	}
}
