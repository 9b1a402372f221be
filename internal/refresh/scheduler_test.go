// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package refresh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/logging"
	"github.com/toeirei/poolgate/internal/model"
	"github.com/toeirei/poolgate/internal/pool"
	"github.com/toeirei/poolgate/internal/security"
)

// fakeAuth maps refresh credentials to tokens; credentials listed in fail
// return an error.
type fakeAuth struct {
	mu    sync.Mutex
	fail  map[string]bool
	block map[string]bool
	calls map[string]int
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{fail: map[string]bool{}, block: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeAuth) Authenticate(ctx context.Context, rt string) (string, error) {
	f.mu.Lock()
	f.calls[rt]++
	fail, block := f.fail[rt], f.block[rt]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if fail {
		return "", errors.New("invalid_grant")
	}
	return "tok-" + rt, nil
}

func (f *fakeAuth) setFail(rt string, v bool) {
	f.mu.Lock()
	f.fail[rt] = v
	f.mu.Unlock()
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeAudit) LogAction(action, details string) error {
	f.mu.Lock()
	f.actions = append(f.actions, action)
	f.mu.Unlock()
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newScheduler(t *testing.T, names ...string) (*Scheduler, *fakeAuth, *fakeAudit) {
	t.Helper()
	p := pool.New()
	for _, n := range names {
		if err := p.Add(model.Account{Name: n, Enabled: true, RefreshCredential: security.FromString(n)}); err != nil {
			t.Fatal(err)
		}
	}
	auth := newFakeAuth()
	audit := &fakeAudit{}
	s := &Scheduler{
		Pool:   p,
		Auth:   auth,
		Logger: logging.Discard(),
		Audit:  audit,
		Clock:  fixedClock{time.Unix(1000, 0)},
		Sleep:  func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}
	return s, auth, audit
}

func TestRefreshAllMakesAccountsHealthy(t *testing.T) {
	s, _, _ := newScheduler(t, "a", "b")
	sum := s.RefreshAll(context.Background())
	if sum.Total != 2 || sum.Succeeded != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	acc, _ := s.Pool.Get("a")
	if acc.Health != model.HealthHealthy || acc.SessionToken.Reveal() != "tok-a" || !acc.LastRefreshedAt.Equal(time.Unix(1000, 0)) {
		t.Fatalf("account after refresh: %+v", acc)
	}
}

func TestFailureIsolation(t *testing.T) {
	s, auth, _ := newScheduler(t, "good", "bad")
	auth.setFail("bad", true)
	sum := s.RefreshAll(context.Background())
	if sum.Succeeded != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	good, _ := s.Pool.Get("good")
	bad, _ := s.Pool.Get("bad")
	if good.Health != model.HealthHealthy {
		t.Fatalf("good account health = %v", good.Health)
	}
	if bad.Health != model.HealthDegraded || bad.ConsecutiveFailures != 1 || bad.LastError == "" {
		t.Fatalf("bad account: %+v", bad)
	}
}

func TestThresholdDisableAndRecovery(t *testing.T) {
	s, auth, audit := newScheduler(t, "a")
	ctx := context.Background()
	s.RefreshAll(ctx)
	auth.setFail("a", true)

	for i := 1; i <= 3; i++ {
		sum := s.RefreshAll(ctx)
		acc, _ := s.Pool.Get("a")
		if i < 3 && acc.Health == model.HealthDisabled {
			t.Fatalf("disabled after %d failures", i)
		}
		if i == 3 && (acc.Health != model.HealthDisabled || sum.Disabled != 1) {
			t.Fatalf("not disabled after 3 failures: %+v %+v", acc, sum)
		}
	}
	if _, err := s.Pool.Select("", nil); !errs.HasKind(err, errs.KindAccountUnavailable) {
		t.Fatalf("disabled account still selectable: %v", err)
	}

	auth.setFail("a", false)
	sum := s.RefreshAll(ctx)
	if sum.Recovered != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if _, err := s.Pool.Select("", nil); err != nil {
		t.Fatalf("recovered account not selectable: %v", err)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	want := []string{ActionAutoDisabled, ActionRecovered}
	if len(audit.actions) != 2 || audit.actions[0] != want[0] || audit.actions[1] != want[1] {
		t.Fatalf("audit actions = %v, want %v", audit.actions, want)
	}
}

func TestStaggerOffsets(t *testing.T) {
	s, _, _ := newScheduler(t, "a", "b", "c", "d")
	s.Stagger = 40 * time.Second
	var mu sync.Mutex
	var got []time.Duration
	s.Sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		return nil
	}
	s.RefreshAll(context.Background())
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []time.Duration{0, 10 * time.Second, 20 * time.Second, 30 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("offsets = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("offsets = %v, want %v", got, want)
		}
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	s, auth, _ := newScheduler(t, "slow")
	auth.block["slow"] = true
	s.Timeout = 10 * time.Millisecond
	err := s.RefreshOne(context.Background(), "slow")
	if !errs.HasKind(err, errs.KindRefresh) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	acc, _ := s.Pool.Get("slow")
	if acc.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d", acc.ConsecutiveFailures)
	}
}

func TestRefreshOneUnknownAccount(t *testing.T) {
	s, _, _ := newScheduler(t)
	if err := s.RefreshOne(context.Background(), "ghost"); !errs.HasKind(err, errs.KindNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, auth, _ := newScheduler(t, "a")
	s.Interval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		auth.mu.Lock()
		n := auth.calls["a"]
		auth.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial pass never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
