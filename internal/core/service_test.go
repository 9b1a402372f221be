package core

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/toeirei/poolgate/internal/config"
	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/keys"
	"github.com/toeirei/poolgate/internal/logging"
	"github.com/toeirei/poolgate/internal/model"
	"github.com/toeirei/poolgate/internal/pool"
	"github.com/toeirei/poolgate/internal/remote"
)

type fakePersister struct {
	mu    sync.Mutex
	fail  bool
	saved [][]config.Account
}

func (f *fakePersister) SaveAccounts(a []config.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.saved = append(f.saved, a)
	return nil
}

func (f *fakePersister) last() []config.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		return nil
	}
	return f.saved[len(f.saved)-1]
}

type fakeRefresher struct {
	pool  *pool.Pool
	mu    sync.Mutex
	calls []string
}

func (f *fakeRefresher) RefreshOne(_ context.Context, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	_, err := f.pool.MarkRefreshResult(name, pool.RefreshOutcome{Token: "tok-" + name, At: time.Now()})
	return err
}

func (f *fakeRefresher) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCaller struct {
	tokens []string
	err    error
}

func (f *fakeCaller) Call(_ context.Context, token string, op remote.Operation, _ url.Values) (remote.Result, error) {
	f.tokens = append(f.tokens, token)
	if f.err != nil {
		return remote.Result{}, f.err
	}
	return remote.Result{ContentType: "application/json", Body: []byte(`{"op":"` + string(op) + `"}`)}, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeAudit) LogAction(action, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func newService(t *testing.T) (*Service, *fakePersister, *fakeRefresher, *fakeCaller, *fakeAudit) {
	t.Helper()
	p := pool.New()
	km, err := keys.NewManager(nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	fp := &fakePersister{}
	fr := &fakeRefresher{pool: p}
	fc := &fakeCaller{}
	fa := &fakeAudit{}
	return &Service{
		Pool:      p,
		Keys:      km,
		Refresher: fr,
		Accounts:  fp,
		Caller:    fc,
		Audit:     fa,
		Logger:    logging.Discard(),
	}, fp, fr, fc, fa
}

func TestAddAccountPersistsAndRefreshes(t *testing.T) {
	s, fp, fr, _, fa := newService(t)
	if err := s.AddAccount(context.Background(), AddAccountRequest{Name: "a", RefreshToken: "rt-a"}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	s.Wait()

	saved := fp.last()
	if len(saved) != 1 || saved[0].Name != "a" || saved[0].RefreshToken != "rt-a" || !saved[0].Enabled {
		t.Fatalf("unexpected persisted accounts: %+v", saved)
	}
	if got := fr.called(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected one refresh of a, got %v", got)
	}
	acc, _ := s.Pool.Get("a")
	if acc.Health != model.HealthHealthy {
		t.Fatalf("expected healthy after refresh, got %s", acc.Health)
	}
	if len(fa.actions) != 1 || fa.actions[0] != "ADD_ACCOUNT" {
		t.Fatalf("unexpected audit: %v", fa.actions)
	}
}

func TestAddAccountValidation(t *testing.T) {
	s, _, _, _, _ := newService(t)
	cases := []AddAccountRequest{
		{Name: "", RefreshToken: "x"},
		{Name: "a", RefreshToken: "  "},
	}
	for _, c := range cases {
		if err := s.AddAccount(context.Background(), c); !errs.HasKind(err, errs.KindValidation) {
			t.Errorf("%+v: expected validation error, got %v", c, err)
		}
	}
}

func TestAddAccountRollsBackOnSaveFailure(t *testing.T) {
	s, fp, fr, _, _ := newService(t)
	fp.fail = true
	if err := s.AddAccount(context.Background(), AddAccountRequest{Name: "a", RefreshToken: "rt"}); err == nil {
		t.Fatalf("expected error")
	}
	s.Wait()
	if s.Pool.Len() != 0 {
		t.Fatalf("account should have been rolled back")
	}
	if len(fr.called()) != 0 {
		t.Fatalf("no refresh expected after failed add")
	}
}

func TestRemoveAccount(t *testing.T) {
	s, fp, _, _, _ := newService(t)
	ctx := context.Background()
	_ = s.AddAccount(ctx, AddAccountRequest{Name: "a", RefreshToken: "rt"})
	s.Wait()

	fp.fail = true
	if err := s.RemoveAccount("a"); err == nil {
		t.Fatalf("expected save failure")
	}
	if s.Pool.Len() != 1 {
		t.Fatalf("remove should have been rolled back")
	}

	fp.fail = false
	if err := s.RemoveAccount("a"); err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}
	if err := s.RemoveAccount("a"); !errs.HasKind(err, errs.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(fp.last()) != 0 {
		t.Fatalf("expected empty persisted list, got %+v", fp.last())
	}
}

func TestReenableDisabledAccountRefreshes(t *testing.T) {
	s, _, fr, _, fa := newService(t)
	ctx := context.Background()
	_ = s.AddAccount(ctx, AddAccountRequest{Name: "a", RefreshToken: "rt"})
	s.Wait()
	for i := 0; i < s.Pool.Threshold(); i++ {
		_, _ = s.Pool.MarkRefreshResult("a", pool.RefreshOutcome{Err: errors.New("boom"), At: time.Now()})
	}
	if acc, _ := s.Pool.Get("a"); acc.Health != model.HealthDisabled {
		t.Fatalf("expected disabled, got %s", acc.Health)
	}

	if err := s.SetAccountEnabled(ctx, "a", true); err != nil {
		t.Fatalf("SetAccountEnabled: %v", err)
	}
	s.Wait()
	if got := fr.called(); len(got) != 2 {
		t.Fatalf("expected a second refresh, got %v", got)
	}
	if acc, _ := s.Pool.Get("a"); acc.Health != model.HealthHealthy {
		t.Fatalf("expected healthy, got %s", acc.Health)
	}
	if last := fa.actions[len(fa.actions)-1]; last != "ENABLE_ACCOUNT" {
		t.Fatalf("unexpected last audit action %s", last)
	}
}

func TestDisableAccountRollsBack(t *testing.T) {
	s, fp, _, _, _ := newService(t)
	ctx := context.Background()
	_ = s.AddAccount(ctx, AddAccountRequest{Name: "a", RefreshToken: "rt"})
	s.Wait()
	fp.fail = true
	if err := s.SetAccountEnabled(ctx, "a", false); err == nil {
		t.Fatalf("expected error")
	}
	if acc, _ := s.Pool.Get("a"); !acc.Enabled {
		t.Fatalf("enabled flag should have been restored")
	}
}

func TestReenableRollbackKeepsHealth(t *testing.T) {
	s, fp, fr, _, _ := newService(t)
	ctx := context.Background()
	_ = s.AddAccount(ctx, AddAccountRequest{Name: "a", RefreshToken: "rt"})
	s.Wait()
	for i := 0; i < s.Pool.Threshold(); i++ {
		_, _ = s.Pool.MarkRefreshResult("a", pool.RefreshOutcome{Err: errors.New("boom"), At: time.Now()})
	}
	if err := s.SetAccountEnabled(ctx, "a", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	before, _ := s.Pool.Get("a")

	fp.fail = true
	if err := s.SetAccountEnabled(ctx, "a", true); err == nil {
		t.Fatalf("expected save failure")
	}
	s.Wait()
	after, _ := s.Pool.Get("a")
	if after.Enabled || after.Health != model.HealthDisabled || after.ConsecutiveFailures != before.ConsecutiveFailures {
		t.Fatalf("state changed on failed enable: before %s/%d after enabled=%v %s/%d",
			before.Health, before.ConsecutiveFailures, after.Enabled, after.Health, after.ConsecutiveFailures)
	}
	if got := fr.called(); len(got) != 1 {
		t.Fatalf("failed enable must not refresh, got %v", got)
	}
}

func TestRemoveRollbackKeepsAccountState(t *testing.T) {
	s, fp, _, _, _ := newService(t)
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c"} {
		_ = s.AddAccount(ctx, AddAccountRequest{Name: n, RefreshToken: "rt-" + n})
	}
	s.Wait()
	if _, err := s.Pool.Select(model.RoundRobin, []string{"b"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	before, _ := s.Pool.Get("b")

	fp.fail = true
	if err := s.RemoveAccount("b"); err == nil {
		t.Fatalf("expected save failure")
	}
	after, err := s.Pool.Get("b")
	if err != nil {
		t.Fatalf("account should be back: %v", err)
	}
	if after.Health != model.HealthHealthy || after.UseCount != before.UseCount ||
		after.SessionToken.Reveal() != "tok-b" || after.RefreshCredential.Reveal() != "rt-b" {
		t.Fatalf("restored account differs: %+v", after)
	}
	if got := s.Pool.Names(); len(got) != 3 || got[1] != "b" {
		t.Fatalf("order after rollback = %v", got)
	}
}

func healthyService(t *testing.T, names ...string) (*Service, *fakeCaller) {
	t.Helper()
	s, _, _, fc, _ := newService(t)
	for _, n := range names {
		if err := s.AddAccount(context.Background(), AddAccountRequest{Name: n, RefreshToken: "rt-" + n}); err != nil {
			t.Fatalf("AddAccount: %v", err)
		}
	}
	s.Wait()
	return s, fc
}

func TestDispatchUsesRestriction(t *testing.T) {
	s, fc := healthyService(t, "a", "b", "c")
	d := keys.Decision{
		Allowed:     true,
		KeyName:     "k",
		Restriction: model.PoolRestriction{Mode: model.PoolWhitelist, Accounts: []string{"b"}},
	}
	for i := 0; i < 3; i++ {
		res, acc, err := s.Dispatch(context.Background(), d, model.RoundRobin, remote.OpIllustDetail, url.Values{"id": {"1"}})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if acc != "b" {
			t.Fatalf("expected account b, got %s", acc)
		}
		if res.ContentType != "application/json" {
			t.Fatalf("unexpected content type %q", res.ContentType)
		}
	}
	for _, tok := range fc.tokens {
		if tok != "tok-b" {
			t.Fatalf("unexpected token %q", tok)
		}
	}
}

func TestDispatchErrors(t *testing.T) {
	s, fc := healthyService(t, "a")

	denied := keys.Decision{Reason: keys.ReasonEndpointDenied, Endpoint: "/x"}
	if _, _, err := s.Dispatch(context.Background(), denied, "", remote.OpIllustDetail, nil); !errs.HasKind(err, errs.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	none := keys.Decision{Allowed: true, Restriction: model.PoolRestriction{Mode: model.PoolBlacklist, Accounts: []string{"a"}}}
	if _, _, err := s.Dispatch(context.Background(), none, "", remote.OpIllustDetail, nil); !errs.HasKind(err, errs.KindAccountUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	fc.err = &remote.RemoteError{Op: remote.OpIllustDetail, Status: 502, Err: errors.New("bad gateway")}
	all := keys.Decision{Allowed: true, Restriction: model.PoolRestriction{Mode: model.PoolAll}}
	_, acc, err := s.Dispatch(context.Background(), all, "", remote.OpIllustDetail, nil)
	if !errs.HasKind(err, errs.KindDownstream) {
		t.Fatalf("expected downstream error, got %v", err)
	}
	if acc != "a" {
		t.Fatalf("expected account name on downstream failure, got %q", acc)
	}
}

func TestKeyLifecycleAudited(t *testing.T) {
	s, _, _, _, fa := newService(t)
	k, err := s.CreateKey(keys.CreateRequest{Name: "svc"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	off := false
	if err := s.UpdateKey(k.Name, keys.Update{Enabled: &off}); err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	if err := s.DeleteKey(k.Name); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if err := s.DeleteKey(k.Name); !errs.HasKind(err, errs.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	want := []string{"CREATE_API_KEY", "UPDATE_API_KEY", "DELETE_API_KEY"}
	if len(fa.actions) != len(want) {
		t.Fatalf("audit = %v, want %v", fa.actions, want)
	}
	for i := range want {
		if fa.actions[i] != want[i] {
			t.Fatalf("audit = %v, want %v", fa.actions, want)
		}
	}
}

func TestHealthCounts(t *testing.T) {
	s, _ := healthyService(t, "a", "b")
	_ = s.Pool.Add(model.Account{Name: "c", Enabled: true})
	_, _ = s.CreateKey(keys.CreateRequest{Name: "k"})
	h := s.Health()
	if h.Status != "ok" || h.Accounts != 3 || h.Available != 3 || h.Healthy != 2 || h.Keys != 1 {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestLoadAccounts(t *testing.T) {
	p := pool.New()
	err := LoadAccounts(p, []config.Account{{Name: "a", RefreshToken: "x", Enabled: true}, {Name: "a", RefreshToken: "y"}})
	if !errs.HasKind(err, errs.KindDuplicateName) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}
