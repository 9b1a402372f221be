// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("New(sqlite, :memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_NoneReturnsNilStore(t *testing.T) {
	s, err := New(TypeNone, "")
	if err != nil || s != nil {
		t.Fatalf("New(none) = %v, %v", s, err)
	}
	// a nil store is a usable no-op writer
	if err := s.LogAction(ActionAddAccount, "x"); err != nil {
		t.Fatalf("nil LogAction: %v", err)
	}
	if entries, err := s.Entries(context.Background(), 10); err != nil || entries != nil {
		t.Fatalf("nil Entries = %v, %v", entries, err)
	}
	if s.Type() != TypeNone {
		t.Fatalf("Type = %q", s.Type())
	}
}

func TestNew_UnsupportedType(t *testing.T) {
	if _, err := New("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestLogActionAndEntries(t *testing.T) {
	s := newMemoryStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	s.clock = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	}

	if err := s.LogActionAs("admin", ActionCreateAPIKey, "name: app"); err != nil {
		t.Fatal(err)
	}
	if err := s.LogActionAs("admin", ActionAddAccount, "account: a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.LogAction(ActionAutoDisabled, "account: a1"); err != nil {
		t.Fatal(err)
	}

	all, err := s.Entries(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	if all[0].Action != ActionAutoDisabled || all[2].Action != ActionCreateAPIKey {
		t.Fatalf("entries not newest first: %+v", all)
	}
	if all[2].Username != "admin" || all[2].Details != "name: app" {
		t.Fatalf("unexpected entry: %+v", all[2])
	}

	limited, err := s.Entries(context.Background(), 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limit: %d, %v", len(limited), err)
	}
}

func TestPrune(t *testing.T) {
	s := newMemoryStore(t)
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return old }
	_ = s.LogActionAs("x", ActionAddAccount, "old")
	s.clock = func() time.Time { return old.AddDate(1, 0, 0) }
	_ = s.LogActionAs("x", ActionAddAccount, "new")

	n, err := s.Prune(context.Background(), old.AddDate(0, 6, 0))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	left, _ := s.Entries(context.Background(), 0)
	if len(left) != 1 || left[0].Details != "new" {
		t.Fatalf("left = %+v", left)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newMemoryStore(t)
	if err := RunMigrations(s.bun.DB, "sqlite"); err != nil {
		t.Fatalf("second RunMigrations: %v", err)
	}
	var n int
	if err := s.bun.DB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("schema_migrations rows = %d, want 1", n)
	}
}

func TestMapDBError(t *testing.T) {
	if MapDBError(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	if !errors.Is(MapDBError(errors.New("UNIQUE constraint failed: audit_log.id")), ErrDuplicate) {
		t.Fatal("sqlite unique violation not mapped")
	}
	other := errors.New("disk I/O error")
	if MapDBError(other) != other {
		t.Fatal("unrelated error changed")
	}
}

func TestTimestampsAreUTCFixedWidth(t *testing.T) {
	s := newMemoryStore(t)
	s.clock = func() time.Time {
		return time.Date(2026, 3, 1, 14, 0, 5, 123456789, time.FixedZone("CET", 3600))
	}
	if err := s.LogAction(ActionAddAccount, "account: a1"); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Entries(context.Background(), 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Entries = %v, %v", entries, err)
	}
	if got, want := entries[0].Timestamp, "2026-03-01 13:00:05.123456"; got != want {
		t.Fatalf("timestamp = %q, want %q", got, want)
	}
	if len(entries[0].Timestamp) != len(TimestampFormat) {
		t.Fatalf("timestamp is not fixed width: %q", entries[0].Timestamp)
	}
}
