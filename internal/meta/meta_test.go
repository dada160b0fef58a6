package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tickerd/internal/storage"
	logx "tickerd/pkg/logx"
)

func newTestStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "meta.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewStore(st, 5, 6*time.Hour, logx.Nop()), st
}

func TestGetAbsentIsHealthyZero(t *testing.T) {
	t.Parallel()
	m, _ := newTestStore(t)
	ctx := context.Background()

	s, err := m.Get(ctx, "AAPL", "1d")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if s.LastSuccessAt != nil || s.ConsecutiveErrors != 0 || s.InCooldownUntil != nil {
		t.Fatalf("zero state expected, got %+v", s)
	}
	if s.Health != HealthHealthy {
		t.Fatalf("Health = %s, want healthy", s.Health)
	}
}

func TestSuccessResetsErrors(t *testing.T) {
	t.Parallel()
	m, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if _, _, err := m.RecordFailure(ctx, "AAPL", "1d", now); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	s, err := m.Get(ctx, "AAPL", "1d")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.ConsecutiveErrors != 3 || s.Health != HealthDegraded {
		t.Fatalf("after 3 failures: errors=%d health=%s", s.ConsecutiveErrors, s.Health)
	}

	s, err = m.RecordSuccess(ctx, "AAPL", "1d", now)
	if err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if s.ConsecutiveErrors != 0 {
		t.Fatalf("errors = %d after success, want 0", s.ConsecutiveErrors)
	}
	if s.Health != HealthHealthy {
		t.Fatalf("Health = %s after success, want healthy", s.Health)
	}
	if s.LastSuccessAt == nil || !s.LastSuccessAt.Equal(now) {
		t.Fatalf("LastSuccessAt = %v, want %v", s.LastSuccessAt, now)
	}
}

func TestCooldownTripsExactlyAtThreshold(t *testing.T) {
	t.Parallel()
	m, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 4; i++ {
		s, tripped, err := m.RecordFailure(ctx, "TSLA", "1m", now)
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
		if tripped {
			t.Fatalf("failure %d tripped cooldown before threshold", i)
		}
		if s.InCooldownUntil != nil {
			t.Fatalf("failure %d set cooldown before threshold", i)
		}
		if s.Health != HealthDegraded {
			t.Fatalf("failure %d: Health = %s, want degraded", i, s.Health)
		}
	}

	s, tripped, err := m.RecordFailure(ctx, "TSLA", "1m", now)
	if err != nil {
		t.Fatalf("RecordFailure 5: %v", err)
	}
	if !tripped {
		t.Fatal("5th failure should trip cooldown")
	}
	if s.Health != HealthCooldown {
		t.Fatalf("Health = %s, want cooldown", s.Health)
	}
	wantUntil := now.Add(6 * time.Hour)
	if s.InCooldownUntil == nil || !s.InCooldownUntil.Equal(wantUntil) {
		t.Fatalf("InCooldownUntil = %v, want %v", s.InCooldownUntil, wantUntil)
	}

	// Excluded strictly before the deadline, schedulable exactly at it.
	if !s.InCooldown(wantUntil.Add(-time.Second)) {
		t.Fatal("should be in cooldown before the deadline")
	}
	if s.InCooldown(wantUntil) {
		t.Fatal("cooldown should clear exactly at the deadline")
	}
}

func TestFailureAfterExpiryRetrips(t *testing.T) {
	t.Parallel()
	m, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		if _, _, err := m.RecordFailure(ctx, "NVDA", "5m", now); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	// The window expired, the counter is still at the threshold. The next
	// failure must open a fresh window rather than leave the entity
	// schedulable forever.
	later := now.Add(7 * time.Hour)
	s, tripped, err := m.RecordFailure(ctx, "NVDA", "5m", later)
	if err != nil {
		t.Fatalf("RecordFailure after expiry: %v", err)
	}
	if !tripped {
		t.Fatal("failure after expiry should re-trip cooldown")
	}
	wantUntil := later.Add(6 * time.Hour)
	if s.InCooldownUntil == nil || !s.InCooldownUntil.Equal(wantUntil) {
		t.Fatalf("InCooldownUntil = %v, want %v", s.InCooldownUntil, wantUntil)
	}
	if s.ConsecutiveErrors != 6 {
		t.Fatalf("errors = %d, want 6", s.ConsecutiveErrors)
	}
}

func TestClearCooldownResetsCounter(t *testing.T) {
	t.Parallel()
	m, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		if _, _, err := m.RecordFailure(ctx, "MSFT", "1d", now); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	s, err := m.ClearCooldown(ctx, "MSFT", "1d")
	if err != nil {
		t.Fatalf("ClearCooldown: %v", err)
	}
	if s.InCooldownUntil != nil || s.ConsecutiveErrors != 0 {
		t.Fatalf("state not reset: %+v", s)
	}
	if s.Health != HealthHealthy {
		t.Fatalf("Health = %s, want healthy", s.Health)
	}
	if s.LastErrorAt == nil {
		t.Fatal("LastErrorAt should be kept for history")
	}

	// Clearing an absent pair is a no-op, not an error.
	if _, err := m.ClearCooldown(ctx, "GOOG", "1d"); err != nil {
		t.Fatalf("ClearCooldown absent: %v", err)
	}
}

func TestSnapshotIsolatesIntervals(t *testing.T) {
	t.Parallel()
	m, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := m.RecordSuccess(ctx, "AAPL", "1d", now); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if _, err := m.RecordSuccess(ctx, "MSFT", "1d", now); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if _, _, err := m.RecordFailure(ctx, "AAPL", "1m", now); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	snap, err := m.Snapshot(ctx, "1d")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if _, ok := snap["AAPL"]; !ok {
		t.Fatal("AAPL missing from 1d snapshot")
	}
	if snap["AAPL"].ConsecutiveErrors != 0 {
		t.Fatal("1m failure leaked into 1d snapshot")
	}

	snap, err = m.Snapshot(ctx, "1m")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 || snap["AAPL"].ConsecutiveErrors != 1 {
		t.Fatalf("1m snapshot = %+v", snap)
	}
}

func TestMutationsSurviveReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.db")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	m := NewStore(st, 5, time.Hour, logx.Nop())
	if _, err := m.RecordSuccess(ctx, "AAPL", "1d", now); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if _, _, err := m.RecordFailure(ctx, "TSLA", "1d", now); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close storage: %v", err)
	}

	st2, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	defer st2.Close()
	m2 := NewStore(st2, 5, time.Hour, logx.Nop())

	s, err := m2.Get(ctx, "AAPL", "1d")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if s.LastSuccessAt == nil || !s.LastSuccessAt.Equal(now) {
		t.Fatalf("LastSuccessAt = %v, want %v", s.LastSuccessAt, now)
	}
	s, err = m2.Get(ctx, "TSLA", "1d")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if s.ConsecutiveErrors != 1 {
		t.Fatalf("errors = %d after reopen, want 1", s.ConsecutiveErrors)
	}
}
