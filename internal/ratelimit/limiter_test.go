package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tickerd/internal/storage"
	logx "tickerd/pkg/logx"
)

func testConfig() Config {
	return Config{
		MinDelay:    500 * time.Millisecond,
		MaxDelay:    time.Minute,
		WidenFactor: 2.0,
		DecayFactor: 0.75,
	}
}

func TestDelayWidensAndCaps(t *testing.T) {
	t.Parallel()
	l := New(testConfig())

	if got := l.DelayFor("1m"); got != 500*time.Millisecond {
		t.Fatalf("initial delay = %v, want 500ms", got)
	}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		time.Minute, // 64s capped
		time.Minute, // stays at cap
	}
	for i, w := range want {
		l.RecordOutcome("1m", false)
		if got := l.DelayFor("1m"); got != w {
			t.Fatalf("after %d failures: delay = %v, want %v", i+1, got, w)
		}
	}

	if streak := l.Snapshot()["1m"].RecentErrorStreak; streak != len(want) {
		t.Fatalf("streak = %d, want %d", streak, len(want))
	}
}

func TestDelayDecaysAndFloors(t *testing.T) {
	t.Parallel()
	l := New(testConfig())

	for i := 0; i < 4; i++ {
		l.RecordOutcome("1d", false)
	}
	if got := l.DelayFor("1d"); got != 8*time.Second {
		t.Fatalf("setup delay = %v, want 8s", got)
	}

	prev := l.DelayFor("1d")
	for i := 0; i < 20; i++ {
		l.RecordOutcome("1d", true)
		got := l.DelayFor("1d")
		if got > prev {
			t.Fatalf("success %d increased delay %v -> %v", i+1, prev, got)
		}
		if got < 500*time.Millisecond {
			t.Fatalf("delay %v fell below floor", got)
		}
		prev = got
	}
	if prev != 500*time.Millisecond {
		t.Fatalf("delay = %v after long success run, want floor", prev)
	}
	if streak := l.Snapshot()["1d"].RecentErrorStreak; streak != 0 {
		t.Fatalf("streak = %d after success, want 0", streak)
	}
}

func TestDelayNeverLeavesBand(t *testing.T) {
	t.Parallel()
	l := New(testConfig())

	// Alternating outcomes must keep the delay inside [min, max] throughout.
	outcomes := []bool{false, false, true, false, true, true, true, false, true, false, false, false, false, false, false, true}
	for i, ok := range outcomes {
		l.RecordOutcome("5m", ok)
		d := l.DelayFor("5m")
		if d < 500*time.Millisecond || d > time.Minute {
			t.Fatalf("step %d: delay %v outside band", i, d)
		}
	}
}

func TestClassesAreIndependent(t *testing.T) {
	t.Parallel()
	l := New(testConfig())

	l.RecordOutcome("1m", false)
	l.RecordOutcome("1m", false)
	if got := l.DelayFor("1m"); got != 2*time.Second {
		t.Fatalf("1m delay = %v, want 2s", got)
	}
	if got := l.DelayFor("1d"); got != 500*time.Millisecond {
		t.Fatalf("1d delay = %v, want untouched 500ms", got)
	}
}

func TestZeroConfigUsesDefaults(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	if got := l.Config().MinDelay; got != DefaultMinDelay {
		t.Fatalf("MinDelay = %v, want default", got)
	}
	if got := l.Config().MaxDelay; got != DefaultMaxDelay {
		t.Fatalf("MaxDelay = %v, want default", got)
	}
	if got := l.DelayFor("1m"); got != DefaultMinDelay {
		t.Fatalf("initial delay = %v, want default min", got)
	}
}

func TestRestoreClampsPersistedDelays(t *testing.T) {
	t.Parallel()
	l := New(testConfig())
	l.Restore(map[string]State{
		"1m": {CurrentDelay: 5 * time.Minute, RecentErrorStreak: 9},
		"1d": {CurrentDelay: time.Millisecond},
	})
	if got := l.DelayFor("1m"); got != time.Minute {
		t.Fatalf("restored 1m delay = %v, want clamped to max", got)
	}
	if got := l.DelayFor("1d"); got != 500*time.Millisecond {
		t.Fatalf("restored 1d delay = %v, want clamped to min", got)
	}
	if streak := l.Snapshot()["1m"].RecentErrorStreak; streak != 9 {
		t.Fatalf("streak = %d, want preserved 9", streak)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "limiter.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer st.Close()

	l := New(testConfig())
	for i := 0; i < 3; i++ {
		l.RecordOutcome("1m", false)
	}
	l.RecordOutcome("1d", false)
	l.RecordOutcome("1d", true)
	if err := l.Save(ctx, st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	l2, err := Load(ctx, st, testConfig(), logx.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := l2.DelayFor("1m"); got != 4*time.Second {
		t.Fatalf("loaded 1m delay = %v, want 4s", got)
	}
	if got := l2.Snapshot()["1m"].RecentErrorStreak; got != 3 {
		t.Fatalf("loaded 1m streak = %d, want 3", got)
	}
	if got := l2.DelayFor("5m"); got != 500*time.Millisecond {
		t.Fatalf("unknown class after load = %v, want min", got)
	}
}
