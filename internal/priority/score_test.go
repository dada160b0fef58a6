package priority

import (
	"reflect"
	"testing"
	"time"

	"tickerd/internal/meta"
	"tickerd/internal/progress"
)

func ts(t time.Time) *time.Time { return &t }

func entities(items []progress.WorkItem) []string {
	out := make([]string, len(items))
	for i, w := range items {
		out[i] = w.Entity
	}
	return out
}

func TestScoreStalestFirstCooldownExcluded(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	states := map[string]meta.EntityState{
		"A": {LastSuccessAt: ts(now.Add(-10 * 24 * time.Hour))},
		"C": {InCooldownUntil: ts(now.Add(time.Hour)), ConsecutiveErrors: 5},
	}
	// B has no record at all: never fetched, highest priority.
	got := Score([]string{"A", "B", "C"}, "1d", states, now)

	if want := []string{"B", "A"}; !reflect.DeepEqual(entities(got), want) {
		t.Fatalf("order = %v, want %v", entities(got), want)
	}
	for _, w := range got {
		if w.Interval != "1d" {
			t.Fatalf("item interval = %s, want 1d", w.Interval)
		}
	}
}

func TestScoreExcludesCooldownRegardlessOfStaleness(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	states := map[string]meta.EntityState{
		// Stalest entity imaginable, but cooling down.
		"OLD": {LastSuccessAt: ts(now.Add(-365 * 24 * time.Hour)), InCooldownUntil: ts(now.Add(time.Minute))},
		"NEW": {LastSuccessAt: ts(now.Add(-time.Minute))},
	}
	got := Score([]string{"OLD", "NEW"}, "1m", states, now)
	if want := []string{"NEW"}; !reflect.DeepEqual(entities(got), want) {
		t.Fatalf("order = %v, want %v", entities(got), want)
	}
}

func TestScoreCooldownBoundaryIsExclusive(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	states := map[string]meta.EntityState{
		"EXPIRED": {InCooldownUntil: ts(now)},                   // ends exactly now: schedulable
		"ACTIVE":  {InCooldownUntil: ts(now.Add(time.Second))}, // still cooling
	}
	got := entities(Score([]string{"EXPIRED", "ACTIVE"}, "1d", states, now))
	if !reflect.DeepEqual(got, []string{"EXPIRED"}) {
		t.Fatalf("order = %v, want [EXPIRED]", got)
	}
}

func TestScoreAscendingByLastSuccess(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	states := map[string]meta.EntityState{
		"D1": {LastSuccessAt: ts(now.Add(-24 * time.Hour))},
		"D3": {LastSuccessAt: ts(now.Add(-72 * time.Hour))},
		"D2": {LastSuccessAt: ts(now.Add(-48 * time.Hour))},
	}
	got := entities(Score([]string{"D1", "D2", "D3"}, "1d", states, now))
	if want := []string{"D3", "D2", "D1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestScoreTiesKeepInputOrder(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	same := now.Add(-time.Hour)

	states := map[string]meta.EntityState{
		"X": {LastSuccessAt: ts(same)},
		"Y": {LastSuccessAt: ts(same)},
		"Z": {LastSuccessAt: ts(same)},
	}

	got := entities(Score([]string{"Y", "Z", "X"}, "5m", states, now))
	if want := []string{"Y", "Z", "X"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("tie order = %v, want input order %v", got, want)
	}

	// Never-fetched entities also tie in input order, ahead of dated ones.
	got = entities(Score([]string{"N2", "X", "N1"}, "5m", states, now))
	if want := []string{"N2", "N1", "X"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestScoreDeterministic(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	universe := []string{"E", "A", "D", "B", "C"}
	states := map[string]meta.EntityState{
		"A": {LastSuccessAt: ts(now.Add(-2 * time.Hour))},
		"B": {LastSuccessAt: ts(now.Add(-2 * time.Hour))},
		"C": {LastSuccessAt: ts(now.Add(-4 * time.Hour))},
	}

	first := Score(universe, "1m", states, now)
	for i := 0; i < 10; i++ {
		if again := Score(universe, "1m", states, now); !reflect.DeepEqual(again, first) {
			t.Fatalf("run %d differs: %v vs %v", i, again, first)
		}
	}
}

func TestScoreRecordWithoutSuccessIsHighestPriority(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// FAILING has a record (it failed twice) but never succeeded; it ranks
	// with the never-fetched, not behind entities with old successes.
	states := map[string]meta.EntityState{
		"FAILING": {ConsecutiveErrors: 2, LastErrorAt: ts(now.Add(-time.Minute))},
		"OK":      {LastSuccessAt: ts(now.Add(-time.Hour))},
	}
	got := entities(Score([]string{"OK", "FAILING"}, "1d", states, now))
	if want := []string{"FAILING", "OK"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestScoreEmptyUniverse(t *testing.T) {
	t.Parallel()
	got := Score(nil, "1d", nil, time.Now())
	if len(got) != 0 {
		t.Fatalf("items = %v, want empty", got)
	}
}
