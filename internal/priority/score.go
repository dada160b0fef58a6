// Package priority turns a metadata snapshot into the ordered work list for
// one pass: stalest first, never-fetched ahead of everything, cooled-down
// entities excluded outright.
package priority

import (
	"sort"
	"time"

	"tickerd/internal/meta"
	"tickerd/internal/progress"
)

// Score orders the universe for one interval. Entities whose cooldown ends
// strictly after now are excluded. The rest sort ascending by LastSuccessAt
// with absent timestamps first; ties keep the universe's input order, so the
// result is reproducible across runs given identical metadata.
//
// Pure function: no side effects, no blocking, no clock reads.
func Score(universe []string, interval string, states map[string]meta.EntityState, now time.Time) []progress.WorkItem {
	type candidate struct {
		entity string
		last   *time.Time
	}

	cands := make([]candidate, 0, len(universe))
	for _, e := range universe {
		s, ok := states[e]
		if ok && s.InCooldown(now) {
			continue
		}
		var last *time.Time
		if ok {
			last = s.LastSuccessAt
		}
		cands = append(cands, candidate{entity: e, last: last})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].last, cands[j].last
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})

	out := make([]progress.WorkItem, len(cands))
	for i, c := range cands {
		out[i] = progress.WorkItem{Entity: c.entity, Interval: interval}
	}
	return out
}
