// Package universe resolves the configured ticker universe into per-interval
// entity lists. Lists keep their configured order; scheduling order is decided
// later by the priority scorer, but stable input order keeps tie-breaks
// deterministic.
package universe

import (
	"fmt"
	"strings"

	"tickerd/internal/config"
)

// Universe holds the resolved entity list for every configured interval.
type Universe struct {
	intervals  []string
	byInterval map[string][]string
}

// fileSpec mirrors config.UniverseConfig minus the path, for the external file.
type fileSpec struct {
	Tickers    []string            `json:"tickers,omitempty"`
	ByInterval map[string][]string `json:"by_interval,omitempty"`
}

// Load resolves the universe for the given intervals. The inline config layer
// comes first; if uc.Path is set, the file's entries are merged underneath it.
// Within a layer, a by_interval entry replaces the shared ticker list for that
// interval. Duplicates keep their first position.
func Load(uc config.UniverseConfig, intervals []string) (*Universe, error) {
	layers := []fileSpec{{Tickers: uc.Tickers, ByInterval: uc.ByInterval}}

	if uc.Path != "" {
		var fs fileSpec
		if err := config.DecodeStrictFile(uc.Path, &fs); err != nil {
			return nil, fmt.Errorf("universe file %s: %w", uc.Path, err)
		}
		for iv := range fs.ByInterval {
			if !contains(intervals, iv) {
				return nil, fmt.Errorf("universe file %s: by_interval[%s]: unknown interval", uc.Path, iv)
			}
		}
		layers = append(layers, fs)
	}

	u := &Universe{
		intervals:  append([]string(nil), intervals...),
		byInterval: make(map[string][]string, len(intervals)),
	}
	for _, iv := range intervals {
		var merged []string
		seen := make(map[string]bool)
		for _, layer := range layers {
			for _, t := range layer.resolve(iv) {
				t = strings.TrimSpace(t)
				if t == "" || seen[t] {
					continue
				}
				seen[t] = true
				merged = append(merged, t)
			}
		}
		u.byInterval[iv] = merged
	}
	return u, nil
}

// resolve picks the layer's list for an interval. A by_interval entry wins
// even when empty, so an interval can be explicitly opted out per layer.
func (fs fileSpec) resolve(interval string) []string {
	if list, ok := fs.ByInterval[interval]; ok {
		return list
	}
	return fs.Tickers
}

// Intervals returns the configured interval order.
func (u *Universe) Intervals() []string {
	return u.intervals
}

// Tickers returns the entity list for an interval. Callers must not mutate it.
func (u *Universe) Tickers(interval string) []string {
	return u.byInterval[interval]
}

// Count returns the number of entities tracked at an interval.
func (u *Universe) Count(interval string) int {
	return len(u.byInterval[interval])
}

// Total sums entity counts across all intervals. Quota splits are derived
// from these proportions.
func (u *Universe) Total() int {
	n := 0
	for _, iv := range u.intervals {
		n += len(u.byInterval[iv])
	}
	return n
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
