// Package ratelimit implements the adaptive per-class fetch spacing. A class
// is an interval name; the limiter tracks one delay per class, widening it
// multiplicatively on failure and decaying it on success, always inside the
// configured [MinDelay, MaxDelay] band. It never sleeps; the batch executor
// owns the waiting.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tickerd/internal/storage"
	logx "tickerd/pkg/logx"
)

const (
	DefaultMinDelay    = 500 * time.Millisecond
	DefaultMaxDelay    = time.Minute
	DefaultWidenFactor = 2.0
	DefaultDecayFactor = 0.75
)

// Config is fixed at construction. Zero fields fall back to the defaults
// above.
type Config struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	WidenFactor float64
	DecayFactor float64
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.WidenFactor <= 1 {
		c.WidenFactor = DefaultWidenFactor
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = DefaultDecayFactor
	}
	return c
}

// State is the persisted per-class record.
type State struct {
	CurrentDelay      time.Duration `json:"current_delay"`
	RecentErrorStreak int           `json:"recent_error_streak,omitempty"`
}

// Limiter tracks adaptive delays for the classes it is asked about. Classes
// are seeded lazily at MinDelay. Safe for concurrent use; the parallel
// strategy still builds one instance per interval so classes never contend.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	classes map[string]*State
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		classes: make(map[string]*State),
	}
}

// Config returns the bounds the limiter was built with.
func (l *Limiter) Config() Config { return l.cfg }

// DelayFor returns the current spacing for a class. Unknown classes start at
// MinDelay.
func (l *Limiter) DelayFor(class string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(class).CurrentDelay
}

// RecordOutcome feeds one fetch outcome into the class's delay. Failure
// widens by WidenFactor up to MaxDelay and grows the streak; success resets
// the streak and decays by DecayFactor down to MinDelay.
func (l *Limiter) RecordOutcome(class string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateLocked(class)
	if success {
		s.RecentErrorStreak = 0
		s.CurrentDelay = l.clamp(time.Duration(float64(s.CurrentDelay) * l.cfg.DecayFactor))
		return
	}
	s.RecentErrorStreak++
	s.CurrentDelay = l.clamp(time.Duration(float64(s.CurrentDelay) * l.cfg.WidenFactor))
}

// Snapshot copies the current per-class states, for persistence and metrics.
func (l *Limiter) Snapshot() map[string]State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]State, len(l.classes))
	for class, s := range l.classes {
		out[class] = *s
	}
	return out
}

// Restore seeds classes from previously persisted state. Delays outside the
// configured band are clamped; streaks are kept as-is.
func (l *Limiter) Restore(states map[string]State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for class, s := range states {
		cp := s
		cp.CurrentDelay = l.clamp(cp.CurrentDelay)
		l.classes[class] = &cp
	}
}

func (l *Limiter) stateLocked(class string) *State {
	s, ok := l.classes[class]
	if !ok {
		s = &State{CurrentDelay: l.cfg.MinDelay}
		l.classes[class] = s
	}
	return s
}

func (l *Limiter) clamp(d time.Duration) time.Duration {
	if d < l.cfg.MinDelay {
		return l.cfg.MinDelay
	}
	if d > l.cfg.MaxDelay {
		return l.cfg.MaxDelay
	}
	return d
}

// Save writes every class's state to the limiter bucket so the next process
// starts from the adapted delays instead of the floor.
func (l *Limiter) Save(ctx context.Context, st storage.Store) error {
	for class, s := range l.Snapshot() {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("limiter encode %s: %w", class, err)
		}
		if err := st.Put(ctx, storage.BucketLimiter, class, b); err != nil {
			return fmt.Errorf("limiter save %s: %w", class, err)
		}
	}
	return nil
}

// Load builds a limiter and seeds it from persisted state, if any. Decode
// failures on individual classes are logged and skipped rather than failing
// startup.
func Load(ctx context.Context, st storage.Store, cfg Config, log logx.Logger) (*Limiter, error) {
	l := New(cfg)
	rows, err := st.Scan(ctx, storage.BucketLimiter, "")
	if err != nil {
		return nil, fmt.Errorf("limiter load: %w", err)
	}
	states := make(map[string]State, len(rows))
	for class, raw := range rows {
		var s State
		if err := json.Unmarshal(raw, &s); err != nil {
			if !log.IsZero() {
				log.Warn("limiter state discarded", logx.String("class", class), logx.Err(err))
			}
			continue
		}
		states[class] = s
	}
	l.Restore(states)
	return l, nil
}
