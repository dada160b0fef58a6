// Package meta tracks per-(entity, interval) fetch health: last success,
// consecutive failures and cooldown windows. Every mutation is written
// through to durable storage before it is reported back, so a crash loses
// at most the outcome of the attempt that was in flight.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tickerd/internal/storage"
	logx "tickerd/pkg/logx"
)

// Health is the explicit per-entity state machine. Transitions happen only
// inside RecordSuccess and RecordFailure:
//
//	Healthy  --failure-->                Degraded
//	Degraded --failure (threshold)-->    Cooldown
//	Degraded --success-->                Healthy
//	Cooldown --success (after expiry)--> Healthy
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCooldown Health = "cooldown"
)

// EntityState is the stored record for one (entity, interval) pair.
type EntityState struct {
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	InCooldownUntil   *time.Time `json:"in_cooldown_until,omitempty"`
	Health            Health     `json:"health,omitempty"`
}

// InCooldown reports whether the entity is excluded from scheduling at now.
// Expiry is purely time-based; the stored record is not rewritten when the
// window passes.
func (s EntityState) InCooldown(now time.Time) bool {
	return s.InCooldownUntil != nil && s.InCooldownUntil.After(now)
}

// Store owns all entity metadata. Mutations go through RecordSuccess,
// RecordFailure and ClearCooldown only.
type Store struct {
	st       storage.Store
	maxErrs  int
	cooldown time.Duration
	log      logx.Logger
}

func NewStore(st storage.Store, maxConsecutiveErrors int, cooldown time.Duration, log logx.Logger) *Store {
	return &Store{
		st:       st,
		maxErrs:  maxConsecutiveErrors,
		cooldown: cooldown,
		log:      log.With(logx.String("comp", "meta")),
	}
}

// Key builds the storage key for one pair. Interval comes first so a whole
// interval is one prefix scan.
func Key(entity, interval string) string {
	return interval + "|" + entity
}

// Get returns the stored state, or a zero (healthy, never-fetched) state if
// the pair has no record yet. Records are created lazily on first mutation.
func (m *Store) Get(ctx context.Context, entity, interval string) (EntityState, error) {
	raw, ok, err := m.st.Get(ctx, storage.BucketMeta, Key(entity, interval))
	if err != nil {
		return EntityState{}, fmt.Errorf("meta get %s: %w", Key(entity, interval), err)
	}
	if !ok {
		return EntityState{Health: HealthHealthy}, nil
	}
	var s EntityState
	if err := json.Unmarshal(raw, &s); err != nil {
		return EntityState{}, fmt.Errorf("meta decode %s: %w", Key(entity, interval), err)
	}
	if s.Health == "" {
		s.Health = HealthHealthy
	}
	return s, nil
}

// RecordSuccess marks a successful fetch: LastSuccessAt=at, the error counter
// resets, any cooldown is cleared and the entity returns to Healthy.
func (m *Store) RecordSuccess(ctx context.Context, entity, interval string, at time.Time) (EntityState, error) {
	s, err := m.Get(ctx, entity, interval)
	if err != nil {
		return EntityState{}, err
	}
	t := at
	s.LastSuccessAt = &t
	s.ConsecutiveErrors = 0
	s.InCooldownUntil = nil
	s.Health = HealthHealthy
	if err := m.put(ctx, entity, interval, s); err != nil {
		return EntityState{}, err
	}
	return s, nil
}

// RecordFailure increments the error counter and sets LastErrorAt. When the
// counter reaches the threshold the entity enters cooldown until at+cooldown.
// The check is >= rather than ==: an entity whose window expired with the
// counter still at the threshold re-enters cooldown on its next failure
// instead of staying schedulable forever.
//
// Returns the updated state and whether this failure tripped a new cooldown.
func (m *Store) RecordFailure(ctx context.Context, entity, interval string, at time.Time) (EntityState, bool, error) {
	s, err := m.Get(ctx, entity, interval)
	if err != nil {
		return EntityState{}, false, err
	}
	t := at
	s.ConsecutiveErrors++
	s.LastErrorAt = &t

	tripped := false
	if s.ConsecutiveErrors >= m.maxErrs {
		until := at.Add(m.cooldown)
		s.InCooldownUntil = &until
		s.Health = HealthCooldown
		tripped = true
	} else {
		s.Health = HealthDegraded
	}

	if err := m.put(ctx, entity, interval, s); err != nil {
		return EntityState{}, false, err
	}
	if tripped && !m.log.IsZero() {
		m.log.Warn("entity entered cooldown",
			logx.String("entity", entity),
			logx.String("interval", interval),
			logx.Int("consecutive_errors", s.ConsecutiveErrors),
			logx.Time("until", *s.InCooldownUntil),
		)
	}
	return s, tripped, nil
}

// ClearCooldown is the operator override: it removes the cooldown window and
// resets the error counter so the entity is scheduled fresh on the next pass.
// LastErrorAt is kept for history. Clearing a pair with no record is a no-op.
func (m *Store) ClearCooldown(ctx context.Context, entity, interval string) (EntityState, error) {
	raw, ok, err := m.st.Get(ctx, storage.BucketMeta, Key(entity, interval))
	if err != nil {
		return EntityState{}, fmt.Errorf("meta get %s: %w", Key(entity, interval), err)
	}
	if !ok {
		return EntityState{Health: HealthHealthy}, nil
	}
	var s EntityState
	if err := json.Unmarshal(raw, &s); err != nil {
		return EntityState{}, fmt.Errorf("meta decode %s: %w", Key(entity, interval), err)
	}
	s.InCooldownUntil = nil
	s.ConsecutiveErrors = 0
	s.Health = HealthHealthy
	if err := m.put(ctx, entity, interval, s); err != nil {
		return EntityState{}, err
	}
	if !m.log.IsZero() {
		m.log.Info("cooldown cleared",
			logx.String("entity", entity),
			logx.String("interval", interval),
		)
	}
	return s, nil
}

// Snapshot returns every stored state for one interval, keyed by entity.
// Entities with no record yet are simply absent; the scorer treats absence
// as never-fetched.
func (m *Store) Snapshot(ctx context.Context, interval string) (map[string]EntityState, error) {
	rows, err := m.st.Scan(ctx, storage.BucketMeta, interval+"|")
	if err != nil {
		return nil, fmt.Errorf("meta snapshot %s: %w", interval, err)
	}
	out := make(map[string]EntityState, len(rows))
	for key, raw := range rows {
		entity := strings.TrimPrefix(key, interval+"|")
		var s EntityState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("meta decode %s: %w", key, err)
		}
		if s.Health == "" {
			s.Health = HealthHealthy
		}
		out[entity] = s
	}
	return out, nil
}

func (m *Store) put(ctx context.Context, entity, interval string, s EntityState) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("meta encode %s: %w", Key(entity, interval), err)
	}
	if err := m.st.Put(ctx, storage.BucketMeta, Key(entity, interval), b); err != nil {
		return fmt.Errorf("meta put %s: %w", Key(entity, interval), err)
	}
	return nil
}
