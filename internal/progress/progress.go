// Package progress persists pass cursors: which work items are still pending
// and which have been attempted, durable across process exits. A pass is
// resumable at any point because MarkAttempted writes the cursor through to
// storage before the executor moves on.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tickerd/internal/storage"
	logx "tickerd/pkg/logx"
)

var (
	// ErrPassInProgress is returned by StartPass when an incomplete cursor for
	// the interval already exists; callers resume instead.
	ErrPassInProgress = errors.New("pass already in progress")
	// ErrNoCursor is returned by ResumePass when there is nothing to resume.
	ErrNoCursor = errors.New("no cursor for interval")
	// ErrPendingItems is returned by CompletePass while items remain pending.
	ErrPendingItems = errors.New("pass has pending items")
)

// WorkItem is one (entity, interval) fetch unit. Items are immutable once a
// pass is started and are consumed exactly once per pass.
type WorkItem struct {
	Entity   string `json:"entity"`
	Interval string `json:"interval"`
}

func (w WorkItem) String() string { return w.Entity + ":" + w.Interval }

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AttemptRecord remembers one consumed item and how it went.
type AttemptRecord struct {
	Item        WorkItem  `json:"item"`
	Outcome     Outcome   `json:"outcome"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Cursor is the persisted state of one pass over one interval. At every
// point, attempted and pending together hold exactly the prioritized set the
// pass started with, with no overlap.
type Cursor struct {
	PassID      string          `json:"pass_id"`
	Interval    string          `json:"interval"`
	StartedAt   time.Time       `json:"started_at"`
	Pending     []WorkItem      `json:"pending"`
	Attempted   []AttemptRecord `json:"attempted"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Remaining is the number of items the pass still has to attempt.
func (c *Cursor) Remaining() int { return len(c.Pending) }

// Store reads and writes cursors in the cursor bucket. The active cursor for
// an interval lives under the interval name; completed passes are archived
// under their pass id.
type Store struct {
	st  storage.Store
	log logx.Logger
}

func NewStore(st storage.Store, log logx.Logger) *Store {
	return &Store{st: st, log: log.With(logx.String("comp", "progress"))}
}

// StartPass creates and persists a fresh cursor over items. If an incomplete
// cursor for the interval is already on disk the call fails with
// ErrPassInProgress; starting over would break the at-most-once guarantee for
// items that pass already attempted.
func (p *Store) StartPass(ctx context.Context, interval string, items []WorkItem, now time.Time) (*Cursor, error) {
	_, ok, err := p.st.Get(ctx, storage.BucketCursor, interval)
	if err != nil {
		return nil, fmt.Errorf("progress check %s: %w", interval, err)
	}
	if ok {
		return nil, fmt.Errorf("interval %s: %w", interval, ErrPassInProgress)
	}

	c := &Cursor{
		PassID:    uuid.NewString(),
		Interval:  interval,
		StartedAt: now,
		Pending:   append([]WorkItem(nil), items...),
		Attempted: make([]AttemptRecord, 0, len(items)),
	}
	if err := p.persist(ctx, c); err != nil {
		return nil, err
	}
	if !p.log.IsZero() {
		p.log.Info("pass started",
			logx.String("pass_id", c.PassID),
			logx.String("interval", interval),
			logx.Int("items", len(items)),
		)
	}
	return c, nil
}

// ResumePass loads the incomplete cursor for an interval verbatim: the
// pending/attempted split is exactly what the interrupted process persisted.
func (p *Store) ResumePass(ctx context.Context, interval string) (*Cursor, error) {
	raw, ok, err := p.st.Get(ctx, storage.BucketCursor, interval)
	if err != nil {
		return nil, fmt.Errorf("progress load %s: %w", interval, err)
	}
	if !ok {
		return nil, fmt.Errorf("interval %s: %w", interval, ErrNoCursor)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("progress decode %s: %w", interval, err)
	}
	if !p.log.IsZero() {
		p.log.Info("pass resumed",
			logx.String("pass_id", c.PassID),
			logx.String("interval", interval),
			logx.Int("pending", len(c.Pending)),
			logx.Int("attempted", len(c.Attempted)),
		)
	}
	return &c, nil
}

// MarkAttempted moves one item from pending to attempted and persists the
// cursor before returning. The write is the durability point: once this
// returns nil, no future resume will hand the item out again.
func (p *Store) MarkAttempted(ctx context.Context, c *Cursor, item WorkItem, outcome Outcome, at time.Time) error {
	idx := -1
	for i, w := range c.Pending {
		if w == item {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("item %s not pending in pass %s", item, c.PassID)
	}

	// Build the updated cursor, persist it, then commit in memory. If the
	// write fails the in-memory cursor still matches disk and the item stays
	// pending for the next resume.
	pending := make([]WorkItem, 0, len(c.Pending)-1)
	pending = append(pending, c.Pending[:idx]...)
	pending = append(pending, c.Pending[idx+1:]...)
	attempted := append(append([]AttemptRecord(nil), c.Attempted...), AttemptRecord{
		Item:        item,
		Outcome:     outcome,
		AttemptedAt: at,
	})

	next := *c
	next.Pending = pending
	next.Attempted = attempted
	if err := p.persist(ctx, &next); err != nil {
		return err
	}
	c.Pending = pending
	c.Attempted = attempted
	return nil
}

// CompletePass archives a drained cursor under its pass id and removes the
// active key, letting the next StartPass for the interval proceed.
func (p *Store) CompletePass(ctx context.Context, c *Cursor, now time.Time) error {
	if len(c.Pending) > 0 {
		return fmt.Errorf("pass %s: %w", c.PassID, ErrPendingItems)
	}
	t := now
	c.CompletedAt = &t

	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("progress encode %s: %w", c.PassID, err)
	}
	// Archive first, then delete the active key. A crash in between leaves
	// both; the next run resumes an empty cursor and completes it again,
	// which rewrites the same archive record.
	if err := p.st.Put(ctx, storage.BucketCursor, "archive|"+c.PassID, b); err != nil {
		return fmt.Errorf("progress archive %s: %w", c.PassID, err)
	}
	if err := p.st.Delete(ctx, storage.BucketCursor, c.Interval); err != nil {
		return fmt.Errorf("progress clear %s: %w", c.Interval, err)
	}
	if !p.log.IsZero() {
		p.log.Info("pass completed",
			logx.String("pass_id", c.PassID),
			logx.String("interval", c.Interval),
			logx.Int("attempted", len(c.Attempted)),
		)
	}
	return nil
}

func (p *Store) persist(ctx context.Context, c *Cursor) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("progress encode %s: %w", c.Interval, err)
	}
	if err := p.st.Put(ctx, storage.BucketCursor, c.Interval, b); err != nil {
		return fmt.Errorf("progress persist %s: %w", c.Interval, err)
	}
	return nil
}
