package run

import (
	"context"
	"errors"
	"time"

	"tickerd/internal/eventbus"
	"tickerd/internal/fetch"
	"tickerd/internal/meta"
	"tickerd/internal/observability"
	"tickerd/internal/priority"
	"tickerd/internal/progress"
	"tickerd/internal/ratelimit"
	"tickerd/internal/sink"
	logx "tickerd/pkg/logx"
)

// PassEvent is published as "pass.started", "pass.resumed" and
// "pass.completed".
type PassEvent struct {
	PassID   string    `json:"pass_id"`
	Interval string    `json:"interval"`
	Pending  int       `json:"pending"`
	Time     time.Time `json:"time"`
}

// CooldownEvent is published as "entity.cooldown" when a failure trips the
// error threshold.
type CooldownEvent struct {
	Entity   string    `json:"entity"`
	Interval string    `json:"interval"`
	Errors   int       `json:"errors"`
	Until    time.Time `json:"until"`
}

// BatchResult summarizes one RunBatch call.
type BatchResult struct {
	Interval  string
	Attempted int
	Successes int
	Failures  int
	Trips     int
	Completed bool
}

func (r *BatchResult) add(o BatchResult) {
	r.Attempted += o.Attempted
	r.Successes += o.Successes
	r.Failures += o.Failures
	r.Trips += o.Trips
}

// Executor works through one pass cursor batch by batch: limiter spacing,
// fetch, outcome classification, metadata + sink + cursor writes. It is the
// only component that talks to all the stores at once.
type Executor struct {
	meta     *meta.Store
	progress *progress.Store
	limiter  *ratelimit.Limiter
	fetcher  fetch.Fetcher
	out      sink.Sink

	log     logx.Logger
	bus     eventbus.Bus
	metrics *observability.Metrics

	pace *pacer
	now  func() time.Time
}

func NewExecutor(ms *meta.Store, ps *progress.Store, lim *ratelimit.Limiter, f fetch.Fetcher, out sink.Sink, log logx.Logger, bus eventbus.Bus, m *observability.Metrics) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if out == nil {
		out = sink.Discard{}
	}
	return &Executor{
		meta:     ms,
		progress: ps,
		limiter:  lim,
		fetcher:  f,
		out:      out,
		log:      log.With(logx.String("comp", "run")),
		bus:      bus,
		metrics:  m,
		pace:     newPacer(),
		now:      time.Now,
	}
}

// fork returns a copy bound to its own limiter, for the parallel strategy.
// Stores, sink, bus and metrics stay shared; pacing state does not, which is
// fine because each fork works a disjoint interval class.
func (e *Executor) fork(lim *ratelimit.Limiter) *Executor {
	cp := *e
	cp.limiter = lim
	cp.pace = newPacer()
	return &cp
}

// OpenPass resumes the interval's incomplete cursor if one is on disk,
// otherwise scores the universe and starts a fresh pass. Returns (nil, false,
// nil) when there is nothing to schedule, e.g. every entity is in cooldown.
func (e *Executor) OpenPass(ctx context.Context, interval string, universe []string) (*progress.Cursor, bool, error) {
	cur, err := e.progress.ResumePass(ctx, interval)
	if err == nil {
		e.log.Info("pass.resumed",
			logx.String("interval", interval),
			logx.String("pass_id", cur.PassID),
			logx.Int("pending", cur.Remaining()),
			logx.Int("attempted", len(cur.Attempted)),
		)
		e.publish("pass.resumed", PassEvent{PassID: cur.PassID, Interval: interval, Pending: cur.Remaining(), Time: e.now()})
		return cur, true, nil
	}
	if !errors.Is(err, progress.ErrNoCursor) {
		return nil, false, persistErr("progress.resume", err)
	}

	now := e.now()
	states, err := e.meta.Snapshot(ctx, interval)
	if err != nil {
		return nil, false, persistErr("meta.snapshot", err)
	}
	cooling := 0
	for _, st := range states {
		if st.InCooldown(now) {
			cooling++
		}
	}
	e.metrics.SetCooldownCount(interval, cooling)

	items := priority.Score(universe, interval, states, now)
	if len(items) == 0 {
		e.log.Info("pass.skipped", logx.String("interval", interval), logx.Int("universe", len(universe)), logx.Int("cooling", cooling))
		return nil, false, nil
	}

	cur, err = e.progress.StartPass(ctx, interval, items, now)
	if err != nil {
		return nil, false, persistErr("progress.start", err)
	}
	e.log.Info("pass.started",
		logx.String("interval", interval),
		logx.String("pass_id", cur.PassID),
		logx.Int("items", len(items)),
		logx.Int("cooling", cooling),
	)
	e.publish("pass.started", PassEvent{PassID: cur.PassID, Interval: interval, Pending: cur.Remaining(), Time: now})
	return cur, false, nil
}

// RunBatch consumes up to batchSize pending items from the cursor, in order.
// Item failures are recorded and the loop continues; only persistence
// failures and context cancellation abort. When the last pending item is
// consumed the pass is completed and archived.
func (e *Executor) RunBatch(ctx context.Context, cur *progress.Cursor, batchSize int) (BatchResult, error) {
	res := BatchResult{Interval: cur.Interval}
	if batchSize <= 0 {
		batchSize = 1
	}

	for i := 0; i < batchSize && cur.Remaining() > 0; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item := cur.Pending[0]

		delay := e.limiter.DelayFor(item.Interval)
		e.metrics.SetRateDelay(item.Interval, delay)
		if err := e.pace.wait(ctx, item.Interval, delay); err != nil {
			return res, err
		}

		if err := e.execOne(ctx, cur, item, &res); err != nil {
			return res, err
		}
	}

	e.metrics.SetPassPending(cur.Interval, cur.Remaining())
	if cur.Remaining() == 0 {
		done := e.now()
		if err := e.progress.CompletePass(ctx, cur, done); err != nil {
			return res, persistErr("progress.complete", err)
		}
		res.Completed = true
		e.log.Info("pass.completed",
			logx.String("interval", cur.Interval),
			logx.String("pass_id", cur.PassID),
			logx.Int("attempted", len(cur.Attempted)),
		)
		e.publish("pass.completed", PassEvent{PassID: cur.PassID, Interval: cur.Interval, Time: done})
	}
	return res, nil
}

func (e *Executor) execOne(ctx context.Context, cur *progress.Cursor, item progress.WorkItem, res *BatchResult) error {
	st, err := e.meta.Get(ctx, item.Entity, item.Interval)
	if err != nil {
		return persistErr("meta.get", err)
	}
	var since time.Time
	if st.LastSuccessAt != nil {
		since = *st.LastSuccessAt
	}

	start := time.Now()
	series, ferr := e.fetcher.Fetch(ctx, item.Entity, item.Interval, since)
	dur := time.Since(start)

	if ferr != nil {
		// Shutdown mid-fetch is not an entity failure; the item stays pending.
		if ctx.Err() != nil && errors.Is(ferr, context.Canceled) {
			return ctx.Err()
		}
		return e.recordFailure(ctx, cur, item, ferr, dur, res)
	}
	return e.recordSuccess(ctx, cur, item, series, dur, res)
}

func (e *Executor) recordSuccess(ctx context.Context, cur *progress.Cursor, item progress.WorkItem, series fetch.TimeSeries, dur time.Duration, res *BatchResult) error {
	now := e.now()
	e.limiter.RecordOutcome(item.Interval, true)

	if err := e.out.Append(ctx, item.Entity, item.Interval, series); err != nil {
		// A sink that cannot take data is a durability problem, not a fetch
		// problem: the item stays pending for the next run.
		return persistErr("sink.append", err)
	}
	if _, err := e.meta.RecordSuccess(ctx, item.Entity, item.Interval, now); err != nil {
		return persistErr("meta.record_success", err)
	}
	if err := e.progress.MarkAttempted(ctx, cur, item, progress.OutcomeSuccess, now); err != nil {
		return persistErr("progress.mark", err)
	}

	res.Attempted++
	res.Successes++
	e.metrics.ObserveFetch(item.Interval, "success", dur)
	e.log.Debug("fetch.ok",
		logx.String("entity", item.Entity),
		logx.String("interval", item.Interval),
		logx.Int("bars", len(series)),
		logx.Duration("dur", dur),
	)
	return nil
}

func (e *Executor) recordFailure(ctx context.Context, cur *progress.Cursor, item progress.WorkItem, ferr error, dur time.Duration, res *BatchResult) error {
	now := e.now()
	kind := fetch.KindOf(ferr)
	if fetch.Retryable(ferr) {
		e.limiter.RecordOutcome(item.Interval, false)
	}

	st, tripped, err := e.meta.RecordFailure(ctx, item.Entity, item.Interval, now)
	if err != nil {
		return persistErr("meta.record_failure", err)
	}
	if err := e.progress.MarkAttempted(ctx, cur, item, progress.OutcomeFailure, now); err != nil {
		return persistErr("progress.mark", err)
	}

	res.Attempted++
	res.Failures++
	e.metrics.ObserveFetch(item.Interval, "failure", dur)

	fields := []logx.Field{
		logx.String("entity", item.Entity),
		logx.String("interval", item.Interval),
		logx.String("kind", kind.String()),
		logx.Int("errors", st.ConsecutiveErrors),
		logx.Duration("dur", dur),
		logx.Err(ferr),
	}
	switch kind {
	case fetch.KindNotFound, fetch.KindMalformed:
		// Permanent kinds point at the universe or the provider contract, so
		// they log louder than ordinary throttling.
		e.log.Warn("fetch.failed", fields...)
	default:
		e.log.Debug("fetch.failed", fields...)
	}

	if tripped {
		res.Trips++
		var until time.Time
		if st.InCooldownUntil != nil {
			until = *st.InCooldownUntil
		}
		e.log.Warn("entity.cooldown",
			logx.String("entity", item.Entity),
			logx.String("interval", item.Interval),
			logx.Int("errors", st.ConsecutiveErrors),
			logx.Time("until", until),
		)
		e.publish("entity.cooldown", CooldownEvent{Entity: item.Entity, Interval: item.Interval, Errors: st.ConsecutiveErrors, Until: until})
	}
	return nil
}

func (e *Executor) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}
