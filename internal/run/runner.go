package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tickerd/internal/eventbus"
	"tickerd/internal/observability"
	"tickerd/internal/progress"
	"tickerd/internal/ratelimit"
	rtsup "tickerd/internal/runtime/supervisor"
	"tickerd/internal/universe"
	logx "tickerd/pkg/logx"
)

// Strategy names accepted by Runner.Run.
const (
	StrategyResume        = "resume"
	StrategyCrossInterval = "cross_interval"
	StrategyQuota         = "quota"
	StrategyParallel      = "parallel"
)

// Options carries the scheduling knobs shared by all strategies.
type Options struct {
	// BatchSize is the per-batch item count; BatchSizes overrides it per
	// interval.
	BatchSize  int
	BatchSizes map[string]int
	// MaxBatchesPerRun caps rounds for cross_interval and seeds the quota
	// pool for quota.
	MaxBatchesPerRun int
	// DefaultStrategy is used when Run is called with an empty strategy.
	DefaultStrategy string
}

// RunReport summarizes one completed (or aborted) run.
type RunReport struct {
	RunID      string
	Strategy   string
	StartedAt  time.Time
	FinishedAt time.Time
	Intervals  []string
	Batches    int
	Attempted  int
	Successes  int
	Failures   int
	Trips      int
}

func (r RunReport) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

func (r *RunReport) merge(res BatchResult, batches int) {
	r.Batches += batches
	r.Attempted += res.Attempted
	r.Successes += res.Successes
	r.Failures += res.Failures
	r.Trips += res.Trips
}

// RunEvent is published as "run.started", "run.completed", "run.interrupted"
// and "run.failed".
type RunEvent struct {
	RunID     string        `json:"run_id"`
	Strategy  string        `json:"strategy"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration,omitempty"`
	Intervals []string      `json:"intervals,omitempty"`
	Attempted int           `json:"attempted"`
	Successes int           `json:"successes"`
	Failures  int           `json:"failures"`
	Trips     int           `json:"trips,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Runner sequences passes over the executor according to a strategy. All
// four strategies share the same pass primitive (OpenPass + RunBatch) and
// differ only in how they order and cap the batches.
type Runner struct {
	opts Options
	uni  *universe.Universe
	exec *Executor

	log     logx.Logger
	bus     eventbus.Bus
	metrics *observability.Metrics
	now     func() time.Time
	busy    atomic.Bool
}

func NewRunner(opts Options, uni *universe.Universe, exec *Executor, log logx.Logger, bus eventbus.Bus, m *observability.Metrics) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 15
	}
	if opts.MaxBatchesPerRun <= 0 {
		opts.MaxBatchesPerRun = 20
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = StrategyResume
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		opts:    opts,
		uni:     uni,
		exec:    exec,
		log:     log.With(logx.String("comp", "run")),
		bus:     bus,
		metrics: m,
		now:     time.Now,
	}
}

func (r *Runner) batchSize(interval string) int {
	if n, ok := r.opts.BatchSizes[interval]; ok && n > 0 {
		return n
	}
	return r.opts.BatchSize
}

// Run executes one full run with the given strategy over the given intervals
// (all configured intervals when empty). The report carries whatever was
// attempted even when the run ends early.
func (r *Runner) Run(ctx context.Context, strategy string, intervals []string) (RunReport, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return RunReport{}, ErrRunInProgress
	}
	defer r.busy.Store(false)

	if strategy == "" {
		strategy = r.opts.DefaultStrategy
	}
	if len(intervals) == 0 {
		intervals = r.uni.Intervals()
	}

	rep := RunReport{
		RunID:     uuid.NewString(),
		Strategy:  strategy,
		StartedAt: r.now(),
		Intervals: intervals,
	}
	r.log.Info("run.started",
		logx.String("run_id", rep.RunID),
		logx.String("strategy", strategy),
		logx.Int("intervals", len(intervals)),
	)
	r.publish("run.started", rep, nil)

	var err error
	switch strategy {
	case StrategyResume:
		err = r.runResume(ctx, &rep, intervals)
	case StrategyCrossInterval:
		err = r.runCrossInterval(ctx, &rep, intervals)
	case StrategyQuota:
		err = r.runQuota(ctx, &rep, intervals)
	case StrategyParallel:
		err = r.runParallel(ctx, &rep, intervals)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	rep.FinishedAt = r.now()
	r.metrics.RunFinished(strategy, err == nil)

	fields := []logx.Field{
		logx.String("run_id", rep.RunID),
		logx.String("strategy", strategy),
		logx.Int("batches", rep.Batches),
		logx.Int("attempted", rep.Attempted),
		logx.Int("successes", rep.Successes),
		logx.Int("failures", rep.Failures),
		logx.Duration("dur", rep.Duration()),
	}
	switch {
	case err == nil:
		r.log.Info("run.completed", fields...)
		r.publish("run.completed", rep, nil)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown, not a fault: the cursor stays on disk and the next run
		// resumes it.
		r.log.Warn("run.interrupted", append(fields, logx.Err(err))...)
		r.publish("run.interrupted", rep, err)
	default:
		r.log.Error("run.failed", append(fields, logx.Err(err))...)
		r.publish("run.failed", rep, err)
	}
	return rep, err
}

func (r *Runner) publish(typ string, rep RunReport, err error) {
	if r.bus == nil {
		return
	}
	ev := RunEvent{
		RunID:     rep.RunID,
		Strategy:  rep.Strategy,
		StartedAt: rep.StartedAt,
		Intervals: rep.Intervals,
		Attempted: rep.Attempted,
		Successes: rep.Successes,
		Failures:  rep.Failures,
		Trips:     rep.Trips,
	}
	if !rep.FinishedAt.IsZero() {
		ev.Duration = rep.Duration()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: ev})
}

// drain runs batches on one cursor until the pass completes, the batch quota
// is spent (maxBatches <= 0 means unlimited) or an error aborts the run.
func (r *Runner) drain(ctx context.Context, ex *Executor, strategy string, cur *progress.Cursor, maxBatches int) (BatchResult, int, error) {
	var total BatchResult
	total.Interval = cur.Interval
	batches := 0
	for maxBatches <= 0 || batches < maxBatches {
		t0 := time.Now()
		res, err := ex.RunBatch(ctx, cur, r.batchSize(cur.Interval))
		r.metrics.ObserveBatch(strategy, cur.Interval, time.Since(t0))
		batches++
		total.add(res)
		if err != nil {
			return total, batches, err
		}
		if res.Completed {
			break
		}
	}
	return total, batches, nil
}

func (r *Runner) runResume(ctx context.Context, rep *RunReport, intervals []string) error {
	for _, iv := range intervals {
		cur, _, err := r.exec.OpenPass(ctx, iv, r.uni.Tickers(iv))
		if err != nil {
			return err
		}
		if cur == nil {
			continue
		}
		res, batches, err := r.drain(ctx, r.exec, StrategyResume, cur, 0)
		rep.merge(res, batches)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runCrossInterval(ctx context.Context, rep *RunReport, intervals []string) error {
	var active []*progress.Cursor
	for _, iv := range intervals {
		cur, _, err := r.exec.OpenPass(ctx, iv, r.uni.Tickers(iv))
		if err != nil {
			return err
		}
		if cur != nil {
			active = append(active, cur)
		}
	}

	for round := 0; round < r.opts.MaxBatchesPerRun && len(active) > 0; round++ {
		var next []*progress.Cursor
		for _, cur := range active {
			t0 := time.Now()
			res, err := r.exec.RunBatch(ctx, cur, r.batchSize(cur.Interval))
			r.metrics.ObserveBatch(StrategyCrossInterval, cur.Interval, time.Since(t0))
			rep.merge(res, 1)
			if err != nil {
				return err
			}
			if !res.Completed {
				next = append(next, cur)
			}
		}
		active = next
	}
	if len(active) > 0 {
		// Round budget spent; the cursors stay on disk for the next run.
		r.log.Info("run.leftover", logx.Int("intervals", len(active)), logx.Int("rounds", r.opts.MaxBatchesPerRun))
	}
	return nil
}

func (r *Runner) runQuota(ctx context.Context, rep *RunReport, intervals []string) error {
	total := 0
	for _, iv := range intervals {
		total += r.uni.Count(iv)
	}
	if total == 0 {
		return nil
	}

	for _, iv := range intervals {
		cnt := r.uni.Count(iv)
		if cnt == 0 {
			continue
		}
		quota := int(float64(cnt) / float64(total) * float64(r.opts.MaxBatchesPerRun))
		if quota < 1 {
			quota = 1
		}
		cur, _, err := r.exec.OpenPass(ctx, iv, r.uni.Tickers(iv))
		if err != nil {
			return err
		}
		if cur == nil {
			continue
		}
		res, batches, err := r.drain(ctx, r.exec, StrategyQuota, cur, quota)
		rep.merge(res, batches)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runParallel(ctx context.Context, rep *RunReport, intervals []string) error {
	shared := r.exec.limiter
	snap := shared.Snapshot()

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(true),
	)

	var mu sync.Mutex
	for _, iv := range intervals {
		lim := ratelimit.New(shared.Config())
		if st, ok := snap[iv]; ok {
			lim.Restore(map[string]ratelimit.State{iv: st})
		}
		ex := r.exec.fork(lim)

		sup.Go("run."+iv, func(ctx context.Context) error {
			cur, _, err := ex.OpenPass(ctx, iv, r.uni.Tickers(iv))
			if err != nil {
				return err
			}
			if cur == nil {
				return nil
			}
			res, batches, err := r.drain(ctx, ex, StrategyParallel, cur, 0)
			mu.Lock()
			rep.merge(res, batches)
			mu.Unlock()
			// Fold the fork's adapted delay back into the shared limiter.
			shared.Restore(lim.Snapshot())
			return err
		})
	}

	// Wait for every worker; a canceled parent context still drains the
	// group because workers stop at item boundaries.
	if err := sup.Wait(context.Background()); err != nil {
		return err
	}
	return ctx.Err()
}
