// Package trigger fires scheduled runs from config-defined jobs.
//
// Each job names a schedule (cron or interval, see ParseSchedule), a run
// strategy and an optional interval subset. The service only decides WHEN to
// run; executing the run and reporting its outcome belongs to the runner
// behind RunFunc.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tickerd/internal/run"
	logx "tickerd/pkg/logx"
)

// Job is one schedule entry from config, already validated.
type Job struct {
	Name      string
	Schedule  string
	Strategy  string
	Intervals []string
}

// Config carries the trigger section of the app config.
type Config struct {
	Enabled  bool
	Timezone string
	// Spread caps the random startup jitter applied to interval schedules.
	// Zero disables the spread.
	Spread time.Duration
	Jobs   []Job
}

// RunFunc starts one run. It blocks until the run finishes.
type RunFunc func(ctx context.Context, strategy string, intervals []string) error

// Service owns a cron runner built from the configured jobs.
type Service struct {
	mu      sync.Mutex // lifecycle: cfg, c, loc, cancel, started
	log     logx.Logger
	exec    RunFunc
	cfg     Config
	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	cancel  context.CancelFunc
	started bool

	// fmu guards the state fire() reads. fire runs on cron goroutines and
	// must never contend with a lifecycle path that is waiting on cron.
	fmu sync.Mutex
	ctx context.Context
	// inFlight guards each job against overlapping with itself when a
	// schedule fires faster than the run drains. Entries are kept across
	// restarts so a renamed config cannot double-start a still-running job.
	inFlight map[string]*atomic.Bool
}

func New(cfg Config, exec RunFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "trigger")),
		exec: exec,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		inFlight: map[string]*atomic.Bool{},
	}
}

// Start registers the configured jobs and starts cron triggering. In-flight
// runs inherit ctx, so canceling it interrupts them at item boundaries.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	jctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.fmu.Lock()
	s.ctx = jctx
	s.fmu.Unlock()

	s.startLocked("service started")
}

// Apply swaps in a new config. Any change rebuilds the cron runner with the
// new job set. In-flight runs are not interrupted; they finish under the old
// definitions, and an overlapping firing of the rebuilt schedule skips.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reflect.DeepEqual(s.cfg, cfg) {
		return
	}
	s.cfg = cfg
	if !s.started {
		return
	}
	if s.c != nil {
		// Stop halts future triggering only; running jobs are not waited on
		// here because a run can take minutes.
		s.c.Stop()
		s.c = nil
	}
	s.startLocked("service restarted")
}

// Stop cancels in-flight runs, then waits for cron to wind down.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.mu.Unlock()

	s.fmu.Lock()
	s.ctx = nil
	s.fmu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// startLocked builds the cron runner from the current config. Call with s.mu held.
func (s *Service) startLocked(msg string) {
	if !s.cfg.Enabled || len(s.cfg.Jobs) == 0 {
		s.log.Debug("triggers disabled")
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	n := 0
	for _, j := range s.cfg.Jobs {
		if err := s.addJobLocked(j); err != nil {
			s.log.Error("job not scheduled", logx.String("job", j.Name), logx.Err(err))
			continue
		}
		n++
	}
	s.c.Start()
	s.log.Info(msg, logx.String("tz", loc.String()), logx.Int("jobs", n))
}

// addJobLocked parses the job schedule and registers it. Interval schedules
// get a startup spread so jobs with the same period do not all fire at once
// right after boot. Call with s.mu held.
func (s *Service) addJobLocked(j Job) error {
	spec, err := ParseSchedule(j.Schedule)
	if err != nil {
		return err
	}

	s.fmu.Lock()
	if _, ok := s.inFlight[j.Name]; !ok {
		s.inFlight[j.Name] = new(atomic.Bool)
	}
	s.fmu.Unlock()

	job := cron.FuncJob(func() { s.fire(j) })

	if spec.Kind == SpecInterval {
		sched, jitter := makeSpreadSchedule(spec.Every, time.Now().In(s.loc), j.Name, s.cfg.Spread)
		s.c.Schedule(sched, job)
		if jitter > 0 {
			s.log.Debug("startup spread applied",
				logx.String("job", j.Name),
				logx.Duration("every", spec.Every),
				logx.Duration("jitter", jitter),
			)
		}
		return nil
	}

	if _, err := s.c.AddJob(spec.Cron, job); err != nil {
		return fmt.Errorf("cron %q: %w", spec.Cron, err)
	}
	return nil
}

// fire runs one job invocation. Cron calls it on its own goroutine.
func (s *Service) fire(j Job) {
	s.fmu.Lock()
	ctx := s.ctx
	flag := s.inFlight[j.Name]
	s.fmu.Unlock()
	if ctx == nil || flag == nil {
		return
	}
	if !flag.CompareAndSwap(false, true) {
		s.log.Warn("job overlap; previous invocation still active", logx.String("job", j.Name))
		return
	}
	defer flag.Store(false)

	start := time.Now()
	s.log.Debug("job firing",
		logx.String("job", j.Name),
		logx.String("strategy", j.Strategy),
		logx.String("intervals", strings.Join(j.Intervals, ",")),
	)
	err := s.exec(ctx, j.Strategy, j.Intervals)
	switch {
	case err == nil:
		s.log.Debug("job completed", logx.String("job", j.Name), logx.Duration("took", time.Since(start)))
	case errors.Is(err, run.ErrRunInProgress):
		// Another trigger or a manual run holds the scheduler; this firing
		// skips and the schedule tries again next time.
		s.log.Warn("job skipped; run already in progress", logx.String("job", j.Name))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.log.Debug("job canceled", logx.String("job", j.Name))
	default:
		s.log.Error("job failed",
			logx.String("job", j.Name),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
