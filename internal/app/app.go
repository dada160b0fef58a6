// Package app wires configuration, storage, the scheduler, and the
// supporting services into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickerd/internal/config"
	"tickerd/internal/diag"
	"tickerd/internal/eventbus"
	"tickerd/internal/meta"
	"tickerd/internal/notifier"
	"tickerd/internal/observability"
	"tickerd/internal/progress"
	"tickerd/internal/ratelimit"
	"tickerd/internal/run"
	rtsup "tickerd/internal/runtime/supervisor"
	"tickerd/internal/storage"
	"tickerd/internal/transport"
	"tickerd/internal/trigger"
	"tickerd/internal/universe"
	logx "tickerd/pkg/logx"
)

// Options selects how the process runs. Daemon mode enables the config
// watcher, cron triggers, and sd_notify integration; one-shot mode runs a
// single drain and exits.
type Options struct {
	Daemon  bool
	Version string
}

// App is the composition root. Construct with New, then Start, then Stop.
type App struct {
	opts Options

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	sup *rtsup.Supervisor
	bus eventbus.Bus

	store    storage.Store
	uni      *universe.Universe
	metaSt   *meta.Store
	progSt   *progress.Store
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	runner   *run.Runner
	notif    *notifier.Service
	diag     *diag.Service
	triggers *trigger.Service
	debug    *observability.DebugServer

	persistLimiter bool
	bootToken      string

	done chan struct{}
}

// New loads and validates the config at cfgPath and constructs every
// component. Nothing is started; a failed New leaves no goroutines behind.
func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfgm.Commit(cfg)

	logs, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		opts: opts,
		cfgm: cfgm,
		logs: logs,
		log:  log,
		bus:  eventbus.New(),
		done: make(chan struct{}),
	}

	ok := false
	defer func() {
		if !ok {
			a.closeQuietly()
		}
	}()

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(stCfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	uni, err := universe.Load(cfg.Universe, cfg.Intervals)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}
	a.uni = uni
	log.Info("universe loaded",
		logx.Int("intervals", len(uni.Intervals())),
		logx.Int("entities", uni.Total()))

	limCfg, err := mapLimiterConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.persistLimiter = cfg.LimiterPersist()
	if a.persistLimiter {
		a.limiter, err = ratelimit.Load(context.Background(), st, limCfg, log)
		if err != nil {
			return nil, fmt.Errorf("restore limiter: %w", err)
		}
	} else {
		a.limiter = ratelimit.New(limCfg)
	}

	maxErrs, cooldown, err := mapMetaConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.metaSt = meta.NewStore(st, maxErrs, cooldown, log)
	a.progSt = progress.NewStore(st, log)

	a.metrics, err = observability.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	fetcher, err := buildFetcher(cfg, log)
	if err != nil {
		return nil, err
	}
	out, err := buildSink(cfg, log)
	if err != nil {
		return nil, err
	}

	exec := run.NewExecutor(a.metaSt, a.progSt, a.limiter, fetcher, out, log, a.bus, a.metrics)
	a.runner = run.NewRunner(mapRunnerOptions(cfg), uni, exec, log, a.bus, a.metrics)

	notifCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Notifier != nil && cfg.Notifier.Enabled && !notifCfg.Enabled {
		log.Warn("notifier enabled without telegram token or chat ids; alerts disabled")
	}
	var sender transport.Sender
	if notifCfg.Enabled {
		a.bootToken = cfg.Notifier.Telegram.Token
		sender, err = buildSender(cfg, log)
		if err != nil {
			// Alerting is best-effort; a bad token must not keep the
			// scheduler from running.
			log.Error("telegram sender unavailable, alerts disabled", logx.Err(err))
			notifCfg.Enabled = false
		}
	}
	a.notif = notifier.New(notifCfg, sender, log, a.bus, st)

	diagCfg, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.diag = diag.New(diagCfg, a.limiter, nil, log, a.bus)

	trigCfg, err := mapTriggerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.triggers = trigger.New(trigCfg, a.runScheduled, log)

	dbgCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.debug = observability.NewDebugServer(dbgCfg, a.metrics, log)

	ok = true
	return a, nil
}

// Start brings the services up. In daemon mode it also starts the config
// watcher, the cron triggers, and the sd_notify keepalive.
func (a *App) Start(ctx context.Context) error {
	a.log.Info("starting",
		logx.String("version", a.opts.Version),
		logx.Bool("daemon", a.opts.Daemon))

	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)

	a.debug.Start(a.sup.Context())
	a.notif.Start(a.sup.Context())
	a.diag.Start(a.sup.Context())

	if a.opts.Daemon {
		a.cfgm.SetValidator(validateReload)
		a.sup.GoRestart("config.watch", func(ctx context.Context) error {
			return a.cfgm.Watch(ctx)
		})
		a.sup.Go0("config.reload", a.reloadLoop)
		a.triggers.Start(a.sup.Context())
		a.notifySystemdReady()
	}

	a.sup.Go0("bus.log", a.eventLogLoop)

	a.sup.Go0("app.lifecycle", func(ctx context.Context) {
		<-ctx.Done()
		close(a.done)
	})
	return nil
}

// Done is closed once the supervisor's context is canceled, either by the
// parent context or by a fatal service error.
func (a *App) Done() <-chan struct{} { return a.done }

// Err reports the first service error captured by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce executes a single drain with the given strategy ("" uses the
// configured default) across all configured intervals.
func (a *App) RunOnce(ctx context.Context, strategy string) error {
	return a.runScheduled(ctx, strategy, nil)
}

// runScheduled is the RunFunc handed to the trigger service. The runner owns
// run reporting; this layer only persists limiter state after every run so a
// restart resumes with the learned delays.
func (a *App) runScheduled(ctx context.Context, strategy string, intervals []string) error {
	_, err := a.runner.Run(ctx, strategy, intervals)
	a.saveLimiter()
	return err
}

func (a *App) saveLimiter() {
	if !a.persistLimiter {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.limiter.Save(ctx, a.store); err != nil && !errors.Is(err, storage.ErrClosed) {
		a.log.Warn("persist limiter state", logx.Err(err))
	}
}

// Stop shuts everything down in dependency order. Each step gets a slice of
// the remaining deadline; a step overrunning its slice is logged and leaked
// rather than blocking the rest of shutdown.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.opts.Daemon {
		a.notifySystemdStopping()
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(sctx) }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("shutdown step failed", logx.String("step", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-sctx.Done():
			a.log.Warn("shutdown step timed out", logx.String("step", name))
			errs = append(errs, fmt.Errorf("%s: %w", name, sctx.Err()))
		}
	}

	wrap := func(fn func(context.Context)) func(context.Context) error {
		return func(ctx context.Context) error { fn(ctx); return nil }
	}
	step("triggers", 10*time.Second, wrap(a.triggers.Stop))
	step("diag", 5*time.Second, wrap(a.diag.Stop))
	step("notifier", 10*time.Second, wrap(a.notif.Stop))
	step("debug", 5*time.Second, wrap(a.debug.Stop))

	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 10*time.Second, a.sup.Wait)
	}

	a.saveLimiter()
	step("storage", 5*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logging: %w", err))
		}
	}
	return errors.Join(errs...)
}

// closeQuietly releases whatever New managed to build before failing.
func (a *App) closeQuietly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// validateReload gates config files picked up by the watcher. Structural
// validation lives on Config; the timezone needs a live lookup.
func validateReload(_ context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Triggers != nil && cfg.Triggers.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Triggers.Timezone); err != nil {
			return fmt.Errorf("triggers.timezone: %w", err)
		}
	}
	return nil
}

// reloadLoop applies accepted config changes. Only logging, notifier, diag,
// trigger, and debug settings take effect live; everything else is wired at
// construction time and logged as requiring a restart.
func (a *App) reloadLoop(ctx context.Context) {
	updates := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(updates)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			// Coalesce bursts from editors that write in several steps.
			for {
				select {
				case next, ok := <-updates:
					if !ok {
						return
					}
					cfg = next
					continue
				default:
				}
				break
			}
			a.applyReload(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyReload(ctx context.Context, old, cfg *config.Config) {
	sections, fields := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload: no effective changes")
		return
	}
	a.log.Info("config reload", fields...)

	restart := make([]string, 0, len(sections))
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(cfg))
		case "notifier":
			ncfg, err := mapNotifierConfig(cfg)
			if err != nil {
				a.log.Error("config reload: notifier", logx.Err(err))
				continue
			}
			if ncfg.Enabled && cfg.Notifier.Telegram.Token != a.bootToken {
				a.log.Warn("telegram token changed, restart required to take effect")
			}
			if ncfg.Enabled && a.bootToken == "" {
				// No sender was built at boot; alerts stay off.
				a.log.Warn("notifier enabled without a sender, restart required")
				ncfg.Enabled = false
			}
			a.notif.Apply(ncfg)
		case "diag":
			dcfg, err := mapDiagConfig(cfg)
			if err != nil {
				a.log.Error("config reload: diag", logx.Err(err))
				continue
			}
			a.diag.Apply(dcfg)
		case "triggers":
			tcfg, err := mapTriggerConfig(cfg)
			if err != nil {
				a.log.Error("config reload: triggers", logx.Err(err))
				continue
			}
			a.triggers.Apply(tcfg)
		case "debug":
			dcfg, err := mapDebugConfig(cfg)
			if err != nil {
				a.log.Error("config reload: debug server", logx.Err(err))
				continue
			}
			a.debug.Reconfigure(ctx, dcfg)
		default:
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that require a restart",
			logx.Any("sections", restart))
	}
}

// eventLogLoop mirrors bus traffic into the debug log so a single log file
// tells the whole story of a run.
func (a *App) eventLogLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}
