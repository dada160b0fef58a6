package app

import (
	"fmt"
	"strings"
	"time"

	"tickerd/internal/config"
	"tickerd/internal/diag"
	"tickerd/internal/fetch"
	"tickerd/internal/notifier"
	"tickerd/internal/observability"
	"tickerd/internal/ratelimit"
	"tickerd/internal/run"
	"tickerd/internal/sink"
	"tickerd/internal/storage"
	"tickerd/internal/transport"
	"tickerd/internal/transport/telegram"
	"tickerd/internal/trigger"
	logx "tickerd/pkg/logx"
)

// The mapX functions translate the JSON config structs into the typed
// component configs, parsing duration strings along the way. They assume
// Config.Validate already ran, so defaults are filled in; parse errors can
// still surface here for values only Validate's syntax check covered.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       cfg.Storage.Driver,
		Path:         cfg.Storage.Path,
		DSN:          cfg.Storage.DSN,
		BusyTimeout:  busy,
		SyncWrites:   cfg.FileSyncWrites(),
		CompactEvery: cfg.Storage.CompactEvery,
	}, nil
}

func mapLimiterConfig(cfg *config.Config) (ratelimit.Config, error) {
	minD, err := config.ParseDurationField("ratelimit.min_delay", cfg.RateLimit.MinDelay)
	if err != nil {
		return ratelimit.Config{}, err
	}
	maxD, err := config.ParseDurationField("ratelimit.max_delay", cfg.RateLimit.MaxDelay)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		MinDelay:    minD,
		MaxDelay:    maxD,
		WidenFactor: cfg.RateLimit.WidenFactor,
		DecayFactor: cfg.RateLimit.DecayFactor,
	}, nil
}

func mapMetaConfig(cfg *config.Config) (maxErrs int, cooldown time.Duration, err error) {
	cooldown, err = config.ParseDurationField("scheduler.error_cooldown", cfg.Scheduler.ErrorCooldown)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Scheduler.MaxConsecutiveErrors, cooldown, nil
}

func mapRunnerOptions(cfg *config.Config) run.Options {
	return run.Options{
		BatchSize:        cfg.Scheduler.BatchSize,
		BatchSizes:       cfg.Scheduler.BatchSizes,
		MaxBatchesPerRun: cfg.Scheduler.MaxBatchesPerRun,
		DefaultStrategy:  cfg.Scheduler.Strategy,
	}
}

func buildFetcher(cfg *config.Config, log logx.Logger) (fetch.Fetcher, error) {
	timeout, err := config.ParseDurationField("provider.timeout", cfg.Provider.Timeout)
	if err != nil {
		return nil, err
	}
	switch cfg.Provider.Kind {
	case "", "http":
		return fetch.NewHTTPClient(fetch.HTTPConfig{
			BaseURL:        cfg.Provider.BaseURL,
			APIKey:         cfg.Provider.APIKey,
			RequestsPerSec: cfg.Provider.RequestsPerSec,
			Burst:          cfg.Provider.Burst,
			Timeout:        timeout,
		}, log), nil
	default:
		return nil, fmt.Errorf("provider.kind: unknown provider %q", cfg.Provider.Kind)
	}
}

func buildSink(cfg *config.Config, log logx.Logger) (sink.Sink, error) {
	switch cfg.Sink.Kind {
	case "", "csv":
		return sink.NewCSV(cfg.Sink.Dir, log), nil
	case "discard":
		return sink.Discard{}, nil
	default:
		return nil, fmt.Errorf("sink.kind: unknown sink %q", cfg.Sink.Kind)
	}
}

// mapNotifierConfig turns the config section into the notifier's typed
// config. Enabled comes out false when the section is missing or when the
// telegram transport has no token or targets to deliver to.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}

	targets := make([]transport.ChatTarget, 0, len(n.Telegram.ChatIDs))
	for _, id := range n.Telegram.ChatIDs {
		targets = append(targets, transport.ChatTarget{ChatID: id})
	}

	enabled := n.Enabled
	if strings.TrimSpace(n.Telegram.Token) == "" || len(targets) == 0 {
		enabled = false
	}
	return notifier.Config{
		Enabled:         enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		Targets:         targets,
	}, nil
}

func buildSender(cfg *config.Config, log logx.Logger) (transport.Sender, error) {
	return telegram.New(telegram.Config{Token: cfg.Notifier.Telegram.Token}, log)
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Diag
	if d == nil {
		return diag.Config{}, nil
	}
	cooldown, err := config.ParseDurationField("diag.probe_cooldown", d.ProbeCooldown)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       d.Enabled,
		FailureRatio:  d.FailureRatio,
		ProbeCooldown: cooldown,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	t := cfg.Triggers
	if t == nil {
		return trigger.Config{}, nil
	}
	spread, err := config.ParseDurationField("triggers.spread", t.Spread)
	if err != nil {
		return trigger.Config{}, err
	}
	jobs := make([]trigger.Job, 0, len(t.Jobs))
	for _, j := range t.Jobs {
		jobs = append(jobs, trigger.Job{
			Name:      j.Name,
			Schedule:  j.Schedule,
			Strategy:  j.Strategy,
			Intervals: j.Intervals,
		})
	}
	return trigger.Config{
		Enabled:  t.Enabled,
		Timezone: t.Timezone,
		Spread:   spread,
		Jobs:     jobs,
	}, nil
}

func mapDebugConfig(cfg *config.Config) (observability.DebugConfig, error) {
	d := cfg.Debug
	rt, err := config.ParseDurationField("debug.read_timeout", d.ReadTimeout)
	if err != nil {
		return observability.DebugConfig{}, err
	}
	wt, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return observability.DebugConfig{}, err
	}
	it, err := config.ParseDurationField("debug.idle_timeout", d.IdleTimeout)
	if err != nil {
		return observability.DebugConfig{}, err
	}
	return observability.DebugConfig{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}
