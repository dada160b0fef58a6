package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tickerd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (provider api_key, storage
// dsn, telegram/debug tokens) are reduced to "_set" booleans and never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log dsn)
	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS.Driver != nS.Driver ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		(strings.TrimSpace(oS.DSN) != "") != (strings.TrimSpace(nS.DSN) != "") ||
		oS.BusyTimeout != nS.BusyTimeout ||
		oldCfg.FileSyncWrites() != newCfg.FileSyncWrites() ||
		oS.CompactEvery != nS.CompactEvery {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.Bool("storage.sync_writes", newCfg.FileSyncWrites()),
		)
	}

	// Universe (summarize counts only; the full list can be thousands of tickers)
	if !reflect.DeepEqual(oldCfg.Universe, newCfg.Universe) {
		changed = append(changed, "universe")
		attrs = append(attrs,
			logx.Bool("universe.path_set", strings.TrimSpace(newCfg.Universe.Path) != ""),
			logx.Int("universe.ticker_count", len(newCfg.Universe.Tickers)),
			logx.Int("universe.override_count", len(newCfg.Universe.ByInterval)),
		)
	}

	// Intervals
	if !reflect.DeepEqual(oldCfg.Intervals, newCfg.Intervals) {
		changed = append(changed, "intervals")
		attrs = append(attrs,
			logx.Int("intervals.count", len(newCfg.Intervals)),
			logx.String("intervals.list", strings.Join(newCfg.Intervals, ",")),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.batch_size", newCfg.Scheduler.BatchSize),
			logx.Int("scheduler.max_batches_per_run", newCfg.Scheduler.MaxBatchesPerRun),
			logx.Int("scheduler.max_consecutive_errors", newCfg.Scheduler.MaxConsecutiveErrors),
			logx.String("scheduler.error_cooldown", newCfg.Scheduler.ErrorCooldown),
			logx.String("scheduler.strategy", newCfg.Scheduler.Strategy),
		)
	}

	// Rate limiter
	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "ratelimit")
		attrs = append(attrs,
			logx.String("ratelimit.min_delay", newCfg.RateLimit.MinDelay),
			logx.String("ratelimit.max_delay", newCfg.RateLimit.MaxDelay),
			logx.Float64("ratelimit.widen_factor", newCfg.RateLimit.WidenFactor),
			logx.Float64("ratelimit.decay_factor", newCfg.RateLimit.DecayFactor),
			logx.Bool("ratelimit.persist", newCfg.LimiterPersist()),
		)
	}

	// Provider (never log api_key)
	oP, nP := oldCfg.Provider, newCfg.Provider
	if oP.Kind != nP.Kind ||
		strings.TrimSpace(oP.BaseURL) != strings.TrimSpace(nP.BaseURL) ||
		(strings.TrimSpace(oP.APIKey) != "") != (strings.TrimSpace(nP.APIKey) != "") ||
		oP.RequestsPerSec != nP.RequestsPerSec ||
		oP.Burst != nP.Burst ||
		oP.Timeout != nP.Timeout {
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.String("provider.kind", nP.Kind),
			logx.String("provider.base_url", strings.TrimSpace(nP.BaseURL)),
			logx.Bool("provider.api_key_set", strings.TrimSpace(nP.APIKey) != ""),
			logx.Float64("provider.requests_per_sec", nP.RequestsPerSec),
		)
	}

	// Sink
	if !reflect.DeepEqual(oldCfg.Sink, newCfg.Sink) {
		changed = append(changed, "sink")
		attrs = append(attrs,
			logx.String("sink.kind", newCfg.Sink.Kind),
			logx.String("sink.dir", newCfg.Sink.Dir),
		)
	}

	// Triggers (nil means disabled)
	oT, nT := oldCfg.Triggers, newCfg.Triggers
	if (oT == nil) != (nT == nil) || (oT != nil && !reflect.DeepEqual(*oT, *nT)) {
		changed = append(changed, "triggers")
		enabled := false
		jobs := 0
		tz := ""
		if nT != nil {
			enabled = nT.Enabled
			jobs = len(nT.Jobs)
			tz = strings.TrimSpace(nT.Timezone)
		}
		attrs = append(attrs,
			logx.Bool("triggers.enabled", enabled),
			logx.Int("triggers.job_count", jobs),
			logx.String("triggers.timezone", tz),
		)
	}

	// Notifier (never log telegram token)
	oN, nN := oldCfg.Notifier, newCfg.Notifier
	if (oN == nil) != (nN == nil) || (oN != nil && !reflect.DeepEqual(*oN, *nN)) {
		changed = append(changed, "notifier")
		enabled := false
		workers, queue := 0, 0
		tokenSet := false
		chats := 0
		if nN != nil {
			enabled = nN.Enabled
			workers = nN.Workers
			queue = nN.QueueSize
			tokenSet = strings.TrimSpace(nN.Telegram.Token) != ""
			chats = len(nN.Telegram.ChatIDs)
		}
		attrs = append(attrs,
			logx.Bool("notifier.enabled", enabled),
			logx.Int("notifier.workers", workers),
			logx.Int("notifier.queue_size", queue),
			logx.Bool("notifier.token_set", tokenSet),
			logx.Int("notifier.chat_count", chats),
		)
	}

	// Diag
	oD, nD := oldCfg.Diag, newCfg.Diag
	if (oD == nil) != (nD == nil) || (oD != nil && !reflect.DeepEqual(*oD, *nD)) {
		changed = append(changed, "diag")
		enabled := false
		if nD != nil {
			enabled = nD.Enabled
		}
		attrs = append(attrs, logx.Bool("diag.enabled", enabled))
	}

	// Debug server (never log token)
	oB, nB := oldCfg.Debug, newCfg.Debug
	if oB.Enabled != nB.Enabled ||
		strings.TrimSpace(oB.Addr) != strings.TrimSpace(nB.Addr) ||
		(strings.TrimSpace(oB.Token) != "") != (strings.TrimSpace(nB.Token) != "") ||
		oB.AllowInsecure != nB.AllowInsecure ||
		oB.ReadTimeout != nB.ReadTimeout ||
		oB.WriteTimeout != nB.WriteTimeout ||
		oB.IdleTimeout != nB.IdleTimeout {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nB.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nB.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nB.Token) != ""),
			logx.Bool("debug.allow_insecure", nB.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
