package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Universe defines the ticker universe, inline or via a separate file.
	Universe UniverseConfig `json:"universe"`

	// Intervals is the ordered interval list ("1m" ... "1d"). The order is
	// the sequence the resume strategy walks and the display order everywhere.
	Intervals []string `json:"intervals"`

	Scheduler SchedulerConfig `json:"scheduler"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Provider  ProviderConfig  `json:"provider"`
	Sink      SinkConfig      `json:"sink"`

	Triggers *TriggersConfig `json:"triggers,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Diag     *DiagConfig     `json:"diag,omitempty"`
	Debug    DebugConfig     `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer backing the metadata,
// cursor and limiter stores.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/tickerd" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres connection string (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// SyncWrites fsyncs the journal after every write (file driver).
	// Pointer so "omitted" defaults to true without breaking an explicit false.
	SyncWrites   *bool `json:"sync_writes,omitempty"`
	CompactEvery int   `json:"compact_every,omitempty"`
}

// UniverseConfig names the entities to schedule. Tickers applies to every
// interval; ByInterval overrides the list for specific intervals. Path points
// at a JSON/YAML file with the same two fields, merged under the inline
// values.
type UniverseConfig struct {
	Path       string              `json:"path,omitempty"`
	Tickers    []string            `json:"tickers,omitempty"`
	ByInterval map[string][]string `json:"by_interval,omitempty"`
}

// SchedulerConfig carries the core scheduling knobs.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "6h").
type SchedulerConfig struct {
	// BatchSize is the number of work items per batch (default 15).
	BatchSize int `json:"batch_size,omitempty"`
	// BatchSizes overrides BatchSize per interval.
	BatchSizes map[string]int `json:"batch_sizes,omitempty"`
	// MaxBatchesPerRun caps rounds for the cross-interval strategy and seeds
	// the quota pool for the quota strategy (default 20).
	MaxBatchesPerRun int `json:"max_batches_per_run,omitempty"`
	// MaxConsecutiveErrors is the cooldown trigger threshold (default 5).
	MaxConsecutiveErrors int `json:"max_consecutive_errors,omitempty"`
	// ErrorCooldown is how long a tripped entity is excluded (default "6h").
	ErrorCooldown string `json:"error_cooldown,omitempty"`
	// Strategy is the default strategy for one-shot runs (default "resume").
	Strategy string `json:"strategy,omitempty"`
}

// RateLimitConfig bounds the adaptive per-interval fetch spacing.
type RateLimitConfig struct {
	MinDelay    string  `json:"min_delay,omitempty"`    // default "500ms"
	MaxDelay    string  `json:"max_delay,omitempty"`    // default "1m"
	WidenFactor float64 `json:"widen_factor,omitempty"` // default 2.0
	DecayFactor float64 `json:"decay_factor,omitempty"` // default 0.75
	// Persist saves per-interval delays across restarts.
	Persist *bool `json:"persist,omitempty"`
}

// ProviderConfig configures the HTTP bar provider client.
type ProviderConfig struct {
	Kind    string `json:"kind,omitempty"` // "http" (default)
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"` // do not log
	// RequestsPerSec is a hard request cap beneath the adaptive limiter.
	RequestsPerSec float64 `json:"requests_per_sec,omitempty"` // default 5
	Burst          int     `json:"burst,omitempty"`
	Timeout        string  `json:"timeout,omitempty"` // per-attempt bound, default "30s"
}

type SinkConfig struct {
	Kind string `json:"kind,omitempty"` // "csv" (default) or "discard"
	Dir  string `json:"dir,omitempty"`
}

// TriggersConfig schedules recurring runs in daemon mode.
type TriggersConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// Spread jitters job start times within the window to avoid thundering
	// herds right after boot ("0s" disables).
	Spread string       `json:"spread,omitempty"`
	Jobs   []TriggerJob `json:"jobs,omitempty"`
}

type TriggerJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Strategy string `json:"strategy,omitempty"`
	// Intervals restricts the job to a subset; empty means all configured.
	Intervals []string `json:"intervals,omitempty"`
}

// NotifierConfig controls the operator alert pipeline.
//
// All durations are Go duration strings.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	Telegram NotifierTelegram `json:"telegram"`
}

type NotifierTelegram struct {
	Token   string  `json:"token"` // do not log
	ChatIDs []int64 `json:"chat_ids"`
}

// DiagConfig controls the bandwidth probe that runs when a pass looks
// throttled (limiter pinned at max, or failure ratio above the threshold).
type DiagConfig struct {
	Enabled       bool    `json:"enabled"`
	FailureRatio  float64 `json:"failure_ratio,omitempty"`  // default 0.5
	ProbeCooldown string  `json:"probe_cooldown,omitempty"` // default "30m"
}

// DebugConfig controls the debug HTTP server (/debug/pprof, /metrics).
//
// Prefer binding to localhost. If you bind to a non-loopback address, set a
// token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so /debug/pprof/profile (30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

var knownStrategies = map[string]bool{
	"resume":         true,
	"cross_interval": true,
	"quota":          true,
	"parallel":       true,
}

// Validate normalizes defaults in place and rejects inconsistent settings.
// Errors name the offending field path.
func (c *Config) Validate() error {
	// Intervals.
	if len(c.Intervals) == 0 {
		return fmt.Errorf("intervals: at least one interval is required")
	}
	seen := map[string]bool{}
	for i, iv := range c.Intervals {
		iv = strings.TrimSpace(iv)
		if iv == "" {
			return fmt.Errorf("intervals[%d]: empty interval", i)
		}
		if seen[iv] {
			return fmt.Errorf("intervals[%d]: duplicate interval %q", i, iv)
		}
		seen[iv] = true
		c.Intervals[i] = iv
	}

	// Scheduler.
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 15
	}
	if c.Scheduler.BatchSize < 0 {
		return fmt.Errorf("scheduler.batch_size: must be > 0")
	}
	for iv, n := range c.Scheduler.BatchSizes {
		if !seen[iv] {
			return fmt.Errorf("scheduler.batch_sizes[%s]: unknown interval", iv)
		}
		if n <= 0 {
			return fmt.Errorf("scheduler.batch_sizes[%s]: must be > 0", iv)
		}
	}
	if c.Scheduler.MaxBatchesPerRun == 0 {
		c.Scheduler.MaxBatchesPerRun = 20
	}
	if c.Scheduler.MaxBatchesPerRun < 0 {
		return fmt.Errorf("scheduler.max_batches_per_run: must be > 0")
	}
	if c.Scheduler.MaxConsecutiveErrors == 0 {
		c.Scheduler.MaxConsecutiveErrors = 5
	}
	if c.Scheduler.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("scheduler.max_consecutive_errors: must be >= 1")
	}
	if strings.TrimSpace(c.Scheduler.ErrorCooldown) == "" {
		c.Scheduler.ErrorCooldown = "6h"
	}
	if _, err := ParseDurationField("scheduler.error_cooldown", c.Scheduler.ErrorCooldown); err != nil {
		return err
	}
	if c.Scheduler.Strategy == "" {
		c.Scheduler.Strategy = "resume"
	}
	if !knownStrategies[c.Scheduler.Strategy] {
		return fmt.Errorf("scheduler.strategy: unknown strategy %q", c.Scheduler.Strategy)
	}

	// Rate limiter.
	if strings.TrimSpace(c.RateLimit.MinDelay) == "" {
		c.RateLimit.MinDelay = "500ms"
	}
	if strings.TrimSpace(c.RateLimit.MaxDelay) == "" {
		c.RateLimit.MaxDelay = "1m"
	}
	minD, err := ParseDurationField("ratelimit.min_delay", c.RateLimit.MinDelay)
	if err != nil {
		return err
	}
	maxD, err := ParseDurationField("ratelimit.max_delay", c.RateLimit.MaxDelay)
	if err != nil {
		return err
	}
	if minD <= 0 {
		return fmt.Errorf("ratelimit.min_delay: must be > 0")
	}
	if maxD < minD {
		return fmt.Errorf("ratelimit.max_delay: must be >= min_delay")
	}
	if c.RateLimit.WidenFactor == 0 {
		c.RateLimit.WidenFactor = 2.0
	}
	if c.RateLimit.WidenFactor <= 1.0 {
		return fmt.Errorf("ratelimit.widen_factor: must be > 1.0")
	}
	if c.RateLimit.DecayFactor == 0 {
		c.RateLimit.DecayFactor = 0.75
	}
	if c.RateLimit.DecayFactor <= 0 || c.RateLimit.DecayFactor >= 1.0 {
		return fmt.Errorf("ratelimit.decay_factor: must be in (0, 1)")
	}

	// Storage.
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "file"
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			c.Storage.Path = "./data/tickerd.db"
		}
	case "postgres", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn: required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	// Universe.
	for iv := range c.Universe.ByInterval {
		if !seen[iv] {
			return fmt.Errorf("universe.by_interval[%s]: unknown interval", iv)
		}
	}
	if c.Universe.Path == "" && len(c.Universe.Tickers) == 0 && len(c.Universe.ByInterval) == 0 {
		return fmt.Errorf("universe: tickers, by_interval or path is required")
	}

	// Provider.
	if c.Provider.Kind == "" {
		c.Provider.Kind = "http"
	}
	switch c.Provider.Kind {
	case "http":
		if strings.TrimSpace(c.Provider.BaseURL) == "" {
			return fmt.Errorf("provider.base_url: required for http provider")
		}
	default:
		return fmt.Errorf("provider.kind: unknown provider %q", c.Provider.Kind)
	}
	if c.Provider.RequestsPerSec == 0 {
		c.Provider.RequestsPerSec = 5
	}
	if c.Provider.RequestsPerSec < 0 {
		return fmt.Errorf("provider.requests_per_sec: must be > 0")
	}
	if c.Provider.Burst < 0 {
		return fmt.Errorf("provider.burst: must be >= 0")
	}
	if strings.TrimSpace(c.Provider.Timeout) == "" {
		c.Provider.Timeout = "30s"
	}
	if _, err := ParseDurationField("provider.timeout", c.Provider.Timeout); err != nil {
		return err
	}

	// Sink.
	if c.Sink.Kind == "" {
		c.Sink.Kind = "csv"
	}
	switch c.Sink.Kind {
	case "csv":
		if strings.TrimSpace(c.Sink.Dir) == "" {
			c.Sink.Dir = "./data/bars"
		}
	case "discard":
	default:
		return fmt.Errorf("sink.kind: unknown sink %q", c.Sink.Kind)
	}

	// Triggers.
	if c.Triggers != nil {
		if c.Triggers.Spread == "" {
			c.Triggers.Spread = "30s"
		}
		if _, err := ParseDurationField("triggers.spread", c.Triggers.Spread); err != nil {
			return err
		}
		names := map[string]bool{}
		for i, j := range c.Triggers.Jobs {
			if strings.TrimSpace(j.Name) == "" {
				return fmt.Errorf("triggers.jobs[%d].name: required", i)
			}
			if names[j.Name] {
				return fmt.Errorf("triggers.jobs[%d].name: duplicate %q", i, j.Name)
			}
			names[j.Name] = true
			if strings.TrimSpace(j.Schedule) == "" {
				return fmt.Errorf("triggers.jobs[%d].schedule: required", i)
			}
			if j.Strategy == "" {
				c.Triggers.Jobs[i].Strategy = c.Scheduler.Strategy
			} else if !knownStrategies[j.Strategy] {
				return fmt.Errorf("triggers.jobs[%d].strategy: unknown strategy %q", i, j.Strategy)
			}
			for _, iv := range j.Intervals {
				if !seen[iv] {
					return fmt.Errorf("triggers.jobs[%d].intervals: unknown interval %q", i, iv)
				}
			}
		}
	}

	// Notifier durations.
	if c.Notifier != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", c.Notifier.RetryBase},
			{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
			{"notifier.dedup_window", c.Notifier.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}

	// Diag.
	if c.Diag != nil {
		if c.Diag.FailureRatio == 0 {
			c.Diag.FailureRatio = 0.5
		}
		if c.Diag.FailureRatio < 0 || c.Diag.FailureRatio > 1 {
			return fmt.Errorf("diag.failure_ratio: must be in (0, 1]")
		}
		if strings.TrimSpace(c.Diag.ProbeCooldown) == "" {
			c.Diag.ProbeCooldown = "30m"
		}
		if _, err := ParseDurationField("diag.probe_cooldown", c.Diag.ProbeCooldown); err != nil {
			return err
		}
	}

	// Debug server.
	if strings.TrimSpace(c.Debug.Addr) == "" {
		c.Debug.Addr = "127.0.0.1:6060"
	}
	for _, f := range []struct{ path, raw string }{
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.write_timeout", c.Debug.WriteTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	return nil
}

// FileSyncWrites resolves the storage sync_writes default (true).
func (c *Config) FileSyncWrites() bool {
	if c.Storage.SyncWrites == nil {
		return true
	}
	return *c.Storage.SyncWrites
}

// LimiterPersist resolves the ratelimit persist default (true).
func (c *Config) LimiterPersist() bool {
	if c.RateLimit.Persist == nil {
		return true
	}
	return *c.RateLimit.Persist
}
