package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const minimalJSON = `{
  "universe": {"tickers": ["AAPL", "MSFT"]},
  "intervals": ["1m", "1d"],
  "provider": {"base_url": "https://bars.example.com"}
}`

func TestParseStrictJSON(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "config.json", minimalJSON)
	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if got := len(cfg.Universe.Tickers); got != 2 {
		t.Fatalf("ticker count = %d, want 2", got)
	}
	if cfg.Intervals[0] != "1m" || cfg.Intervals[1] != "1d" {
		t.Fatalf("intervals = %v", cfg.Intervals)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "config.json", `{"intervals": ["1d"], "intervalz": []}`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "config.json", `{"intervals": ["1d"]} {"intervals": ["1m"]}`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "config.yaml", `
universe:
  tickers: [AAPL, MSFT, GOOG]
intervals: ["1m", "5m", "1d"]
provider:
  base_url: https://bars.example.com
scheduler:
  batch_size: 25
  batch_sizes:
    1d: 50
`)
	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Scheduler.BatchSize != 25 {
		t.Fatalf("batch_size = %d, want 25", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.BatchSizes["1d"] != 50 {
		t.Fatalf("batch_sizes[1d] = %d, want 50", cfg.Scheduler.BatchSizes["1d"])
	}
}

func TestParseYAMLRejectsUnknownField(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "config.yaml", `
intervals: ["1d"]
shceduler:
  batch_size: 10
`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field in yaml")
	}
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Universe:  UniverseConfig{Tickers: []string{"AAPL"}},
		Intervals: []string{"1m", "1d"},
		Provider:  ProviderConfig{BaseURL: "https://bars.example.com"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	if cfg.Scheduler.BatchSize != 15 {
		t.Errorf("batch_size default = %d, want 15", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.MaxBatchesPerRun != 20 {
		t.Errorf("max_batches_per_run default = %d, want 20", cfg.Scheduler.MaxBatchesPerRun)
	}
	if cfg.Scheduler.MaxConsecutiveErrors != 5 {
		t.Errorf("max_consecutive_errors default = %d, want 5", cfg.Scheduler.MaxConsecutiveErrors)
	}
	if cfg.Scheduler.ErrorCooldown != "6h" {
		t.Errorf("error_cooldown default = %q, want 6h", cfg.Scheduler.ErrorCooldown)
	}
	if cfg.Scheduler.Strategy != "resume" {
		t.Errorf("strategy default = %q, want resume", cfg.Scheduler.Strategy)
	}
	if cfg.RateLimit.MinDelay != "500ms" || cfg.RateLimit.MaxDelay != "1m" {
		t.Errorf("delay defaults = %q/%q", cfg.RateLimit.MinDelay, cfg.RateLimit.MaxDelay)
	}
	if cfg.RateLimit.WidenFactor != 2.0 || cfg.RateLimit.DecayFactor != 0.75 {
		t.Errorf("factor defaults = %v/%v", cfg.RateLimit.WidenFactor, cfg.RateLimit.DecayFactor)
	}
	if cfg.Storage.Driver != "file" {
		t.Errorf("storage driver default = %q, want file", cfg.Storage.Driver)
	}
	if cfg.Provider.RequestsPerSec != 5 {
		t.Errorf("requests_per_sec default = %v, want 5", cfg.Provider.RequestsPerSec)
	}
	if cfg.Sink.Kind != "csv" {
		t.Errorf("sink default = %q, want csv", cfg.Sink.Kind)
	}
	if !cfg.FileSyncWrites() {
		t.Error("sync_writes default should be true")
	}
	if !cfg.LimiterPersist() {
		t.Error("limiter persist default should be true")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Universe:  UniverseConfig{Tickers: []string{"AAPL"}},
			Intervals: []string{"1m", "1d"},
			Provider:  ProviderConfig{BaseURL: "https://bars.example.com"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{
			name:    "no intervals",
			mutate:  func(c *Config) { c.Intervals = nil },
			wantSub: "intervals",
		},
		{
			name:    "duplicate interval",
			mutate:  func(c *Config) { c.Intervals = []string{"1m", "1m"} },
			wantSub: "duplicate",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Scheduler.Strategy = "spiral" },
			wantSub: "scheduler.strategy",
		},
		{
			name:    "batch size override for unknown interval",
			mutate:  func(c *Config) { c.Scheduler.BatchSizes = map[string]int{"2h": 10} },
			wantSub: "batch_sizes",
		},
		{
			name:    "widen factor too small",
			mutate:  func(c *Config) { c.RateLimit.WidenFactor = 0.9 },
			wantSub: "widen_factor",
		},
		{
			name:    "decay factor out of range",
			mutate:  func(c *Config) { c.RateLimit.DecayFactor = 1.5 },
			wantSub: "decay_factor",
		},
		{
			name: "max delay below min",
			mutate: func(c *Config) {
				c.RateLimit.MinDelay = "10s"
				c.RateLimit.MaxDelay = "1s"
			},
			wantSub: "max_delay",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantSub: "storage.dsn",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "redis" },
			wantSub: "storage.driver",
		},
		{
			name:    "empty universe",
			mutate:  func(c *Config) { c.Universe = UniverseConfig{} },
			wantSub: "universe",
		},
		{
			name:    "universe override for unknown interval",
			mutate:  func(c *Config) { c.Universe.ByInterval = map[string][]string{"2h": {"AAPL"}} },
			wantSub: "by_interval",
		},
		{
			name:    "http provider without base url",
			mutate:  func(c *Config) { c.Provider.BaseURL = "" },
			wantSub: "provider.base_url",
		},
		{
			name: "trigger job without schedule",
			mutate: func(c *Config) {
				c.Triggers = &TriggersConfig{Enabled: true, Jobs: []TriggerJob{{Name: "daily"}}}
			},
			wantSub: "schedule",
		},
		{
			name: "duplicate trigger job name",
			mutate: func(c *Config) {
				c.Triggers = &TriggersConfig{Enabled: true, Jobs: []TriggerJob{
					{Name: "daily", Schedule: "0 0 * * *"},
					{Name: "daily", Schedule: "0 12 * * *"},
				}}
			},
			wantSub: "duplicate",
		},
		{
			name: "trigger job with unknown interval",
			mutate: func(c *Config) {
				c.Triggers = &TriggersConfig{Enabled: true, Jobs: []TriggerJob{
					{Name: "daily", Schedule: "0 0 * * *", Intervals: []string{"2h"}},
				}}
			},
			wantSub: "intervals",
		},
		{
			name:    "bad cooldown duration",
			mutate:  func(c *Config) { c.Scheduler.ErrorCooldown = "six hours" },
			wantSub: "error_cooldown",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateDefaultsTriggerStrategy(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Universe:  UniverseConfig{Tickers: []string{"AAPL"}},
		Intervals: []string{"1d"},
		Provider:  ProviderConfig{BaseURL: "https://bars.example.com"},
		Scheduler: SchedulerConfig{Strategy: "quota"},
		Triggers: &TriggersConfig{Enabled: true, Jobs: []TriggerJob{
			{Name: "daily", Schedule: "0 0 * * *"},
		}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if got := cfg.Triggers.Jobs[0].Strategy; got != "quota" {
		t.Fatalf("job strategy = %q, want inherited quota", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationField("x", " 90s ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 90*time.Second {
		t.Fatalf("d = %v, want 90s", d)
	}

	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := ParseDurationField("x", "later"); err == nil {
		t.Fatal("expected error for garbage duration")
	}

	d, err = ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("default not applied: d=%v err=%v", d, err)
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "config.json", minimalJSON)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestSummarizeConfigChangeRedactsSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Provider: ProviderConfig{BaseURL: "https://a"}}
	newCfg := &Config{
		Provider: ProviderConfig{BaseURL: "https://b", APIKey: "s3cret"},
		Storage:  StorageConfig{Driver: "postgres", DSN: "postgres://user:hunter2@db/bars"},
		Notifier: &NotifierConfig{Enabled: true, Telegram: NotifierTelegram{Token: "123:abc", ChatIDs: []int64{7}}},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) == 0 {
		t.Fatal("expected changed sections")
	}
	want := map[string]bool{"provider": true, "storage": true, "notifier": true}
	for _, s := range changed {
		delete(want, s)
	}
	if len(want) != 0 {
		t.Fatalf("missing changed sections: %v (got %v)", want, changed)
	}

	// Field values are not inspectable through the zerolog closure, but the
	// summary itself must never embed the raw secrets.
	for _, s := range changed {
		for _, secret := range []string{"s3cret", "hunter2", "123:abc"} {
			if strings.Contains(s, secret) {
				t.Fatalf("changed section %q leaks secret", s)
			}
		}
	}
	if len(attrs) == 0 {
		t.Fatal("expected structured attrs")
	}
}

func TestSummarizeConfigChangeNoChanges(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Universe:  UniverseConfig{Tickers: []string{"AAPL"}},
		Intervals: []string{"1d"},
		Provider:  ProviderConfig{BaseURL: "https://bars.example.com"},
	}
	changed, attrs := SummarizeConfigChange(cfg, cfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
	if len(attrs) != 0 {
		t.Fatalf("attrs = %d, want none", len(attrs))
	}
}
