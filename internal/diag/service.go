// Package diag tells provider throttling apart from local congestion. A run
// that ends with most fetches failing, or with an interval delay pinned at
// the limiter ceiling, looks the same from inside the scheduler either way;
// when that signature appears the service measures the local link once and
// publishes the result.
package diag

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickerd/internal/eventbus"
	"tickerd/internal/ratelimit"
	"tickerd/internal/run"
	rtsup "tickerd/internal/runtime/supervisor"
	logx "tickerd/pkg/logx"
)

// ProbeEvent is published as "diag.probe" after each measurement attempt.
type ProbeEvent struct {
	Reason       string        `json:"reason"`
	Time         time.Time     `json:"time"`
	DownloadMbps float64       `json:"download_mbps,omitempty"`
	UploadMbps   float64       `json:"upload_mbps,omitempty"`
	PingMs       float64       `json:"ping_ms,omitempty"`
	ISP          string        `json:"isp,omitempty"`
	Server       string        `json:"server,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Config mirrors config.DiagConfig with durations parsed.
type Config struct {
	Enabled bool
	// FailureRatio is the failed/attempted fraction at or above which a run
	// counts as throttled (default 0.5).
	FailureRatio float64
	// ProbeCooldown is the minimum gap between probes (default 30m).
	ProbeCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.5
	}
	if c.ProbeCooldown <= 0 {
		c.ProbeCooldown = 30 * time.Minute
	}
	return c
}

// probeTimeout bounds one full measurement, which normally finishes well
// under a minute.
const probeTimeout = 3 * time.Minute

// Service watches run outcomes on the bus and probes on throttling
// signatures. At most one probe runs at a time, spaced by ProbeCooldown.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	limiter *ratelimit.Limiter
	prober  Prober

	cfg         Config
	sup         *rtsup.Supervisor
	unsubEvents func()
	lastProbe   time.Time

	probing atomic.Bool
}

// New builds the service. A nil prober falls back to the speedtest.net one.
func New(cfg Config, limiter *ratelimit.Limiter, prober Prober, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if prober == nil {
		prober = NewSpeedtestProber()
	}
	return &Service{
		log:     log.With(logx.String("comp", "diag")),
		bus:     bus,
		limiter: limiter,
		prober:  prober,
		cfg:     cfg.withDefaults(),
	}
}

// Start subscribes to the bus and begins watching. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("diag disabled")
		return
	}
	if s.bus == nil {
		s.log.Warn("diag enabled but no event bus; probes will never fire")
		return
	}
	// Subscribe before the watcher goroutine exists so a run started right
	// after Start cannot slip past it.
	events, unsub := s.bus.Subscribe(64)
	s.unsubEvents = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A broken probe must never take down the scheduler.
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("events.watch", func(c context.Context) error {
		return s.watchLoop(c, events)
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("watching runs for throttling",
		logx.Float64("failure_ratio", s.cfg.FailureRatio),
		logx.Duration("probe_cooldown", s.cfg.ProbeCooldown),
	)
}

// Apply updates the thresholds in place. A disabled config suppresses
// probing without stopping the watcher; enabling a service built disabled
// takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Stop cancels the watcher and any in-flight probe.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsubEvents
	s.sup = nil
	s.unsubEvents = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	if unsub != nil {
		unsub()
	}
	s.log.Debug("diag stopped")
}

func (s *Service) watchLoop(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return fmt.Errorf("event subscription closed")
			}
			s.handleEvent(e)
		}
	}
}

func (s *Service) handleEvent(e eventbus.Event) {
	switch e.Type {
	case "run.completed", "run.failed":
	default:
		return
	}
	ev, ok := e.Data.(run.RunEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	enabled := s.cfg.Enabled
	s.mu.Unlock()
	if !enabled {
		return
	}
	reason, ok := s.throttleReason(ev)
	if !ok {
		return
	}
	s.maybeProbe(reason)
}

// throttleReason reports the first throttling signature a finished run
// shows: a failure ratio at or above the threshold, or any interval whose
// delay sits at the limiter ceiling.
func (s *Service) throttleReason(ev run.RunEvent) (string, bool) {
	s.mu.Lock()
	threshold := s.cfg.FailureRatio
	s.mu.Unlock()

	if ev.Attempted > 0 {
		if ratio := float64(ev.Failures) / float64(ev.Attempted); ratio >= threshold {
			return fmt.Sprintf("%d of %d fetches failed", ev.Failures, ev.Attempted), true
		}
	}
	if s.limiter != nil {
		ceiling := s.limiter.Config().MaxDelay
		for class, state := range s.limiter.Snapshot() {
			if state.CurrentDelay >= ceiling {
				return fmt.Sprintf("delay pinned at %s for %s", ceiling, class), true
			}
		}
	}
	return "", false
}

func (s *Service) maybeProbe(reason string) {
	s.mu.Lock()
	sup := s.sup
	cool := s.cfg.ProbeCooldown
	since := time.Since(s.lastProbe)
	s.mu.Unlock()

	if sup == nil {
		return
	}
	if since < cool {
		s.log.Debug("probe suppressed by cooldown",
			logx.String("reason", reason),
			logx.Duration("since_last", since),
		)
		return
	}
	if !s.probing.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.lastProbe = time.Now()
	s.mu.Unlock()

	sup.Go0("probe", func(ctx context.Context) {
		defer s.probing.Store(false)
		s.runProbe(ctx, reason)
	})
}

func (s *Service) runProbe(ctx context.Context, reason string) {
	s.log.Info("bandwidth probe started", logx.String("reason", reason))

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	res, err := s.prober.Probe(pctx)
	cancel()

	if err != nil && ctx.Err() != nil {
		// Shutting down; a canceled probe is not a finding.
		return
	}

	ev := ProbeEvent{Reason: reason, Time: time.Now()}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("bandwidth probe failed", logx.String("reason", reason), logx.Err(err))
	} else {
		ev.DownloadMbps = res.DownloadMbps
		ev.UploadMbps = res.UploadMbps
		ev.PingMs = res.PingMs
		ev.ISP = res.ISP
		ev.Server = res.ServerName
		ev.Duration = res.Duration
		s.log.Info("bandwidth probe completed",
			logx.Float64("down_mbps", res.DownloadMbps),
			logx.Float64("up_mbps", res.UploadMbps),
			logx.Float64("ping_ms", res.PingMs),
			logx.Duration("took", res.Duration),
		)
	}
	s.bus.Publish(eventbus.Event{Type: "diag.probe", Time: ev.Time, Data: ev})
}
