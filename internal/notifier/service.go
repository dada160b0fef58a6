package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tickerd/internal/eventbus"
	rtsup "tickerd/internal/runtime/supervisor"
	"tickerd/internal/storage"
	"tickerd/internal/transport"
	logx "tickerd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	n transport.Notification
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service implements the async alert pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue       chan job
	stopWatch   chan struct{} // closed on Stop so the event watcher exits first
	unsubEvents func()
	sup         *rtsup.Supervisor
	stopDone    chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Optional persistent dedup writes (best-effort).
	persistCh chan dedupWrite
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps config in place. Worker and queue sizing only take effect on
// the next Start; rate limit, retry and dedup settings apply immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start brings up the workers and the event watcher. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.stopWatch = make(chan struct{})
	s.accepting = true
	workers := s.cfg.Workers

	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}

	// Subscribe before the watcher goroutine exists so a run started right
	// after Start cannot slip past it.
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsubEvents = s.bus.Subscribe(64)
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Alerting is best-effort; its failures must not take down the scheduler.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	stopWatch := s.stopWatch
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	if events != nil {
		sup.GoRestart("events.watch", func(c context.Context) error {
			s.watchLoop(c, stopWatch, events)
			return s.exitStatus(c, "notifier watch loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitStatus(c, "notifier persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitStatus(c, "notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// exitStatus classifies a loop return: clean during shutdown, error otherwise
// so the supervisor restarts the loop.
func (s *Service) exitStatus(ctx context.Context, msg string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New(msg)
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	stopWatch := s.stopWatch
	pch := s.persistCh
	sup := s.sup
	unsubEvents := s.unsubEvents
	if q == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	// Block new notifies.
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Stop the watcher first so nothing feeds the queue, wait for
		// in-flight enqueues, then close the channels so the loops drain
		// everything already queued and exit.
		if stopWatch != nil {
			close(stopWatch)
		}
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		if unsubEvents != nil {
			unsubEvents()
		}

		s.mu.Lock()
		s.queue = nil
		s.stopWatch = nil
		s.persistCh = nil
		s.unsubEvents = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues one notification. It never blocks on the queue: a full
// queue returns ErrQueueFull and publishes "notifier.dropped".
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup
	st := s.store
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if dedupWindow > 0 && key != "" {
		if !s.dedupAllow(ctx, key, dedupWindow, dedupMax, persist, st, pch) {
			s.publish("notifier.deduped", n, key, nil)
			return nil
		}
	}

	s.publish("notifier.queued", n, key, nil)

	select {
	case q <- job{n: n, dedupKey: key}:
		return nil
	default:
		s.publish("notifier.dropped", n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, n transport.Notification, key string, sendErr error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Key:      key,
		At:       now,
	}
	if sendErr != nil {
		ev.Error = sendErr.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// watchLoop translates scheduler events into alerts for every target chat.
func (s *Service) watchLoop(ctx context.Context, stop <-chan struct{}, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(ctx, e)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, e eventbus.Event) {
	text, prio, ok := formatEvent(e)
	if !ok {
		return
	}
	s.mu.Lock()
	targets := s.cfg.Targets
	s.mu.Unlock()

	for _, t := range targets {
		n := transport.Notification{Channel: "telegram", Priority: prio, Target: t, Text: text}
		if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) && !errors.Is(err, ErrStopped) {
			s.log.Debug("alert enqueue failed", logx.String("event", e.Type), logx.Err(err))
		}
	}
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			raw, err := json.Marshal(w.until)
			if err != nil {
				continue
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.Put(cctx, storage.BucketNotify, w.key, raw)
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return
	}

	text := prefixForPriority(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := sender.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.publish("notifier.sent", j.n, j.dedupKey, nil)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if lastErr != nil {
		s.log.Warn("alert delivery gave up",
			logx.Int64("chat_id", j.n.Target.ChatID),
			logx.Int("attempts", maxAttempts),
			logx.Err(lastErr),
		)
		s.publish("notifier.failed", j.n, j.dedupKey, lastErr)
	}
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "\U0001F6A8 " // rotating light
	case p >= 7:
		return "⚠️ " // warning sign
	case p >= 5:
		return "ℹ️ " // information
	default:
		return ""
	}
}

func dedupKey(n transport.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Channel))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d:%d:%d|", n.Target.ChatID, n.Target.ThreadID, n.Priority)))
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	// 1) In-memory check.
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 50*time.Millisecond)
		raw, ok, err := st.Get(cctx, storage.BucketNotify, key)
		cancel()
		if err == nil && ok {
			var until time.Time
			if json.Unmarshal(raw, &until) == nil && now.Before(until) {
				s.dmu.Lock()
				s.dedup[key] = until
				s.dmu.Unlock()
				return false
			}
		}
	}

	// 3) Allow and open a new window.
	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until

	// Prune expired entries, then cap by evicting earliest expiries.
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, u := range s.dedup {
			if !set || u.Before(minT) {
				minKey, minT, set = k, u, true
			}
		}
		if !set {
			break
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	// 4) Persist the new suppress-until asynchronously (best-effort).
	if persist && st != nil && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt); the delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
