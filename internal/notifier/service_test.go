package notifier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickerd/internal/eventbus"
	"tickerd/internal/run"
	"tickerd/internal/storage"
	"tickerd/internal/transport"
	logx "tickerd/pkg/logx"
)

type sentMsg struct {
	to   transport.ChatTarget
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMsg
	fails int

	calls   atomic.Int32
	block   chan struct{} // non-nil: SendText waits for close
	entered chan struct{}
	gotCh   chan sentMsg
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.calls.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return transport.MessageRef{}, errors.New("telegram: 502 bad gateway")
	}
	m := sentMsg{to: to, text: text}
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	if f.gotCh != nil {
		select {
		case f.gotCh <- m:
		case <-time.After(time.Second):
		}
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.text)
	}
	return out
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     16,
		RatePerSec:    100,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func note(text string, prio int) transport.Notification {
	return transport.Notification{
		Channel:  "telegram",
		Priority: prio,
		Target:   transport.ChatTarget{ChatID: 42},
		Text:     text,
	}
}

func waitSent(t *testing.T, ch <-chan sentMsg) sentMsg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a send")
		return sentMsg{}
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestNotifyDisabled(t *testing.T) {
	fs := &fakeSender{}
	s := New(Config{Enabled: false}, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("x", 0)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyBeforeStart(t *testing.T) {
	s := New(testConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), note("x", 0)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestNotifyAfterStop(t *testing.T) {
	s := New(testConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), note("late", 0)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestPipelineSendsWithPriorityPrefix(t *testing.T) {
	fs := &fakeSender{gotCh: make(chan sentMsg, 4)}
	s := New(testConfig(), fs, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("store down", 9)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	m := waitSent(t, fs.gotCh)
	if m.to.ChatID != 42 {
		t.Errorf("chat = %d, want 42", m.to.ChatID)
	}
	if m.text != "\U0001F6A8 store down" {
		t.Errorf("text = %q, want rotating-light prefix", m.text)
	}

	if err := s.Notify(context.Background(), note("routine note", 0)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if m := waitSent(t, fs.gotCh); m.text != "routine note" {
		t.Errorf("text = %q, want no prefix", m.text)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(32)
	defer unsub()

	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	fs := &fakeSender{}
	s := New(cfg, fs, logx.Nop(), bus, nil)
	s.Start(context.Background())

	n := note("same alert", 7)
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("second notify: %v", err)
	}
	if err := s.Notify(context.Background(), note("different alert", 7)); err != nil {
		t.Fatalf("third notify: %v", err)
	}
	s.Stop(context.Background())

	if got := fs.texts(); len(got) != 2 {
		t.Fatalf("sent %d messages %q, want 2", len(got), got)
	}
	waitEvent(t, sub, "notifier.deduped")
}

func TestDedupCacheBounded(t *testing.T) {
	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	cfg.DedupMaxEntries = 2
	fs := &fakeSender{}
	s := New(cfg, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for _, txt := range []string{"a", "b", "c", "d"} {
		if err := s.Notify(context.Background(), note(txt, 0)); err != nil {
			t.Fatalf("notify %s: %v", txt, err)
		}
	}
	s.Stop(context.Background())

	s.dmu.Lock()
	n := len(s.dedup)
	s.dmu.Unlock()
	if n > 2 {
		t.Fatalf("dedup cache holds %d entries, want <= 2", n)
	}
	if got := fs.texts(); len(got) != 4 {
		t.Fatalf("sent %d, want 4 (eviction caps memory, not delivery)", len(got))
	}
}

func TestRetryThenSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMax = 3
	fs := &fakeSender{fails: 2, gotCh: make(chan sentMsg, 1)}
	s := New(cfg, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("flaky path", 5)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	m := waitSent(t, fs.gotCh)
	if !strings.HasSuffix(m.text, "flaky path") {
		t.Errorf("text = %q", m.text)
	}
	if got := fs.calls.Load(); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}
}

func TestRetryGivesUpAndPublishesFailure(t *testing.T) {
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(32)
	defer unsub()

	cfg := testConfig()
	cfg.RetryMax = 1
	fs := &fakeSender{fails: 99}
	s := New(cfg, fs, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), note("never delivered", 9)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	e := waitEvent(t, sub, "notifier.failed")
	ev, ok := e.Data.(NotificationEvent)
	if !ok {
		t.Fatalf("payload = %T, want NotificationEvent", e.Data)
	}
	if ev.Error == "" || ev.ChatID != 42 {
		t.Errorf("event = %+v, want error text and chat 42", ev)
	}
	if got := fs.calls.Load(); got != 2 {
		t.Errorf("send attempts = %d, want 2", got)
	}
}

func TestQueueFullDropsNewest(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	fs := &fakeSender{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 4),
	}
	s := New(cfg, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), note("first", 0)); err != nil {
		t.Fatalf("first: %v", err)
	}
	select {
	case <-fs.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never picked up the first alert")
	}
	if err := s.Notify(context.Background(), note("second", 0)); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := s.Notify(context.Background(), note("third", 0)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third err = %v, want ErrQueueFull", err)
	}

	close(fs.block)
	s.Stop(context.Background())
	if got := fs.texts(); len(got) != 2 {
		t.Fatalf("sent %q, want first and second only", got)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), note(fmt.Sprintf("alert %d", i), 0)); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	s.Stop(context.Background())
	if got := fs.texts(); len(got) != 5 {
		t.Fatalf("sent %d alerts %q, want all 5 drained", len(got), got)
	}
}

func TestStopForceCancelsOnDeadline(t *testing.T) {
	fs := &fakeSender{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := New(testConfig(), fs, logx.Nop(), nil, nil)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), note("stuck", 0)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case <-fs.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never started sending")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	s.Stop(ctx)
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Stop took %s despite the deadline", took)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.db")
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}
		return st
	}

	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true

	st1 := open()
	fs1 := &fakeSender{}
	s1 := New(cfg, fs1, logx.Nop(), nil, st1)
	s1.Start(context.Background())
	if err := s1.Notify(context.Background(), note("provider quota exhausted", 9)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	s1.Stop(context.Background())
	if err := st1.Close(); err != nil {
		t.Fatalf("close storage: %v", err)
	}
	if len(fs1.texts()) != 1 {
		t.Fatalf("first process sent %q, want 1", fs1.texts())
	}

	st2 := open()
	defer st2.Close()
	fs2 := &fakeSender{}
	s2 := New(cfg, fs2, logx.Nop(), nil, st2)
	s2.Start(context.Background())
	if err := s2.Notify(context.Background(), note("provider quota exhausted", 9)); err != nil {
		t.Fatalf("notify after restart: %v", err)
	}
	s2.Stop(context.Background())
	if got := fs2.texts(); len(got) != 0 {
		t.Fatalf("restarted process sent %q, want dedup suppression", got)
	}
}

func TestWatcherBridgesSchedulerEvents(t *testing.T) {
	bus := eventbus.New()
	cfg := testConfig()
	cfg.Targets = []transport.ChatTarget{{ChatID: 7}}
	fs := &fakeSender{gotCh: make(chan sentMsg, 4)}
	s := New(cfg, fs, logx.Nop(), bus, nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: "run.failed", Data: run.RunEvent{
		Strategy:  "resume",
		Attempted: 40,
		Successes: 37,
		Failures:  3,
		Error:     "meta put: disk full",
	}})
	m := waitSent(t, fs.gotCh)
	if m.to.ChatID != 7 {
		t.Errorf("chat = %d, want 7", m.to.ChatID)
	}
	if !strings.HasPrefix(m.text, "\U0001F6A8 ") || !strings.Contains(m.text, "disk full") {
		t.Errorf("text = %q, want critical run-failure alert", m.text)
	}

	// A clean run stays quiet; the cooldown right after must be the next send.
	bus.Publish(eventbus.Event{Type: "run.completed", Data: run.RunEvent{Attempted: 10, Successes: 10}})
	bus.Publish(eventbus.Event{Type: "entity.cooldown", Data: run.CooldownEvent{
		Entity:   "AAPL",
		Interval: "1m",
		Errors:   5,
		Until:    time.Now().Add(6 * time.Hour),
	}})
	m = waitSent(t, fs.gotCh)
	if !strings.HasPrefix(m.text, "⚠️ ") || !strings.Contains(m.text, "AAPL:1m") {
		t.Errorf("text = %q, want cooldown alert", m.text)
	}
}
