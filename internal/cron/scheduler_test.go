package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hermit.local/hermit/internal/types"
)

func TestSchedulerFiresOncePerMinute(t *testing.T) {
	store := NewMemoryJobStore(mustJob(t, "every-minute", "* * * * *", "discord:chan-1", "tick"))
	sink := newRecordingSink()
	s := NewScheduler(store, sink)

	tick := &manualTicker{ch: make(chan time.Time, 8)}
	s.newTicker = func(time.Duration) ticker { return tick }

	var nowMu sync.Mutex
	now := time.Date(2026, time.February, 14, 12, 0, 5, 0, time.UTC)
	s.now = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	setNow := func(v time.Time) {
		nowMu.Lock()
		now = v
		nowMu.Unlock()
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	tick.ch <- time.Now()
	sink.waitForCount(t, 1, 2*time.Second)

	// Same minute, later second: deduped.
	setNow(time.Date(2026, time.February, 14, 12, 0, 30, 0, time.UTC))
	tick.ch <- time.Now()
	time.Sleep(50 * time.Millisecond)
	if got := sink.Count(); got != 1 {
		t.Fatalf("expected one fire in same minute, got %d", got)
	}

	setNow(time.Date(2026, time.February, 14, 12, 1, 0, 0, time.UTC))
	tick.ch <- time.Now()
	sink.waitForCount(t, 2, 2*time.Second)

	event := sink.Events()[0]
	if event.Channel != "discord" || event.Target != "chan-1" {
		t.Fatalf("unexpected routing: %+v", event)
	}
	if event.Author != types.SystemAuthor {
		t.Fatalf("author got=%q want=%q", event.Author, types.SystemAuthor)
	}
	if event.Text != "tick" {
		t.Fatalf("text got=%q want=%q", event.Text, "tick")
	}
	if event.ReceivedAt.IsZero() {
		t.Fatal("received_at not set")
	}
}

func TestSchedulerSkipsDisabledJobs(t *testing.T) {
	job := mustJob(t, "paused", "* * * * *", "discord:chan-1", "tick")
	job.Disabled = true
	store := NewMemoryJobStore(job)
	sink := newRecordingSink()
	s := NewScheduler(store, sink)

	tick := &manualTicker{ch: make(chan time.Time, 2)}
	s.newTicker = func(time.Duration) ticker { return tick }
	s.now = func() time.Time {
		return time.Date(2026, time.February, 14, 12, 0, 0, 0, time.UTC)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	tick.ch <- time.Now()
	time.Sleep(100 * time.Millisecond)
	if got := sink.Count(); got != 0 {
		t.Fatalf("expected no fires for disabled job, got %d", got)
	}
}

func TestSchedulerOneTimeJobFiresExactlyOnce(t *testing.T) {
	store := NewMemoryJobStore(mustJob(t, "reminder", "2026-02-14T12:30:00Z", "webchat:ops", "deploy now"))
	sink := newRecordingSink()
	s := NewScheduler(store, sink)

	tick := &manualTicker{ch: make(chan time.Time, 8)}
	s.newTicker = func(time.Duration) ticker { return tick }

	var nowMu sync.Mutex
	now := time.Date(2026, time.February, 14, 12, 29, 50, 0, time.UTC)
	s.now = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	setNow := func(v time.Time) {
		nowMu.Lock()
		now = v
		nowMu.Unlock()
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	tick.ch <- time.Now()
	time.Sleep(50 * time.Millisecond)
	if got := sink.Count(); got != 0 {
		t.Fatalf("fired before its time, got %d events", got)
	}

	setNow(time.Date(2026, time.February, 14, 12, 30, 5, 0, time.UTC))
	tick.ch <- time.Now()
	sink.waitForCount(t, 1, 2*time.Second)

	// Spent jobs leave the store so a restart cannot replay them.
	waitFor(t, 2*time.Second, func() bool {
		jobs, err := store.Load(context.Background())
		return err == nil && len(jobs) == 0
	})

	setNow(time.Date(2026, time.February, 14, 12, 30, 6, 0, time.UTC))
	tick.ch <- time.Now()
	time.Sleep(50 * time.Millisecond)
	if got := sink.Count(); got != 1 {
		t.Fatalf("expected exactly one fire, got %d", got)
	}
}

func TestSchedulerSkipsPastDueOneTimeJobOnLoad(t *testing.T) {
	store := NewMemoryJobStore(mustJob(t, "stale", "2026-02-14T11:00:00Z", "webchat:ops", "too late"))
	sink := newRecordingSink()
	s := NewScheduler(store, sink)

	tick := &manualTicker{ch: make(chan time.Time, 2)}
	s.newTicker = func(time.Duration) ticker { return tick }
	s.now = func() time.Time {
		return time.Date(2026, time.February, 14, 12, 0, 0, 0, time.UTC)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	tick.ch <- time.Now()
	time.Sleep(100 * time.Millisecond)
	if got := sink.Count(); got != 0 {
		t.Fatalf("past-due job fired, got %d events", got)
	}

	// Skipped, not deleted: the definition stays for the operator.
	jobs, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected job kept in store, got %d", len(jobs))
	}
}

func TestSchedulerReloadSwapsJobSet(t *testing.T) {
	store := NewMemoryJobStore(mustJob(t, "every-minute", "* * * * *", "discord:chan-1", "tick"))
	sink := newRecordingSink()
	s := NewScheduler(store, sink)

	tick := &manualTicker{ch: make(chan time.Time, 8)}
	s.newTicker = func(time.Duration) ticker { return tick }

	var nowMu sync.Mutex
	now := time.Date(2026, time.February, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	setNow := func(v time.Time) {
		nowMu.Lock()
		now = v
		nowMu.Unlock()
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	tick.ch <- time.Now()
	sink.waitForCount(t, 1, 2*time.Second)

	if err := store.Remove(context.Background(), "every-minute"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	setNow(time.Date(2026, time.February, 14, 12, 1, 0, 0, time.UTC))
	tick.ch <- time.Now()
	time.Sleep(50 * time.Millisecond)
	if got := sink.Count(); got != 1 {
		t.Fatalf("removed job still fired, got %d events", got)
	}
}

func TestSchedulerStartTwiceFails(t *testing.T) {
	s := NewScheduler(NewMemoryJobStore(), newRecordingSink())
	tick := &manualTicker{ch: make(chan time.Time)}
	s.newTicker = func(time.Duration) ticker { return tick }

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}
}

func TestSchedulerStartFailsWhenLoadFails(t *testing.T) {
	s := NewScheduler(failingJobStore{}, newRecordingSink())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	// A failed start leaves the scheduler stoppable and restartable.
	s.Stop()
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(NewMemoryJobStore(), newRecordingSink())
	s.Stop()
}

func TestSchedulerSurvivesPanickingSink(t *testing.T) {
	store := NewMemoryJobStore(mustJob(t, "every-minute", "* * * * *", "discord:chan-1", "tick"))
	sink := &panickingSink{fired: make(chan struct{}, 8)}
	s := NewScheduler(store, sink)

	tick := &manualTicker{ch: make(chan time.Time, 8)}
	s.newTicker = func(time.Duration) ticker { return tick }
	s.now = func() time.Time {
		return time.Date(2026, time.February, 14, 12, 0, 0, 0, time.UTC)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tick.ch <- time.Now()
	select {
	case <-sink.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never invoked")
	}

	// The tick loop must still be alive to honor Stop.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after sink panic")
	}
}

type manualTicker struct {
	ch chan time.Time
}

func (t *manualTicker) Chan() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {}

type recordingSink struct {
	mu     sync.Mutex
	events []types.InboundEvent
	notify chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 32)}
}

func (s *recordingSink) HandleInbound(event types.InboundEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSink) Events() []types.InboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.InboundEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) waitForCount(t *testing.T, want int, timeout time.Duration) {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if s.Count() >= want {
			return
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d events, got %d", want, s.Count())
		}
	}
}

type panickingSink struct {
	fired chan struct{}
}

func (s *panickingSink) HandleInbound(types.InboundEvent) {
	select {
	case s.fired <- struct{}{}:
	default:
	}
	panic("sink exploded")
}

type failingJobStore struct{}

func (failingJobStore) Load(context.Context) ([]Job, error) {
	return nil, errors.New("boom")
}

func (failingJobStore) Remove(context.Context, string) error {
	return errors.New("boom")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
