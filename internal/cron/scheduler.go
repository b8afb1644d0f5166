package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/types"
)

// Sink receives the synthetic events fired jobs produce.
type Sink interface {
	HandleInbound(event types.InboundEvent)
}

// Scheduler ticks once a second and fires jobs whose schedule is due.
// Recurring jobs fire at most once per wall-clock minute; one-time
// jobs are removed from the live set under the lock before firing, so
// they fire exactly once per process.
type Scheduler struct {
	store  JobStore
	sink   Sink
	logger zerolog.Logger

	now       func() time.Time
	newTicker func(d time.Duration) ticker

	mu       sync.Mutex
	jobs     map[string]Job
	lastFire map[string]time.Time
	started  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func NewScheduler(store JobStore, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		sink:     sink,
		logger:   zerolog.Nop(),
		now:      time.Now,
		jobs:     make(map[string]Job),
		lastFire: make(map[string]time.Time),
		newTicker: func(d time.Duration) ticker {
			return realTicker{time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the job set and begins ticking. It fails if the initial
// load fails or the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	go s.run()
	return nil
}

// Stop halts the tick loop and waits for it to exit. Safe to call when
// never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Reload replaces the live job set from the store. Past-due one-time
// jobs are dropped with a warning; that also keeps a job from firing
// twice when a crash landed between firing and store removal.
func (s *Scheduler) Reload(ctx context.Context) error {
	jobs, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	cutoff := s.now().Truncate(time.Minute)
	next := make(map[string]Job, len(jobs))
	for _, job := range jobs {
		if job.Schedule.OneTime() && job.Schedule.At().Before(cutoff) {
			s.logger.Warn().
				Str("job", job.Name).
				Time("at", job.Schedule.At()).
				Msg("skipping past-due one-time job")
			continue
		}
		next[job.Name] = job
	}

	s.mu.Lock()
	s.jobs = next
	for name := range s.lastFire {
		if _, ok := next[name]; !ok {
			delete(s.lastFire, name)
		}
	}
	s.mu.Unlock()

	s.logger.Info().Int("jobs", len(next)).Msg("job schedule loaded")
	return nil
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	t := s.newTicker(time.Second)
	defer t.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-t.Chan():
			s.evaluate(s.now())
		}
	}
}

// evaluate collects due jobs under the lock and fires them outside it,
// so a slow dispatch never blocks Reload or Stop.
func (s *Scheduler) evaluate(now time.Time) {
	minute := now.Truncate(time.Minute)

	var due []Job
	var spent []string

	s.mu.Lock()
	for name, job := range s.jobs {
		if job.Disabled || !job.Schedule.Due(now) {
			continue
		}
		if job.Schedule.OneTime() {
			delete(s.jobs, name)
			due = append(due, job)
			spent = append(spent, name)
			continue
		}
		if s.lastFire[name].Equal(minute) {
			continue
		}
		s.lastFire[name] = minute
		due = append(due, job)
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(job)
	}
	for _, name := range spent {
		if err := s.store.Remove(context.Background(), name); err != nil && !errors.Is(err, ErrJobNotFound) {
			s.logger.Error().Err(err).Str("job", name).Msg("failed to remove spent one-time job")
		}
	}
}

func (s *Scheduler) fire(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("job", job.Name).
				Msg("job dispatch panicked")
		}
	}()

	channel, target, err := types.SplitSessionKey(job.Session)
	if err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Msg("job has invalid session key")
		return
	}

	s.logger.Info().
		Str("job", job.Name).
		Str("session", job.Session).
		Msg("firing scheduled job")

	s.sink.HandleInbound(types.InboundEvent{
		Channel:    channel,
		Target:     target,
		Author:     types.SystemAuthor,
		Text:       job.Prompt,
		ReceivedAt: s.now(),
	})
}

type ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	*time.Ticker
}

func (t realTicker) Chan() <-chan time.Time {
	return t.Ticker.C
}
