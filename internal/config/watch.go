package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultWatchInterval = 2 * time.Second
	defaultWatchDebounce = 500 * time.Millisecond
)

// Watcher polls the config file and invokes a callback once the file
// has stopped changing. Polling survives editors that replace the file
// rather than write it in place.
type Watcher struct {
	path     string
	onChange func()
	interval time.Duration
	debounce time.Duration
	logger   zerolog.Logger

	now       func() time.Time
	newTicker func(d time.Duration) ticker

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastSig   string
	dirty     bool
	pendingAt time.Time
}

type WatcherOption func(*Watcher)

func WithWatchLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

func NewWatcher(path string, onChange func(), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		onChange: onChange,
		interval: defaultWatchInterval,
		debounce: defaultWatchDebounce,
		logger:   zerolog.Nop(),
		now:      time.Now,
		newTicker: func(d time.Duration) ticker {
			return realTicker{time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("config watcher already started")
	}
	if w.path == "" {
		return fmt.Errorf("config watcher needs a file path")
	}

	if sig, err := statSignature(w.path); err == nil {
		w.lastSig = sig
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.started = true
	go w.run()
	w.logger.Debug().Str("path", w.path).Msg("watching config file")
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()
	<-w.doneCh
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	t := w.newTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.Chan():
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	sig, err := statSignature(w.path)
	if err != nil {
		// Stat can fail mid-rename while an editor replaces the file.
		w.logger.Debug().Err(err).Str("path", w.path).Msg("config stat failed")
		return
	}
	now := w.now()
	if sig != w.lastSig {
		w.lastSig = sig
		w.dirty = true
		w.pendingAt = now
		return
	}
	if w.dirty && now.Sub(w.pendingAt) >= w.debounce {
		w.dirty = false
		w.logger.Info().Str("path", w.path).Msg("config file changed, reloading")
		w.fire()
	}
}

func (w *Watcher) fire() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("config reload panicked")
		}
	}()
	w.onChange()
}

func statSignature(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d", info.ModTime().UnixNano(), info.Size()), nil
}

type ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	*time.Ticker
}

func (t realTicker) Chan() <-chan time.Time { return t.Ticker.C }
