package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// The poll tests drive w.poll directly with a huge tick interval so the
// background goroutine stays idle and the debounce math is exact.
func newPollWatcher(t *testing.T, path string, onChange func()) (*Watcher, func(time.Time)) {
	t.Helper()

	w := NewWatcher(path, onChange, WithWatchInterval(time.Hour))

	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	setNow := func(v time.Time) { now = v }

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, setNow
}

func touchConfig(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcherFiresOnceAfterBurstOfWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hermit.yaml")
	touchConfig(t, path, "relay_mode: stream\n")

	fires := 0
	w, setNow := newPollWatcher(t, path, func() { fires++ })
	base := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	w.poll()
	if fires != 0 {
		t.Fatalf("fired without a change, count=%d", fires)
	}

	touchConfig(t, path, "relay_mode: bundled\n")
	setNow(base.Add(1 * time.Second))
	w.poll()

	touchConfig(t, path, "relay_mode: bundled # tweaked\n")
	setNow(base.Add(2 * time.Second))
	w.poll()

	// Stable, but the quiet period has not elapsed yet.
	setNow(base.Add(2*time.Second + 400*time.Millisecond))
	w.poll()
	if fires != 0 {
		t.Fatalf("fired inside debounce window, count=%d", fires)
	}

	setNow(base.Add(2*time.Second + 500*time.Millisecond))
	w.poll()
	if fires != 1 {
		t.Fatalf("expected one fire for the burst, got %d", fires)
	}

	setNow(base.Add(10 * time.Second))
	w.poll()
	if fires != 1 {
		t.Fatalf("refired without a change, count=%d", fires)
	}
}

func TestWatcherToleratesVanishingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hermit.yaml")
	touchConfig(t, path, "relay_mode: stream\n")

	fires := 0
	w, setNow := newPollWatcher(t, path, func() { fires++ })
	base := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	// An editor may remove the file for a moment while replacing it.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	setNow(base.Add(1 * time.Second))
	w.poll()
	if fires != 0 {
		t.Fatalf("fired while file was gone, count=%d", fires)
	}

	touchConfig(t, path, "relay_mode: final\n")
	setNow(base.Add(2 * time.Second))
	w.poll()
	setNow(base.Add(2*time.Second + 500*time.Millisecond))
	w.poll()
	if fires != 1 {
		t.Fatalf("expected fire after file came back, got %d", fires)
	}
}

func TestWatcherSurvivesPanickingCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hermit.yaml")
	touchConfig(t, path, "relay_mode: stream\n")

	calls := 0
	w, setNow := newPollWatcher(t, path, func() {
		calls++
		panic("reload exploded")
	})
	base := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	touchConfig(t, path, "relay_mode: bundled\n")
	setNow(base.Add(1 * time.Second))
	w.poll()
	setNow(base.Add(1*time.Second + 500*time.Millisecond))
	w.poll()
	if calls != 1 {
		t.Fatalf("expected one callback, got %d", calls)
	}

	touchConfig(t, path, "relay_mode: final\n")
	setNow(base.Add(3 * time.Second))
	w.poll()
	setNow(base.Add(3*time.Second + 500*time.Millisecond))
	w.poll()
	if calls != 2 {
		t.Fatalf("watcher stopped after panic, calls=%d", calls)
	}
}

func TestWatcherLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hermit.yaml")
	touchConfig(t, path, "relay_mode: stream\n")

	fired := make(chan struct{}, 8)
	w := NewWatcher(path, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, WithWatchInterval(10*time.Millisecond), WithWatchDebounce(20*time.Millisecond))

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Fatal("expected second start to fail")
	}

	touchConfig(t, path, "relay_mode: bundled\nlog:\n  level: debug\n")
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never fired")
	}

	w.Stop()
	w.Stop()
}

func TestWatcherStartRequiresPath(t *testing.T) {
	w := NewWatcher("", func() {})
	if err := w.Start(); err == nil {
		t.Fatal("expected start to fail without a path")
	}
}
