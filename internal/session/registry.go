// Package session tracks per-session run state: the active run's
// cancellation handle, the pending event queue, and whether a drain
// loop is processing the session. Sessions are independent; the
// registry never serializes across keys.
package session

import (
	"context"
	"sync"

	"hermit.local/hermit/internal/types"
)

type activeRun struct {
	cancel  context.CancelFunc
	aborted bool
}

// entry carries one session's state behind its own mutex, so activity
// on one session never contends with another.
type entry struct {
	mu         sync.Mutex
	active     *activeRun
	queue      []types.InboundEvent
	processing bool
}

// Registry is the single source of truth for "is session X running,
// and what's queued next". Safe for concurrent use. The registry
// mutex guards only the key map; entries are retained for the process
// lifetime so a looked-up entry can never go stale.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) get(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	return e
}

// EnqueueAndMaybeAbort cancels the session's active run (once), drops
// any queued events in favor of the newest one, and reports whether
// the caller must start a drain loop. A user who sends a correction
// supersedes their earlier unprocessed messages.
func (r *Registry) EnqueueAndMaybeAbort(key string, event types.InboundEvent) (startDrain bool) {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil && !e.active.aborted {
		e.active.aborted = true
		e.active.cancel()
	}

	e.queue = e.queue[:0]
	e.queue = append(e.queue, event)

	if e.processing {
		return false
	}
	// Claimed here, under the entry lock, so a concurrent arrival
	// cannot start a second drain.
	e.processing = true
	return true
}

// Dequeue pops the oldest pending event. When the queue is empty it
// clears the processing flag and reports false; the drain loop must
// exit and the next event will start a fresh one.
func (r *Registry) Dequeue(key string) (types.InboundEvent, bool) {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		e.processing = false
		return types.InboundEvent{}, false
	}

	event := e.queue[0]
	e.queue = e.queue[1:]
	return event, true
}

// SetActive registers the cancellation handle for the session's
// in-flight run.
func (r *Registry) SetActive(key string, cancel context.CancelFunc) {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active = &activeRun{cancel: cancel}
}

// ClearActive drops the active-run handle. Idempotent.
func (r *Registry) ClearActive(key string) {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active = nil
}

// IsProcessing reports whether a drain loop currently owns the session.
func (r *Registry) IsProcessing(key string) bool {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.processing
}

// Aborted reports whether the session's active run has been cancelled
// by a newer arrival.
func (r *Registry) Aborted(key string) bool {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.active != nil && e.active.aborted
}
