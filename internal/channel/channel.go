// Package channel defines the contract between the dispatcher and the
// transports that carry conversations (Discord, webchat, future
// adapters). Adapters translate their wire format into InboundEvents
// and render run output back out through an OutputHandler.
package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"hermit.local/hermit/internal/types"
)

// Channel is one conversational transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	// Listen registers the callback invoked for every inbound event.
	// Must be called before Start.
	Listen(func(types.InboundEvent))
	// CreateHandler returns the output side for one event's target.
	CreateHandler(event types.InboundEvent) OutputHandler
}

// Prompter is implemented by channels that inject extra system prompt
// text (tone, formatting rules for the surface).
type Prompter interface {
	CustomPrompt() string
}

// OutputHandler renders one run's output to wherever the triggering
// event came from. Implementations must tolerate repeated StopTyping
// and EndMessage calls.
type OutputHandler interface {
	Relay(text string) error
	RelayEvent(event ToolEvent) error
	StartTyping()
	StopTyping()
	EndMessage()
}

// ToolEvent is a user-facing notification about a tool call. Start and
// end of one call share a CallID.
type ToolEvent struct {
	Name   string
	CallID string
	Done   bool
	OK     bool
	Detail string
}

// Registry holds the running channels by name so the dispatcher can
// resolve an event's channel back to an output side.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}
	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel already registered: %s", name)
	}
	r.channels[name] = ch
	return nil
}

func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[strings.TrimSpace(name)]
	return ch, ok
}

// All returns the registered channels sorted by name.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	channels := make([]Channel, 0, len(names))
	for _, name := range names {
		channels = append(channels, r.channels[name])
	}
	return channels
}
