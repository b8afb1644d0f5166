// Package runner composes the per-run decorator pipeline around an
// agent backend. The dispatcher builds the chain fresh for every run,
// outermost to innermost: typing, relay, persist, trace, backend.
// Each decorator wraps the request's handlers, so normalized events
// flow trace first, then persist, then relay.
package runner

import (
	"context"

	"hermit.local/hermit/internal/agent"
)

// InterruptedMarker is appended as a session's last word when a newer
// message cancels the run mid-flight.
const InterruptedMarker = "[interrupted by a newer message]"

const errorPrefix = "⚠ "

// Runner executes one prompt. agent.Backend satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) error
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, req agent.Request) error

func (f Func) Run(ctx context.Context, req agent.Request) error {
	return f(ctx, req)
}
