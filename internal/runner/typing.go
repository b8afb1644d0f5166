package runner

import (
	"context"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/channel"
)

type typingRunner struct {
	inner   Runner
	handler channel.OutputHandler
}

// WithTyping arms the channel's working indicator for the duration of
// the run. The indicator stops on every exit path.
func WithTyping(inner Runner, handler channel.OutputHandler) Runner {
	return &typingRunner{inner: inner, handler: handler}
}

func (t *typingRunner) Run(ctx context.Context, req agent.Request) error {
	t.handler.StartTyping()
	defer t.handler.StopTyping()
	return t.inner.Run(ctx, req)
}
