package runner

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/channel"
)

// RelayMode picks how assistant chunks reach the channel.
type RelayMode string

const (
	// RelayStream flushes every chunk as it is produced.
	RelayStream RelayMode = "stream"
	// RelayBundled joins all chunks and relays once at run end.
	RelayBundled RelayMode = "bundled"
	// RelayFinal relays only the last chunk.
	RelayFinal RelayMode = "final"
)

// ParseRelayMode maps a settings string to a mode, defaulting to
// stream for anything unrecognized.
func ParseRelayMode(raw string) RelayMode {
	switch RelayMode(strings.TrimSpace(strings.ToLower(raw))) {
	case RelayBundled:
		return RelayBundled
	case RelayFinal:
		return RelayFinal
	default:
		return RelayStream
	}
}

type relayRunner struct {
	inner   Runner
	handler channel.OutputHandler
	mode    RelayMode
	logger  zerolog.Logger

	chunks       []string
	backendError string
}

// WithRelay forwards run output to the channel's output handler under
// the given delivery mode. A relay runner is single-use; build a new
// one per run.
func WithRelay(inner Runner, handler channel.OutputHandler, mode RelayMode, logger zerolog.Logger) Runner {
	return &relayRunner{inner: inner, handler: handler, mode: mode, logger: logger}
}

func (r *relayRunner) Run(ctx context.Context, req agent.Request) error {
	defer r.handler.EndMessage()

	wrapped := req
	wrapped.Handlers = r.wrapHandlers(req.Handlers)

	err := r.inner.Run(ctx, wrapped)
	switch {
	case err == nil:
		r.flushBuffered()
	case errors.Is(err, context.Canceled):
		// A newer message superseded this run. Whatever was already
		// generated still goes out, then the marker, never an error.
		r.flushBuffered()
		r.send(InterruptedMarker)
	default:
		message := strings.TrimSpace(r.backendError)
		if message == "" {
			message = err.Error()
		}
		r.send(errorPrefix + message)
	}
	return err
}

func (r *relayRunner) wrapHandlers(next agent.Handlers) agent.Handlers {
	wrapped := next
	wrapped.AssistantChunk = func(text string) {
		r.onChunk(text)
		next.EmitAssistantChunk(text)
	}
	wrapped.ToolStart = func(start agent.ToolStart) {
		r.relayEvent(channel.ToolEvent{
			Name:   start.Name,
			CallID: start.CallID,
			Detail: start.Args,
		})
		next.EmitToolStart(start)
	}
	wrapped.ToolEnd = func(end agent.ToolEnd) {
		r.relayEvent(channel.ToolEvent{
			CallID: end.CallID,
			Done:   true,
			OK:     end.OK,
			Detail: end.Result,
		})
		next.EmitToolEnd(end)
	}
	wrapped.Error = func(message string) {
		r.backendError = message
		next.EmitError(message)
	}
	return wrapped
}

func (r *relayRunner) onChunk(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	switch r.mode {
	case RelayStream:
		r.send(text)
		// Sending a message clears most platforms' typing indicator.
		r.handler.StartTyping()
	case RelayFinal:
		r.chunks = r.chunks[:0]
		r.chunks = append(r.chunks, text)
	default:
		r.chunks = append(r.chunks, text)
	}
}

// flushBuffered sends whatever the mode held back. Stream mode holds
// nothing.
func (r *relayRunner) flushBuffered() {
	if len(r.chunks) == 0 {
		return
	}
	r.send(strings.Join(r.chunks, "\n\n"))
	r.chunks = r.chunks[:0]
}

func (r *relayRunner) send(text string) {
	if err := r.handler.Relay(text); err != nil {
		r.logger.Warn().Err(err).Msg("relay failed")
	}
}

func (r *relayRunner) relayEvent(event channel.ToolEvent) {
	if err := r.handler.RelayEvent(event); err != nil {
		r.logger.Warn().Err(err).Str("tool", event.Name).Msg("relay tool event failed")
	}
}
