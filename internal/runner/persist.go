package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/store"
	"hermit.local/hermit/internal/types"
)

type persistRunner struct {
	inner     Runner
	store     store.Store
	sessionID int64
	event     types.InboundEvent
	logger    zerolog.Logger

	ctx           context.Context
	lastThoughtID int64
}

// WithPersist records the run in the store: the triggering user
// message, every chunk as a thought, tool call pairs, and the terminal
// promotion or interrupted marker. Single-use; build one per run.
func WithPersist(inner Runner, st store.Store, sessionID int64, event types.InboundEvent, logger zerolog.Logger) Runner {
	return &persistRunner{
		inner:     inner,
		store:     st,
		sessionID: sessionID,
		event:     event,
		logger:    logger,
	}
}

func (p *persistRunner) Run(ctx context.Context, req agent.Request) error {
	p.ctx = ctx

	_, err := p.store.InsertMessage(ctx, store.MessageRecord{
		SessionID: p.sessionID,
		Type:      store.MessageUser,
		Content: store.EncodeContent(store.TextContent{
			Text:        p.event.Text,
			Author:      p.event.Author,
			Attachments: p.event.Attachments,
		}),
	})
	if err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wrapped := req
	wrapped.Handlers = p.wrapHandlers(req.Handlers)

	runErr := p.inner.Run(ctx, wrapped)
	switch {
	case runErr == nil:
		p.promoteLastThought(ctx)
	case errors.Is(runErr, context.Canceled):
		p.insertInterruptedMarker(ctx)
	}
	return runErr
}

func (p *persistRunner) wrapHandlers(next agent.Handlers) agent.Handlers {
	wrapped := next
	wrapped.AssistantChunk = func(text string) {
		p.insertThought(text)
		next.EmitAssistantChunk(text)
	}
	wrapped.ToolStart = func(start agent.ToolStart) {
		p.insert(store.MessageToolStart, store.EncodeContent(store.ToolStartContent{
			Name:   start.Name,
			CallID: start.CallID,
			Args:   start.Args,
		}))
		next.EmitToolStart(start)
	}
	wrapped.ToolEnd = func(end agent.ToolEnd) {
		p.insert(store.MessageToolEnd, store.EncodeContent(store.ToolEndContent{
			CallID: end.CallID,
			Result: end.Result,
			OK:     end.OK,
		}))
		next.EmitToolEnd(end)
	}
	return wrapped
}

func (p *persistRunner) insertThought(text string) {
	msg, ok := p.insert(store.MessageThought, store.EncodeContent(store.TextContent{Text: text}))
	if ok {
		p.lastThoughtID = msg.ID
	}
}

// insert skips the write when the run is already cancelled; events
// racing the cancellation do not extend the record.
func (p *persistRunner) insert(msgType store.MessageType, content string) (store.MessageRecord, bool) {
	if p.ctx.Err() != nil {
		return store.MessageRecord{}, false
	}
	msg, err := p.store.InsertMessage(p.ctx, store.MessageRecord{
		SessionID: p.sessionID,
		Type:      msgType,
		Content:   content,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("type", string(msgType)).Msg("persist run message failed")
		return store.MessageRecord{}, false
	}
	return msg, true
}

func (p *persistRunner) promoteLastThought(ctx context.Context) {
	if p.lastThoughtID == 0 {
		p.logger.Debug().Int64("session_id", p.sessionID).Msg("run produced no thoughts to promote")
		return
	}
	if err := p.store.PromoteMessage(ctx, p.lastThoughtID); err != nil {
		p.logger.Error().Err(err).Int64("message_id", p.lastThoughtID).Msg("promote final thought failed")
	}
}

func (p *persistRunner) insertInterruptedMarker(ctx context.Context) {
	// The marker must land even though the run context is cancelled.
	detached := context.WithoutCancel(ctx)
	_, err := p.store.InsertMessage(detached, store.MessageRecord{
		SessionID: p.sessionID,
		Type:      store.MessageAssistant,
		Content:   store.EncodeContent(store.TextContent{Text: InterruptedMarker}),
	})
	if err != nil {
		p.logger.Error().Err(err).Int64("session_id", p.sessionID).Msg("persist interrupted marker failed")
	}
}
