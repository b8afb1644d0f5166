package runner

import (
	"context"
	"encoding/json"
	"time"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/runlog"
)

// TraceMeta identifies the run in its log header.
type TraceMeta struct {
	RunID      string
	SessionKey string
	Channel    string
	Model      string
	Backend    string
}

type traceRunner struct {
	inner Runner
	log   *runlog.Log
	meta  TraceMeta
	now   func() time.Time

	chunkCount int
	toolCalls  int
	errorText  string
}

// WithTrace records every raw and normalized event of the run to an
// append-only log, framed by a header and an outcome footer.
// Single-use; build one per run.
func WithTrace(inner Runner, log *runlog.Log, meta TraceMeta) Runner {
	return &traceRunner{inner: inner, log: log, meta: meta, now: time.Now}
}

func (t *traceRunner) Run(ctx context.Context, req agent.Request) error {
	started := t.now()
	_ = t.log.Appendf("=== run %s ===", t.meta.RunID)
	_ = t.log.Appendf("session: %s", t.meta.SessionKey)
	_ = t.log.Appendf("channel: %s", t.meta.Channel)
	_ = t.log.Appendf("model: %s", t.meta.Model)
	_ = t.log.Appendf("backend: %s", t.meta.Backend)
	_ = t.log.Appendf("started: %s", started.UTC().Format(time.RFC3339))
	_ = t.log.Append("")

	wrapped := req
	wrapped.Handlers = t.wrapHandlers(req.Handlers)

	err := t.inner.Run(ctx, wrapped)

	success := err == nil
	errText := t.errorText
	if err != nil && errText == "" {
		errText = err.Error()
	}
	_ = t.log.Append("")
	_ = t.log.Appendf("duration: %s", t.now().Sub(started).Round(time.Millisecond))
	_ = t.log.Appendf("messages: %d", t.chunkCount)
	_ = t.log.Appendf("tool_calls: %d", t.toolCalls)
	_ = t.log.Appendf("success: %t", success)
	if errText != "" {
		_ = t.log.Appendf("error: %s", errText)
	}
	return err
}

func (t *traceRunner) wrapHandlers(next agent.Handlers) agent.Handlers {
	wrapped := next
	wrapped.AssistantChunk = func(text string) {
		t.chunkCount++
		_ = t.log.Appendf("assistant_chunk: %s", text)
		next.EmitAssistantChunk(text)
	}
	wrapped.ToolStart = func(start agent.ToolStart) {
		t.toolCalls++
		_ = t.log.Appendf("tool_start: %s id=%s args=%s", start.Name, start.CallID, start.Args)
		next.EmitToolStart(start)
	}
	wrapped.ToolEnd = func(end agent.ToolEnd) {
		_ = t.log.Appendf("tool_end: id=%s ok=%t result=%s", end.CallID, end.OK, end.Result)
		next.EmitToolEnd(end)
	}
	wrapped.Error = func(message string) {
		t.errorText = message
		_ = t.log.Appendf("error: %s", message)
		next.EmitError(message)
	}
	wrapped.Raw = func(raw json.RawMessage) {
		_ = t.log.Appendf("raw: %s", string(raw))
		next.EmitRaw(raw)
	}
	return wrapped
}
