// Package dispatch is the core loop: inbound events are queued per
// session, drained one at a time, and each drained event becomes one
// pipeline run against the configured backend. Arrival of a newer
// message aborts the session's in-flight run before queueing.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/channel"
	"hermit.local/hermit/internal/ids"
	"hermit.local/hermit/internal/memory"
	"hermit.local/hermit/internal/prompt"
	"hermit.local/hermit/internal/runlog"
	"hermit.local/hermit/internal/runner"
	"hermit.local/hermit/internal/session"
	"hermit.local/hermit/internal/skills"
	"hermit.local/hermit/internal/store"
	"hermit.local/hermit/internal/types"
)

const resetConfirmation = "Session reset. Starting fresh."

// Settings is the hot-reloadable slice of dispatcher behavior. The
// whole struct is swapped atomically by ApplySettings; treat field
// values as immutable once applied.
type Settings struct {
	// Instructions is the static head of every system prompt.
	Instructions string
	RelayMode    runner.RelayMode
	// RunlogDir receives one append-only record per run.
	RunlogDir string
	Context   prompt.Settings
	// SessionOverrides maps session keys to context overrides applied
	// once, when the session is first created.
	SessionOverrides map[string]prompt.SettingsOverride
}

// Deps are the collaborators a Dispatcher drives.
type Deps struct {
	Store     store.Store
	Sessions  *session.Registry
	Channels  *channel.Registry
	Backends  *agent.Registry
	Assembler *prompt.Assembler
	Compactor *memory.Compactor
	Skills    *skills.Registry
}

// Dispatcher is the only entry point collaborators call. Channels and
// the scheduler feed it events; everything else hangs off processing.
type Dispatcher struct {
	deps    Deps
	logger  zerolog.Logger
	tracer  trace.Tracer
	baseCtx context.Context

	mu       sync.RWMutex
	settings Settings
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithBaseContext sets the context runs inherit from; cancelling it
// aborts every in-flight run, which is how shutdown propagates.
func WithBaseContext(ctx context.Context) Option {
	return func(d *Dispatcher) {
		d.baseCtx = ctx
	}
}

func New(deps Deps, settings Settings, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		deps:     deps,
		settings: settings,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("hermit/dispatch"),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ApplySettings swaps the dispatcher settings. In-flight runs keep the
// settings they started with.
func (d *Dispatcher) ApplySettings(settings Settings) {
	d.mu.Lock()
	d.settings = settings
	d.mu.Unlock()
	d.logger.Info().Msg("dispatcher settings applied")
}

func (d *Dispatcher) currentSettings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// HandleInbound queues an event on its session and starts a drain
// goroutine when none is running. Never blocks the caller.
func (d *Dispatcher) HandleInbound(event types.InboundEvent) {
	if err := event.Validate(); err != nil {
		d.logger.Warn().Err(err).Msg("dropping invalid inbound event")
		return
	}

	key := event.SessionKey()
	d.logger.Debug().Str("session", key).Str("author", event.Author).Msg("inbound event")

	if d.deps.Sessions.EnqueueAndMaybeAbort(key, event) {
		go d.drain(key)
	}
}

// drain processes the session's queue until it is empty. Exactly one
// drain runs per session at a time; the registry hands the processing
// claim to whichever enqueue found none running.
func (d *Dispatcher) drain(key string) {
	for {
		event, ok := d.deps.Sessions.Dequeue(key)
		if !ok {
			return
		}
		d.safeProcess(event)
	}
}

// safeProcess shields the drain loop: a panic in one run is logged and
// the queue keeps moving.
func (d *Dispatcher) safeProcess(event types.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("session", event.SessionKey()).
				Msg("run panicked")
		}
	}()
	d.processMessage(event)
}

func (d *Dispatcher) processMessage(event types.InboundEvent) {
	key := event.SessionKey()
	runID := ids.New()
	logger := d.logger.With().Str("run_id", runID).Str("session", key).Logger()
	settings := d.currentSettings()

	ch, ok := d.deps.Channels.Get(event.Channel)
	if !ok {
		logger.Error().Str("channel", event.Channel).Msg("no channel registered for event")
		return
	}
	handler := ch.CreateHandler(event)

	if isResetCommand(event.Text) {
		d.resetSession(key, event, handler, logger)
		return
	}

	sess, err := d.resolveSession(event, settings, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve session")
		return
	}

	backend, err := d.deps.Backends.Default()
	if err != nil {
		logger.Error().Err(err).Msg("no backend available")
		if rerr := handler.Relay("⚠ no agent backend is configured"); rerr != nil {
			logger.Warn().Err(rerr).Msg("failed to relay backend error")
		}
		handler.EndMessage()
		return
	}

	// Context is read before the pipeline persists the inbound message,
	// so the current-session block never contains the message being
	// answered.
	assembled := d.assembleContext(sess, settings, logger)
	systemPrompt := buildSystemPrompt(settings.Instructions, backend, ch, assembled)
	model := backendModel(backend)

	if err := d.deps.Store.InsertTrace(d.baseCtx, store.TraceRecord{
		ID:           runID,
		SessionID:    sess.ID,
		TS:           time.Now().UTC(),
		UserMessage:  event.Text,
		SystemPrompt: systemPrompt,
		Model:        model,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to insert trace record")
	}

	runCtx, cancel := context.WithCancel(d.baseCtx)
	defer cancel()

	runCtx, span := d.tracer.Start(runCtx, "hermit.run", trace.WithAttributes(
		attribute.String("hermit.run_id", runID),
		attribute.String("hermit.session", key),
		attribute.String("hermit.channel", event.Channel),
		attribute.String("hermit.backend", backend.Name()),
	))
	defer span.End()

	if d.deps.Skills != nil {
		if err := d.deps.Skills.Refresh(runCtx); err != nil {
			logger.Warn().Err(err).Msg("tool discovery failed, continuing with known tools")
		}
	}

	pipeline := d.buildPipeline(backend, handler, sess.ID, event, runID, key, model, settings, logger)

	d.deps.Sessions.SetActive(key, cancel)
	defer d.deps.Sessions.ClearActive(key)

	started := time.Now()
	err = pipeline.Run(runCtx, agent.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPromptFor(event),
	})
	elapsed := time.Since(started)

	switch {
	case err == nil:
		logger.Debug().Dur("elapsed", elapsed).Msg("run completed")
	case errors.Is(err, context.Canceled):
		// Aborted by a newer message; terminal but not a failure.
		logger.Debug().Dur("elapsed", elapsed).Msg("run cancelled")
		span.SetAttributes(attribute.Bool("hermit.cancelled", true))
	default:
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("run failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
	}

	d.maybeCompact(logger)
}

// resolveSession loads or creates the session and applies any
// configured settings override on first contact.
func (d *Dispatcher) resolveSession(event types.InboundEvent, settings Settings, logger zerolog.Logger) (store.SessionRecord, error) {
	sess, created, err := d.deps.Store.GetOrCreateSession(d.baseCtx, event.Channel, event.Target)
	if err != nil {
		return store.SessionRecord{}, err
	}

	if created {
		logger.Info().Int64("session_id", sess.ID).Msg("session created")
		if override, ok := settings.SessionOverrides[sess.Key()]; ok {
			raw, err := json.Marshal(override)
			if err == nil {
				if uerr := d.deps.Store.UpdateSessionSettings(d.baseCtx, sess.ID, string(raw)); uerr != nil {
					logger.Warn().Err(uerr).Msg("failed to store session settings override")
				} else {
					sess.Settings = string(raw)
				}
			}
		}
	}

	if err := d.deps.Store.TouchSession(d.baseCtx, sess.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to touch session")
	}
	return sess, nil
}

// assembleContext builds the three context blocks. Assembly failure
// degrades to an empty context rather than dropping the message.
func (d *Dispatcher) assembleContext(sess store.SessionRecord, settings Settings, logger zerolog.Logger) prompt.Context {
	ctxSettings := settings.Context
	if sess.Settings != "" {
		var override prompt.SettingsOverride
		if err := json.Unmarshal([]byte(sess.Settings), &override); err != nil {
			logger.Warn().Err(err).Msg("malformed session settings, using defaults")
		} else {
			ctxSettings = ctxSettings.Apply(override)
		}
	}

	assembled, err := d.deps.Assembler.Assemble(d.baseCtx, sess.ID, ctxSettings)
	if err != nil {
		logger.Error().Err(err).Msg("context assembly failed, running without context")
		return prompt.Context{}
	}
	return assembled
}

func (d *Dispatcher) buildPipeline(backend agent.Backend, handler channel.OutputHandler, sessionID int64, event types.InboundEvent, runID, key, model string, settings Settings, logger zerolog.Logger) runner.Runner {
	var pipeline runner.Runner = backend

	if settings.RunlogDir != "" {
		name := fmt.Sprintf("%d-%s", time.Now().Unix(), runID)
		rlog, err := runlog.Open(settings.RunlogDir, name)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to open run log, tracing disabled for this run")
		} else {
			pipeline = runner.WithTrace(pipeline, rlog, runner.TraceMeta{
				RunID:      runID,
				SessionKey: key,
				Channel:    event.Channel,
				Model:      model,
				Backend:    backend.Name(),
			})
		}
	}

	pipeline = runner.WithPersist(pipeline, d.deps.Store, sessionID, event, logger)
	pipeline = runner.WithRelay(pipeline, handler, settings.RelayMode, logger)
	pipeline = runner.WithTyping(pipeline, handler)
	return pipeline
}

// resetSession archives the session's history after folding it into
// long-term memory. The agent is never invoked for reset commands.
func (d *Dispatcher) resetSession(key string, event types.InboundEvent, handler channel.OutputHandler, logger zerolog.Logger) {
	sess, _, err := d.deps.Store.GetOrCreateSession(d.baseCtx, event.Channel, event.Target)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve session for reset")
		return
	}

	logger.Info().Int64("session_id", sess.ID).Msg("resetting session")

	// Compaction failure is tolerable: archived messages stay in the
	// uncompacted set, so the next global pass still absorbs them.
	if err := d.deps.Compactor.CompactSession(d.baseCtx, sess.ID); err != nil {
		logger.Warn().Err(err).Msg("pre-reset compaction failed")
	}

	if err := d.deps.Store.ArchiveSession(d.baseCtx, sess.ID); err != nil {
		logger.Error().Err(err).Msg("failed to archive session")
		if rerr := handler.Relay("⚠ reset failed, session left untouched"); rerr != nil {
			logger.Warn().Err(rerr).Msg("failed to relay reset error")
		}
		handler.EndMessage()
		return
	}

	if err := handler.Relay(resetConfirmation); err != nil {
		logger.Warn().Err(err).Msg("failed to relay reset confirmation")
	}
	handler.EndMessage()
}

// maybeCompact kicks a background compaction when the threshold trips.
// The compactor's own lock collapses concurrent attempts.
func (d *Dispatcher) maybeCompact(logger zerolog.Logger) {
	if !d.deps.Compactor.ShouldCompact(d.baseCtx) {
		return
	}
	logger.Debug().Msg("compaction threshold reached")
	go func() {
		if err := d.deps.Compactor.Compact(context.WithoutCancel(d.baseCtx)); err != nil {
			d.logger.Error().Err(err).Msg("compaction failed")
		}
	}()
}

func isResetCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/new", "/reset":
		return true
	}
	return false
}

// buildSystemPrompt concatenates the static instructions, backend and
// channel contributions, and the formatted context blocks.
func buildSystemPrompt(instructions string, backend agent.Backend, ch channel.Channel, assembled prompt.Context) string {
	parts := make([]string, 0, 4)
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		parts = append(parts, instructions)
	}
	if instructor, ok := backend.(agent.Instructor); ok {
		if custom := strings.TrimSpace(instructor.CustomInstructions()); custom != "" {
			parts = append(parts, custom)
		}
	}
	if prompter, ok := ch.(channel.Prompter); ok {
		if custom := strings.TrimSpace(prompter.CustomPrompt()); custom != "" {
			parts = append(parts, custom)
		}
	}
	if block := prompt.FormatForPrompt(assembled); block != "" {
		parts = append(parts, block)
	}
	return strings.Join(parts, "\n\n")
}

// userPromptFor renders the event text plus attachment references.
func userPromptFor(event types.InboundEvent) string {
	if len(event.Attachments) == 0 {
		return event.Text
	}
	var b strings.Builder
	b.WriteString(event.Text)
	for _, att := range event.Attachments {
		b.WriteString("\n[attachment: ")
		if att.Name != "" {
			b.WriteString(att.Name)
			b.WriteString(" ")
		}
		b.WriteString(att.URL)
		b.WriteString("]")
	}
	return b.String()
}

func backendModel(backend agent.Backend) string {
	if modeler, ok := backend.(agent.Modeler); ok {
		if model := modeler.Model(); model != "" {
			return model
		}
	}
	return backend.Name()
}
