package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/channel"
	"hermit.local/hermit/internal/memory"
	"hermit.local/hermit/internal/prompt"
	"hermit.local/hermit/internal/runner"
	"hermit.local/hermit/internal/session"
	"hermit.local/hermit/internal/store"
	"hermit.local/hermit/internal/types"
)

type fakeBackend struct {
	name string
	run  func(ctx context.Context, req agent.Request) error

	mu       sync.Mutex
	requests []agent.Request
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Run(ctx context.Context, req agent.Request) error {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.run == nil {
		return nil
	}
	return b.run(ctx, req)
}

func (b *fakeBackend) Requests() []agent.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]agent.Request, len(b.requests))
	copy(out, b.requests)
	return out
}

type fakeChannel struct {
	name    string
	prompt  string
	handler *recordingHandler
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Start(context.Context) error { return nil }

func (c *fakeChannel) Stop() error { return nil }

func (c *fakeChannel) Listen(func(types.InboundEvent)) {}

func (c *fakeChannel) CreateHandler(types.InboundEvent) channel.OutputHandler {
	return c.handler
}

func (c *fakeChannel) CustomPrompt() string { return c.prompt }

type recordingHandler struct {
	mu      sync.Mutex
	relayed []string
	ends    int
	notify  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 32)}
}

func (h *recordingHandler) Relay(text string) error {
	h.mu.Lock()
	h.relayed = append(h.relayed, text)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) RelayEvent(channel.ToolEvent) error { return nil }
func (h *recordingHandler) StartTyping()                       {}
func (h *recordingHandler) StopTyping()                        {}

func (h *recordingHandler) EndMessage() {
	h.mu.Lock()
	h.ends++
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) Relayed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.relayed))
	copy(out, h.relayed)
	return out
}

func (h *recordingHandler) waitForEnds(t *testing.T, want int, timeout time.Duration) {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		h.mu.Lock()
		got := h.ends
		h.mu.Unlock()
		if got >= want {
			return
		}
		select {
		case <-h.notify:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d ended messages, got %d", want, got)
		}
	}
}

type harness struct {
	store      *store.MemStore
	backend    *fakeBackend
	handler    *recordingHandler
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, backend *fakeBackend, mutate func(*Settings)) *harness {
	t.Helper()

	st := store.NewMemStore()
	handler := newRecordingHandler()

	backends := agent.NewRegistry()
	backends.Register(backend)

	channels := channel.NewRegistry()
	if err := channels.Register(&fakeChannel{name: "test", handler: handler}); err != nil {
		t.Fatalf("register channel: %v", err)
	}

	summarizer := runner.Func(func(ctx context.Context, req agent.Request) error {
		req.Handlers.EmitAssistantChunk("## Conversation notes\n- summarized")
		return nil
	})

	settings := Settings{
		Instructions: "You are hermit.",
		RelayMode:    runner.RelayStream,
		Context:      prompt.DefaultSettings(),
	}
	if mutate != nil {
		mutate(&settings)
	}

	d := New(Deps{
		Store:     st,
		Sessions:  session.NewRegistry(),
		Channels:  channels,
		Backends:  backends,
		Assembler: prompt.New(st),
		Compactor: memory.New(st, summarizer, memory.WithThreshold(1000)),
	}, settings)

	return &harness{store: st, backend: backend, handler: handler, dispatcher: d}
}

func event(text string) types.InboundEvent {
	return types.InboundEvent{
		Channel:    "test",
		Target:     "chan-1",
		Author:     "alice",
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func TestDispatcherRunsPipelineEndToEnd(t *testing.T) {
	backend := &fakeBackend{name: "fake", run: func(ctx context.Context, req agent.Request) error {
		req.Handlers.EmitAssistantChunk("hello alice")
		return nil
	}}
	h := newHarness(t, backend, nil)

	h.dispatcher.HandleInbound(event("hi"))
	h.handler.waitForEnds(t, 1, 2*time.Second)

	relayed := h.handler.Relayed()
	if len(relayed) != 1 || relayed[0] != "hello alice" {
		t.Fatalf("unexpected relay output: %q", relayed)
	}

	reqs := backend.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one backend run, got %d", len(reqs))
	}
	if reqs[0].UserPrompt != "hi" {
		t.Fatalf("user prompt got=%q", reqs[0].UserPrompt)
	}
	if !strings.Contains(reqs[0].SystemPrompt, "You are hermit.") {
		t.Fatalf("system prompt missing instructions: %q", reqs[0].SystemPrompt)
	}

	// One trace per run, snapshotting the exact prompts.
	traces := h.store.Traces()
	if len(traces) != 1 {
		t.Fatalf("expected one trace, got %d", len(traces))
	}
	if traces[0].UserMessage != "hi" || traces[0].SystemPrompt != reqs[0].SystemPrompt {
		t.Fatalf("trace mismatch: %+v", traces[0])
	}
	if traces[0].Model != "fake" {
		t.Fatalf("trace model got=%q", traces[0].Model)
	}

	// User message and promoted assistant reply both persisted.
	sess, _, err := h.store.GetOrCreateSession(context.Background(), "test", "chan-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	msgs, err := h.store.RecentMessages(context.Background(), sess.ID, store.MessageFilter{Limit: 10, IncludeThoughts: true})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != store.MessageUser || msgs[1].Type != store.MessageAssistant {
		t.Fatalf("unexpected message types: %s, %s", msgs[0].Type, msgs[1].Type)
	}
}

func TestDispatcherChannelPromptInSystemPrompt(t *testing.T) {
	backend := &fakeBackend{name: "fake"}
	st := store.NewMemStore()
	handler := newRecordingHandler()

	backends := agent.NewRegistry()
	backends.Register(backend)

	channels := channel.NewRegistry()
	if err := channels.Register(&fakeChannel{name: "test", prompt: "Keep replies under 2000 characters.", handler: handler}); err != nil {
		t.Fatalf("register channel: %v", err)
	}

	d := New(Deps{
		Store:     st,
		Sessions:  session.NewRegistry(),
		Channels:  channels,
		Backends:  backends,
		Assembler: prompt.New(st),
		Compactor: memory.New(st, runner.Func(func(context.Context, agent.Request) error { return nil })),
	}, Settings{Instructions: "Base.", RelayMode: runner.RelayStream, Context: prompt.DefaultSettings()})

	d.HandleInbound(event("hi"))
	handler.waitForEnds(t, 1, 2*time.Second)

	reqs := backend.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one run, got %d", len(reqs))
	}
	if !strings.Contains(reqs[0].SystemPrompt, "Keep replies under 2000 characters.") {
		t.Fatalf("system prompt missing channel fragment: %q", reqs[0].SystemPrompt)
	}
}

func TestDispatcherResetCommandArchivesWithoutBackend(t *testing.T) {
	backend := &fakeBackend{name: "fake", run: func(ctx context.Context, req agent.Request) error {
		req.Handlers.EmitAssistantChunk("reply")
		return nil
	}}
	h := newHarness(t, backend, nil)

	h.dispatcher.HandleInbound(event("remember the build is broken"))
	h.handler.waitForEnds(t, 1, 2*time.Second)

	h.dispatcher.HandleInbound(event("/reset"))
	h.handler.waitForEnds(t, 2, 2*time.Second)

	relayed := h.handler.Relayed()
	if relayed[len(relayed)-1] != resetConfirmation {
		t.Fatalf("expected reset confirmation, got %q", relayed[len(relayed)-1])
	}
	if len(backend.Requests()) != 1 {
		t.Fatalf("reset must not invoke the backend, got %d runs", len(backend.Requests()))
	}

	sess, _, err := h.store.GetOrCreateSession(context.Background(), "test", "chan-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	msgs, err := h.store.RecentMessages(context.Background(), sess.ID, store.MessageFilter{Limit: 10})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected all messages archived, got %d visible", len(msgs))
	}

	// Session-scoped compaction ran before archiving.
	docs, err := h.store.ListMemoryDocs(context.Background())
	if err != nil {
		t.Fatalf("docs: %v", err)
	}
	if len(docs) == 0 {
		t.Fatal("expected pre-reset compaction to write memory docs")
	}
}

func TestDispatcherNewerMessageAbortsInFlightRun(t *testing.T) {
	var calls atomic.Int32
	firstStarted := make(chan struct{})
	backend := &fakeBackend{name: "fake"}
	backend.run = func(ctx context.Context, req agent.Request) error {
		if calls.Add(1) == 1 {
			close(firstStarted)
			<-ctx.Done()
			return ctx.Err()
		}
		req.Handlers.EmitAssistantChunk("second reply")
		return nil
	}
	h := newHarness(t, backend, nil)

	h.dispatcher.HandleInbound(event("first"))
	select {
	case <-firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started")
	}

	h.dispatcher.HandleInbound(event("second"))
	h.handler.waitForEnds(t, 2, 2*time.Second)

	relayed := h.handler.Relayed()
	if len(relayed) != 2 {
		t.Fatalf("expected marker plus second reply, got %q", relayed)
	}
	if relayed[0] != runner.InterruptedMarker {
		t.Fatalf("first relay got=%q want marker", relayed[0])
	}
	if relayed[1] != "second reply" {
		t.Fatalf("second relay got=%q", relayed[1])
	}

	sess, _, err := h.store.GetOrCreateSession(context.Background(), "test", "chan-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	msgs, err := h.store.RecentMessages(context.Background(), sess.ID, store.MessageFilter{Limit: 10})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	var markers int
	for _, msg := range msgs {
		if store.DecodeText(msg.Content).Text == runner.InterruptedMarker {
			markers++
		}
	}
	if markers != 1 {
		t.Fatalf("expected exactly one interrupted marker, got %d", markers)
	}
}

func TestDispatcherAppliesSessionOverrideOnCreate(t *testing.T) {
	backend := &fakeBackend{name: "fake"}
	limit := 3
	h := newHarness(t, backend, func(s *Settings) {
		s.SessionOverrides = map[string]prompt.SettingsOverride{
			"test:chan-1": {CurrentSession: &prompt.LayerOverride{Limit: &limit}},
		}
	})

	h.dispatcher.HandleInbound(event("hi"))
	h.handler.waitForEnds(t, 1, 2*time.Second)

	sess, created, err := h.store.GetOrCreateSession(context.Background(), "test", "chan-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if created {
		t.Fatal("session should already exist")
	}
	if !strings.Contains(sess.Settings, "current_session") {
		t.Fatalf("override not stored, settings=%q", sess.Settings)
	}
}

func TestDispatcherBackendErrorRelayedNotFatal(t *testing.T) {
	backend := &fakeBackend{name: "fake", run: func(ctx context.Context, req agent.Request) error {
		req.Handlers.EmitError("model unavailable")
		return context.DeadlineExceeded
	}}
	h := newHarness(t, backend, nil)

	h.dispatcher.HandleInbound(event("hi"))
	h.handler.waitForEnds(t, 1, 2*time.Second)

	relayed := h.handler.Relayed()
	if len(relayed) != 1 || !strings.Contains(relayed[0], "model unavailable") {
		t.Fatalf("expected relayed error, got %q", relayed)
	}

	// The queue is not stuck: the next message still processes.
	backend.run = func(ctx context.Context, req agent.Request) error {
		req.Handlers.EmitAssistantChunk("recovered")
		return nil
	}
	h.dispatcher.HandleInbound(event("again"))
	h.handler.waitForEnds(t, 2, 2*time.Second)

	relayed = h.handler.Relayed()
	if relayed[len(relayed)-1] != "recovered" {
		t.Fatalf("expected recovery reply, got %q", relayed)
	}
}

func TestDispatcherTriggersCompactionPastThreshold(t *testing.T) {
	backend := &fakeBackend{name: "fake", run: func(ctx context.Context, req agent.Request) error {
		req.Handlers.EmitAssistantChunk("ok")
		return nil
	}}

	st := store.NewMemStore()
	handler := newRecordingHandler()

	backends := agent.NewRegistry()
	backends.Register(backend)

	channels := channel.NewRegistry()
	if err := channels.Register(&fakeChannel{name: "test", handler: handler}); err != nil {
		t.Fatalf("register channel: %v", err)
	}

	summarizer := runner.Func(func(ctx context.Context, req agent.Request) error {
		req.Handlers.EmitAssistantChunk("## Notes\n- compacted")
		return nil
	})

	d := New(Deps{
		Store:     st,
		Sessions:  session.NewRegistry(),
		Channels:  channels,
		Backends:  backends,
		Assembler: prompt.New(st),
		Compactor: memory.New(st, summarizer, memory.WithThreshold(1)),
	}, Settings{RelayMode: runner.RelayStream, Context: prompt.DefaultSettings()})

	d.HandleInbound(event("hi"))
	handler.waitForEnds(t, 1, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		docs, err := st.ListMemoryDocs(context.Background())
		if err != nil {
			t.Fatalf("docs: %v", err)
		}
		if len(docs) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("compaction never ran")
}

func TestDispatcherDropsUnroutableEvents(t *testing.T) {
	backend := &fakeBackend{name: "fake"}
	h := newHarness(t, backend, nil)

	h.dispatcher.HandleInbound(types.InboundEvent{Channel: "nope", Target: "x", Text: "hi"})
	h.dispatcher.HandleInbound(types.InboundEvent{Channel: "test", Target: "", Text: "hi"})

	time.Sleep(50 * time.Millisecond)
	if got := len(backend.Requests()); got != 0 {
		t.Fatalf("expected no runs, got %d", got)
	}
	sessions, err := h.store.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}
}
