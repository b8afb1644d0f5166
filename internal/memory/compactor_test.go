package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/store"
)

type fakeSummarizer struct {
	response string
	err      error
	calls    atomic.Int32
	started  chan struct{}
	block    chan struct{}

	mu      sync.Mutex
	prompts []string
}

func (f *fakeSummarizer) Run(ctx context.Context, req agent.Request) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, req.UserPrompt)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return f.err
	}
	req.Handlers.EmitAssistantChunk(f.response)
	return nil
}

func (f *fakeSummarizer) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func seedMessages(t *testing.T, s *store.MemStore, sessionID int64, texts ...string) []store.MessageRecord {
	t.Helper()
	out := make([]store.MessageRecord, 0, len(texts))
	for _, text := range texts {
		msg, err := s.InsertMessage(context.Background(), store.MessageRecord{
			SessionID: sessionID,
			Type:      store.MessageUser,
			Content:   store.EncodeContent(store.TextContent{Text: text}),
		})
		if err != nil {
			t.Fatalf("insert message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func newSession(t *testing.T, s *store.MemStore, channel, target string) store.SessionRecord {
	t.Helper()
	session, _, err := s.GetOrCreateSession(context.Background(), channel, target)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestShouldCompactThreshold(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()
	session := newSession(t, s, "discord", "chan_1")
	compactor := New(s, &fakeSummarizer{}, WithThreshold(3))

	seedMessages(t, s, session.ID, "one", "two", "three")
	if compactor.ShouldCompact(context.Background()) {
		t.Fatalf("count at threshold must not trigger")
	}

	seedMessages(t, s, session.ID, "four")
	if !compactor.ShouldCompact(context.Background()) {
		t.Fatalf("count above threshold must trigger")
	}
}

func TestCompactReplacesDocsAndMarksMessages(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()
	session := newSession(t, s, "discord", "chan_1")
	seedMessages(t, s, session.ID, "I moved to Lisbon", "my shed project is done")
	err := s.ReplaceMemoryDocs(context.Background(), []store.MemoryDocRecord{
		{Title: "Old doc", Body: "stale"},
	}, nil)
	if err != nil {
		t.Fatalf("seed docs: %v", err)
	}

	summarizer := &fakeSummarizer{response: "## Alice\nLives in Lisbon.\n\n## Projects\nShed finished."}
	compactor := New(s, summarizer, WithThreshold(1))

	if err := compactor.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}

	docs, err := s.ListMemoryDocs(context.Background())
	if err != nil {
		t.Fatalf("list docs: %v", err)
	}
	if len(docs) != 2 || docs[0].Title != "Alice" || docs[1].Title != "Projects" {
		t.Fatalf("unexpected docs: %+v", docs)
	}
	if docs[0].Body != "Lives in Lisbon." {
		t.Fatalf("unexpected body: %q", docs[0].Body)
	}

	count, err := s.CountUncompacted(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected all messages compacted, %d left", count)
	}

	// The summarization prompt carries both the docs and the history.
	prompt := summarizer.lastPrompt()
	if !strings.Contains(prompt, "## Old doc") || !strings.Contains(prompt, "I moved to Lisbon") {
		t.Fatalf("prompt missing inputs:\n%s", prompt)
	}
}

func TestCompactIsIdempotentOnceHistoryIsAbsorbed(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()
	session := newSession(t, s, "discord", "chan_1")
	seedMessages(t, s, session.ID, "fact one", "fact two")

	summarizer := &fakeSummarizer{response: "## Facts\nOne and two."}
	compactor := New(s, summarizer, WithThreshold(1))

	if err := compactor.Compact(context.Background()); err != nil {
		t.Fatalf("first compact: %v", err)
	}
	if err := compactor.Compact(context.Background()); err != nil {
		t.Fatalf("second compact: %v", err)
	}
	if got := summarizer.calls.Load(); got != 1 {
		t.Fatalf("second compact must be a no-op, got %d backend calls", got)
	}
	if compactor.ShouldCompact(context.Background()) {
		t.Fatalf("nothing left to compact")
	}
}

func TestCompactSessionScopesTheGather(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()
	target := newSession(t, s, "discord", "chan_1")
	other := newSession(t, s, "webchat", "v9")
	seedMessages(t, s, target.ID, "target history")
	seedMessages(t, s, other.ID, "other history")

	summarizer := &fakeSummarizer{response: "## Target\nAbsorbed."}
	compactor := New(s, summarizer)

	if err := compactor.CompactSession(context.Background(), target.ID); err != nil {
		t.Fatalf("compact session: %v", err)
	}

	prompt := summarizer.lastPrompt()
	if !strings.Contains(prompt, "target history") {
		t.Fatalf("prompt missing session history:\n%s", prompt)
	}
	if strings.Contains(prompt, "other history") {
		t.Fatalf("session-scoped compaction must not gather other sessions:\n%s", prompt)
	}

	remaining, err := s.UncompactedMessages(context.Background(), 0)
	if err != nil {
		t.Fatalf("uncompacted: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SessionID != other.ID {
		t.Fatalf("only the other session's message should remain: %+v", remaining)
	}
}

func TestCompactParseFailureMutatesNothing(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()
	session := newSession(t, s, "discord", "chan_1")
	seedMessages(t, s, session.ID, "some history")
	err := s.ReplaceMemoryDocs(context.Background(), []store.MemoryDocRecord{
		{Title: "Keep me", Body: "intact"},
	}, nil)
	if err != nil {
		t.Fatalf("seed docs: %v", err)
	}

	summarizer := &fakeSummarizer{response: "I could not produce documents, sorry."}
	compactor := New(s, summarizer)

	if err := compactor.Compact(context.Background()); err == nil {
		t.Fatalf("expected parse failure")
	}

	docs, _ := s.ListMemoryDocs(context.Background())
	if len(docs) != 1 || docs[0].Title != "Keep me" || docs[0].Body != "intact" {
		t.Fatalf("docs must be untouched: %+v", docs)
	}
	count, _ := s.CountUncompacted(context.Background())
	if count != 1 {
		t.Fatalf("messages must stay uncompacted: %d", count)
	}
}

func TestCompactBackendErrorMutatesNothing(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()
	session := newSession(t, s, "discord", "chan_1")
	seedMessages(t, s, session.ID, "some history")

	summarizer := &fakeSummarizer{err: errors.New("model overloaded")}
	compactor := New(s, summarizer)

	if err := compactor.Compact(context.Background()); err == nil {
		t.Fatalf("expected backend error")
	}
	count, _ := s.CountUncompacted(context.Background())
	if count != 1 {
		t.Fatalf("messages must stay uncompacted: %d", count)
	}
}

func TestCompactEmptyInputIsNoop(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()

	summarizer := &fakeSummarizer{response: "## Unused\nBody."}
	compactor := New(s, summarizer)

	if err := compactor.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if got := summarizer.calls.Load(); got != 0 {
		t.Fatalf("no history must mean no backend call, got %d", got)
	}
}

func TestCompactSingleFlight(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()
	session := newSession(t, s, "discord", "chan_1")
	seedMessages(t, s, session.ID, "history", "more history")

	summarizer := &fakeSummarizer{
		response: "## Doc\nBody.",
		started:  make(chan struct{}, 1),
		block:    make(chan struct{}),
	}
	compactor := New(s, summarizer, WithThreshold(1))

	done := make(chan error, 1)
	go func() {
		done <- compactor.Compact(context.Background())
	}()

	// Wait until the first compaction is inside the backend call.
	select {
	case <-summarizer.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("summarization never started")
	}

	if compactor.ShouldCompact(context.Background()) {
		t.Fatalf("held lock must suppress the trigger")
	}
	if err := compactor.Compact(context.Background()); err != nil {
		t.Fatalf("concurrent compact must no-op: %v", err)
	}
	if got := summarizer.calls.Load(); got != 1 {
		t.Fatalf("second compaction must not reach the backend, got %d calls", got)
	}

	close(summarizer.block)
	if err := <-done; err != nil {
		t.Fatalf("first compact: %v", err)
	}
}

func TestCompactCapsDocumentCount(t *testing.T) {
	s := store.NewMemStore()
	defer s.Close()
	session := newSession(t, s, "discord", "chan_1")
	seedMessages(t, s, session.ID, "history")

	summarizer := &fakeSummarizer{response: "## A\na\n\n## B\nb\n\n## C\nc"}
	compactor := New(s, summarizer, WithMaxDocs(2))

	if err := compactor.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
	docs, _ := s.ListMemoryDocs(context.Background())
	if len(docs) != 2 {
		t.Fatalf("expected doc cap applied, got %+v", docs)
	}
}

func TestParseMemoryDocs(t *testing.T) {
	docs, err := parseMemoryDocs("preamble chatter\n\n## First\nline one\nline two\n\n## Second\nbody")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %+v", docs)
	}
	if docs[0].Title != "First" || docs[0].Body != "line one\nline two" {
		t.Fatalf("unexpected first doc: %+v", docs[0])
	}
	if docs[1].Title != "Second" || docs[1].Body != "body" {
		t.Fatalf("unexpected second doc: %+v", docs[1])
	}

	if _, err := parseMemoryDocs("   "); err == nil {
		t.Fatalf("expected error for empty response")
	}
	if _, err := parseMemoryDocs("no sections here"); err == nil {
		t.Fatalf("expected error for section-less response")
	}
}
