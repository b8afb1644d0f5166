// Package memory holds the compaction engine: it folds un-compacted
// short-term history into the long-term memory document set by asking
// a backend to rewrite the whole set in one shot. The transformation
// is all-or-nothing; a failed run leaves the store untouched and the
// trigger condition simply fires again later.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/agent"
	"hermit.local/hermit/internal/store"
)

const (
	defaultThreshold = 200
	defaultMaxDocs   = 20
)

const summarizeSystemPrompt = `You maintain the long-term memory of an assistant. You receive the current memory documents and a batch of recent conversation messages. Rewrite the COMPLETE set of memory documents so it absorbs everything worth keeping from the conversation.

Rules:
- Return ONLY markdown sections, one per document: a "## Title" heading followed by the body.
- Return the full replacement set. Any document you omit is deleted.
- Keep titles stable when a document continues to exist.
- At most %d documents. Merge related topics aggressively if you would exceed that.
- Drop chit-chat; keep facts, preferences, decisions, and open threads.`

// Summarizer runs one summarization request. agent.Backend satisfies
// it.
type Summarizer interface {
	Run(ctx context.Context, req agent.Request) error
}

type Compactor struct {
	store      store.Store
	summarizer Summarizer
	threshold  int64
	maxDocs    int
	logger     zerolog.Logger

	mu sync.Mutex
}

type Option func(*Compactor)

// WithThreshold sets the un-compacted message count above which
// ShouldCompact fires.
func WithThreshold(n int64) Option {
	return func(c *Compactor) {
		if n > 0 {
			c.threshold = n
		}
	}
}

func WithMaxDocs(n int) Option {
	return func(c *Compactor) {
		if n > 0 {
			c.maxDocs = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Compactor) {
		c.logger = logger
	}
}

func New(st store.Store, summarizer Summarizer, opts ...Option) *Compactor {
	c := &Compactor{
		store:      st,
		summarizer: summarizer,
		threshold:  defaultThreshold,
		maxDocs:    defaultMaxDocs,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ShouldCompact reports whether enough un-compacted history has
// accumulated and no compaction is currently running.
func (c *Compactor) ShouldCompact(ctx context.Context) bool {
	count, err := c.store.CountUncompacted(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("count uncompacted failed")
		return false
	}
	if count <= c.threshold {
		return false
	}
	if !c.mu.TryLock() {
		return false
	}
	c.mu.Unlock()
	return true
}

// Compact folds all un-compacted messages across every session.
func (c *Compactor) Compact(ctx context.Context) error {
	return c.compact(ctx, 0)
}

// CompactSession folds one session's un-compacted messages. Used on
// explicit session reset before archival.
func (c *Compactor) CompactSession(ctx context.Context, sessionID int64) error {
	return c.compact(ctx, sessionID)
}

func (c *Compactor) compact(ctx context.Context, sessionID int64) error {
	// Single-flight: a compaction already in progress wins, the caller
	// retries via the next threshold check.
	if !c.mu.TryLock() {
		c.logger.Debug().Msg("compaction already running, skipping")
		return nil
	}
	defer c.mu.Unlock()

	messages, err := c.store.UncompactedMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("gather uncompacted messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	docs, err := c.store.ListMemoryDocs(ctx)
	if err != nil {
		return fmt.Errorf("gather memory docs: %w", err)
	}

	response, err := c.summarize(ctx, docs, messages)
	if err != nil {
		return fmt.Errorf("summarize history: %w", err)
	}

	replacement, err := parseMemoryDocs(response)
	if err != nil {
		return fmt.Errorf("parse summarization response: %w", err)
	}
	if len(replacement) > c.maxDocs {
		c.logger.Warn().
			Int("docs", len(replacement)).
			Int("max", c.maxDocs).
			Msg("summarization exceeded document cap, truncating")
		replacement = replacement[:c.maxDocs]
	}

	messageIDs := make([]int64, 0, len(messages))
	for _, msg := range messages {
		messageIDs = append(messageIDs, msg.ID)
	}
	if err := c.store.ReplaceMemoryDocs(ctx, replacement, messageIDs); err != nil {
		return fmt.Errorf("replace memory docs: %w", err)
	}

	c.logger.Info().
		Int("messages", len(messages)).
		Int("docs", len(replacement)).
		Int64("session_id", sessionID).
		Msg("compacted history into memory documents")
	return nil
}

func (c *Compactor) summarize(ctx context.Context, docs []store.MemoryDocRecord, messages []store.MessageRecord) (string, error) {
	var chunks []string
	handlers := agent.Handlers{
		AssistantChunk: func(text string) {
			chunks = append(chunks, text)
		},
	}
	req := agent.Request{
		SystemPrompt: fmt.Sprintf(summarizeSystemPrompt, c.maxDocs),
		UserPrompt:   buildCorpus(docs, messages),
		Handlers:     handlers,
	}
	if err := c.summarizer.Run(ctx, req); err != nil {
		return "", err
	}
	return strings.Join(chunks, "\n"), nil
}

func buildCorpus(docs []store.MemoryDocRecord, messages []store.MessageRecord) string {
	var b strings.Builder

	b.WriteString("# Current memory documents\n\n")
	if len(docs) == 0 {
		b.WriteString("(none)\n")
	}
	for _, doc := range docs {
		b.WriteString("## " + doc.Title + "\n")
		b.WriteString(doc.Body + "\n\n")
	}

	b.WriteString("\n# Conversation messages to absorb\n\n")
	for _, msg := range messages {
		b.WriteString(renderMessage(msg) + "\n")
	}
	return b.String()
}

func renderMessage(msg store.MessageRecord) string {
	switch msg.Type {
	case store.MessageToolStart:
		start, err := store.DecodeToolStart(msg.Content)
		if err != nil {
			return "tool: ?"
		}
		return fmt.Sprintf("tool: %s(%s)", start.Name, start.Args)
	case store.MessageToolEnd:
		end, err := store.DecodeToolEnd(msg.Content)
		if err != nil {
			return "tool result: ?"
		}
		status := "OK"
		if !end.OK {
			status = "ERROR"
		}
		return fmt.Sprintf("tool result: [%s] %s", status, end.Result)
	default:
		payload := store.DecodeText(msg.Content)
		label := string(msg.Type)
		if author := strings.TrimSpace(payload.Author); author != "" {
			label = fmt.Sprintf("%s(%s)", label, author)
		}
		return label + ": " + payload.Text
	}
}

// parseMemoryDocs splits a markdown response into "## title" sections.
// A non-empty response with no sections is a parse failure; the caller
// must not mutate anything.
func parseMemoryDocs(response string) ([]store.MemoryDocRecord, error) {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return nil, fmt.Errorf("empty summarization response")
	}

	var docs []store.MemoryDocRecord
	var title string
	var body []string
	flush := func() {
		if title == "" {
			return
		}
		docs = append(docs, store.MemoryDocRecord{
			Title: title,
			Body:  strings.TrimSpace(strings.Join(body, "\n")),
		})
	}
	for _, line := range strings.Split(trimmed, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			title = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			body = body[:0]
			continue
		}
		if title != "" {
			body = append(body, line)
		}
	}
	flush()

	if len(docs) == 0 {
		return nil, fmt.Errorf("no document sections in summarization response")
	}
	return docs, nil
}
