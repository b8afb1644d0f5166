// Package prompt assembles the bounded three-layer context that
// precedes every run: long-term memory, recent activity in other
// sessions, and the current session's tail. The assembler only reads
// the store; it never calls a backend.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"hermit.local/hermit/internal/embed"
	"hermit.local/hermit/internal/store"
)

const defaultToolLineBudget = 160

// LayerSettings bounds one context layer.
type LayerSettings struct {
	Limit            int  `json:"limit" yaml:"limit"`
	IncludeThoughts  bool `json:"include_thoughts" yaml:"include_thoughts"`
	IncludeTools     bool `json:"include_tools" yaml:"include_tools"`
	IncludeArchived  bool `json:"include_archived" yaml:"include_archived"`
	IncludeCompacted bool `json:"include_compacted" yaml:"include_compacted"`
}

// Settings bounds all three layers.
type Settings struct {
	Memory         LayerSettings `json:"memory" yaml:"memory"`
	CrossSession   LayerSettings `json:"cross_session" yaml:"cross_session"`
	CurrentSession LayerSettings `json:"current_session" yaml:"current_session"`
}

func DefaultSettings() Settings {
	return Settings{
		Memory:         LayerSettings{Limit: 5},
		CrossSession:   LayerSettings{Limit: 10},
		CurrentSession: LayerSettings{Limit: 40, IncludeTools: true},
	}
}

// LayerOverride is a partial LayerSettings; nil fields keep defaults.
type LayerOverride struct {
	Limit            *int  `json:"limit" yaml:"limit"`
	IncludeThoughts  *bool `json:"include_thoughts" yaml:"include_thoughts"`
	IncludeTools     *bool `json:"include_tools" yaml:"include_tools"`
	IncludeArchived  *bool `json:"include_archived" yaml:"include_archived"`
	IncludeCompacted *bool `json:"include_compacted" yaml:"include_compacted"`
}

// SettingsOverride is a partial Settings, as stored in a session's
// settings JSON and in the config file's session_overrides map.
type SettingsOverride struct {
	Memory         *LayerOverride `json:"memory,omitempty" yaml:"memory"`
	CrossSession   *LayerOverride `json:"cross_session,omitempty" yaml:"cross_session"`
	CurrentSession *LayerOverride `json:"current_session,omitempty" yaml:"current_session"`
}

// Apply overlays an override onto s and returns the result.
func (s Settings) Apply(override SettingsOverride) Settings {
	s.Memory = s.Memory.apply(override.Memory)
	s.CrossSession = s.CrossSession.apply(override.CrossSession)
	s.CurrentSession = s.CurrentSession.apply(override.CurrentSession)
	return s
}

func (l LayerSettings) apply(o *LayerOverride) LayerSettings {
	if o == nil {
		return l
	}
	if o.Limit != nil {
		l.Limit = *o.Limit
	}
	if o.IncludeThoughts != nil {
		l.IncludeThoughts = *o.IncludeThoughts
	}
	if o.IncludeTools != nil {
		l.IncludeTools = *o.IncludeTools
	}
	if o.IncludeArchived != nil {
		l.IncludeArchived = *o.IncludeArchived
	}
	if o.IncludeCompacted != nil {
		l.IncludeCompacted = *o.IncludeCompacted
	}
	return l
}

// Context holds the three assembled blocks. Any block may be empty.
type Context struct {
	MemoriesBlock       string
	CrossSessionBlock   string
	CurrentSessionBlock string
}

// Reader is the slice of the store the assembler needs.
type Reader interface {
	ListSessions(ctx context.Context) ([]store.SessionRecord, error)
	RecentMessages(ctx context.Context, sessionID int64, filter store.MessageFilter) ([]store.MessageRecord, error)
	ListMemoryDocs(ctx context.Context) ([]store.MemoryDocRecord, error)
}

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

type Assembler struct {
	reader         Reader
	embedder       Embedder
	logger         zerolog.Logger
	now            func() time.Time
	toolLineBudget int
}

type Option func(*Assembler)

// WithEmbedder switches the memory layer from title listing to
// semantic top-K retrieval.
func WithEmbedder(embedder Embedder) Option {
	return func(a *Assembler) {
		a.embedder = embedder
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Assembler) {
		a.logger = logger
	}
}

func WithNow(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

func New(reader Reader, opts ...Option) *Assembler {
	a := &Assembler{
		reader:         reader,
		logger:         zerolog.Nop(),
		now:            time.Now,
		toolLineBudget: defaultToolLineBudget,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Assemble builds the three blocks for one session.
func (a *Assembler) Assemble(ctx context.Context, sessionID int64, settings Settings) (Context, error) {
	current, err := a.reader.RecentMessages(ctx, sessionID, filterFor(settings.CurrentSession))
	if err != nil {
		return Context{}, fmt.Errorf("load current session messages: %w", err)
	}

	memories, err := a.memoriesBlock(ctx, current, settings.Memory)
	if err != nil {
		return Context{}, err
	}

	cross, err := a.crossSessionBlock(ctx, sessionID, settings.CrossSession)
	if err != nil {
		return Context{}, err
	}

	return Context{
		MemoriesBlock:       memories,
		CrossSessionBlock:   cross,
		CurrentSessionBlock: strings.Join(a.renderMessages(current), "\n"),
	}, nil
}

// FormatForPrompt concatenates the non-empty blocks under stable
// labels, always in the order memories, cross-session, current.
func FormatForPrompt(c Context) string {
	var sections []string
	if c.MemoriesBlock != "" {
		sections = append(sections, "## Long-term memory\n"+c.MemoriesBlock)
	}
	if c.CrossSessionBlock != "" {
		sections = append(sections, "## Other conversations\n"+c.CrossSessionBlock)
	}
	if c.CurrentSessionBlock != "" {
		sections = append(sections, "## This conversation\n"+c.CurrentSessionBlock)
	}
	return strings.Join(sections, "\n\n")
}

func filterFor(layer LayerSettings) store.MessageFilter {
	return store.MessageFilter{
		Limit:            layer.Limit,
		IncludeThoughts:  layer.IncludeThoughts,
		IncludeTools:     layer.IncludeTools,
		IncludeArchived:  layer.IncludeArchived,
		IncludeCompacted: layer.IncludeCompacted,
	}
}

// memoriesBlock lists document titles, or with an embedder configured
// returns the top-K full bodies ranked by similarity to the session's
// recent messages. Embedding failures fall back to the title listing.
func (a *Assembler) memoriesBlock(ctx context.Context, current []store.MessageRecord, layer LayerSettings) (string, error) {
	docs, err := a.reader.ListMemoryDocs(ctx)
	if err != nil {
		return "", fmt.Errorf("load memory documents: %w", err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Title < docs[j].Title
	})

	if a.embedder != nil {
		query := recentText(current)
		if query != "" {
			block, err := a.semanticBlock(ctx, query, docs, layer.Limit)
			if err == nil {
				return block, nil
			}
			a.logger.Warn().Err(err).Msg("semantic memory ranking failed, falling back to titles")
		}
	}

	limit := layer.Limit
	if limit <= 0 || limit > len(docs) {
		limit = len(docs)
	}
	lines := make([]string, 0, limit)
	for _, doc := range docs[:limit] {
		lines = append(lines, "- "+doc.Title)
	}
	return strings.Join(lines, "\n"), nil
}

func (a *Assembler) semanticBlock(ctx context.Context, query string, docs []store.MemoryDocRecord, limit int) (string, error) {
	texts := make([]string, 0, len(docs)+1)
	texts = append(texts, query)
	for _, doc := range docs {
		texts = append(texts, doc.Title+"\n"+doc.Body)
	}
	vectors, err := a.embedder.Embed(ctx, texts)
	if err != nil {
		return "", fmt.Errorf("embed memory documents: %w", err)
	}
	if len(vectors) != len(texts) {
		return "", fmt.Errorf("embed returned %d vectors for %d texts", len(vectors), len(texts))
	}

	type scored struct {
		doc   store.MemoryDocRecord
		score float64
	}
	ranked := make([]scored, 0, len(docs))
	for i, doc := range docs {
		ranked = append(ranked, scored{doc: doc, score: embed.Cosine(vectors[0], vectors[i+1])})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	sections := make([]string, 0, limit)
	for _, entry := range ranked[:limit] {
		sections = append(sections, "### "+entry.doc.Title+"\n"+entry.doc.Body)
	}
	return strings.Join(sections, "\n\n"), nil
}

// recentText joins the text payloads of the session tail into one
// retrieval query.
func recentText(messages []store.MessageRecord) string {
	var parts []string
	for _, msg := range messages {
		if msg.Type.IsTool() {
			continue
		}
		if text := strings.TrimSpace(store.DecodeText(msg.Content).Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func (a *Assembler) crossSessionBlock(ctx context.Context, currentID int64, layer LayerSettings) (string, error) {
	sessions, err := a.reader.ListSessions(ctx)
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})

	var groups []string
	for _, session := range sessions {
		if session.ID == currentID {
			continue
		}
		messages, err := a.reader.RecentMessages(ctx, session.ID, filterFor(layer))
		if err != nil {
			return "", fmt.Errorf("load session %s messages: %w", session.Key(), err)
		}
		lines := a.renderMessages(messages)
		if len(lines) == 0 {
			continue
		}
		ago := humanize.RelTime(session.LastActiveAt, a.now(), "ago", "from now")
		header := fmt.Sprintf("[%s] last active %s:", session.Key(), ago)
		groups = append(groups, header+"\n"+strings.Join(lines, "\n"))
	}
	return strings.Join(groups, "\n\n"), nil
}

// renderMessages renders oldest-to-newest. Tool start/end pairs
// collapse into one line; an unmatched start renders without outcome.
func (a *Assembler) renderMessages(messages []store.MessageRecord) []string {
	endsByCall := make(map[string]store.ToolEndContent)
	for _, msg := range messages {
		if msg.Type != store.MessageToolEnd {
			continue
		}
		if end, err := store.DecodeToolEnd(msg.Content); err == nil {
			endsByCall[end.CallID] = end
		}
	}

	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		switch msg.Type {
		case store.MessageUser:
			payload := store.DecodeText(msg.Content)
			label := "user"
			if author := strings.TrimSpace(payload.Author); author != "" {
				label = "user(" + author + ")"
			}
			line := label + ": " + payload.Text
			for _, att := range payload.Attachments {
				line += fmt.Sprintf(" [attachment: %s]", att.Name)
			}
			lines = append(lines, line)
		case store.MessageAssistant:
			lines = append(lines, "assistant: "+store.DecodeText(msg.Content).Text)
		case store.MessageThought:
			lines = append(lines, "thought: "+store.DecodeText(msg.Content).Text)
		case store.MessageToolStart:
			start, err := store.DecodeToolStart(msg.Content)
			if err != nil {
				continue
			}
			lines = append(lines, a.toolLine(start, endsByCall))
		}
	}
	return lines
}

func (a *Assembler) toolLine(start store.ToolStartContent, ends map[string]store.ToolEndContent) string {
	line := fmt.Sprintf("tool: %s(%s)", start.Name, start.Args)
	if end, ok := ends[start.CallID]; ok {
		status := "OK"
		if !end.OK {
			status = "ERROR"
		}
		line = fmt.Sprintf("%s → [%s] %s", line, status, end.Result)
	}
	return truncateLine(line, a.toolLineBudget)
}

func truncateLine(line string, budget int) string {
	if budget <= 0 || len(line) <= budget {
		return line
	}
	if budget <= 3 {
		return line[:budget]
	}
	return line[:budget-3] + "..."
}
