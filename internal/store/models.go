package store

import (
	"encoding/json"
	"strings"
	"time"

	"hermit.local/hermit/internal/types"
)

type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageThought   MessageType = "thought"
	MessageAssistant MessageType = "assistant"
	MessageToolStart MessageType = "tool_start"
	MessageToolEnd   MessageType = "tool_end"
)

// IsTool reports whether the type belongs to a tool call pair.
func (t MessageType) IsTool() bool {
	return t == MessageToolStart || t == MessageToolEnd
}

// SessionRecord is one conversation thread, keyed by channel:target.
// Sessions are never deleted; history is retired via message-level
// archive and compacted flags.
type SessionRecord struct {
	ID           int64     `json:"id"`
	Channel      string    `json:"channel"`
	Target       string    `json:"target"`
	Settings     string    `json:"settings,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func (r SessionRecord) Key() string {
	return types.SessionKey(r.Channel, r.Target)
}

// MessageRecord is one turn unit. IDs are monotonic per store, and
// insertion order equals chronological order within a session. The
// Compacted and Archived flags only ever flip from false to true.
type MessageRecord struct {
	ID        int64       `json:"id"`
	SessionID int64       `json:"session_id"`
	TS        time.Time   `json:"ts"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Compacted bool        `json:"compacted"`
	Archived  bool        `json:"archived"`
}

// MemoryDocRecord is a long-term knowledge unit. The whole set is
// replaced atomically by compaction.
type MemoryDocRecord struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// TraceRecord is an immutable snapshot of one run's inputs.
type TraceRecord struct {
	ID           string    `json:"id"`
	SessionID    int64     `json:"session_id"`
	TS           time.Time `json:"ts"`
	UserMessage  string    `json:"user_message"`
	SystemPrompt string    `json:"system_prompt"`
	Model        string    `json:"model"`
}

// TextContent is the content payload for user, thought and assistant
// messages. Attachments are URL references, never binary. Author is
// set on user messages only ("system" for scheduler-injected ones).
type TextContent struct {
	Text        string             `json:"text"`
	Author      string             `json:"author,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// ToolStartContent is the content payload for tool_start messages.
type ToolStartContent struct {
	Name   string `json:"name"`
	CallID string `json:"call_id"`
	Args   string `json:"args,omitempty"`
}

// ToolEndContent is the content payload for tool_end messages.
type ToolEndContent struct {
	CallID string `json:"call_id"`
	Result string `json:"result,omitempty"`
	OK     bool   `json:"ok"`
}

// EncodeContent serializes a content payload for storage.
func EncodeContent(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// DecodeText decodes a text payload. Non-JSON content is tolerated and
// returned as the raw text so old or hand-written rows still render.
func DecodeText(content string) TextContent {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return TextContent{Text: content}
	}
	var out TextContent
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return TextContent{Text: content}
	}
	return out
}

// DecodeToolStart decodes a tool_start payload.
func DecodeToolStart(content string) (ToolStartContent, error) {
	var out ToolStartContent
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return ToolStartContent{}, err
	}
	return out, nil
}

// DecodeToolEnd decodes a tool_end payload.
func DecodeToolEnd(content string) (ToolEndContent, error) {
	var out ToolEndContent
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return ToolEndContent{}, err
	}
	return out, nil
}
