package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

// MessageFilter bounds and filters history reads. Limit counts the most
// recent qualifying messages; results are always returned oldest first.
type MessageFilter struct {
	Limit            int
	IncludeThoughts  bool
	IncludeTools     bool
	IncludeArchived  bool
	IncludeCompacted bool
}

// Matches applies the content-policy part of the filter to one message.
func (f MessageFilter) Matches(m MessageRecord) bool {
	if m.Archived && !f.IncludeArchived {
		return false
	}
	if m.Compacted && !f.IncludeCompacted {
		return false
	}
	switch m.Type {
	case MessageThought:
		return f.IncludeThoughts
	case MessageToolStart, MessageToolEnd:
		return f.IncludeTools
	default:
		return true
	}
}

// Store owns all persisted state: sessions, messages, memory documents
// and traces. Pure data access; callers hold the business rules.
type Store interface {
	// GetOrCreateSession resolves the session for a channel:target key,
	// creating it on first contact. The second return reports creation.
	GetOrCreateSession(ctx context.Context, channel, target string) (SessionRecord, bool, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	TouchSession(ctx context.Context, sessionID int64) error
	UpdateSessionSettings(ctx context.Context, sessionID int64, settings string) error

	// InsertMessage appends a message and returns it with ID and TS set.
	InsertMessage(ctx context.Context, msg MessageRecord) (MessageRecord, error)
	// PromoteMessage flips one thought message to assistant.
	PromoteMessage(ctx context.Context, messageID int64) error
	// RecentMessages returns the most recent filter.Limit qualifying
	// messages for a session, oldest first.
	RecentMessages(ctx context.Context, sessionID int64, filter MessageFilter) ([]MessageRecord, error)
	// UncompactedMessages returns every un-compacted message, archived or
	// not, oldest first. sessionID 0 means all sessions.
	UncompactedMessages(ctx context.Context, sessionID int64) ([]MessageRecord, error)
	CountUncompacted(ctx context.Context) (int64, error)
	// MarkCompacted sets the compacted flag on the given messages.
	MarkCompacted(ctx context.Context, messageIDs []int64) error
	// ArchiveSession sets the archived flag on every message of a session.
	ArchiveSession(ctx context.Context, sessionID int64) error

	ListMemoryDocs(ctx context.Context) ([]MemoryDocRecord, error)
	GetMemoryDoc(ctx context.Context, title string) (MemoryDocRecord, error)
	// ReplaceMemoryDocs swaps the whole document set and marks the given
	// messages compacted in one atomic step.
	ReplaceMemoryDocs(ctx context.Context, docs []MemoryDocRecord, compactedMessageIDs []int64) error

	InsertTrace(ctx context.Context, trace TraceRecord) error

	Close() error
}

func validateSessionFields(channel, target string) error {
	if strings.TrimSpace(channel) == "" {
		return fmt.Errorf("channel is required")
	}
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("target is required")
	}
	return nil
}

func validateMessage(msg MessageRecord) error {
	if msg.SessionID == 0 {
		return fmt.Errorf("message session_id is required")
	}
	switch msg.Type {
	case MessageUser, MessageThought, MessageAssistant, MessageToolStart, MessageToolEnd:
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("message content is required")
	}
	return nil
}
