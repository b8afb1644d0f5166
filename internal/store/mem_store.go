package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hermit.local/hermit/internal/ids"
	"hermit.local/hermit/internal/types"
)

// MemStore is the in-memory Store used by tests and by the memory
// driver. It honors the same ordering and monotonic-flag contracts as
// the database-backed store.
type MemStore struct {
	mu            sync.Mutex
	sessions      map[string]SessionRecord
	messages      []MessageRecord
	docs          map[string]MemoryDocRecord
	traces        []TraceRecord
	nextSessionID int64
	nextMessageID int64
	closed        bool
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]SessionRecord),
		docs:     make(map[string]MemoryDocRecord),
	}
}

func (s *MemStore) GetOrCreateSession(_ context.Context, channel, target string) (SessionRecord, bool, error) {
	if err := validateSessionFields(channel, target); err != nil {
		return SessionRecord{}, false, err
	}
	key := types.SessionKey(channel, target)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, false, errClosed()
	}

	if existing, ok := s.sessions[key]; ok {
		return existing, false, nil
	}

	now := time.Now().UTC()
	s.nextSessionID++
	rec := SessionRecord{
		ID:           s.nextSessionID,
		Channel:      strings.TrimSpace(channel),
		Target:       strings.TrimSpace(target),
		CreatedAt:    now,
		LastActiveAt: now,
	}
	s.sessions[key] = rec
	return rec, true, nil
}

func (s *MemStore) ListSessions(_ context.Context) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed()
	}

	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out, nil
}

func (s *MemStore) TouchSession(_ context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}

	for key, rec := range s.sessions {
		if rec.ID == sessionID {
			rec.LastActiveAt = time.Now().UTC()
			s.sessions[key] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) UpdateSessionSettings(_ context.Context, sessionID int64, settings string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}

	for key, rec := range s.sessions {
		if rec.ID == sessionID {
			rec.Settings = settings
			s.sessions[key] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) InsertMessage(_ context.Context, msg MessageRecord) (MessageRecord, error) {
	if err := validateMessage(msg); err != nil {
		return MessageRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return MessageRecord{}, errClosed()
	}

	if msg.TS.IsZero() {
		msg.TS = time.Now().UTC()
	}
	s.nextMessageID++
	msg.ID = s.nextMessageID
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *MemStore) PromoteMessage(_ context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}

	for i, msg := range s.messages {
		if msg.ID == messageID {
			if msg.Type != MessageThought {
				return ErrNotFound
			}
			s.messages[i].Type = MessageAssistant
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) RecentMessages(_ context.Context, sessionID int64, filter MessageFilter) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed()
	}

	// Walk backwards so the limit keeps the newest, then flip the order.
	var picked []MessageRecord
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if msg.SessionID != sessionID || !filter.Matches(msg) {
			continue
		}
		picked = append(picked, msg)
		if filter.Limit > 0 && len(picked) == filter.Limit {
			break
		}
	}
	out := make([]MessageRecord, len(picked))
	for i, msg := range picked {
		out[len(picked)-1-i] = msg
	}
	return out, nil
}

func (s *MemStore) UncompactedMessages(_ context.Context, sessionID int64) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed()
	}

	var out []MessageRecord
	for _, msg := range s.messages {
		if msg.Compacted {
			continue
		}
		if sessionID != 0 && msg.SessionID != sessionID {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *MemStore) CountUncompacted(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed()
	}

	var count int64
	for _, msg := range s.messages {
		if !msg.Compacted {
			count++
		}
	}
	return count, nil
}

func (s *MemStore) MarkCompacted(_ context.Context, messageIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}

	s.markCompactedLocked(messageIDs)
	return nil
}

func (s *MemStore) markCompactedLocked(messageIDs []int64) {
	if len(messageIDs) == 0 {
		return
	}
	wanted := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	for i, msg := range s.messages {
		if _, ok := wanted[msg.ID]; ok {
			s.messages[i].Compacted = true
		}
	}
}

func (s *MemStore) ArchiveSession(_ context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}

	for i, msg := range s.messages {
		if msg.SessionID == sessionID {
			s.messages[i].Archived = true
		}
	}
	return nil
}

func (s *MemStore) ListMemoryDocs(_ context.Context) ([]MemoryDocRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed()
	}

	out := make([]MemoryDocRecord, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (s *MemStore) GetMemoryDoc(_ context.Context, title string) (MemoryDocRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return MemoryDocRecord{}, errClosed()
	}

	doc, ok := s.docs[strings.TrimSpace(title)]
	if !ok {
		return MemoryDocRecord{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemStore) ReplaceMemoryDocs(_ context.Context, docs []MemoryDocRecord, compactedMessageIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}

	next := make(map[string]MemoryDocRecord, len(docs))
	for _, doc := range docs {
		title := strings.TrimSpace(doc.Title)
		next[title] = MemoryDocRecord{Title: title, Body: doc.Body}
	}
	s.docs = next
	s.markCompactedLocked(compactedMessageIDs)
	return nil
}

func (s *MemStore) InsertTrace(_ context.Context, trace TraceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}

	if strings.TrimSpace(trace.ID) == "" {
		trace.ID = ids.New()
	}
	if trace.TS.IsZero() {
		trace.TS = time.Now().UTC()
	}
	s.traces = append(s.traces, trace)
	return nil
}

// Traces returns a copy of all inserted traces, newest last.
func (s *MemStore) Traces() []TraceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TraceRecord, len(s.traces))
	copy(out, s.traces)
	return out
}

// Messages returns a copy of every stored message in insertion order.
func (s *MemStore) Messages() []MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MessageRecord, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func errClosed() error {
	return fmt.Errorf("store is closed")
}
