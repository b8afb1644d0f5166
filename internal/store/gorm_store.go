package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	dbpkg "hermit.local/hermit/internal/db"
	"hermit.local/hermit/internal/ids"
)

type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&sessionRow{}, &messageRow{}, &memoryDocRow{}, &traceRow{})
}

func (s *GormStore) GetOrCreateSession(ctx context.Context, channel, target string) (SessionRecord, bool, error) {
	if err := validateSessionFields(channel, target); err != nil {
		return SessionRecord{}, false, err
	}
	channel = strings.TrimSpace(channel)
	target = strings.TrimSpace(target)

	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("channel = ? AND target = ?", channel, target).
		Take(&row).Error
	if err == nil {
		return row.toRecord(), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionRecord{}, false, fmt.Errorf("get session: %w", err)
	}

	now := time.Now().UTC()
	row = sessionRow{Channel: channel, Target: target, CreatedAt: now, LastActiveAt: now}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return SessionRecord{}, false, fmt.Errorf("create session: %w", err)
	}
	return row.toRecord(), true, nil
}

func (s *GormStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Order("last_active_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) TouchSession(ctx context.Context, sessionID int64) error {
	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("id = ?", sessionID).
		Update("last_active_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("touch session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpdateSessionSettings(ctx context.Context, sessionID int64, settings string) error {
	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("id = ?", sessionID).
		Update("settings", settings)
	if res.Error != nil {
		return fmt.Errorf("update session settings: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) InsertMessage(ctx context.Context, msg MessageRecord) (MessageRecord, error) {
	if err := validateMessage(msg); err != nil {
		return MessageRecord{}, err
	}
	if msg.TS.IsZero() {
		msg.TS = time.Now().UTC()
	}
	row := messageRowFromRecord(msg)
	row.ID = 0
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return MessageRecord{}, fmt.Errorf("insert message: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) PromoteMessage(ctx context.Context, messageID int64) error {
	res := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("id = ? AND type = ?", messageID, string(MessageThought)).
		Update("type", string(MessageAssistant))
	if res.Error != nil {
		return fmt.Errorf("promote message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) RecentMessages(ctx context.Context, sessionID int64, filter MessageFilter) ([]MessageRecord, error) {
	query := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("session_id = ?", sessionID)
	if !filter.IncludeArchived {
		query = query.Where("archived = ?", false)
	}
	if !filter.IncludeCompacted {
		query = query.Where("compacted = ?", false)
	}
	if !filter.IncludeThoughts {
		query = query.Where("type <> ?", string(MessageThought))
	}
	if !filter.IncludeTools {
		query = query.Where("type NOT IN ?", []string{string(MessageToolStart), string(MessageToolEnd)})
	}

	// Newest first for the limit, flipped back to chronological below.
	query = query.Order("id DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	out := make([]MessageRecord, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.toRecord()
	}
	return out, nil
}

func (s *GormStore) UncompactedMessages(ctx context.Context, sessionID int64) ([]MessageRecord, error) {
	query := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("compacted = ?", false)
	if sessionID != 0 {
		query = query.Where("session_id = ?", sessionID)
	}

	var rows []messageRow
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("uncompacted messages: %w", err)
	}
	out := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) CountUncompacted(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("compacted = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count uncompacted: %w", err)
	}
	return count, nil
}

func (s *GormStore) MarkCompacted(ctx context.Context, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("id IN ?", messageIDs).
		Update("compacted", true).Error
	if err != nil {
		return fmt.Errorf("mark compacted: %w", err)
	}
	return nil
}

func (s *GormStore) ArchiveSession(ctx context.Context, sessionID int64) error {
	err := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("session_id = ? AND archived = ?", sessionID, false).
		Update("archived", true).Error
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

func (s *GormStore) ListMemoryDocs(ctx context.Context) ([]MemoryDocRecord, error) {
	var rows []memoryDocRow
	err := s.db.WithContext(ctx).
		Order("title ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list memory docs: %w", err)
	}
	out := make([]MemoryDocRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) GetMemoryDoc(ctx context.Context, title string) (MemoryDocRecord, error) {
	var row memoryDocRow
	err := s.db.WithContext(ctx).
		Where("title = ?", strings.TrimSpace(title)).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return MemoryDocRecord{}, ErrNotFound
		}
		return MemoryDocRecord{}, fmt.Errorf("get memory doc: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ReplaceMemoryDocs(ctx context.Context, docs []MemoryDocRecord, compactedMessageIDs []int64) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&memoryDocRow{}).Error; err != nil {
			return fmt.Errorf("clear memory docs: %w", err)
		}
		for _, doc := range docs {
			row := memoryDocRow{Title: strings.TrimSpace(doc.Title), Body: doc.Body, UpdatedAt: now}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create memory doc %q: %w", doc.Title, err)
			}
		}
		if len(compactedMessageIDs) > 0 {
			err := tx.Model(&messageRow{}).
				Where("id IN ?", compactedMessageIDs).
				Update("compacted", true).Error
			if err != nil {
				return fmt.Errorf("mark compacted: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace memory docs: %w", err)
	}
	return nil
}

func (s *GormStore) InsertTrace(ctx context.Context, trace TraceRecord) error {
	if strings.TrimSpace(trace.ID) == "" {
		trace.ID = ids.New()
	}
	if trace.TS.IsZero() {
		trace.TS = time.Now().UTC()
	}
	row := traceRow{
		ID:           trace.ID,
		SessionID:    trace.SessionID,
		TS:           trace.TS,
		UserMessage:  trace.UserMessage,
		SystemPrompt: trace.SystemPrompt,
		Model:        trace.Model,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
