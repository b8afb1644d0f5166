package store

import "time"

type sessionRow struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Channel      string    `gorm:"size:191;not null;uniqueIndex:idx_sessions_key,priority:1"`
	Target       string    `gorm:"size:191;not null;uniqueIndex:idx_sessions_key,priority:2"`
	Settings     string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	LastActiveAt time.Time `gorm:"not null;index"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() SessionRecord {
	return SessionRecord{
		ID:           r.ID,
		Channel:      r.Channel,
		Target:       r.Target,
		Settings:     r.Settings,
		CreatedAt:    r.CreatedAt,
		LastActiveAt: r.LastActiveAt,
	}
}

type messageRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	SessionID int64     `gorm:"not null;index:idx_messages_session_ts,priority:1"`
	TS        time.Time `gorm:"not null;index:idx_messages_session_ts,priority:2;index"`
	Type      string    `gorm:"size:32;not null;index"`
	Content   string    `gorm:"type:text;not null"`
	Compacted bool      `gorm:"not null;index"`
	Archived  bool      `gorm:"not null;index"`
}

func (messageRow) TableName() string {
	return "messages"
}

func (r messageRow) toRecord() MessageRecord {
	return MessageRecord{
		ID:        r.ID,
		SessionID: r.SessionID,
		TS:        r.TS,
		Type:      MessageType(r.Type),
		Content:   r.Content,
		Compacted: r.Compacted,
		Archived:  r.Archived,
	}
}

func messageRowFromRecord(rec MessageRecord) messageRow {
	return messageRow{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		TS:        rec.TS,
		Type:      string(rec.Type),
		Content:   rec.Content,
		Compacted: rec.Compacted,
		Archived:  rec.Archived,
	}
}

type memoryDocRow struct {
	Title     string    `gorm:"primaryKey;size:191"`
	Body      string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (memoryDocRow) TableName() string {
	return "memory_docs"
}

func (r memoryDocRow) toRecord() MemoryDocRecord {
	return MemoryDocRecord{Title: r.Title, Body: r.Body}
}

type traceRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	SessionID    int64     `gorm:"not null;index"`
	TS           time.Time `gorm:"not null"`
	UserMessage  string    `gorm:"type:text;not null"`
	SystemPrompt string    `gorm:"type:text;not null"`
	Model        string    `gorm:"size:191"`
}

func (traceRow) TableName() string {
	return "traces"
}
