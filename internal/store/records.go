package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

// ConversationRecord is one conversation header within one archive.
type ConversationRecord struct {
	ArchiveID    string     `json:"archive_id" gorm:"primaryKey;size:36"`
	ID           string     `json:"id" gorm:"primaryKey;size:36"`
	OwnerID      string     `json:"owner_id" gorm:"size:128;index;not null"`
	Platform     string     `json:"platform" gorm:"size:32"`
	NativeID     string     `json:"native_id,omitempty" gorm:"size:256"`
	Title        string     `json:"title" gorm:"size:1024"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	MessageCount int        `json:"message_count"`
	ImportedAt   time.Time  `json:"imported_at" gorm:"autoCreateTime"`
}

// TableName pins the gorm table name.
func (ConversationRecord) TableName() string { return "archive_conversations" }

// NewConversationRecord converts a parsed conversation header.
func NewConversationRecord(owner, archiveID string, c *conversation.Conversation) *ConversationRecord {
	rec := &ConversationRecord{
		ArchiveID: archiveID,
		ID:        c.ID,
		OwnerID:   owner,
		Platform:  string(c.Platform),
		NativeID:  c.NativeID,
		Title:     c.Title,
	}
	if !c.CreatedAt.IsZero() {
		t := c.CreatedAt.UTC()
		rec.StartedAt = &t
	}
	return rec
}

// MessageRecord is the durable form of a normalized message. Messages are
// keyed by (archive, id) so re-importing an archive reproduces ids without
// colliding with the earlier import.
type MessageRecord struct {
	ArchiveID      string         `gorm:"primaryKey;size:36"`
	ID             string         `gorm:"primaryKey;size:36"`
	OwnerID        string         `gorm:"size:128;index:idx_archive_messages_owner_ts;not null"`
	Platform       string         `gorm:"size:32"`
	NativeID       string         `gorm:"size:256"`
	ConversationID string         `gorm:"size:36;index:idx_archive_messages_conv_ord"`
	ParentID       string         `gorm:"size:36"`
	Ordinal        int            `gorm:"index:idx_archive_messages_conv_ord"`
	Timestamp      time.Time      `gorm:"index:idx_archive_messages_owner_ts"`
	Author         string         `gorm:"size:256;index"`
	Role           string         `gorm:"size:16"`
	Content        string         `gorm:"type:text"`
	ContentType    string         `gorm:"size:32"`
	Media          datatypes.JSON `gorm:"column:media"`
	Metadata       datatypes.JSON `gorm:"column:metadata"`
	Embedded       bool           `gorm:"index"`
}

// TableName pins the gorm table name.
func (MessageRecord) TableName() string { return "archive_messages" }

// NewMessageRecord converts a normalized message for storage.
func NewMessageRecord(owner, archiveID string, m *conversation.Message) (*MessageRecord, error) {
	rec := &MessageRecord{
		ArchiveID:      archiveID,
		ID:             m.ID,
		OwnerID:        owner,
		Platform:       string(m.Platform),
		NativeID:       m.NativeID,
		ConversationID: m.ConversationID,
		ParentID:       m.ParentID,
		Ordinal:        m.Ordinal,
		Timestamp:      m.Timestamp.UTC(),
		Author:         m.Author,
		Role:           string(m.Role),
		Content:        m.Content,
		ContentType:    string(m.ContentType),
		Embedded:       len(m.Embedding) > 0,
	}
	if len(m.Media) > 0 {
		b, err := json.Marshal(m.Media)
		if err != nil {
			return nil, fmt.Errorf("encoding media pointers: %w", err)
		}
		rec.Media = datatypes.JSON(b)
	}
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		rec.Metadata = datatypes.JSON(b)
	}
	return rec, nil
}

// Message converts the record back into the normalized schema.
func (r *MessageRecord) Message() (*conversation.Message, error) {
	m := &conversation.Message{
		ID:             r.ID,
		Platform:       conversation.Platform(r.Platform),
		NativeID:       r.NativeID,
		Timestamp:      r.Timestamp.UTC(),
		Author:         r.Author,
		Role:           conversation.Role(r.Role),
		Content:        r.Content,
		ContentType:    conversation.ContentType(r.ContentType),
		ConversationID: r.ConversationID,
		ParentID:       r.ParentID,
		Ordinal:        r.Ordinal,
	}
	if len(r.Media) > 0 {
		if err := json.Unmarshal(r.Media, &m.Media); err != nil {
			return nil, fmt.Errorf("decoding media pointers of %s: %w", r.ID, err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", r.ID, err)
		}
	}
	return m, nil
}

// MessageKey addresses one stored message.
type MessageKey struct {
	ArchiveID string
	ID        string
}
