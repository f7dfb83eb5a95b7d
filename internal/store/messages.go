package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

// MessageRepo persists conversations and normalized messages.
type MessageRepo struct {
	db *gorm.DB
}

// insertBatchSize bounds the rows per INSERT statement. SQLite caps bound
// parameters per statement.
const insertBatchSize = 100

// MessageFilter selects messages for listing and text search. Owner is
// required; every other field is optional.
type MessageFilter struct {
	Owner          string
	ArchiveID      string
	ConversationID string
	Author         string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// Page is one page of messages plus the total number of matches.
type Page struct {
	Messages []*conversation.Message `json:"messages"`
	Total    int64                   `json:"total"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

// InsertConversation stores a conversation header. Re-inserting the same
// header is a no-op.
func (r *MessageRepo) InsertConversation(ctx context.Context, rec *ConversationRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
	return storageErr("insert conversation", err)
}

// InsertMessages stores messages for one archive. Existing (archive, id)
// rows are kept as they are.
func (r *MessageRepo) InsertMessages(ctx context.Context, owner, archiveID string, msgs []*conversation.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	recs := make([]*MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		rec, err := NewMessageRecord(owner, archiveID, m)
		if err != nil {
			return storageErr("insert messages", err)
		}
		recs = append(recs, rec)
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(recs, insertBatchSize).Error
	return storageErr("insert messages", err)
}

// UpdateConversationCounts recomputes message counts for an archive's
// conversations.
func (r *MessageRepo) UpdateConversationCounts(ctx context.Context, archiveID string) error {
	err := r.db.WithContext(ctx).Exec(`
    UPDATE archive_conversations SET message_count = (
      SELECT COUNT(*) FROM archive_messages m
      WHERE m.archive_id = archive_conversations.archive_id
        AND m.conversation_id = archive_conversations.id
    )
    WHERE archive_id = ?`, archiveID).Error
	return storageErr("update conversation counts", err)
}

// ListConversations returns the owner's conversations, optionally limited to
// one archive, most recent first.
func (r *MessageRepo) ListConversations(ctx context.Context, owner, archiveID string, limit, offset int) ([]*ConversationRecord, error) {
	if owner == "" {
		return nil, ErrNotFound
	}
	q := r.db.WithContext(ctx).Where("owner_id = ?", owner)
	if archiveID != "" {
		q = q.Where("archive_id = ?", archiveID)
	}
	var out []*ConversationRecord
	err := q.Order("started_at DESC").Order("id ASC").
		Limit(clampLimit(limit)).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	return out, nil
}

// ListMessages returns one page of messages matching f. Within one
// conversation the order is by ordinal; across conversations it is by
// timestamp.
func (r *MessageRepo) ListMessages(ctx context.Context, f MessageFilter) (*Page, error) {
	return r.page(ctx, f, r.filtered(ctx, f))
}

// SearchText returns messages whose content contains query,
// case-insensitively, within the filter's scope.
func (r *MessageRepo) SearchText(ctx context.Context, f MessageFilter, query string) (*Page, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &Page{Limit: clampLimit(f.Limit), Offset: f.Offset}, nil
	}
	q := r.filtered(ctx, f).
		Where(`LOWER(content) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(query))+"%")
	return r.page(ctx, f, q)
}

func (r *MessageRepo) filtered(ctx context.Context, f MessageFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&MessageRecord{}).Where("owner_id = ?", f.Owner)
	if f.ArchiveID != "" {
		q = q.Where("archive_id = ?", f.ArchiveID)
	}
	if f.ConversationID != "" {
		q = q.Where("conversation_id = ?", f.ConversationID)
	}
	if f.Author != "" {
		q = q.Where("author = ?", f.Author)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp < ?", f.Until.UTC())
	}
	return q
}

func (r *MessageRepo) page(ctx context.Context, f MessageFilter, q *gorm.DB) (*Page, error) {
	if f.Owner == "" {
		return nil, ErrNotFound
	}
	p := &Page{Limit: clampLimit(f.Limit), Offset: f.Offset}
	if err := q.Session(&gorm.Session{}).Count(&p.Total).Error; err != nil {
		return nil, storageErr("count messages", err)
	}
	if f.ConversationID != "" {
		q = q.Order("archive_id ASC").Order("ordinal ASC")
	} else {
		q = q.Order("timestamp ASC").Order("conversation_id ASC").Order("ordinal ASC")
	}
	var recs []*MessageRecord
	if err := q.Limit(p.Limit).Offset(p.Offset).Find(&recs).Error; err != nil {
		return nil, storageErr("list messages", err)
	}
	msgs, err := toMessages(recs)
	if err != nil {
		return nil, err
	}
	p.Messages = msgs
	return p, nil
}

// GetMessages returns the owner's messages for keys. Keys that are missing
// or belong to another owner are absent from the map. The same message id
// may exist in several archives; each key resolves within its own archive.
func (r *MessageRepo) GetMessages(ctx context.Context, owner string, keys []MessageKey) (map[MessageKey]*conversation.Message, error) {
	if owner == "" || len(keys) == 0 {
		return map[MessageKey]*conversation.Message{}, nil
	}
	want := make(map[MessageKey]bool, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if !want[k] {
			want[k] = true
			ids = append(ids, k.ID)
		}
	}
	var recs []*MessageRecord
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND id IN ?", owner, ids).
		Find(&recs).Error
	if err != nil {
		return nil, storageErr("get messages", err)
	}
	out := make(map[MessageKey]*conversation.Message, len(keys))
	for _, rec := range recs {
		k := MessageKey{ArchiveID: rec.ArchiveID, ID: rec.ID}
		if !want[k] {
			continue
		}
		m, err := rec.Message()
		if err != nil {
			return nil, storageErr("get messages", err)
		}
		out[k] = m
	}
	return out, nil
}

// PendingEmbedding returns up to limit messages of an archive that have text
// but no vector, with ids greater than after.
func (r *MessageRepo) PendingEmbedding(ctx context.Context, archiveID, after string, limit int) ([]*MessageRecord, error) {
	var recs []*MessageRecord
	err := r.db.WithContext(ctx).
		Where("archive_id = ? AND embedded = ? AND content <> '' AND id > ?", archiveID, false, after).
		Order("id ASC").
		Limit(clampLimit(limit)).
		Find(&recs).Error
	if err != nil {
		return nil, storageErr("list pending embeddings", err)
	}
	return recs, nil
}

// MarkEmbedded flags messages as present in the vector index.
func (r *MessageRepo) MarkEmbedded(ctx context.Context, archiveID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&MessageRecord{}).
		Where("archive_id = ? AND id IN ?", archiveID, ids).
		Update("embedded", true).Error
	return storageErr("mark embedded", err)
}

// CountMessages returns total and embedded message counts for an archive.
func (r *MessageRepo) CountMessages(ctx context.Context, archiveID string) (total, embedded int64, err error) {
	q := r.db.WithContext(ctx).Model(&MessageRecord{}).Where("archive_id = ?", archiveID)
	if err = q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return 0, 0, storageErr("count messages", err)
	}
	if err = q.Where("embedded = ?", true).Count(&embedded).Error; err != nil {
		return 0, 0, storageErr("count messages", err)
	}
	return total, embedded, nil
}

func (r *MessageRepo) deleteArchive(ctx context.Context, archiveID string) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("archive_id = ?", archiveID).Delete(&MessageRecord{}).Error; err != nil {
		return err
	}
	return db.Where("archive_id = ?", archiveID).Delete(&ConversationRecord{}).Error
}

func toMessages(recs []*MessageRecord) ([]*conversation.Message, error) {
	out := make([]*conversation.Message, 0, len(recs))
	for _, rec := range recs {
		m, err := rec.Message()
		if err != nil {
			return nil, storageErr("decode message", err)
		}
		out = append(out, m)
	}
	return out, nil
}

const maxPageSize = 500

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > maxPageSize:
		return maxPageSize
	default:
		return n
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
