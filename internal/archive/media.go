package archive

import "time"

// MediaAsset is one stored binary payload, keyed by its SHA-256 checksum.
// Any number of refs across owners may point at the same asset.
type MediaAsset struct {
	Checksum      string    `json:"checksum" gorm:"primaryKey;size:64"`
	Type          string    `json:"type" gorm:"size:16"`
	MIME          string    `json:"mime" gorm:"column:mime;size:128"`
	Size          int64     `json:"size"`
	StoragePath   string    `json:"-" gorm:"size:512;not null"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty" gorm:"column:duration_ms"`
	ThumbnailPath string    `json:"-" gorm:"size:512"`
	PHash         string    `json:"phash,omitempty" gorm:"column:phash;size:16"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName pins the gorm table name.
func (MediaAsset) TableName() string { return "media_assets" }

// HasThumbnail reports whether a thumbnail was generated.
func (a *MediaAsset) HasThumbnail() bool { return a.ThumbnailPath != "" }

// RefStatus tracks extraction of one media pointer.
type RefStatus string

const (
	RefPending   RefStatus = "pending"
	RefExtracted RefStatus = "extracted"
	RefFailed    RefStatus = "failed"
	// RefDeferred marks URL pointers left unfetched because remote fetching
	// is disabled. Deferred refs count neither as extracted nor failed.
	RefDeferred RefStatus = "deferred"
)

// MediaRef links one message in one archive to one media pointer and, once
// extracted, to the asset holding its bytes.
type MediaRef struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	ArchiveID   string    `json:"archive_id" gorm:"size:36;index;not null"`
	OwnerID     string    `json:"owner_id" gorm:"size:128;index:idx_media_refs_owner_checksum;not null"`
	MessageID   string    `json:"message_id" gorm:"size:36;index"`
	PointerKind string    `json:"pointer_kind" gorm:"size:32"`
	PointerRef  string    `json:"pointer_ref" gorm:"size:2048"`
	Name        string    `json:"name,omitempty" gorm:"size:512"`
	MediaType   string    `json:"media_type,omitempty" gorm:"size:16"`
	Checksum    string    `json:"checksum,omitempty" gorm:"size:64;index:idx_media_refs_owner_checksum"`
	Status      RefStatus `json:"status" gorm:"size:16;index"`
	Error       string    `json:"error,omitempty" gorm:"size:1024"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName pins the gorm table name.
func (MediaRef) TableName() string { return "media_refs" }
