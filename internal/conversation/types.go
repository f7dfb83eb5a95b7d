package conversation

import (
	"time"
)

// Platform tags the source of a message.
type Platform string

const (
	PlatformChatGPT    Platform = "chatgpt"
	PlatformClaude     Platform = "claude"
	PlatformTelegram   Platform = "telegram"
	PlatformFacebook   Platform = "facebook"
	PlatformInstagram  Platform = "instagram"
	PlatformClaudeCode Platform = "claude_code"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleUnknown   Role = "unknown"
)

// NormalizeRole maps platform author roles onto the common set.
func NormalizeRole(s string) Role {
	switch s {
	case "user", "human":
		return RoleUser
	case "assistant", "ai", "model", "tool":
		return RoleAssistant
	case "system", "developer":
		return RoleSystem
	default:
		return RoleUnknown
	}
}

// ContentType classifies message text.
type ContentType string

const (
	ContentText            ContentType = "text"
	ContentCode            ContentType = "code"
	ContentExecutionOutput ContentType = "execution_output"
)

// PointerKind says where a media pointer resolves.
type PointerKind string

const (
	// PointerArchiveMember names a file inside the uploaded container.
	PointerArchiveMember PointerKind = "archive_member"
	// PointerURL is remote content fetched on demand.
	PointerURL PointerKind = "url"
	// PointerFile is a path relative to the uploaded file's directory.
	PointerFile PointerKind = "file"
)

// MediaType is the coarse asset class.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaAudio    MediaType = "audio"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
)

// MediaPointer is a reference to media emitted by a parser. It carries no
// bytes; extraction happens in a later stage.
type MediaPointer struct {
	Kind     PointerKind `json:"kind"`
	Ref      string      `json:"ref"`
	Name     string      `json:"name,omitempty"`
	MIMEHint string      `json:"mime_hint,omitempty"`
	Type     MediaType   `json:"type,omitempty"`
}

// Metadata keys set by the pipeline.
const (
	MetaOrphaned          = "orphaned"
	MetaBranch            = "branch"
	MetaCurrentBranch     = "current_branch"
	MetaTimestampInferred = "timestamp_inferred"
)

// Message is the normalized message record every parser produces.
type Message struct {
	ID             string         `json:"id"`
	Platform       Platform       `json:"platform"`
	NativeID       string         `json:"native_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Author         string         `json:"author"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	ContentType    ContentType    `json:"content_type"`
	ConversationID string         `json:"conversation_id"`
	ParentID       string         `json:"parent_id,omitempty"`
	Ordinal        int            `json:"ordinal"`
	Media          []MediaPointer `json:"media,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Embedding      []float32      `json:"embedding,omitempty"`
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Conversation is the header a parser emits before a conversation's messages.
type Conversation struct {
	ID        string    `json:"id"`
	Platform  Platform  `json:"platform"`
	NativeID  string    `json:"native_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
