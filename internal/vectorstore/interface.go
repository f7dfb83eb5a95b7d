package vectorstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyEntries indicates an empty upsert batch.
	ErrEmptyEntries = errors.New("empty or nil entries")

	// ErrDimensionMismatch is returned when a vector does not match the
	// store's configured size.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Payload keys written with every entry.
const (
	KeyOwner        = "owner_id"
	KeyArchive      = "archive_id"
	KeyMessage      = "message_id"
	KeyConversation = "conversation_id"
)

// Entry is one message vector.
type Entry struct {
	ArchiveID      string
	MessageID      string
	ConversationID string
	Vector         []float32
	// Metadata holds extra filterable string fields. Owner keys are
	// overwritten from the context.
	Metadata map[string]string
}

// PointID is the stable identifier of an entry. Re-indexing the same
// message replaces its vector.
func (e Entry) PointID() string {
	return PointID(e.ArchiveID, e.MessageID)
}

// pointNamespace scopes point ids; Qdrant only accepts UUIDs or integers.
var pointNamespace = uuid.MustParse("6f1f4a52-3c1d-4f4e-9d7e-5b0a1c2e7a90")

// PointID derives the point id for a message of an archive.
func PointID(archiveID, messageID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(archiveID+"/"+messageID)).String()
}

// Result is one search hit.
type Result struct {
	ArchiveID      string            `json:"archive_id"`
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Score          float32           `json:"score"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Store is the interface for vector storage operations. All methods require
// an owner in ctx (see ContextWithOwner).
type Store interface {
	// Upsert writes entries for the context owner, replacing existing
	// vectors for the same archive and message.
	Upsert(ctx context.Context, entries []Entry) error

	// Search returns up to k of the owner's entries nearest to vector,
	// best first. filters narrow the result by exact payload match.
	Search(ctx context.Context, vector []float32, k int, filters map[string]string) ([]Result, error)

	// DeleteArchive removes every entry of one of the owner's archives.
	DeleteArchive(ctx context.Context, archiveID string) error

	// Health checks that the backend is reachable.
	Health(ctx context.Context) error

	// Backend names the implementation for logs and metrics.
	Backend() string

	// Close releases resources.
	Close() error
}
