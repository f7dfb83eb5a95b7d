package conversation

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// namespace for every id this package derives.
var namespace = uuid.MustParse("6f1c1f9e-4a36-5d0b-9a51-3c8e0d7b2a10")

const contentPrefixRunes = 64

// ConversationID derives a stable conversation id from title and creation
// time. nativeID, when the platform has one, is folded in so two untitled
// conversations created in the same second stay distinct.
func ConversationID(p Platform, title string, created time.Time, nativeID string) string {
	key := strings.Join([]string{
		string(p),
		title,
		formatTime(created),
		nativeID,
	}, "\x1f")
	return uuid.NewSHA1(namespace, []byte("conv\x1f"+key)).String()
}

// MessageID derives a stable message id.
func MessageID(p Platform, conversationID, nativeID string, ts time.Time, content string) string {
	key := strings.Join([]string{
		string(p),
		conversationID,
		nativeID,
		formatTime(ts),
		prefix(content, contentPrefixRunes),
	}, "\x1f")
	return uuid.NewSHA1(namespace, []byte("msg\x1f"+key)).String()
}

// Disambiguate derives a distinct id for a message whose derived id already
// occurred in the same conversation.
func Disambiguate(id string, ordinal int) string {
	return uuid.NewSHA1(namespace, []byte(id+"#"+strconv.Itoa(ordinal))).String()
}

// AssignIDs fills in message ids for one conversation's already-ordered
// messages, resolving collisions deterministically.
func AssignIDs(msgs []*Message) {
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		id := MessageID(m.Platform, m.ConversationID, m.NativeID, m.Timestamp, m.Content)
		if _, dup := seen[id]; dup {
			id = Disambiguate(id, m.Ordinal)
		}
		seen[id] = struct{}{}
		m.ID = id
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func prefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
