package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

const claudeExport = `[
  {
    "uuid": "c-1",
    "name": "Trip planning",
    "created_at": "2024-05-01T10:00:00.000000Z",
    "updated_at": "2024-05-01T10:05:00.000000Z",
    "account": {"uuid": "acct"},
    "chat_messages": [
      {"uuid": "m1", "text": "Where should I go?", "sender": "human", "created_at": "2024-05-01T10:00:00Z",
       "files": [{"file_name": "map.png"}], "attachments": [{"file_name": "notes.txt", "file_size": 10, "file_type": "txt"}]},
      {"uuid": "m2", "text": "Lisbon is lovely in May.", "sender": "assistant", "created_at": "2024-05-01T10:00:05Z"},
      {"uuid": "m3", "text": "", "content": [{"type": "text", "text": "Thanks!"}], "sender": "human", "created_at": "yesterday"},
      {"uuid": "m4", "text": "You're welcome.", "sender": "assistant", "created_at": null},
      {"uuid": "m0", "text": "Hi, I'm Claude.", "sender": "assistant", "created_at": "2024-05-01T09:59:00Z"}
    ]
  }
]`

func TestClaude_ParsesFlatExport(t *testing.T) {
	path := writeFile(t, "conversations.json", claudeExport)
	src := openSource(t, path)
	p, ok := DefaultDetector().Detect(src)
	require.True(t, ok)
	require.Equal(t, "claude", p.Name())

	res, c := parse(t, p, path)
	assert.Equal(t, 1, res.Conversations)
	assert.Equal(t, 4, res.Messages)
	assert.Equal(t, 1, res.Skipped, "unparseable created_at")

	msgs := c.msgs[c.convs[0].ID]
	require.Len(t, msgs, 4)
	requireDense(t, msgs)

	// Sorted by timestamp, not file order.
	assert.Equal(t, "m0", msgs[0].NativeID)
	msgs = msgs[1:]

	assert.Equal(t, "Where should I go?", msgs[0].Content)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	require.Len(t, msgs[0].Media, 1)
	assert.Equal(t, "map.png", msgs[0].Media[0].Ref)
	assert.Equal(t, []string{"notes.txt"}, msgs[0].Metadata["attachments"])

	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "You're welcome.", msgs[2].Content)
	assert.Equal(t, true, msgs[2].Metadata[conversation.MetaTimestampInferred])
	assert.Equal(t, msgs[1].Timestamp, msgs[2].Timestamp)
}

func TestClaude_ContentBlocksFallback(t *testing.T) {
	cm := &claudeMessage{}
	cm.Content = append(cm.Content, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: "hello"})
	assert.Equal(t, "hello", claudeText(cm))
}

func TestClaude_AbsentCreatedAtIsInferred(t *testing.T) {
	path := writeFile(t, "conversations.json", `[{
  "uuid": "c-2", "name": "Short", "created_at": "2024-05-02T08:00:00Z",
  "chat_messages": [
    {"uuid": "n1", "text": "hello", "sender": "human", "created_at": "2024-05-02T08:00:00Z"},
    {"uuid": "n2", "text": "hi there", "sender": "assistant"}
  ]
}]`)
	res, c := parse(t, NewClaude(), path)
	assert.Equal(t, 2, res.Messages)
	assert.Zero(t, res.Skipped)

	msgs := c.msgs[c.convs[0].ID]
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi there", msgs[1].Content)
	assert.Equal(t, true, msgs[1].Metadata[conversation.MetaTimestampInferred])
}
