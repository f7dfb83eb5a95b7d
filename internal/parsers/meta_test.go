package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

// message_1.json holds the newest messages; both files list newest first.
const metaMessage1 = `{
  "participants": [{"name": "JosÃ©"}, {"name": "Ana"}],
  "messages": [
    {"sender_name": "Ana", "timestamp_ms": 1700000300000, "content": "see you", "is_geoblocked_for_viewer": false},
    {"sender_name": "JosÃ©", "timestamp_ms": 1700000200000,
     "photos": [{"uri": "messages/inbox/jose_123/photos/1.jpg", "creation_timestamp": 1700000200}],
     "reactions": [{"reaction": "â\u009d¤", "actor": "Ana"}]}
  ],
  "title": "JosÃ©",
  "thread_path": "inbox/jose_123"
}`

const metaMessage2 = `{
  "participants": [{"name": "JosÃ©"}, {"name": "Ana"}],
  "messages": [
    {"sender_name": "Ana", "timestamp_ms": 1700000100000, "content": "cafÃ©?",
     "share": {"link": "https://example.com/menu", "share_text": "menu"}},
    {"sender_name": "JosÃ©", "timestamp_ms": "soon", "content": "broken"},
    {"sender_name": "JosÃ©", "timestamp_ms": 1700000000000, "content": "hola"}
  ],
  "title": "JosÃ©",
  "thread_path": "inbox/jose_123"
}`

func TestMeta_ParsesInboxZip(t *testing.T) {
	path := writeZip(t, "facebook.zip", map[string]string{
		"messages/inbox/jose_123/message_1.json":  metaMessage1,
		"messages/inbox/jose_123/message_2.json":  metaMessage2,
		"messages/inbox/jose_123/photos/1.jpg":    "jpeg",
		"messages/inbox/other_456/message_1.json": `{"participants": [], "messages": [], "title": "Other"}`,
		"profile_information/profile.json":        `{}`,
	})
	src := openSource(t, path)
	p, ok := DefaultDetector().Detect(src)
	require.True(t, ok)
	require.Equal(t, "meta", p.Name())

	res, c := parse(t, p, path)
	assert.Equal(t, conversation.PlatformFacebook, res.Platform)
	assert.Equal(t, 2, res.Conversations)
	assert.Equal(t, 4, res.Messages)
	assert.Equal(t, 1, res.Skipped)

	require.Len(t, c.convs, 2)
	assert.Equal(t, "José", c.convs[0].Title)
	assert.Equal(t, "inbox/jose_123", c.convs[0].NativeID)

	msgs := c.msgs[c.convs[0].ID]
	require.Len(t, msgs, 4)
	requireDense(t, msgs)
	assert.Equal(t, []string{"hola", "café?", "", "see you"},
		[]string{msgs[0].Content, msgs[1].Content, msgs[2].Content, msgs[3].Content})
	assert.Equal(t, "José", msgs[0].Author)
	assert.Equal(t, msgs[0].Timestamp, c.convs[0].CreatedAt)

	require.Len(t, msgs[1].Media, 1)
	assert.Equal(t, conversation.PointerURL, msgs[1].Media[0].Kind)
	assert.Equal(t, "menu", msgs[1].Metadata["share_text"])

	require.Len(t, msgs[2].Media, 1)
	photo := msgs[2].Media[0]
	assert.Equal(t, conversation.PointerArchiveMember, photo.Kind)
	assert.Equal(t, conversation.MediaImage, photo.Type)
	assert.NotNil(t, src.ResolveMember(photo.Ref))
	reactions := msgs[2].Metadata["reactions"].([]map[string]string)
	assert.Equal(t, "❤", reactions[0]["reaction"])
}

func TestMeta_InstagramByPath(t *testing.T) {
	path := writeZip(t, "instagram.zip", map[string]string{
		"your_instagram_activity/messages/inbox/bob_1/message_1.json": `{"participants": [{"name": "bob"}], "messages": [{"sender_name": "bob", "timestamp_ms": 1700000000000, "content": "yo"}], "title": "bob"}`,
	})
	res, c := parse(t, NewMeta(), path)
	assert.Equal(t, conversation.PlatformInstagram, res.Platform)
	require.Len(t, c.all(), 1)
	assert.Equal(t, conversation.PlatformInstagram, c.all()[0].Platform)
}

func TestFixMojibake(t *testing.T) {
	assert.Equal(t, "José", fixMojibake("JosÃ©"))
	assert.Equal(t, "plain ascii", fixMojibake("plain ascii"))
	// Already-correct text with runes outside Latin-1 is untouched.
	assert.Equal(t, "日本", fixMojibake("日本"))
	// Latin-1 text that is not UTF-8 underneath is untouched.
	assert.Equal(t, "café", fixMojibake("café"))
}
