package parsers

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

// ChatGPT parses the OpenAI data export: conversations.json, raw or inside
// the export zip, holding a tree-graph "mapping" per conversation.
type ChatGPT struct{}

// NewChatGPT creates the ChatGPT export parser.
func NewChatGPT() *ChatGPT { return &ChatGPT{} }

// Name implements Parser.
func (*ChatGPT) Name() string { return string(conversation.PlatformChatGPT) }

type gptConversation struct {
	ID             string                     `json:"id"`
	ConversationID string                     `json:"conversation_id"`
	Title          string                     `json:"title"`
	CreateTime     json.RawMessage            `json:"create_time"`
	CurrentNode    string                     `json:"current_node"`
	Mapping        map[string]json.RawMessage `json:"mapping"`
}

type gptNode struct {
	ID       string      `json:"id"`
	Message  *gptMessage `json:"message"`
	Parent   string      `json:"parent"`
	Children []string    `json:"children"`
}

type gptMessage struct {
	ID     string `json:"id"`
	Author struct {
		Role string `json:"role"`
		Name string `json:"name"`
	} `json:"author"`
	CreateTime json.RawMessage `json:"create_time"`
	Content    struct {
		ContentType string            `json:"content_type"`
		Parts       []json.RawMessage `json:"parts"`
		Text        string            `json:"text"`
		Language    string            `json:"language"`
	} `json:"content"`
	Recipient string `json:"recipient"`
	Metadata  struct {
		ModelSlug   string `json:"model_slug"`
		Attachments []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			MimeType string `json:"mime_type"`
		} `json:"attachments"`
	} `json:"metadata"`
}

type gptPart struct {
	ContentType  string `json:"content_type"`
	AssetPointer string `json:"asset_pointer"`
	Text         string `json:"text"`
}

const gptConversationsFile = "conversations.json"

func (p *ChatGPT) head(src *Source) []byte {
	if src.IsZip() {
		m := src.MemberByBase(gptConversationsFile)
		if m == nil {
			return nil
		}
		return MemberHead(m)
	}
	return src.Head()
}

// Sniff implements Parser.
func (p *ChatGPT) Sniff(src *Source) bool {
	return topKeys(p.head(src), 2)["mapping"]
}

func openConversationsJSON(src *Source) (io.ReadCloser, error) {
	if !src.IsZip() {
		return src.OpenRaw()
	}
	m := src.MemberByBase(gptConversationsFile)
	if m == nil {
		return nil, archive.Errorf(archive.KindCorruptArchive, "%s missing from zip", gptConversationsFile)
	}
	src.Expect(int64(m.UncompressedSize64))
	return src.OpenMember(m)
}

// Parse implements Parser.
func (p *ChatGPT) Parse(ctx context.Context, src *Source, emit Emitter) (*Result, error) {
	rc, err := openConversationsJSON(src)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	res := &Result{Platform: conversation.PlatformChatGPT}
	idx := 0
	err = streamArray(newDecoder(rc), func(raw json.RawMessage) error {
		idx++
		var c gptConversation
		if err := json.Unmarshal(raw, &c); err != nil {
			res.skip(where("conversation", idx), err)
			return nil
		}
		conv, msgs := p.convert(&c, res)
		return res.emitConversation(ctx, emit, conv, msgs)
	})
	return res, err
}

func (p *ChatGPT) convert(c *gptConversation, res *Result) (*conversation.Conversation, []*conversation.Message) {
	created, _ := conversation.ParseTimestamp(c.CreateTime)
	nativeID := c.ConversationID
	if nativeID == "" {
		nativeID = c.ID
	}
	conv := &conversation.Conversation{
		ID:        conversation.ConversationID(conversation.PlatformChatGPT, c.Title, created, nativeID),
		Platform:  conversation.PlatformChatGPT,
		NativeID:  nativeID,
		Title:     c.Title,
		CreatedAt: created,
	}

	keys := make([]string, 0, len(c.Mapping))
	for k := range c.Mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	nodes := make([]conversation.Node, 0, len(keys))
	for _, k := range keys {
		var n gptNode
		if err := json.Unmarshal(c.Mapping[k], &n); err != nil {
			res.skip(where(conv.Title, len(nodes)), err)
			continue
		}
		if n.ID == "" {
			n.ID = k
		}
		node := conversation.Node{ID: n.ID, ParentID: n.Parent, Children: n.Children}
		if n.Message != nil {
			m, err := p.message(conv.ID, n.Message)
			if err != nil {
				res.skip(where(conv.Title, len(nodes)), err)
			} else {
				node.Message = m
			}
		}
		nodes = append(nodes, node)
	}
	return conv, conversation.Reconstruct(nodes, c.CurrentNode)
}

// message returns nil, nil for entries with nothing to keep (empty system
// scaffolding); they stay in the graph as structural nodes.
func (p *ChatGPT) message(convID string, gm *gptMessage) (*conversation.Message, error) {
	ts, err := conversation.ParseTimestamp(gm.CreateTime)
	if err != nil {
		return nil, err
	}

	var texts []string
	var media []conversation.MediaPointer
	contentType := conversation.ContentText

	switch gm.Content.ContentType {
	case "code":
		contentType = conversation.ContentCode
		texts = append(texts, gm.Content.Text)
	case "execution_output":
		contentType = conversation.ContentExecutionOutput
		texts = append(texts, gm.Content.Text)
	default:
		for _, raw := range gm.Content.Parts {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if s != "" {
					texts = append(texts, s)
				}
				continue
			}
			var part gptPart
			if err := json.Unmarshal(raw, &part); err != nil {
				continue
			}
			switch part.ContentType {
			case "image_asset_pointer":
				media = append(media, assetPointer(part.AssetPointer, conversation.MediaImage))
			case "audio_asset_pointer":
				media = append(media, assetPointer(part.AssetPointer, conversation.MediaAudio))
			default:
				if part.Text != "" {
					texts = append(texts, part.Text)
				}
			}
		}
		if len(texts) == 0 && gm.Content.Text != "" {
			texts = append(texts, gm.Content.Text)
		}
	}

	for _, a := range gm.Metadata.Attachments {
		if a.ID == "" {
			continue
		}
		media = append(media, conversation.MediaPointer{
			Kind:     conversation.PointerArchiveMember,
			Ref:      a.ID,
			Name:     a.Name,
			MIMEHint: a.MimeType,
			Type:     mediaTypeFromMIME(a.MimeType),
		})
	}

	content := strings.Join(texts, "\n")
	if strings.TrimSpace(content) == "" && len(media) == 0 {
		return nil, nil
	}

	author := gm.Author.Role
	if gm.Author.Name != "" {
		author = gm.Author.Name
	}
	m := &conversation.Message{
		Platform:       conversation.PlatformChatGPT,
		NativeID:       gm.ID,
		Timestamp:      ts,
		Author:         author,
		Role:           conversation.NormalizeRole(gm.Author.Role),
		Content:        content,
		ContentType:    contentType,
		ConversationID: convID,
		Media:          media,
	}
	if gm.Metadata.ModelSlug != "" {
		m.SetMeta("model", gm.Metadata.ModelSlug)
	}
	if gm.Recipient != "" && gm.Recipient != "all" {
		m.SetMeta("recipient", gm.Recipient)
	}
	if gm.Content.Language != "" {
		m.SetMeta("language", gm.Content.Language)
	}
	return m, nil
}

// assetPointer turns "file-service://file-abc" into a member lookup by id.
func assetPointer(ptr string, t conversation.MediaType) conversation.MediaPointer {
	ref := ptr
	if i := strings.Index(ref, "://"); i >= 0 {
		ref = ref[i+3:]
	}
	return conversation.MediaPointer{
		Kind: conversation.PointerArchiveMember,
		Ref:  ref,
		Type: t,
	}
}

func mediaTypeFromMIME(mime string) conversation.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return conversation.MediaImage
	case strings.HasPrefix(mime, "audio/"):
		return conversation.MediaAudio
	case strings.HasPrefix(mime, "video/"):
		return conversation.MediaVideo
	default:
		return conversation.MediaDocument
	}
}
