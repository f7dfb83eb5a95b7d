package parsers

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

// Claude parses the claude.ai data export: a flat list of conversations,
// each with an ordered chat_messages array.
type Claude struct{}

// NewClaude creates the claude.ai export parser.
func NewClaude() *Claude { return &Claude{} }

// Name implements Parser.
func (*Claude) Name() string { return string(conversation.PlatformClaude) }

type claudeConversation struct {
	UUID         string            `json:"uuid"`
	Name         string            `json:"name"`
	CreatedAt    json.RawMessage   `json:"created_at"`
	ChatMessages []json.RawMessage `json:"chat_messages"`
}

type claudeMessage struct {
	UUID      string          `json:"uuid"`
	Text      string          `json:"text"`
	Sender    string          `json:"sender"`
	CreatedAt json.RawMessage `json:"created_at"`
	Content   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Attachments []struct {
		FileName string `json:"file_name"`
		FileSize int64  `json:"file_size"`
		FileType string `json:"file_type"`
	} `json:"attachments"`
	Files []struct {
		FileName string `json:"file_name"`
		FileUUID string `json:"file_uuid"`
	} `json:"files"`
}

// Sniff implements Parser.
func (p *Claude) Sniff(src *Source) bool {
	head := src.Head()
	if src.IsZip() {
		m := src.MemberByBase(gptConversationsFile)
		if m == nil {
			return false
		}
		head = MemberHead(m)
	}
	return topKeys(head, 2)["chat_messages"]
}

// Parse implements Parser.
func (p *Claude) Parse(ctx context.Context, src *Source, emit Emitter) (*Result, error) {
	rc, err := openConversationsJSON(src)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	res := &Result{Platform: conversation.PlatformClaude}
	idx := 0
	err = streamArray(newDecoder(rc), func(raw json.RawMessage) error {
		idx++
		var c claudeConversation
		if err := json.Unmarshal(raw, &c); err != nil {
			res.skip(where("conversation", idx), err)
			return nil
		}
		conv, msgs := p.convert(&c, res)
		return res.emitConversation(ctx, emit, conv, msgs)
	})
	return res, err
}

func (p *Claude) convert(c *claudeConversation, res *Result) (*conversation.Conversation, []*conversation.Message) {
	created, _ := conversation.ParseTimestamp(c.CreatedAt)
	conv := &conversation.Conversation{
		ID:        conversation.ConversationID(conversation.PlatformClaude, c.Name, created, c.UUID),
		Platform:  conversation.PlatformClaude,
		NativeID:  c.UUID,
		Title:     c.Name,
		CreatedAt: created,
	}

	msgs := make([]*conversation.Message, 0, len(c.ChatMessages))
	for i, raw := range c.ChatMessages {
		var cm claudeMessage
		if err := json.Unmarshal(raw, &cm); err != nil {
			res.skip(where(c.Name, i), err)
			continue
		}
		ts, err := conversation.ParseTimestamp(cm.CreatedAt)
		if err != nil {
			res.skip(where(c.Name, i), err)
			continue
		}
		m := &conversation.Message{
			Platform:       conversation.PlatformClaude,
			NativeID:       cm.UUID,
			Timestamp:      ts,
			Author:         cm.Sender,
			Role:           conversation.NormalizeRole(cm.Sender),
			Content:        claudeText(&cm),
			ContentType:    conversation.ContentText,
			ConversationID: conv.ID,
		}
		for _, f := range cm.Files {
			ref := f.FileUUID
			if ref == "" {
				ref = f.FileName
			}
			m.Media = append(m.Media, conversation.MediaPointer{
				Kind: conversation.PointerArchiveMember,
				Ref:  ref,
				Name: f.FileName,
			})
		}
		if len(cm.Attachments) > 0 {
			names := make([]string, 0, len(cm.Attachments))
			for _, a := range cm.Attachments {
				names = append(names, a.FileName)
			}
			m.SetMeta("attachments", names)
		}
		msgs = append(msgs, m)
	}

	fillMissingTimestamps(msgs)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	sequence(msgs)
	return conv, msgs
}

func claudeText(cm *claudeMessage) string {
	if cm.Text != "" {
		return cm.Text
	}
	var parts []string
	for _, c := range cm.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// fillMissingTimestamps gives undated messages in a flat list the timestamp
// of the message before them, so a stable sort keeps them in place.
func fillMissingTimestamps(msgs []*conversation.Message) {
	var prev time.Time
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			if !prev.IsZero() {
				m.Timestamp = prev
				m.SetMeta(conversation.MetaTimestampInferred, true)
			}
			continue
		}
		prev = m.Timestamp
	}
}
