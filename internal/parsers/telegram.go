package parsers

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

// Telegram parses a Telegram Desktop JSON export (result.json), either a
// single chat or a full account export with chats.list. Messages are
// streamed one at a time; a chat is never held in memory whole.
type Telegram struct{}

// NewTelegram creates the Telegram export parser.
func NewTelegram() *Telegram { return &Telegram{} }

// Name implements Parser.
func (*Telegram) Name() string { return string(conversation.PlatformTelegram) }

const telegramResultFile = "result.json"

const telegramNotIncluded = "(File not included"

type tgMessage struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Date      string          `json:"date"`
	DateUnix  string          `json:"date_unixtime"`
	From      *string         `json:"from"`
	FromID    string          `json:"from_id"`
	Text      json.RawMessage `json:"text"`
	Photo     string          `json:"photo"`
	File      string          `json:"file"`
	MediaType string          `json:"media_type"`
	MimeType  string          `json:"mime_type"`
	ReplyTo   int64           `json:"reply_to_message_id"`
	Forwarded string          `json:"forwarded_from"`
}

type tgChat struct {
	name, typ, id string

	conv *conversation.Conversation
	seq  *sequencer
}

// Sniff implements Parser.
func (p *Telegram) Sniff(src *Source) bool {
	head := src.Head()
	if src.IsZip() {
		m := src.MemberByBase(telegramResultFile)
		if m == nil {
			return false
		}
		head = MemberHead(m)
	}
	keys := topKeys(head, 1)
	if keys["participants"] {
		return false
	}
	return keys["chats"] ||
		(keys["about"] && keys["personal_information"]) ||
		(keys["messages"] && keys["id"])
}

// Parse implements Parser.
func (p *Telegram) Parse(ctx context.Context, src *Source, emit Emitter) (*Result, error) {
	var (
		rc       io.ReadCloser
		err      error
		mediaDir string
	)
	if src.IsZip() {
		m := src.MemberByBase(telegramResultFile)
		if m == nil {
			return nil, archive.Errorf(archive.KindCorruptArchive, "%s missing from zip", telegramResultFile)
		}
		src.Expect(int64(m.UncompressedSize64))
		mediaDir = path.Dir(m.Name)
		rc, err = src.OpenMember(m)
	} else {
		rc, err = src.OpenRaw()
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	run := &tgRun{
		ctx:      ctx,
		emit:     emit,
		res:      &Result{Platform: conversation.PlatformTelegram},
		zipped:   src.IsZip(),
		mediaDir: mediaDir,
	}
	dec := newDecoder(rc)
	top := &tgChat{}
	err = walkObject(dec, func(key string) error {
		switch key {
		case "chats", "left_chats":
			return run.chatList(dec)
		default:
			return run.chatField(dec, top, key)
		}
	})
	if err == nil {
		err = run.finish(top)
	}
	return run.res, err
}

type tgRun struct {
	ctx      context.Context
	emit     Emitter
	res      *Result
	zipped   bool
	mediaDir string
}

// chatList reads {"about": ..., "list": [chat, ...]}.
func (r *tgRun) chatList(dec *json.Decoder) error {
	return walkObject(dec, func(key string) error {
		if key != "list" {
			return skipValue(dec)
		}
		if err := expectDelim(dec, '['); err != nil {
			return err
		}
		for dec.More() {
			chat := &tgChat{}
			if err := walkObject(dec, func(k string) error { return r.chatField(dec, chat, k) }); err != nil {
				return err
			}
			if err := r.finish(chat); err != nil {
				return err
			}
		}
		_, err := dec.Token()
		return corrupt(err)
	})
}

func (r *tgRun) chatField(dec *json.Decoder, chat *tgChat, key string) error {
	switch key {
	case "name", "type", "id":
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return corrupt(err)
		}
		v := rawString(raw)
		switch key {
		case "name":
			chat.name = v
		case "type":
			chat.typ = v
		case "id":
			chat.id = v
		}
		return nil
	case "messages":
		return r.messages(dec, chat)
	default:
		return skipValue(dec)
	}
}

func (r *tgRun) open(chat *tgChat) error {
	if chat.conv != nil {
		return nil
	}
	title := chat.name
	if title == "" && chat.typ == "saved_messages" {
		title = "Saved Messages"
	}
	chat.conv = &conversation.Conversation{
		ID:       conversation.ConversationID(conversation.PlatformTelegram, title, time.Time{}, chat.id),
		Platform: conversation.PlatformTelegram,
		NativeID: chat.id,
		Title:    title,
	}
	chat.seq = newSequencer()
	if err := r.emit.Conversation(r.ctx, chat.conv); err != nil {
		return err
	}
	r.res.Conversations++
	return nil
}

// finish emits the header of a chat that had no messages.
func (r *tgRun) finish(chat *tgChat) error {
	if chat.conv != nil || (chat.id == "" && chat.name == "") {
		return nil
	}
	return r.open(chat)
}

func (r *tgRun) messages(dec *json.Decoder, chat *tgChat) error {
	if err := expectDelim(dec, '['); err != nil {
		return err
	}
	if err := r.open(chat); err != nil {
		return err
	}
	idx := 0
	for dec.More() {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		idx++
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return corrupt(err)
		}
		var tm tgMessage
		if err := json.Unmarshal(raw, &tm); err != nil {
			r.res.skip(where(chat.conv.Title, idx), err)
			continue
		}
		if tm.Type != "" && tm.Type != "message" {
			continue
		}
		m, err := r.convert(chat, &tm)
		if err != nil {
			r.res.skip(where(chat.conv.Title, idx), err)
			continue
		}
		chat.seq.assign(m)
		if err := r.emit.Message(r.ctx, m); err != nil {
			return err
		}
		r.res.Messages++
	}
	_, err := dec.Token()
	return corrupt(err)
}

func (r *tgRun) convert(chat *tgChat, tm *tgMessage) (*conversation.Message, error) {
	stamp := tm.DateUnix
	if stamp == "" {
		stamp = tm.Date
	}
	ts, err := conversation.ParseTimestamp(stamp)
	if err != nil {
		return nil, err
	}
	author := tm.FromID
	if tm.From != nil && *tm.From != "" {
		author = *tm.From
	}
	m := &conversation.Message{
		Platform:       conversation.PlatformTelegram,
		NativeID:       strconv.FormatInt(tm.ID, 10),
		Timestamp:      ts,
		Author:         author,
		Role:           conversation.RoleUser,
		Content:        telegramText(tm.Text),
		ContentType:    conversation.ContentText,
		ConversationID: chat.conv.ID,
	}
	if chat.typ != "" {
		m.SetMeta("chat_type", chat.typ)
	}
	if tm.ReplyTo != 0 {
		m.SetMeta("reply_to", strconv.FormatInt(tm.ReplyTo, 10))
	}
	if tm.Forwarded != "" {
		m.SetMeta("forwarded_from", tm.Forwarded)
	}
	r.attach(m, tm.Photo, conversation.MediaImage, "")
	r.attach(m, tm.File, telegramMediaType(tm.MediaType, tm.MimeType), tm.MimeType)
	return m, nil
}

func (r *tgRun) attach(m *conversation.Message, ref string, t conversation.MediaType, mime string) {
	if ref == "" {
		return
	}
	if strings.HasPrefix(ref, telegramNotIncluded) {
		m.SetMeta("media_not_included", true)
		return
	}
	ptr := conversation.MediaPointer{
		Kind:     conversation.PointerFile,
		Ref:      ref,
		Name:     path.Base(ref),
		MIMEHint: mime,
		Type:     t,
	}
	if r.zipped {
		ptr.Kind = conversation.PointerArchiveMember
		ptr.Ref = path.Join(r.mediaDir, ref)
	}
	m.Media = append(m.Media, ptr)
}

func telegramMediaType(mediaType, mime string) conversation.MediaType {
	switch mediaType {
	case "voice_message", "audio_file":
		return conversation.MediaAudio
	case "video_file", "video_message", "animation":
		return conversation.MediaVideo
	case "sticker":
		return conversation.MediaImage
	}
	return mediaTypeFromMIME(mime)
}

// telegramText flattens "text", which is a string or an array of strings
// and entity objects.
func telegramText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		var text string
		if err := json.Unmarshal(p, &text); err == nil {
			b.WriteString(text)
			continue
		}
		var ent struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p, &ent); err == nil {
			b.WriteString(ent.Text)
		}
	}
	return b.String()
}
