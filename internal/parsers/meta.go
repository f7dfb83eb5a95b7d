package parsers

import (
	"archive/zip"
	"context"
	"encoding/json"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

// Meta parses Facebook Messenger and Instagram "Download your information"
// JSON exports: one directory per thread under messages/inbox, each holding
// message_1.json (newest) through message_N.json (oldest).
type Meta struct{}

// NewMeta creates the Facebook/Instagram export parser.
func NewMeta() *Meta { return &Meta{} }

// Name implements Parser.
func (*Meta) Name() string { return "meta" }

var metaMessageFile = regexp.MustCompile(`(^|/)messages/(inbox|archived_threads|filtered_threads|message_requests|e2ee_cutover)/[^/]+/message_(\d+)\.json$`)

type metaThread struct {
	Title        string `json:"title"`
	ThreadPath   string `json:"thread_path"`
	Participants []struct {
		Name string `json:"name"`
	} `json:"participants"`
	Messages []json.RawMessage `json:"messages"`
}

type metaURI struct {
	URI string `json:"uri"`
}

type metaMessage struct {
	SenderName  string          `json:"sender_name"`
	TimestampMS json.RawMessage `json:"timestamp_ms"`
	Content     string          `json:"content"`
	Type        string          `json:"type"`
	IsUnsent    bool            `json:"is_unsent"`
	Photos      []metaURI       `json:"photos"`
	Videos      []metaURI       `json:"videos"`
	AudioFiles  []metaURI       `json:"audio_files"`
	Files       []metaURI       `json:"files"`
	Gifs        []metaURI       `json:"gifs"`
	Sticker     *metaURI        `json:"sticker"`
	Share       *struct {
		Link      string `json:"link"`
		ShareText string `json:"share_text"`
	} `json:"share"`
	Reactions []struct {
		Reaction string `json:"reaction"`
		Actor    string `json:"actor"`
	} `json:"reactions"`
}

// Sniff implements Parser.
func (p *Meta) Sniff(src *Source) bool {
	if src.IsZip() {
		return src.FindMember(metaMessageFile.MatchString) != nil
	}
	keys := topKeys(src.Head(), 1)
	return keys["participants"] && keys["messages"]
}

type metaThreadFiles struct {
	dir   string
	files []*zip.File
	nums  []int
}

// Parse implements Parser.
func (p *Meta) Parse(ctx context.Context, src *Source, emit Emitter) (*Result, error) {
	if !src.IsZip() {
		return p.parseSingle(ctx, src, emit)
	}

	platform := conversation.PlatformFacebook
	threads := map[string]*metaThreadFiles{}
	var total int64
	for _, f := range src.Members() {
		if strings.Contains(strings.ToLower(f.Name), "instagram") {
			platform = conversation.PlatformInstagram
		}
		sm := metaMessageFile.FindStringSubmatch(f.Name)
		if sm == nil {
			continue
		}
		n, _ := strconv.Atoi(sm[3])
		dir := path.Dir(f.Name)
		t := threads[dir]
		if t == nil {
			t = &metaThreadFiles{dir: dir}
			threads[dir] = t
		}
		t.files = append(t.files, f)
		t.nums = append(t.nums, n)
		total += int64(f.UncompressedSize64)
	}
	src.Expect(total)

	dirs := make([]string, 0, len(threads))
	for d := range threads {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	res := &Result{Platform: platform}
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		t := threads[d]
		// message_N.json with the highest N holds the oldest messages.
		sort.Sort((*byNumDesc)(t))
		var (
			header metaThread
			msgs   []*conversation.Message
		)
		for _, f := range t.files {
			th, err := p.readMember(src, f)
			if err != nil {
				res.skip(f.Name, err)
				continue
			}
			if header.Title == "" {
				header.Title = th.Title
				header.ThreadPath = th.ThreadPath
			}
			msgs = append(msgs, p.messages(platform, th, f.Name, res)...)
		}
		if header.ThreadPath == "" {
			header.ThreadPath = path.Base(d)
		}
		conv, msgs := p.finish(platform, &header, msgs)
		if err := res.emitConversation(ctx, emit, conv, msgs); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Meta) parseSingle(ctx context.Context, src *Source, emit Emitter) (*Result, error) {
	rc, err := src.OpenRaw()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var th metaThread
	if err := newDecoder(rc).Decode(&th); err != nil {
		return nil, corrupt(err)
	}
	res := &Result{Platform: conversation.PlatformFacebook}
	msgs := p.messages(conversation.PlatformFacebook, &th, src.Name, res)
	if th.ThreadPath == "" {
		th.ThreadPath = src.Name
	}
	conv, msgs := p.finish(conversation.PlatformFacebook, &th, msgs)
	return res, res.emitConversation(ctx, emit, conv, msgs)
}

func (p *Meta) readMember(src *Source, f *zip.File) (*metaThread, error) {
	rc, err := src.OpenMember(f)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var th metaThread
	if err := newDecoder(rc).Decode(&th); err != nil {
		return nil, err
	}
	return &th, nil
}

// messages converts one file's messages into chronological order. The
// conversation id is filled in by finish.
func (p *Meta) messages(platform conversation.Platform, th *metaThread, file string, res *Result) []*conversation.Message {
	out := make([]*conversation.Message, 0, len(th.Messages))
	for i := len(th.Messages) - 1; i >= 0; i-- {
		var mm metaMessage
		if err := json.Unmarshal(th.Messages[i], &mm); err != nil {
			res.skip(where(file, i), err)
			continue
		}
		ts, err := conversation.ParseTimestamp(mm.TimestampMS)
		if err != nil {
			res.skip(where(file, i), err)
			continue
		}
		m := &conversation.Message{
			Platform:    platform,
			Timestamp:   ts,
			Author:      fixMojibake(mm.SenderName),
			Role:        conversation.RoleUser,
			Content:     fixMojibake(mm.Content),
			ContentType: conversation.ContentText,
		}
		if mm.Type != "" && mm.Type != "Generic" {
			m.SetMeta("type", mm.Type)
		}
		if mm.IsUnsent {
			m.SetMeta("unsent", true)
		}
		if len(mm.Reactions) > 0 {
			rs := make([]map[string]string, 0, len(mm.Reactions))
			for _, r := range mm.Reactions {
				rs = append(rs, map[string]string{
					"reaction": fixMojibake(r.Reaction),
					"actor":    fixMojibake(r.Actor),
				})
			}
			m.SetMeta("reactions", rs)
		}
		addMetaMedia(m, mm.Photos, conversation.MediaImage)
		addMetaMedia(m, mm.Gifs, conversation.MediaImage)
		addMetaMedia(m, mm.Videos, conversation.MediaVideo)
		addMetaMedia(m, mm.AudioFiles, conversation.MediaAudio)
		addMetaMedia(m, mm.Files, conversation.MediaDocument)
		if mm.Sticker != nil {
			addMetaMedia(m, []metaURI{*mm.Sticker}, conversation.MediaImage)
		}
		if mm.Share != nil && mm.Share.Link != "" {
			m.Media = append(m.Media, conversation.MediaPointer{
				Kind: conversation.PointerURL,
				Ref:  mm.Share.Link,
				Type: conversation.MediaDocument,
			})
			if mm.Share.ShareText != "" {
				m.SetMeta("share_text", fixMojibake(mm.Share.ShareText))
			}
		}
		out = append(out, m)
	}
	return out
}

func (p *Meta) finish(platform conversation.Platform, th *metaThread, msgs []*conversation.Message) (*conversation.Conversation, []*conversation.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	title := fixMojibake(th.Title)
	conv := &conversation.Conversation{
		Platform: platform,
		NativeID: th.ThreadPath,
		Title:    title,
	}
	if len(msgs) > 0 {
		conv.CreatedAt = msgs[0].Timestamp
	}
	conv.ID = conversation.ConversationID(platform, title, conv.CreatedAt, th.ThreadPath)
	for _, m := range msgs {
		m.ConversationID = conv.ID
	}
	sequence(msgs)
	return conv, msgs
}

func addMetaMedia(m *conversation.Message, uris []metaURI, t conversation.MediaType) {
	for _, u := range uris {
		if u.URI == "" {
			continue
		}
		kind := conversation.PointerArchiveMember
		if strings.HasPrefix(u.URI, "http://") || strings.HasPrefix(u.URI, "https://") {
			kind = conversation.PointerURL
		}
		m.Media = append(m.Media, conversation.MediaPointer{
			Kind: kind,
			Ref:  u.URI,
			Name: path.Base(u.URI),
			Type: t,
		})
	}
}

type byNumDesc metaThreadFiles

func (b *byNumDesc) Len() int           { return len(b.files) }
func (b *byNumDesc) Less(i, j int) bool { return b.nums[i] > b.nums[j] }
func (b *byNumDesc) Swap(i, j int) {
	b.files[i], b.files[j] = b.files[j], b.files[i]
	b.nums[i], b.nums[j] = b.nums[j], b.nums[i]
}

// fixMojibake undoes Meta's habit of writing UTF-8 bytes as Latin-1 code
// points ("Ã©" for "é"). Strings that do not round-trip are left alone.
func fixMojibake(s string) string {
	suspect := false
	for _, r := range s {
		if r > 0xFF {
			return s
		}
		if r >= 0x80 {
			suspect = true
		}
	}
	if !suspect {
		return s
	}
	b, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil || !utf8.ValidString(b) {
		return s
	}
	return b
}
