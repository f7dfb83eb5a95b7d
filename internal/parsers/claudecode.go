package parsers

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

// ClaudeCode parses Claude Code session transcripts: JSONL files, one record
// per line, linked into a tree by uuid/parentUuid. A zip of a projects
// directory yields one conversation per .jsonl member.
type ClaudeCode struct{}

// NewClaudeCode creates the Claude Code transcript parser.
func NewClaudeCode() *ClaudeCode { return &ClaudeCode{} }

// Name implements Parser.
func (*ClaudeCode) Name() string { return string(conversation.PlatformClaudeCode) }

// Increase buffer size for large tool outputs.
const maxScanTokenSize = 10 * 1024 * 1024

type ccRecord struct {
	Type        string          `json:"type"`
	UUID        string          `json:"uuid"`
	ParentUUID  string          `json:"parentUuid"`
	SessionID   string          `json:"sessionId"`
	Timestamp   string          `json:"timestamp"`
	Message     json.RawMessage `json:"message"`
	Summary     string          `json:"summary"`
	IsSidechain bool            `json:"isSidechain"`
	Cwd         string          `json:"cwd"`
	GitBranch   string          `json:"gitBranch"`
}

type ccMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type ccBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

// ToolCall is a tool invocation recorded in message metadata.
type ToolCall struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

func isTranscriptHead(head []byte) bool {
	keys := topKeys(head, 1)
	return keys["sessionId"] || keys["leafUuid"] || (keys["uuid"] && keys["parentUuid"])
}

// Sniff implements Parser.
func (p *ClaudeCode) Sniff(src *Source) bool {
	if !src.IsZip() {
		return isTranscriptHead(src.Head())
	}
	m := src.FindMember(func(name string) bool { return strings.HasSuffix(name, ".jsonl") })
	return m != nil && isTranscriptHead(MemberHead(m))
}

// Parse implements Parser.
func (p *ClaudeCode) Parse(ctx context.Context, src *Source, emit Emitter) (*Result, error) {
	res := &Result{Platform: conversation.PlatformClaudeCode}
	if !src.IsZip() {
		rc, err := src.OpenRaw()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return res, p.session(ctx, rc, src.Name, emit, res)
	}

	var files []*zip.File
	var total int64
	for _, f := range src.Members() {
		if strings.HasSuffix(f.Name, ".jsonl") {
			files = append(files, f)
			total += int64(f.UncompressedSize64)
		}
	}
	src.Expect(total)
	for _, f := range files {
		rc, err := src.OpenMember(f)
		if err != nil {
			return res, err
		}
		err = p.session(ctx, rc, path.Base(f.Name), emit, res)
		rc.Close()
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *ClaudeCode) session(ctx context.Context, r io.Reader, file string, emit Emitter, res *Result) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	sessionID := strings.TrimSuffix(file, ".jsonl")
	var (
		nodes   []conversation.Node
		summary string
		first   string
		created time.Time
		lineNum int
	)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec ccRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			res.skip(fmt.Sprintf("%s:%d", file, lineNum), fmt.Errorf("JSON parse error: %w", err))
			continue
		}
		if rec.Type == "summary" {
			if summary == "" {
				summary = rec.Summary
			}
			continue
		}
		if rec.UUID == "" {
			continue
		}
		if rec.SessionID != "" {
			sessionID = rec.SessionID
		}
		node := conversation.Node{ID: rec.UUID, ParentID: rec.ParentUUID}
		if rec.Type == "user" || rec.Type == "assistant" {
			m, err := p.message(&rec)
			if err != nil {
				res.skip(fmt.Sprintf("%s:%d", file, lineNum), fmt.Errorf("message parse error: %w", err))
			} else if m != nil {
				node.Message = m
				if first == "" && m.Role == conversation.RoleUser && m.ContentType == conversation.ContentText {
					first = m.Content
				}
				if !m.Timestamp.IsZero() && (created.IsZero() || m.Timestamp.Before(created)) {
					created = m.Timestamp
				}
			}
		}
		nodes = append(nodes, node)
	}
	if err := scanner.Err(); err != nil {
		return corrupt(fmt.Errorf("scanning %s: %w", file, err))
	}
	if len(nodes) == 0 {
		return nil
	}

	title := summary
	if title == "" {
		title = truncate(firstLine(first), 80)
	}
	if title == "" {
		title = sessionID
	}
	conv := &conversation.Conversation{
		ID:        conversation.ConversationID(conversation.PlatformClaudeCode, title, created, sessionID),
		Platform:  conversation.PlatformClaudeCode,
		NativeID:  sessionID,
		Title:     title,
		CreatedAt: created,
	}
	for i := range nodes {
		if nodes[i].Message != nil {
			nodes[i].Message.ConversationID = conv.ID
		}
	}
	return res.emitConversation(ctx, emit, conv, conversation.Reconstruct(nodes, ""))
}

// message returns nil, nil for records with no text and no tool activity.
func (p *ClaudeCode) message(rec *ccRecord) (*conversation.Message, error) {
	ts, err := conversation.ParseTimestamp(rec.Timestamp)
	if err != nil {
		return nil, err
	}

	var cm ccMessage
	var userText string
	if err := json.Unmarshal(rec.Message, &userText); err != nil {
		if err := json.Unmarshal(rec.Message, &cm); err != nil {
			return nil, err
		}
	}

	content, contentType := userText, conversation.ContentText
	var toolCalls []ToolCall
	images := 0
	if userText == "" {
		var s string
		if err := json.Unmarshal(cm.Content, &s); err == nil {
			content = s
		} else {
			var blocks []ccBlock
			if err := json.Unmarshal(cm.Content, &blocks); err != nil && len(cm.Content) > 0 {
				return nil, err
			}
			content, contentType, toolCalls, images = extractBlocks(blocks)
		}
	}
	if content == "" && len(toolCalls) == 0 {
		return nil, nil
	}

	role := rec.Type
	if cm.Role != "" {
		role = cm.Role
	}
	m := &conversation.Message{
		Platform:    conversation.PlatformClaudeCode,
		NativeID:    rec.UUID,
		Timestamp:   ts,
		Author:      role,
		Role:        conversation.NormalizeRole(role),
		Content:     content,
		ContentType: contentType,
	}
	if len(toolCalls) > 0 {
		m.SetMeta("tool_calls", toolCalls)
	}
	if images > 0 {
		m.SetMeta("inline_images", images)
	}
	if cm.Model != "" {
		m.SetMeta("model", cm.Model)
	}
	if rec.GitBranch != "" {
		m.SetMeta("git_branch", rec.GitBranch)
	}
	if rec.Cwd != "" {
		m.SetMeta("cwd", rec.Cwd)
	}
	if rec.IsSidechain {
		m.SetMeta("sidechain", true)
	}
	return m, nil
}

// extractBlocks flattens content blocks. A message made only of tool
// results is execution output.
func extractBlocks(blocks []ccBlock) (string, conversation.ContentType, []ToolCall, int) {
	var texts, results []string
	var toolCalls []ToolCall
	images := 0
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "tool_use":
			tc := ToolCall{Name: b.Name, Params: make(map[string]string)}
			var input map[string]interface{}
			if err := json.Unmarshal(b.Input, &input); err == nil {
				for k, v := range input {
					tc.Params[k] = fmt.Sprintf("%v", v)
				}
			}
			toolCalls = append(toolCalls, tc)
		case "tool_result":
			if s := toolResultText(b.Content); s != "" {
				results = append(results, s)
			}
		case "image":
			images++
		}
	}
	if len(texts) == 0 && len(results) > 0 {
		return strings.Join(results, "\n"), conversation.ContentExecutionOutput, toolCalls, images
	}
	return strings.Join(texts, "\n"), conversation.ContentText, toolCalls, images
}

func toolResultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ccBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
