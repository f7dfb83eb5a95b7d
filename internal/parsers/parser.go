// Package parsers turns uploaded chat exports into normalized messages.
//
// Each supported export format has its own Parser. The Detector sniffs an
// opened Source with every parser in a fixed priority order and returns the
// first match. Parsers stream their input and hand conversations and
// messages to an Emitter as they go; media is emitted as pointers and
// extracted later.
package parsers

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

// Emitter receives parser output. A returned error aborts the parse.
type Emitter interface {
	// Conversation is called once per conversation, before its messages.
	Conversation(ctx context.Context, c *conversation.Conversation) error
	// Message is called for each message in ordinal order.
	Message(ctx context.Context, m *conversation.Message) error
}

// Parser is one export format.
type Parser interface {
	// Name is the format tag recorded on the job.
	Name() string
	// Sniff reports whether src looks like this format. It must be cheap
	// and must not consume the source.
	Sniff(src *Source) bool
	// Parse streams src into emit.
	Parse(ctx context.Context, src *Source, emit Emitter) (*Result, error)
}

// maxStoredErrors bounds Result.Errors.
const maxStoredErrors = 10

// ParseError describes one skipped record.
type ParseError struct {
	Where string `json:"where"`
	Error string `json:"error"`
}

// Result summarizes one parse.
type Result struct {
	Platform      conversation.Platform `json:"platform"`
	Conversations int                   `json:"conversations"`
	Messages      int                   `json:"messages"`
	Skipped       int                   `json:"skipped"`
	Errors        []ParseError          `json:"errors,omitempty"`
}

func (r *Result) skip(where string, err error) {
	r.Skipped++
	if len(r.Errors) < maxStoredErrors {
		r.Errors = append(r.Errors, ParseError{Where: where, Error: err.Error()})
	}
}

// emitConversation sends a conversation and its ordered messages, updating
// the counters.
func (r *Result) emitConversation(ctx context.Context, emit Emitter, c *conversation.Conversation, msgs []*conversation.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := emit.Conversation(ctx, c); err != nil {
		return err
	}
	r.Conversations++
	for _, m := range msgs {
		if err := emit.Message(ctx, m); err != nil {
			return err
		}
		r.Messages++
	}
	return nil
}

// Detector selects a parser for a source.
type Detector struct {
	parsers []Parser
}

// NewDetector tries parsers in the given order.
func NewDetector(parsers ...Parser) *Detector {
	return &Detector{parsers: parsers}
}

// DefaultDetector knows every built-in format. The sniffs check mutually
// exclusive signatures, so the order only matters for speed.
func DefaultDetector() *Detector {
	return NewDetector(
		NewChatGPT(),
		NewClaude(),
		NewTelegram(),
		NewMeta(),
		NewClaudeCode(),
	)
}

// Detect returns the first parser whose sniff matches. A sniff that panics
// on malformed input counts as a miss.
func (d *Detector) Detect(src *Source) (Parser, bool) {
	if src == nil {
		return nil, false
	}
	for _, p := range d.parsers {
		if safeSniff(p, src) {
			return p, true
		}
	}
	return nil, false
}

// Lookup returns a parser by name, used when reprocessing a job whose
// format is already known.
func (d *Detector) Lookup(name string) (Parser, bool) {
	for _, p := range d.parsers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

func safeSniff(p Parser, src *Source) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return p.Sniff(src)
}

// sequence assigns ordinals and ids to an already-ordered flat message list.
func sequence(msgs []*conversation.Message) {
	seq := newSequencer()
	for _, m := range msgs {
		seq.assign(m)
	}
}

func where(conv string, idx int) string {
	return fmt.Sprintf("%s#%d", conv, idx)
}

// sequencer numbers messages of one conversation as they stream past.
type sequencer struct {
	next int
	seen map[string]struct{}
}

func newSequencer() *sequencer {
	return &sequencer{seen: make(map[string]struct{})}
}

func (s *sequencer) assign(m *conversation.Message) {
	m.Ordinal = s.next
	s.next++
	id := conversation.MessageID(m.Platform, m.ConversationID, m.NativeID, m.Timestamp, m.Content)
	if _, dup := s.seen[id]; dup {
		id = conversation.Disambiguate(id, m.Ordinal)
	}
	s.seen[id] = struct{}{}
	m.ID = id
}
