package parsers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/archivist/internal/archive"
)

// errStop ends a token walk early without signalling failure.
var errStop = errors.New("stop")

// topKeys returns the keys of the first JSON object found at depth in a
// possibly truncated document. depth 1 is the document's own object; depth 2
// is the first object inside a top-level array.
func topKeys(head []byte, depth int) map[string]bool {
	keys := make(map[string]bool)
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(head, utf8BOM)))
	want := []json.Delim{'{'}
	if depth == 2 {
		want = []json.Delim{'[', '{'}
	}
	for _, d := range want {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		if got, ok := tok.(json.Delim); !ok || got != d {
			return keys
		}
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		keys[key] = true
		if err := skipValue(dec); err != nil {
			return keys
		}
	}
	return keys
}

var utf8BOM = []byte("\xef\xbb\xbf")

// newDecoder wraps r for streaming, dropping a leading byte order mark.
func newDecoder(r io.Reader) *json.Decoder {
	br := bufio.NewReaderSize(r, 256*1024)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	dec := json.NewDecoder(br)
	dec.UseNumber()
	return dec
}

// skipValue consumes the next complete JSON value from dec.
func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

// expectDelim reads one token and checks it is want.
func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return corrupt(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return archive.Errorf(archive.KindCorruptArchive, "expected %q, got %v", want, tok)
	}
	return nil
}

// streamArray reads a JSON array element by element. Each element is handed
// over as raw bytes so a record with unexpected types can be skipped without
// losing the stream position.
func streamArray(dec *json.Decoder, fn func(raw json.RawMessage) error) error {
	if err := expectDelim(dec, '['); err != nil {
		return err
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return corrupt(err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return corrupt(err)
	}
	return nil
}

// walkObject iterates the keys of the object at the decoder's position,
// calling fn with the decoder positioned on the key's value. fn must consume
// the value; returning errStop leaves the rest of the object unread.
func walkObject(dec *json.Decoder, fn func(key string) error) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return corrupt(err)
		}
		key, ok := tok.(string)
		if !ok {
			return archive.Errorf(archive.KindCorruptArchive, "expected object key, got %v", tok)
		}
		if err := fn(key); err != nil {
			if err == errStop {
				return nil
			}
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return corrupt(err)
	}
	return nil
}

// corrupt classifies a syntax-level stream error. Records that decode but
// carry bad fields are skipped by the parsers instead.
func corrupt(err error) error {
	if err == nil {
		return nil
	}
	var ae *archive.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return archive.Wrap(archive.KindCorruptArchive, "malformed JSON stream", err)
}

// rawString decodes a JSON string, number or null into a string.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return fmt.Sprintf("%s...", s[:pos])
		}
		i++
	}
	return s
}
