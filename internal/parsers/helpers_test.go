package parsers

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
)

type collector struct {
	convs []*conversation.Conversation
	msgs  map[string][]*conversation.Message
}

func newCollector() *collector {
	return &collector{msgs: map[string][]*conversation.Message{}}
}

func (c *collector) Conversation(_ context.Context, conv *conversation.Conversation) error {
	c.convs = append(c.convs, conv)
	return nil
}

func (c *collector) Message(_ context.Context, m *conversation.Message) error {
	c.msgs[m.ConversationID] = append(c.msgs[m.ConversationID], m)
	return nil
}

func (c *collector) all() []*conversation.Message {
	var out []*conversation.Message
	for _, conv := range c.convs {
		out = append(out, c.msgs[conv.ID]...)
	}
	return out
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	return p
}

func writeZip(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[n]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func openSource(t *testing.T, p string) *Source {
	t.Helper()
	src, err := OpenSource(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func parse(t *testing.T, p Parser, path string) (*Result, *collector) {
	t.Helper()
	src := openSource(t, path)
	c := newCollector()
	res, err := p.Parse(context.Background(), src, c)
	require.NoError(t, err)
	return res, c
}

func requireDense(t *testing.T, msgs []*conversation.Message) {
	t.Helper()
	for i, m := range msgs {
		require.Equal(t, i, m.Ordinal)
	}
}
