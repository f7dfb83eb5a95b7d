package media

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
	"github.com/fyrsmithlabs/archivist/internal/parsers"
)

// writeZip creates a zip upload holding members and returns its path.
func writeZip(t *testing.T, dir string, members map[string][]byte) string {
	t.Helper()
	path := filepath.Join(dir, "export.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func openSource(t *testing.T, path string) *parsers.Source {
	t.Helper()
	src, err := parsers.OpenSource(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestSourceResolver_ArchiveMember(t *testing.T) {
	path := writeZip(t, t.TempDir(), map[string][]byte{
		"conversations.json":   []byte("[]"),
		"files/file-abc-a.png": []byte("png bytes"),
	})
	r := NewSourceResolver(openSource(t, path), nil)
	ctx := context.Background()

	rc, err := r.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerArchiveMember, Ref: "files/file-abc-a.png"})
	require.NoError(t, err)
	assert.Equal(t, "png bytes", readAll(t, rc))

	rc, err = r.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerArchiveMember, Ref: "file-abc"})
	require.NoError(t, err, "base-name prefix resolves")
	assert.Equal(t, "png bytes", readAll(t, rc))

	_, err = r.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerArchiveMember, Ref: "files/missing.png"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSourceResolver_File(t *testing.T) {
	dir := t.TempDir()
	upload := filepath.Join(dir, "result.json")
	require.NoError(t, os.WriteFile(upload, []byte(`{"name":"chat","messages":[]}`), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "photos"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photos", "p1.jpg"), []byte("jpeg"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(dir), "outside.txt"), []byte("secret"), 0600))
	t.Cleanup(func() { _ = os.Remove(filepath.Join(filepath.Dir(dir), "outside.txt")) })

	r := NewSourceResolver(openSource(t, upload), nil)
	ctx := context.Background()

	rc, err := r.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerFile, Ref: "photos/p1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "jpeg", readAll(t, rc))

	for _, ref := range []string{"../outside.txt", "/etc/passwd", "", "photos"} {
		_, err := r.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerFile, Ref: ref})
		assert.ErrorIs(t, err, ErrNotFound, "ref %q", ref)
	}

	// Raw uploads resolve archive_member pointers against the directory too.
	rc, err = r.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerArchiveMember, Ref: "photos/p1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "jpeg", readAll(t, rc))
}

func TestSourceResolver_URLDeferredWithoutFetcher(t *testing.T) {
	path := writeZip(t, t.TempDir(), map[string][]byte{"a.json": []byte("{}")})
	r := NewSourceResolver(openSource(t, path), nil)
	_, err := r.Open(context.Background(), conversation.MediaPointer{Kind: conversation.PointerURL, Ref: "https://example.com/a.png"})
	assert.ErrorIs(t, err, ErrDeferred)

	_, err = r.Open(context.Background(), conversation.MediaPointer{Kind: "carrier-pigeon", Ref: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedPointer)
}

func TestFetcher_Open(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			_, _ = w.Write([]byte("remote"))
		case "/gone.png":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 100, 10)
	ctx := context.Background()

	rc, err := f.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerURL, Ref: srv.URL + "/ok.png"})
	require.NoError(t, err)
	assert.Equal(t, "remote", readAll(t, rc))

	_, err = f.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerURL, Ref: srv.URL + "/gone.png"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerURL, Ref: srv.URL + "/boom"})
	assert.Error(t, err)

	_, err = f.Open(ctx, conversation.MediaPointer{Kind: conversation.PointerURL, Ref: "file:///etc/passwd"})
	assert.ErrorIs(t, err, ErrUnsupportedPointer)
}
