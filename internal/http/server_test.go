package http

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/config"
	"github.com/fyrsmithlabs/archivist/internal/embeddings"
	"github.com/fyrsmithlabs/archivist/internal/index"
	"github.com/fyrsmithlabs/archivist/internal/jobs"
	"github.com/fyrsmithlabs/archivist/internal/media"
	"github.com/fyrsmithlabs/archivist/internal/store"
	"github.com/fyrsmithlabs/archivist/internal/vectorstore"
)

const (
	testDim   = 64
	testOwner = "alice"
)

const chatgptExport = `[
  {
    "title": "Cats",
    "create_time": 1700000000,
    "conversation_id": "conv-cats",
    "current_node": "c",
    "mapping": {
      "root": {"id": "root", "message": null, "parent": null, "children": ["a"]},
      "a": {"id": "a", "parent": "root", "children": ["b"], "message": {
        "id": "a", "author": {"role": "user"}, "create_time": 1700000001,
        "content": {"content_type": "multimodal_text", "parts": [
          {"content_type": "image_asset_pointer", "asset_pointer": "file-service://file-abc123"},
          "what is in this picture?"
        ]}}},
      "b": {"id": "b", "parent": "a", "children": ["c"], "message": {
        "id": "b", "author": {"role": "assistant"}, "create_time": 1700000002,
        "content": {"content_type": "text", "parts": ["a cat sleeping on a keyboard"]}}},
      "c": {"id": "c", "parent": "b", "children": [], "message": {
        "id": "c", "author": {"role": "user"}, "create_time": 1700000003,
        "content": {"content_type": "text", "parts": ["thanks for the help"]}}}
    }
  }
]`

type testServer struct {
	srv   *Server
	store *store.Store
}

func setupTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	scfg := store.NewDefaultConfig()
	scfg.Path = filepath.Join(dir, "archivist.db")
	st, err := store.Open(scfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mcfg := media.NewDefaultConfig()
	mcfg.Root = filepath.Join(dir, "media")
	mcfg.FFmpegPath = ""
	ms, err := media.NewService(mcfg, st, logger)
	require.NoError(t, err)

	vcfg := vectorstore.NewDefaultConfig()
	vcfg.ChromemPath = ""
	vcfg.VectorSize = testDim
	vs, err := vectorstore.NewChromemStore(vcfg, nil)
	require.NoError(t, err)
	idx := index.NewService(embeddings.NewFake(testDim), vs, st, index.Options{}, logger)

	jcfg := jobs.NewDefaultConfig()
	jcfg.Workers = 1
	jcfg.PollInterval = config.Duration(20 * time.Millisecond)
	mgr, err := jobs.NewManager(jcfg, jobs.Deps{Store: st, Media: ms, Index: idx}, logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Start(ctx))
	t.Cleanup(func() {
		cancel()
		mgr.Wait()
	})

	cfg := &Config{Host: "127.0.0.1", Port: 9191, UploadDir: filepath.Join(dir, "uploads")}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := NewServer(Deps{Jobs: mgr, Store: st, Media: ms, Index: idx, Vectors: vs}, logger, cfg)
	require.NoError(t, err)
	return &testServer{srv: srv, store: st}
}

func (ts *testServer) do(t *testing.T, method, target, owner string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if owner != "" {
		req.Header.Set(HeaderOwner, owner)
	}
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func exportZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"conversations.json":  chatgptExport,
		"file-abc123-cat.png": "png bytes",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	w, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (ts *testServer) upload(t *testing.T, filename string, content []byte) JobResponse {
	t.Helper()
	body, ct := multipartBody(t, "file", filename, content)
	rec := ts.do(t, http.MethodPost, "/api/v1/archives", testOwner, body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

// waitTerminal polls the status route until the job finishes and returns
// the raw status body.
func (ts *testServer) waitTerminal(t *testing.T, id string) map[string]any {
	t.Helper()
	var body map[string]any
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/archives/"+id, testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		body = map[string]any{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		st := archive.Status(body["status"].(string))
		return st.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return body
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when logger is nil", func(t *testing.T) {
		ts := setupTestServer(t, nil)
		_, err := NewServer(ts.srv.deps, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error without services", func(t *testing.T) {
		_, err := NewServer(Deps{}, zap.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		ts := setupTestServer(t, nil)
		server, err := NewServer(ts.srv.deps, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Services["database"])
	assert.Equal(t, "ok", resp.Services["vectorstore:chromem"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.upload(t, "export.zip", exportZip(t))

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "archivist_jobs_submitted_total")
}

func TestRequiresOwner(t *testing.T) {
	ts := setupTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/archives", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Contains(t, resp.Error, HeaderOwner)

	rec = ts.do(t, http.MethodGet, "/api/v1/archives", strings.Repeat("o", 200), nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/archives", "bad\x01owner", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadLifecycle(t *testing.T) {
	ts := setupTestServer(t, nil)

	queued := ts.upload(t, "export.zip", exportZip(t))
	assert.Equal(t, archive.StatusQueued, queued.Status)
	assert.Equal(t, "export.zip", queued.Filename)
	assert.Nil(t, queued.Reason)

	status := ts.waitTerminal(t, queued.ID)
	require.Equal(t, "completed", status["status"], status)
	assert.Equal(t, "chatgpt", status["platform"])
	assert.Equal(t, 1.0, status["progress"])
	assert.NotContains(t, status, "reason")
	counters := status["counters"].(map[string]any)
	assert.Equal(t, 3.0, counters["messages_parsed"])
	assert.Equal(t, 0.0, counters["messages_skipped"])
	assert.Equal(t, 1.0, counters["media_extracted"])
	assert.Equal(t, 0.0, counters["media_failed"])

	t.Run("other owners see nothing", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/archives/"+queued.ID, "mallory", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = ts.do(t, http.MethodGet, "/api/v1/archives/"+queued.ID+"/conversations", "mallory", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/archives?limit=10", testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[JobListResponse](t, rec)
		require.Len(t, list.Jobs, 1)
		assert.Equal(t, queued.ID, list.Jobs[0].ID)
	})

	t.Run("conversations", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/archives/"+queued.ID+"/conversations", testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[ConversationListResponse](t, rec)
		require.Len(t, list.Conversations, 1)
		assert.Equal(t, "Cats", list.Conversations[0].Title)
		assert.Equal(t, 3, list.Conversations[0].MessageCount)
	})

	t.Run("messages", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/messages?archive_id="+queued.ID, testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[store.Page](t, rec)
		assert.EqualValues(t, 3, page.Total)
		require.Len(t, page.Messages, 3)
		assert.Equal(t, "what is in this picture?", page.Messages[0].Content)

		rec = ts.do(t, http.MethodGet, "/api/v1/messages?since=2023-11-14T22:13:22Z", testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 2, decode[store.Page](t, rec).Total)

		rec = ts.do(t, http.MethodGet, "/api/v1/messages?since=2023-11-14T22:13:22Z&until=2023-11-14T22:13:21Z", testOwner, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/messages?since=yesterday", testOwner, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/messages", "mallory", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, decode[store.Page](t, rec).Total)
	})

	t.Run("text search", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/search?q=KEYBOARD", testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[SearchResponse](t, rec)
		assert.Equal(t, "text", resp.Mode)
		require.NotNil(t, resp.Page)
		require.Len(t, resp.Page.Messages, 1)
		assert.Equal(t, "a cat sleeping on a keyboard", resp.Page.Messages[0].Content)
	})

	t.Run("vector search", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/search?mode=vector&limit=1&q=a+cat+sleeping+on+a+keyboard", testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[SearchResponse](t, rec)
		require.Len(t, resp.Hits, 1)
		assert.Equal(t, queued.ID, resp.Hits[0].ArchiveID)
		assert.Equal(t, "a cat sleeping on a keyboard", resp.Hits[0].Message.Content)

		rec = ts.do(t, http.MethodGet, "/api/v1/search?mode=vector&q=cat", "mallory", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[SearchResponse](t, rec).Hits)
	})

	t.Run("search validation", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/search", testOwner, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = ts.do(t, http.MethodGet, "/api/v1/search?q=cat&mode=fuzzy", testOwner, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = ts.do(t, http.MethodGet, "/api/v1/search?q=cat&limit=abc", testOwner, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("media", func(t *testing.T) {
		refs, err := ts.store.Media().RefsByStatus(context.Background(), queued.ID, archive.RefExtracted)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		sum := refs[0].Checksum

		rec := ts.do(t, http.MethodGet, "/api/v1/media/"+sum, testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "png bytes", rec.Body.String())
		assert.Equal(t, `"`+sum+`"`, rec.Header().Get("ETag"))

		rec = ts.do(t, http.MethodGet, "/api/v1/media/"+sum, "mallory", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/media/"+sum+"/thumbnail", testOwner, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "undecodable images have no thumbnail")

		rec = ts.do(t, http.MethodGet, "/api/v1/media/not-a-checksum", testOwner, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("cancel after completion conflicts", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/archives/"+queued.ID+"/cancel", testOwner, nil, "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("reprocess", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/archives/"+queued.ID+"/reprocess", testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[jobs.ReprocessResult](t, rec)
		assert.Zero(t, res.MediaRetried)
		assert.False(t, res.SourceMissing)
		require.NotNil(t, res.Job)
		assert.Equal(t, 3, res.Job.Counters.MessagesEmbedded)
	})

	t.Run("delete", func(t *testing.T) {
		rec := ts.do(t, http.MethodDelete, "/api/v1/archives/"+queued.ID, "mallory", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = ts.do(t, http.MethodDelete, "/api/v1/archives/"+queued.ID, testOwner, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[jobs.DeleteResult](t, rec)
		assert.Equal(t, 1, res.BlobsRemoved)

		rec = ts.do(t, http.MethodGet, "/api/v1/archives/"+queued.ID, testOwner, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUploadFailures(t *testing.T) {
	t.Run("missing file field", func(t *testing.T) {
		ts := setupTestServer(t, nil)
		body, ct := multipartBody(t, "attachment", "export.zip", []byte("data"))
		rec := ts.do(t, http.MethodPost, "/api/v1/archives", testOwner, body, ct)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		ts := setupTestServer(t, func(c *Config) { c.MaxUploadBytes = 64 })
		body, ct := multipartBody(t, "file", "export.zip", bytes.Repeat([]byte("x"), 4096))
		rec := ts.do(t, http.MethodPost, "/api/v1/archives", testOwner, body, ct)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("unsupported format fails with reason", func(t *testing.T) {
		ts := setupTestServer(t, nil)
		job := ts.upload(t, "notes.txt", []byte("shopping list\nmilk\n"))
		status := ts.waitTerminal(t, job.ID)
		require.Equal(t, "failed", status["status"])
		reason, ok := status["reason"].(map[string]any)
		require.True(t, ok, "failed jobs expose a reason: %v", status)
		assert.Equal(t, string(archive.KindUnsupportedFormat), reason["kind"])
		assert.NotContains(t, status, "error_kind")
	})
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", media.ErrNotFound), http.StatusNotFound},
		{jobs.ErrFinished, http.StatusConflict},
		{jobs.ErrNotCompleted, http.StatusConflict},
		{jobs.ErrBusy, http.StatusConflict},
		{embeddings.ErrEmptyInput, http.StatusBadRequest},
		{archive.Wrap(archive.KindEmbeddingUnavailable, "embed query", nil), http.StatusServiceUnavailable},
		{archive.Wrap(archive.KindStorageFailure, "insert", nil), http.StatusInternalServerError},
		{echo.NewHTTPError(http.StatusTeapot, "tea"), http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"export.zip", "export.zip"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\export.zip`, "export.zip"},
		{"", "upload"},
		{"..", "upload"},
		{"bad\x00name.zip", "badname.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeFilename(tt.in))
		})
	}
}
