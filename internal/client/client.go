// Package client is a Go client for the archivist HTTP API. The archivist
// CLI and the job dashboard are built on it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	api "github.com/fyrsmithlabs/archivist/internal/http"
	"github.com/fyrsmithlabs/archivist/internal/jobs"
	"github.com/fyrsmithlabs/archivist/internal/store"
)

// DefaultURL is where archivistd listens unless configured otherwise.
const DefaultURL = "http://127.0.0.1:9191"

// Error is a non-2xx API reply.
type Error struct {
	Status  int
	Message string
	Kind    archive.Kind
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// Client talks to one archivistd as one owner.
type Client struct {
	baseURL string
	owner   string
	http    *http.Client
}

// New returns a client for baseURL acting as owner. Uploads can run for a
// long time, so the HTTP client has no overall timeout; callers bound
// requests with their context.
func New(baseURL, owner string) (*Client, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		owner:   owner,
		http:    &http.Client{},
	}, nil
}

// Owner returns the owner the client acts as.
func (c *Client) Owner() string { return c.owner }

// Upload streams the archive at path to the server and returns the queued
// job.
func (c *Client) Upload(ctx context.Context, path string) (*api.JobResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var job api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/archives", nil, pr, mw.FormDataContentType(), &job); err != nil {
		// Unblock the writer if the request failed before reading the body.
		pr.CloseWithError(err)
		return nil, err
	}
	return &job, nil
}

// Job returns one job.
func (c *Client) Job(ctx context.Context, id string) (*api.JobResponse, error) {
	var job api.JobResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/archives/"+url.PathEscape(id), nil, nil, "", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs lists the owner's jobs, newest first.
func (c *Client) Jobs(ctx context.Context, limit, offset int) (*api.JobListResponse, error) {
	var list api.JobListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/archives", pageQuery(limit, offset), nil, "", &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Cancel stops a queued or running job.
func (c *Client) Cancel(ctx context.Context, id string) (*api.JobResponse, error) {
	var job api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/archives/"+url.PathEscape(id)+"/cancel", nil, nil, "", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Delete removes an archive and everything derived from it.
func (c *Client) Delete(ctx context.Context, id string) (*jobs.DeleteResult, error) {
	var res jobs.DeleteResult
	if err := c.do(ctx, http.MethodDelete, "/api/v1/archives/"+url.PathEscape(id), nil, nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Reprocess retries failed media and embeddings of a completed job.
func (c *Client) Reprocess(ctx context.Context, id string) (*jobs.ReprocessResult, error) {
	var res jobs.ReprocessResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/archives/"+url.PathEscape(id)+"/reprocess", nil, nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Conversations lists the conversations imported by one job.
func (c *Client) Conversations(ctx context.Context, id string, limit, offset int) (*api.ConversationListResponse, error) {
	var list api.ConversationListResponse
	path := "/api/v1/archives/" + url.PathEscape(id) + "/conversations"
	if err := c.do(ctx, http.MethodGet, path, pageQuery(limit, offset), nil, "", &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// MessageQuery filters message listings and text searches. Zero fields
// are not sent.
type MessageQuery struct {
	ArchiveID      string
	ConversationID string
	Author         string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

func (q MessageQuery) values() url.Values {
	v := pageQuery(q.Limit, q.Offset)
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("archive_id", q.ArchiveID)
	set("conversation_id", q.ConversationID)
	set("author", q.Author)
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	return v
}

// Messages lists messages in chronological order.
func (c *Client) Messages(ctx context.Context, q MessageQuery) (*store.Page, error) {
	var page store.Page
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages", q.values(), nil, "", &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SearchText runs a substring search over message content.
func (c *Client) SearchText(ctx context.Context, text string, q MessageQuery) (*api.SearchResponse, error) {
	v := q.values()
	v.Set("q", text)
	v.Set("mode", "text")
	var res api.SearchResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/search", v, nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SearchSemantic runs a vector search and returns at most k hits,
// optionally restricted to one archive.
func (c *Client) SearchSemantic(ctx context.Context, text string, k int, archiveID string) (*api.SearchResponse, error) {
	v := url.Values{"q": {text}, "mode": {"vector"}}
	if k > 0 {
		v.Set("limit", strconv.Itoa(k))
	}
	if archiveID != "" {
		v.Set("archive_id", archiveID)
	}
	var res api.SearchResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/search", v, nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health returns the daemon's health report. A degraded daemon answers
// 503 with the same body, which is returned alongside the error.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeError(resp)
	}
	var res api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &res, &Error{Status: resp.StatusCode, Message: "server is " + res.Status}
	}
	return &res, nil
}

// Media streams one media asset into w.
func (c *Client) Media(ctx context.Context, checksum string, thumbnail bool, w io.Writer) (int64, error) {
	path := "/api/v1/media/" + url.PathEscape(checksum)
	if thumbnail {
		path += "/thumbnail"
	}
	resp, err := c.send(ctx, http.MethodGet, path, nil, nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

func pageQuery(limit, offset int) url.Values {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		v.Set("offset", strconv.Itoa(offset))
	}
	return v
}

// do sends one request and decodes a JSON reply into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out interface{}) error {
	resp, err := c.send(ctx, method, path, query, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// send performs the request with the owner header set. Any status is
// returned without error.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(api.HeaderOwner, c.owner)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	e := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body api.ErrorResponse
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && json.Unmarshal(data, &body) == nil && body.Error != "" {
		e.Message = body.Error
		e.Kind = body.Kind
	}
	return e
}
