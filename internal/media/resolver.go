package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/archivist/internal/conversation"
	"github.com/fyrsmithlabs/archivist/internal/parsers"
)

var (
	// ErrDeferred is returned for url pointers when remote fetching is
	// disabled. The ref stays resolvable by a later reprocess.
	ErrDeferred = errors.New("remote fetch disabled")
	// ErrNotFound is returned when a pointer names nothing in the upload.
	ErrNotFound = errors.New("media not found")
	// ErrUnsupportedPointer is returned for pointer kinds a resolver cannot
	// handle.
	ErrUnsupportedPointer = errors.New("unsupported media pointer")
)

// Resolver turns a media pointer into a byte stream.
type Resolver interface {
	Open(ctx context.Context, p conversation.MediaPointer) (io.ReadCloser, error)
}

// SourceResolver resolves pointers against one uploaded archive: zip
// members, files next to a raw upload, and url pointers through an optional
// Fetcher.
type SourceResolver struct {
	src     *parsers.Source
	fetcher *Fetcher
}

// NewSourceResolver returns a resolver bound to src. fetcher may be nil, in
// which case url pointers are deferred.
func NewSourceResolver(src *parsers.Source, fetcher *Fetcher) *SourceResolver {
	return &SourceResolver{src: src, fetcher: fetcher}
}

// Open implements Resolver.
func (r *SourceResolver) Open(ctx context.Context, p conversation.MediaPointer) (io.ReadCloser, error) {
	switch p.Kind {
	case conversation.PointerURL:
		if r.fetcher == nil {
			return nil, ErrDeferred
		}
		return r.fetcher.Open(ctx, p)
	case conversation.PointerArchiveMember:
		if r.src.IsZip() {
			f := r.src.ResolveMember(p.Ref)
			if f == nil {
				return nil, fmt.Errorf("%w: member %q", ErrNotFound, p.Ref)
			}
			return f.Open()
		}
		return r.openFile(p.Ref)
	case conversation.PointerFile:
		return r.openFile(p.Ref)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPointer, p.Kind)
	}
}

// openFile opens ref relative to the upload's directory. Refs escaping that
// directory are refused.
func (r *SourceResolver) openFile(ref string) (io.ReadCloser, error) {
	if ref == "" || filepath.IsAbs(ref) {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, ref)
	}
	base, err := filepath.Abs(r.src.Dir())
	if err != nil {
		return nil, err
	}
	full := filepath.Join(base, filepath.FromSlash(ref))
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: file %q escapes upload directory", ErrNotFound, ref)
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: file %q is not a regular file", ErrNotFound, ref)
	}
	return f, nil
}

// Fetcher downloads url pointers over HTTP under a shared rate limit.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher returns a fetcher allowing perSecond requests with the given
// burst. A nil client uses one with a 60s timeout.
func NewFetcher(client *http.Client, perSecond float64, burst int) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if burst < 1 {
		burst = 1
	}
	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Open fetches p.Ref. Only http and https are allowed.
func (f *Fetcher) Open(ctx context.Context, p conversation.MediaPointer) (io.ReadCloser, error) {
	u, err := url.Parse(p.Ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrUnsupportedPointer, p.Ref)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: url returned %d", ErrNotFound, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u.Host, resp.StatusCode)
	}
	return resp.Body, nil
}
