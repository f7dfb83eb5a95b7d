package http

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/store"
)

// Search modes.
const (
	modeText   = "text"
	modeVector = "vector"
)

// messageFilter reads the shared listing filters: archive_id,
// conversation_id, author, since, until (RFC 3339), limit and offset.
func messageFilter(c echo.Context) (store.MessageFilter, error) {
	limit, offset, err := pagination(c)
	if err != nil {
		return store.MessageFilter{}, err
	}
	f := store.MessageFilter{
		Owner:          owner(c),
		ArchiveID:      c.QueryParam("archive_id"),
		ConversationID: c.QueryParam("conversation_id"),
		Author:         c.QueryParam("author"),
		Limit:          limit,
		Offset:         offset,
	}
	if f.Since, err = timeParam(c, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(c, "until"); err != nil {
		return f, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, echo.NewHTTPError(http.StatusBadRequest, "until is before since")
	}
	return f, nil
}

func timeParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be an RFC 3339 timestamp", name))
	}
	return t, nil
}

func (s *Server) handleMessages(c echo.Context) error {
	f, err := messageFilter(c)
	if err != nil {
		return err
	}
	page, err := s.deps.Store.Messages().ListMessages(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// handleSearch runs a text (default) or vector search. Vector hits can be
// narrowed to one archive with archive_id.
func (s *Server) handleSearch(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	mode := c.QueryParam("mode")
	if mode == "" {
		mode = modeText
	}
	ctx := c.Request().Context()

	switch mode {
	case modeText:
		f, err := messageFilter(c)
		if err != nil {
			return err
		}
		page, err := s.deps.Store.Messages().SearchText(ctx, f, q)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, SearchResponse{Mode: mode, Query: q, Page: page})

	case modeVector:
		if s.deps.Index == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "semantic search is disabled")
		}
		k, err := intParam(c, "limit", 10)
		if err != nil {
			return err
		}
		if k <= 0 || k > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 100")
		}
		archiveID := c.QueryParam("archive_id")
		fetch := k
		if archiveID != "" {
			fetch = k * 4
		}
		hits, err := s.deps.Index.Search(ctx, owner(c), q, fetch)
		if err != nil {
			return err
		}
		if archiveID != "" {
			kept := hits[:0]
			for _, h := range hits {
				if h.ArchiveID == archiveID {
					kept = append(kept, h)
				}
			}
			hits = kept
		}
		if len(hits) > k {
			hits = hits[:k]
		}
		return c.JSON(http.StatusOK, SearchResponse{Mode: mode, Query: q, Hits: hits})

	default:
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be text or vector")
	}
}

func (s *Server) handleMedia(c echo.Context) error {
	asset, f, err := s.deps.Media.Open(c.Request().Context(), owner(c), c.Param("checksum"))
	if err != nil {
		return err
	}
	defer f.Close()
	return serveAsset(c, asset, asset.MIME, f)
}

func (s *Server) handleThumbnail(c echo.Context) error {
	asset, f, err := s.deps.Media.OpenThumbnail(c.Request().Context(), owner(c), c.Param("checksum"))
	if err != nil {
		return err
	}
	defer f.Close()
	return serveAsset(c, asset, "image/jpeg", f)
}

// serveAsset streams content-addressed bytes. The checksum doubles as a
// strong ETag, and the content never changes.
func serveAsset(c echo.Context, asset *archive.MediaAsset, mime string, f io.ReadSeeker) error {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, mime)
	h.Set("ETag", `"`+asset.Checksum+`"`)
	h.Set("Cache-Control", "private, max-age=31536000, immutable")
	h.Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Response(), c.Request(), "", asset.CreatedAt, f)
	return nil
}
