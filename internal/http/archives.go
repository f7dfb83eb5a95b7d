package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleUpload stores the multipart "file" field and queues a job for it.
func (s *Server) handleUpload(c echo.Context) error {
	req := c.Request()
	if s.config.MaxUploadBytes > 0 {
		req.Body = http.MaxBytesReader(c.Response(), req.Body, s.config.MaxUploadBytes)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	name := sanitizeFilename(fh.Filename)

	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("opening upload: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.uploadDir, 0o750); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(s.uploadDir, uuid.NewString()+"-"+name)
	size, err := writeUpload(path, src)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		}
		return err
	}

	job, err := s.deps.Jobs.Submit(req.Context(), owner(c), path, name, size)
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	return c.JSON(http.StatusAccepted, jobResponse(job))
}

func writeUpload(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating upload file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("writing upload: %w", err)
	}
	return n, nil
}

// sanitizeFilename keeps the base name and drops characters that do not
// belong in a path.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == '/' || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "upload"
	}
	if len(name) > 200 {
		name = name[len(name)-200:]
	}
	return name
}

func (s *Server) handleListArchives(c echo.Context) error {
	limit, offset, err := pagination(c)
	if err != nil {
		return err
	}
	list, err := s.deps.Jobs.List(c.Request().Context(), owner(c), limit, offset)
	if err != nil {
		return err
	}
	out := JobListResponse{Jobs: make([]JobResponse, 0, len(list)), Limit: limit, Offset: offset}
	for _, j := range list {
		out.Jobs = append(out.Jobs, jobResponse(j))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetArchive(c echo.Context) error {
	job, err := s.deps.Jobs.Get(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobResponse(job))
}

func (s *Server) handleCancel(c echo.Context) error {
	job, err := s.deps.Jobs.Cancel(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobResponse(job))
}

func (s *Server) handleDeleteArchive(c echo.Context) error {
	res, err := s.deps.Jobs.Delete(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	s.logger.Debug("archive deleted over http", zap.String("job_id", c.Param("id")))
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleReprocess(c echo.Context) error {
	res, err := s.deps.Jobs.Reprocess(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleConversations(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.deps.Jobs.Get(ctx, owner(c), c.Param("id")); err != nil {
		return err
	}
	limit, offset, err := pagination(c)
	if err != nil {
		return err
	}
	convs, err := s.deps.Store.Messages().ListConversations(ctx, owner(c), c.Param("id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ConversationListResponse{Conversations: convs, Limit: limit, Offset: offset})
}

func pagination(c echo.Context) (limit, offset int, err error) {
	if limit, err = intParam(c, "limit", 50); err != nil {
		return 0, 0, err
	}
	if offset, err = intParam(c, "offset", 0); err != nil {
		return 0, 0, err
	}
	if limit <= 0 || limit > 500 {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
	}
	if offset < 0 {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "offset cannot be negative")
	}
	return limit, offset, nil
}

func intParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}
