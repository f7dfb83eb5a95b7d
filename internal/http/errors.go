package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/embeddings"
	"github.com/fyrsmithlabs/archivist/internal/jobs"
	"github.com/fyrsmithlabs/archivist/internal/media"
	"github.com/fyrsmithlabs/archivist/internal/store"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind is the pipeline error kind, when the failure has one.
	Kind archive.Kind `json:"kind,omitempty"`
}

// statusOf maps service errors onto HTTP status codes.
func statusOf(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, store.ErrNotFound), errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrMissingOwner):
		return http.StatusUnauthorized
	case errors.Is(err, jobs.ErrFinished), errors.Is(err, jobs.ErrNotCompleted), errors.Is(err, jobs.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, embeddings.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(e *echo.Echo, logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := statusOf(err)
		body := ErrorResponse{Error: http.StatusText(code)}

		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			if msg, ok := he.Message.(string); ok {
				body.Error = msg
			}
		case code < http.StatusInternalServerError:
			body.Error = err.Error()
		case code == http.StatusServiceUnavailable:
			body.Error = err.Error()
			body.Kind = archive.KindOf(err)
		default:
			logger.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Error(err))
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, body)
		}
		if werr != nil {
			e.Logger.Error(werr)
		}
	}
}
