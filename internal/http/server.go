// Package http provides the archivist HTTP API.
//
// Every /api/v1 route is scoped to the owner named in the X-Archivist-Owner
// header; resources of other owners are reported as not found. Uploads are
// accepted asynchronously: the response carries the queued job, and
// progress is read from the status route.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archivist/internal/config"
	"github.com/fyrsmithlabs/archivist/internal/index"
	"github.com/fyrsmithlabs/archivist/internal/jobs"
	"github.com/fyrsmithlabs/archivist/internal/logging"
	"github.com/fyrsmithlabs/archivist/internal/media"
	"github.com/fyrsmithlabs/archivist/internal/store"
	"github.com/fyrsmithlabs/archivist/internal/vectorstore"
)

// HeaderOwner carries the caller's owner id.
const HeaderOwner = "X-Archivist-Owner"

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// UploadDir receives uploaded archives.
	UploadDir string
	// MaxUploadBytes caps one upload. Zero means no limit.
	MaxUploadBytes int64
}

// Deps are the services behind the API. Index and Vectors may be nil when
// semantic search is disabled.
type Deps struct {
	Jobs    *jobs.Manager
	Store   *store.Store
	Media   *media.Service
	Index   *index.Service
	Vectors vectorstore.Store
}

// Server provides HTTP endpoints for archivist.
type Server struct {
	echo      *echo.Echo
	deps      Deps
	uploadDir string
	logger    *zap.Logger
	config    *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Jobs == nil || deps.Store == nil || deps.Media == nil {
		return nil, fmt.Errorf("jobs, store and media are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:      "127.0.0.1",
			Port:      9191,
			UploadDir: "~/.local/share/archivist/uploads",
		}
	}
	uploadDir, err := config.ExpandPath(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("expanding upload dir: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e, logger)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			fields := append(logging.ContextFields(c.Request().Context()),
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			logger.Info("http request", fields...)
			return nil
		}
	})

	s := &Server{
		echo:      e,
		deps:      deps,
		uploadDir: uploadDir,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", requireOwner)
	v1.POST("/archives", s.handleUpload)
	v1.GET("/archives", s.handleListArchives)
	v1.GET("/archives/:id", s.handleGetArchive)
	v1.DELETE("/archives/:id", s.handleDeleteArchive)
	v1.POST("/archives/:id/cancel", s.handleCancel)
	v1.POST("/archives/:id/reprocess", s.handleReprocess)
	v1.GET("/archives/:id/conversations", s.handleConversations)

	v1.GET("/messages", s.handleMessages)
	v1.GET("/search", s.handleSearch)

	v1.GET("/media/:checksum", s.handleMedia)
	v1.GET("/media/:checksum/thumbnail", s.handleThumbnail)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

const ownerKey = "owner"

// requireOwner rejects /api/v1 requests without an owner header.
func requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := c.Request().Header.Get(HeaderOwner)
		if owner == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, HeaderOwner+" header is required")
		}
		if len(owner) > 128 {
			return echo.NewHTTPError(http.StatusBadRequest, "owner id too long")
		}
		if !utf8.ValidString(owner) || strings.ContainsFunc(owner, unicode.IsControl) {
			return echo.NewHTTPError(http.StatusBadRequest, "owner id is malformed")
		}
		c.Set(ownerKey, owner)
		c.SetRequest(c.Request().WithContext(logging.WithOwner(c.Request().Context(), owner)))
		return next(c)
	}
}

func owner(c echo.Context) string {
	o, _ := c.Get(ownerKey).(string)
	return o
}
