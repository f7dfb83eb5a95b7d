package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const healthTimeout = 3 * time.Second

// handleHealth reports database and vector store reachability plus job
// counts per status. Any unreachable service turns the reply into a 503.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Services: map[string]string{}}
	check := func(name string, err error) {
		if err != nil {
			resp.Status = "degraded"
			resp.Services[name] = "unavailable"
			s.logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
			return
		}
		resp.Services[name] = "ok"
	}

	check("database", s.deps.Store.Ping(ctx))
	if s.deps.Vectors != nil {
		check("vectorstore:"+s.deps.Vectors.Backend(), s.deps.Vectors.Health(ctx))
	}
	if counts, err := s.deps.Store.Jobs().CountByStatus(ctx); err == nil {
		resp.Jobs = make(map[string]int64, len(counts))
		for st, n := range counts {
			resp.Jobs[string(st)] = n
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
