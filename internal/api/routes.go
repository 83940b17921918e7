package api

import (
	"context"
	"net/http"
	"time"

	"chirp/internal/api/middleware"
	"chirp/internal/db"
	"chirp/internal/routes"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes(deps routes.Deps) {
	s.echo.Use(middleware.Metrics())

	// Health check
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	routes.Setup(s.echo, deps)
}

// healthCheck reports 503 when the database is down. Redis is reported but
// does not fail the check since rate limiting fails open without it.
func (s *Server) healthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "disabled"}
	status := http.StatusOK

	if s.db == nil {
		checks["database"] = "disabled"
	} else if err := db.Ping(ctx, s.db); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.redis != nil {
		checks["redis"] = "ok"
		if err := s.redis.HealthCheck(ctx); err != nil {
			checks["redis"] = err.Error()
		}
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	return c.JSON(status, map[string]interface{}{"status": state, "checks": checks})
}
