package middleware

import (
	"strconv"
	"time"

	"chirp/internal/api/response"
	"chirp/internal/metrics"

	"github.com/labstack/echo/v4"
)

// Metrics records request durations by route pattern.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = response.FromError(err).Status
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			metrics.HTTPRequestDuration.
				WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
