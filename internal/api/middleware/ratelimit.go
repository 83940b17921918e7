package middleware

import (
	"strconv"
	"time"

	"chirp/internal/api/response"
	"chirp/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

// RateLimit applies preset to every request, keyed by user, organization or
// client IP in that order. The limiter fails open, so a store outage never
// blocks traffic.
func RateLimit(limiter *ratelimit.Limiter, preset ratelimit.Preset) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := ratelimit.Identify(GetUserID(c), GetOrganizationID(c), c.Request().Header)
			res := limiter.Check(c.Request().Context(), id, preset)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

			if !res.Success {
				retryAfter := int(res.RetryAfter(time.Now()).Seconds())
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				return response.RateLimited(map[string]interface{}{
					"limit":      res.Limit,
					"remaining":  res.Remaining,
					"reset":      res.Reset.UTC().Format(time.RFC3339),
					"retryAfter": retryAfter,
				})
			}
			return next(c)
		}
	}
}
