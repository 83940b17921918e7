package middleware

import (
	"crypto/subtle"
	"strings"

	"chirp/internal/api/response"

	"github.com/labstack/echo/v4"
)

// CronSecret guards scheduler endpoints with "Authorization: Bearer <secret>".
// An empty secret disables the endpoints.
func CronSecret(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return response.Unavailable("Cron endpoints are disabled", nil)
			}
			token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				return response.Unauthorized("Invalid cron secret")
			}
			return next(c)
		}
	}
}
