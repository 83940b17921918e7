package middleware

import (
	"net/http"
	"strings"

	"chirp/internal/api/response"
	"chirp/internal/models"

	"github.com/labstack/echo/v4"
)

// Permission scopes. API key scopes are written "resource:SCOPE", e.g.
// "contacts:WRITE", or "*:ADMIN" for everything.
const (
	ScopeAdmin = "ADMIN"
	ScopeRead  = "READ"
	ScopeWrite = "WRITE"
)

// ValidateMethodPermission validates if a given scope allows a specific HTTP method
func ValidateMethodPermission(method string, scope string) bool {
	switch scope {
	case ScopeAdmin:
		return true
	case ScopeWrite:
		return method == http.MethodGet || method == http.MethodHead ||
			method == http.MethodPost || method == http.MethodPut ||
			method == http.MethodDelete || method == http.MethodPatch
	case ScopeRead:
		return method == http.MethodGet || method == http.MethodHead
	default:
		return false
	}
}

// GetRequiredPermissionForMethod returns the required permission scope for a given HTTP method
func GetRequiredPermissionForMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return ScopeRead
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return ScopeWrite
	default:
		return ""
	}
}

// HasScope reports whether scopes grant method on resource.
func HasScope(scopes []string, resource, method string) bool {
	for _, s := range scopes {
		res, scope, ok := strings.Cut(s, ":")
		if !ok {
			continue
		}
		if (res == resource || res == "*") && ValidateMethodPermission(method, strings.ToUpper(scope)) {
			return true
		}
	}
	return false
}

// RequirePermissions checks API key scopes for resource. Dashboard users
// (JWT) act with their role and are always allowed.
func RequirePermissions(resource string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !IsAPIKey(c) {
				return next(c)
			}
			if !HasScope(GetScopes(c), resource, c.Request().Method) {
				return response.Forbidden("API key lacks " + GetRequiredPermissionForMethod(c.Request().Method) + " access to " + resource)
			}
			return next(c)
		}
	}
}

// RequireRole restricts a route to dashboard users with one of roles, or to
// API keys holding the "*:ADMIN" scope.
func RequireRole(roles ...models.UserRole) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if IsAPIKey(c) {
				if hasAdminScope(GetScopes(c)) {
					return next(c)
				}
				return response.Forbidden("insufficient permissions")
			}
			role := models.UserRole(strings.ToUpper(GetUserRole(c)))
			for _, r := range roles {
				if role == r {
					return next(c)
				}
			}
			return response.Forbidden("insufficient permissions")
		}
	}
}

func hasAdminScope(scopes []string) bool {
	for _, s := range scopes {
		if strings.EqualFold(s, "*:"+ScopeAdmin) {
			return true
		}
	}
	return false
}
