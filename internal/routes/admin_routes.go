package routes

import (
	"chirp/internal/api/middleware"
	"chirp/internal/models"
	"chirp/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

// 🔐 SetupAdminRoutes registers API key management and queue inspection,
// both restricted to organization owners and admins.
func SetupAdminRoutes(api *echo.Group, d Deps) {
	admin := middleware.RequireRole(models.UserRoleOwner, models.UserRoleAdmin)

	keys := api.Group("/api-keys", admin, d.limit(ratelimit.Strict))
	keys.GET("", d.APIKeys.List)
	keys.POST("", d.APIKeys.Create)
	keys.DELETE("/:id", d.APIKeys.Revoke)

	jobs := api.Group("/jobs", admin, d.limit(ratelimit.Standard))
	jobs.GET("", d.Jobs.Queues)
	jobs.GET("/:queue/failed", d.Jobs.Failed)
	jobs.POST("/:queue/clean", d.Jobs.Clean)
	jobs.GET("/:queue/:id", d.Jobs.Get)
	jobs.POST("/:queue/:id/retry", d.Jobs.Retry)
	jobs.POST("/:queue/:id/cancel", d.Jobs.Cancel)
}
