package routes

import (
	"chirp/internal/api/middleware"
	"chirp/internal/models"
	"chirp/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

// SetupOrganizationRoutes registers the organization profile. Any member can
// read it, admins edit settings and only the owner changes the plan.
func SetupOrganizationRoutes(api *echo.Group, d Deps) {
	org := api.Group("/organization")
	org.GET("", d.Organizations.Get, d.limit(ratelimit.Standard))
	org.PATCH("", d.Organizations.Update,
		middleware.RequireRole(models.UserRoleOwner, models.UserRoleAdmin),
		d.limit(ratelimit.Standard))
	org.PUT("/plan", d.Organizations.ChangePlan,
		middleware.RequireRole(models.UserRoleOwner),
		d.limit(ratelimit.Strict))
}
