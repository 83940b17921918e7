package routes

import (
	"chirp/internal/api/middleware"
	"chirp/internal/handlers"
	"chirp/internal/models"
	"chirp/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

// Deps carries everything the route tables need.
type Deps struct {
	Auth       *middleware.AuthMiddleware
	Plans      middleware.PlanResolver
	Limiter    *ratelimit.Limiter
	CronSecret string

	Users         *handlers.AuthHandler
	Organizations *handlers.OrganizationHandler
	Contacts      *handlers.ContactHandler
	Campaigns     *handlers.CampaignHandler
	Jobs          *handlers.JobHandler
	APIKeys       *handlers.APIKeyHandler
	Webhooks      *handlers.WebhookHandler
	Tracking      *handlers.TrackingHandler
	Cron          *handlers.CronHandler
}

// limit applies one preset. Each route carries exactly one so budgets do
// not stack.
func (d Deps) limit(p ratelimit.Preset) echo.MiddlewareFunc {
	return middleware.RateLimit(d.Limiter, p)
}

func (d Deps) feature(f models.ProductFeature) echo.MiddlewareFunc {
	return middleware.RequireFeature(d.Plans, f)
}

// Setup mounts the authenticated API under /api/v1, /api/v2 and the
// unversioned /api prefix, plus the public endpoints.
func Setup(e *echo.Echo, d Deps) {
	for _, prefix := range []string{"/api/v1", "/api/v2", "/api"} {
		api := e.Group(prefix,
			middleware.Versioning(),
			d.Auth.Middleware(),
			middleware.RequireAPIAccess(d.Plans),
		)
		SetupMeRoutes(api, d)
		SetupContactRoutes(api, d)
		SetupCampaignRoutes(api, d)
		SetupOrganizationRoutes(api, d)
		SetupAdminRoutes(api, d)
	}

	SetupAuthRoutes(e, d)
	RegisterTrackingRoutes(e, d)
}
