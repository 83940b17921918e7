package routes

import (
	"chirp/internal/api/middleware"
	"chirp/internal/models"
	"chirp/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

// 💧 SetupCampaignRoutes registers drip campaigns, steps, analytics and A/B tests.
func SetupCampaignRoutes(api *echo.Group, d Deps) {
	h := d.Campaigns
	std := d.limit(ratelimit.Standard)
	campaigns := api.Group("/campaigns",
		middleware.RequirePermissions("campaigns"),
		d.feature(models.FeatureDripCampaigns),
	)

	campaigns.GET("", h.List, d.limit(ratelimit.Search))
	campaigns.POST("", h.Create, std)
	campaigns.GET("/:id", h.Get, std)
	campaigns.PUT("/:id", h.Update, std)
	campaigns.DELETE("/:id", h.Delete, std)

	// Lifecycle
	campaigns.POST("/:id/activate", h.Activate, std)
	campaigns.POST("/:id/pause", h.Pause, std)
	campaigns.POST("/:id/archive", h.Archive, std)

	// Steps
	campaigns.POST("/:id/steps", h.AddStep, std)
	campaigns.PUT("/:id/steps/:stepId", h.UpdateStep, std)
	campaigns.DELETE("/:id/steps/:stepId", h.DeleteStep, std)

	campaigns.POST("/:id/enroll", h.Enroll, d.limit(ratelimit.Bulk))

	// Analytics
	campaigns.GET("/:id/funnel", h.Funnel, std)
	campaigns.GET("/:id/cohorts", h.Cohorts, d.feature(models.FeatureAdvancedAnalytics), std)

	// A/B tests
	ab := d.feature(models.FeatureABTesting)
	campaigns.POST("/:id/ab-tests", h.CreateABTest, ab, std)
	campaigns.GET("/:id/ab-tests/:testId", h.ABTestResults, ab, std)
	campaigns.POST("/:id/ab-tests/:testId/declare", h.DeclareWinner, ab, std)
}
