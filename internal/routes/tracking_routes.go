package routes

import (
	"chirp/internal/api/middleware"
	"chirp/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

// 📊 RegisterTrackingRoutes registers the unauthenticated endpoints: link
// redirects, WhatsApp callbacks and the external cron trigger.
func RegisterTrackingRoutes(e *echo.Echo, d Deps) {
	// Public click redirects
	e.GET("/t/:logId", d.Tracking.TrackClick, d.limit(ratelimit.Public))

	// Signed by the platform, not by our auth
	hooks := e.Group("/webhooks", d.limit(ratelimit.Webhook))
	hooks.GET("/whatsapp", d.Webhooks.Verify)
	hooks.POST("/whatsapp", d.Webhooks.Receive)

	cron := e.Group("/cron", middleware.CronSecret(d.CronSecret))
	cron.POST("/process-drips", d.Cron.ProcessDrips)
	cron.GET("/process-drips", d.Cron.ProcessDrips)
}
