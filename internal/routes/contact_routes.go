package routes

import (
	"chirp/internal/api/middleware"
	"chirp/internal/models"
	"chirp/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

// 📇 SetupContactRoutes registers contacts, imports and exports.
func SetupContactRoutes(api *echo.Group, d Deps) {
	h := d.Contacts
	std := d.limit(ratelimit.Standard)
	contacts := api.Group("/contacts", middleware.RequirePermissions("contacts"))

	contacts.GET("/export", h.Export, d.feature(models.FeatureExport), d.limit(ratelimit.Export))
	contacts.GET("/import/template", h.ImportTemplate, std)
	contacts.POST("/import/preview", h.PreviewImport, d.feature(models.FeatureCSVImport), d.limit(ratelimit.Upload))
	contacts.POST("/import", h.CreateImport, d.feature(models.FeatureCSVImport), d.limit(ratelimit.Bulk))
	contacts.GET("/import/:id", h.GetImport, std)

	contacts.GET("", h.List, d.limit(ratelimit.Search))
	contacts.POST("", h.Create, std)
	contacts.GET("/:id", h.Get, std)
	contacts.PUT("/:id", h.Update, std)
	contacts.DELETE("/:id", h.Delete, std)
}
