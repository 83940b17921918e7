package routes

import (
	"chirp/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

// 🔑 SetupAuthRoutes registers registration and login. They sit outside the
// authenticated groups and share the AUTH budget per client IP.
func SetupAuthRoutes(e *echo.Echo, d Deps) {
	auth := e.Group("/auth", d.limit(ratelimit.Auth))
	auth.POST("/register", d.Users.Register)
	auth.POST("/login", d.Users.Login)
}

// SetupMeRoutes registers the current-user endpoint inside an authenticated group.
func SetupMeRoutes(api *echo.Group, d Deps) {
	api.GET("/me", d.Users.GetMe, d.limit(ratelimit.Standard))
}
