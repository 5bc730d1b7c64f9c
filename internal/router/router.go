// Package router registers the operational HTTP routes.
package router

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/booking-settlement/internal/handler"
	"github.com/iliyamo/booking-settlement/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication.
// Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// TriggerLimit configures the per-caller limit on manual stage runs.  A
// nil Redis disables it.
type TriggerLimit struct {
	Redis  redis.Scripter
	Limit  int
	Window time.Duration
}

// RegisterStages registers the ADMIN-only stage endpoints under /v1.  With
// an empty jwtSecret no stage route is registered.
func RegisterStages(e *echo.Echo, h *handler.StageHandler, jwtSecret string, limit TriggerLimit) bool {
	if jwtSecret == "" {
		return false
	}
	g := e.Group("/v1/stages")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole(middleware.RoleAdmin))
	g.GET("", h.List)
	g.POST("/:name/run", h.Run, middleware.RateLimit(limit.Redis, limit.Limit, limit.Window))
	return true
}
