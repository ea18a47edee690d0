package branching

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers branch routes with the Echo router
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/branches")

	g.GET("", h.List)
	g.POST("", h.Create)
	g.POST("/deactivate", h.Deactivate)

	g.GET("/:id", h.GetByID)
	g.PATCH("/:id", h.Update)
	g.DELETE("/:id", h.Delete)

	g.POST("/:id/sync", h.Sync)
	g.POST("/:id/merge", h.Merge)
	g.POST("/:id/deprovision", h.Deprovision)
	g.POST("/:id/activate", h.Activate)

	g.GET("/:id/changes", h.Changes)
	g.GET("/:id/events", h.Events)

	e.GET("/api/changes/:table/:record_id/branches", h.Provenance)
}
