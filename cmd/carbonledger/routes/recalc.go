package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/greenmetric/carbonledger/cmd/carbonledger/container"
	"github.com/greenmetric/carbonledger/cmd/carbonledger/handlers"
)

// RegisterRecalcRoutes registers recalculation coordinator routes
func RegisterRecalcRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRecalcHandler(c)

	factors := e.Group("/api/v1/factors/:id")
	{
		factors.GET("/dependents", h.ListDependents)         // GET  /api/v1/factors/42/dependents
		factors.POST("/recalculate", h.TriggerRecalc)        // POST /api/v1/factors/42/recalculate
		factors.POST("/recalculate/retry", h.RetryDependents) // POST /api/v1/factors/42/recalculate/retry
		factors.POST("/mark-stale", h.MarkStale)             // POST /api/v1/factors/42/mark-stale
		factors.GET("/recalculations", h.ListRuns)           // GET  /api/v1/factors/42/recalculations
	}

	e.GET("/api/v1/recalculations/:run_id", h.GetRun) // GET /api/v1/recalculations/<uuid>
}
