package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/greenmetric/carbonledger/cmd/carbonledger/container"
	"github.com/greenmetric/carbonledger/cmd/carbonledger/handlers"
)

// RegisterFactorRoutes registers all factor lifecycle routes
func RegisterFactorRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewFactorHandler(c)

	factors := e.Group("/api/v1/factors")
	{
		factors.POST("", h.CreateFactor)          // POST /api/v1/factors
		factors.GET("/lookup", h.LookupFactor)    // GET  /api/v1/factors/lookup?kind=electricity
		factors.GET("/:id", h.GetFactor)          // GET  /api/v1/factors/42
		factors.PUT("/:id", h.UpdateFactor)       // PUT  /api/v1/factors/42
		factors.DELETE("/:id", h.ExpireFactor)    // DELETE /api/v1/factors/42
		factors.GET("/:id/history", h.GetHistory) // GET  /api/v1/factors/42/history
	}
}
