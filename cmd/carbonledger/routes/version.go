package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/greenmetric/carbonledger/cmd/carbonledger/container"
	"github.com/greenmetric/carbonledger/cmd/carbonledger/handlers"
)

// RegisterVersionRoutes registers the generic revision store routes
func RegisterVersionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewVersionHandler(c)

	entities := e.Group("/api/v1/entities/:type/:id")
	{
		entities.POST("/versions", h.CreateVersion)                   // POST /api/v1/entities/factors/42/versions
		entities.GET("/versions", h.ListVersions)                     // GET  /api/v1/entities/factors/42/versions?limit=10
		entities.GET("/versions/current", h.GetCurrent)               // GET  /api/v1/entities/factors/42/versions/current
		entities.GET("/versions/:version", h.GetVersion)              // GET  /api/v1/entities/factors/42/versions/3
		entities.GET("/versions/:version/patch", h.GetVersionPatch)   // GET  /api/v1/entities/factors/42/versions/3/patch
		entities.GET("/at", h.GetAtTime)                              // GET  /api/v1/entities/factors/42/at?time=...
		entities.POST("/rollback", h.Rollback)                        // POST /api/v1/entities/factors/42/rollback
		entities.GET("/verify", h.VerifyChain)                        // GET  /api/v1/entities/factors/42/verify
	}
}
