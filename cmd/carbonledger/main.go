package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/greenmetric/carbonledger/cmd/carbonledger/container"
	"github.com/greenmetric/carbonledger/cmd/carbonledger/routes"
	"github.com/greenmetric/carbonledger/cmd/carbonledger/worker"
	"github.com/greenmetric/carbonledger/common/bootstrap"
	commonmw "github.com/greenmetric/carbonledger/common/middleware"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB, logger, queue, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "carbonledger")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap carbonledger: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Background recalculation from factor events, when enabled
	if components.Config.Features.EnableAsyncRecalc {
		recalcWorker := worker.NewRecalcWorker(
			serviceContainer.Coordinator,
			components.Queue,
			components.Logger,
		)
		if err := recalcWorker.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start recalc worker: %v\n", err)
			os.Exit(1)
		}
	}

	e := setupEcho()
	setupMiddleware(e, serviceContainer)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, serviceContainer *container.Container) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	// Distributed rate limiting requires Redis; skipped otherwise
	if serviceContainer.RateLimiter != nil {
		e.Use(commonmw.GlobalRateLimitMiddleware(serviceContainer.RateLimiter))
		e.Use(commonmw.WriteRateLimitMiddleware(serviceContainer.RateLimiter))
	}
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "carbonledger",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterFactorRoutes(e, serviceContainer)
	routes.RegisterVersionRoutes(e, serviceContainer)
	routes.RegisterRecalcRoutes(e, serviceContainer)
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("starting carbonledger", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
