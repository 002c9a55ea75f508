package middleware

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/greenmetric/carbonledger/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service.
// Internal services set X-Internal-Service to the shared secret to bypass
// rate limits.
func isInternalRequest(c echo.Context) bool {
	internalHeader := c.Request().Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}

	expectedSecret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if expectedSecret == "" {
		return false
	}

	return internalHeader == expectedSecret
}

// GlobalRateLimitMiddleware checks the service-wide request limit.
// Fails open: a limiter error never blocks a request.
func GlobalRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			result, err := rateLimiter.CheckGlobalLimit(c.Request().Context())
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error":   "global_rate_limit_exceeded",
					"message": "Service is experiencing high load. Please try again later.",
					"details": map[string]any{
						"limit":               result.Limit,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}

// WriteRateLimitMiddleware limits mutating requests per client address.
// Reads pass through untouched.
func WriteRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			switch c.Request().Method {
			case http.MethodPost, http.MethodPut, http.MethodDelete:
			default:
				return next(c)
			}

			if isInternalRequest(c) {
				return next(c)
			}

			result, err := rateLimiter.CheckWriteLimit(c.Request().Context(), c.RealIP())
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error":   "write_rate_limit_exceeded",
					"message": "You have exceeded your write quota. Please wait before trying again.",
					"details": map[string]any{
						"limit":               result.Limit,
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
