package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Current count in the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until the limit resets (0 if allowed)
}

// RateLimiter provides Redis + Lua rate limiting shared across instances
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewRateLimiter creates a new rate limiter with the embedded Lua script
func NewRateLimiter(redisClient *redis.Client, logger Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckGlobalLimit checks the service-wide request limit
func (r *RateLimiter) CheckGlobalLimit(ctx context.Context) (*RateLimitResult, error) {
	return r.checkLimit(ctx, "rate_limit:global", DefaultGlobalConfig)
}

// CheckWriteLimit checks the per-client limit on mutating requests
func (r *RateLimiter) CheckWriteLimit(ctx context.Context, client string) (*RateLimitResult, error) {
	key := fmt.Sprintf("rate_limit:write:%s", client)
	return r.checkLimit(ctx, key, DefaultWriteConfig)
}

// CheckRecalcLimit checks the per-factor limit on recalculation triggers, so
// a hot factor cannot keep the coordinator saturated
func (r *RateLimiter) CheckRecalcLimit(ctx context.Context, factorID int64) (*RateLimitResult, error) {
	key := fmt.Sprintf("rate_limit:recalc:factor:%d", factorID)
	return r.checkLimit(ctx, key, DefaultRecalcConfig)
}

// checkLimit executes the rate limit Lua script
func (r *RateLimiter) checkLimit(ctx context.Context, key string, cfg LimitConfig) (*RateLimitResult, error) {
	result, err := r.script.Run(ctx, r.redis, []string{key}, cfg.Limit, cfg.WindowSeconds).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	rateLimitResult, err := parseResult(result)
	if err != nil {
		return nil, err
	}

	if !rateLimitResult.Allowed {
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", rateLimitResult.CurrentCount,
			"limit", rateLimitResult.Limit,
			"retry_after", rateLimitResult.RetryAfterSeconds)
	}

	return rateLimitResult, nil
}

// parseResult decodes the script's {allowed, current_count, limit,
// retry_after} reply
func parseResult(result interface{}) (*RateLimitResult, error) {
	resultArray, ok := result.([]interface{})
	if !ok || len(resultArray) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	values := make([]int64, len(resultArray))
	for i, raw := range resultArray {
		value, ok := raw.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result format")
		}
		values[i] = value
	}

	return &RateLimitResult{
		Allowed:           values[0] == 1,
		CurrentCount:      values[1],
		Limit:             values[2],
		RetryAfterSeconds: values[3],
	}, nil
}

// GetCurrentCount returns current count without incrementing (for monitoring)
func (r *RateLimiter) GetCurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := r.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// ResetLimit clears a rate limit counter (for testing/admin)
func (r *RateLimiter) ResetLimit(ctx context.Context, key string) error {
	return r.redis.Del(ctx, key).Err()
}
