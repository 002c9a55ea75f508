package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ErrKeyNotFound is returned when a key does not exist
var ErrKeyNotFound = fmt.Errorf("key not found")

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// SetWithExpiry sets a key with expiration
func (c *Client) SetWithExpiry(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	return nil
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", ErrKeyNotFound
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// Delete removes a key
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		c.logger.Error("redis DEL failed", "key", key, "error", err)
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	c.logger.Debug("redis DEL", "key", key)
	return nil
}

// AcquireLock attempts to take an advisory lock via SETNX. Returns false
// when another holder already owns the lock.
func (c *Client) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired, err := c.redis.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	c.logger.Debug("redis SETNX", "key", key, "acquired", acquired)
	return acquired, nil
}

// ReleaseLock releases a lock only if owned by the given owner
func (c *Client) ReleaseLock(ctx context.Context, key, owner string) error {
	// Compare-and-delete so an expired lock re-acquired by someone else
	// is never released by the old holder
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	if err := c.redis.Eval(ctx, script, []string{key}, owner).Err(); err != nil {
		c.logger.Error("redis lock release failed", "key", key, "error", err)
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	c.logger.Debug("redis lock released", "key", key)
	return nil
}

// LockOwner returns the current lock holder, or "" when unlocked
func (c *Client) LockOwner(ctx context.Context, key string) (string, error) {
	owner, err := c.Get(ctx, key)
	if err == ErrKeyNotFound {
		return "", nil
	}
	return owner, err
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}
