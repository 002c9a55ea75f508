package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Recalc    RecalcConfig
	Telemetry TelemetryConfig
	Features  FeatureFlags
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// StorageConfig selects the persistence backend for revisions and factors
type StorageConfig struct {
	Type string // "memory" for tests/dev, "postgres" for production
}

// RedisConfig holds Redis connection settings (lookup cache + recalc locks)
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds in-process cache settings
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// QueueConfig holds event queue settings
type QueueConfig struct {
	Type string // "memory" for MVP, "kafka" for production
}

// RecalcConfig holds recalculation coordinator settings
type RecalcConfig struct {
	// Calculator selected from the registry ("intensity" or "cel")
	Calculator string

	// CEL formula used when Calculator is "cel"
	Formula string

	// How long a per-factor recalc lock is held before expiring
	LockTTL time.Duration

	// How long published run results stay readable
	ResultTTL time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
	MetricsPort int
}

// FeatureFlags for deployment toggles
type FeatureFlags struct {
	EnableAsyncRecalc bool
	EnableRedisCache  bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "carbonledger"),
			User:        getEnv("POSTGRES_USER", "carbonledger"),
			Password:    getEnv("POSTGRES_PASSWORD", "carbonledger"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "postgres"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
		},
		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "memory"),
		},
		Recalc: RecalcConfig{
			Calculator: getEnv("RECALC_CALCULATOR", "intensity"),
			Formula:    getEnv("RECALC_FORMULA", ""),
			LockTTL:    getEnvDuration("RECALC_LOCK_TTL", 10*time.Minute),
			ResultTTL:  getEnvDuration("RECALC_RESULT_TTL", 24*time.Hour),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", true),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
			MetricsPort: getEnvInt("METRICS_PORT", 9090),
		},
		Features: FeatureFlags{
			EnableAsyncRecalc: getEnvBool("ENABLE_ASYNC_RECALC", false),
			EnableRedisCache:  getEnvBool("ENABLE_REDIS_CACHE", false),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Storage.Type != "memory" && c.Storage.Type != "postgres" {
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}

	if c.Storage.Type == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	}

	if c.Recalc.Calculator == "cel" && c.Recalc.Formula == "" {
		return fmt.Errorf("RECALC_FORMULA is required for the cel calculator")
	}

	if c.Features.EnableRedisCache && !c.Redis.Enabled {
		return fmt.Errorf("redis cache requires REDIS_ENABLED")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the Redis host:port pair
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
