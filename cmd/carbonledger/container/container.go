package container

import (
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/greenmetric/carbonledger/cmd/carbonledger/service"
	"github.com/greenmetric/carbonledger/common/bootstrap"
	"github.com/greenmetric/carbonledger/common/cache"
	"github.com/greenmetric/carbonledger/common/ratelimit"
	rediscommon "github.com/greenmetric/carbonledger/common/redis"
	"github.com/greenmetric/carbonledger/common/repository"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	Components  *bootstrap.Components
	Redis       *rediscommon.Client
	RateLimiter *ratelimit.RateLimiter // nil when Redis is not configured

	// Repositories
	RevisionRepo repository.RevisionRepository
	FactorRepo   repository.FactorRepository
	EmissionRepo repository.EmissionRepository
	RunRepo      repository.RecalcRunRepository

	// Services
	VersionStore *service.VersionStore
	Registry     *service.FactorRegistry
	Coordinator  *service.RecalculationCoordinator
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	var redisClient *rediscommon.Client
	var rateLimiter *ratelimit.RateLimiter
	if cfg.Redis.Enabled {
		raw := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisClient = rediscommon.NewClient(raw, components.Logger)
		rateLimiter = ratelimit.NewRateLimiter(raw, components.Logger)
	}

	revisionRepo, factorRepo, emissionRepo, runRepo, err := buildRepositories(components)
	if err != nil {
		return nil, err
	}

	validator, err := service.NewClassificationValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create classification validator: %w", err)
	}

	calculator, err := service.NewCalculator(cfg.Recalc)
	if err != nil {
		return nil, fmt.Errorf("failed to create calculator: %w", err)
	}

	// Redis-backed lookup cache when enabled, in-process cache otherwise
	lookupCache := components.Cache
	if cfg.Features.EnableRedisCache && redisClient != nil {
		lookupCache = cache.NewRedisCache(redisClient)
	}

	versionStore := service.NewVersionStore(revisionRepo, components.Logger)
	registry := service.NewFactorRegistry(
		factorRepo,
		versionStore,
		validator,
		components.Queue,
		lookupCache,
		cfg.Cache.DefaultTTL,
		components.Logger,
	)
	coordinator := service.NewRecalculationCoordinator(
		factorRepo,
		emissionRepo,
		runRepo,
		calculator,
		redisClient,
		cfg.Recalc.LockTTL,
		cfg.Recalc.ResultTTL,
		components.Logger,
	)

	return &Container{
		Components:   components,
		Redis:        redisClient,
		RateLimiter:  rateLimiter,
		RevisionRepo: revisionRepo,
		FactorRepo:   factorRepo,
		EmissionRepo: emissionRepo,
		RunRepo:      runRepo,
		VersionStore: versionStore,
		Registry:     registry,
		Coordinator:  coordinator,
	}, nil
}

func buildRepositories(components *bootstrap.Components) (
	repository.RevisionRepository,
	repository.FactorRepository,
	repository.EmissionRepository,
	repository.RecalcRunRepository,
	error,
) {
	switch components.Config.Storage.Type {
	case "memory":
		return repository.NewMemoryRevisionRepository(),
			repository.NewMemoryFactorRepository(),
			repository.NewMemoryEmissionRepository(),
			repository.NewMemoryRecalcRunRepository(),
			nil
	case "postgres":
		if components.DB == nil {
			return nil, nil, nil, nil, fmt.Errorf("postgres storage requires a database connection")
		}
		return repository.NewPostgresRevisionRepository(components.DB),
			repository.NewPostgresFactorRepository(components.DB),
			repository.NewPostgresEmissionRepository(components.DB),
			repository.NewPostgresRecalcRunRepository(components.DB),
			nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown storage type: %s", components.Config.Storage.Type)
	}
}
