package repositories

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	"roomctl/internal/infrastructure/repositories/memory"
	"roomctl/internal/infrastructure/repositories/postgres"
	redisrepo "roomctl/internal/infrastructure/repositories/redis"
	"roomctl/pkg/config"
)

// Backend names the store room documents are read from.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

// RepositoryFactory connects to the configured stores, falling back to the
// in-memory repository seeded from the rooms file when they are unreachable.
type RepositoryFactory struct {
	cfg         *config.Config
	backend     Backend
	redisClient *redis.Client
	pg          *postgres.Postgres
	logger      *zap.SugaredLogger

	cached *CachedRoomRepository
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:     cfg,
		backend: BackendMemory,
		logger:  logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, continuing without it",
				"error", err,
			)
		} else {
			factory.redisClient = client
			factory.backend = BackendRedis
		}
	}

	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, cfg.Postgres.URL, logger, postgres.MaxConns(int(cfg.Postgres.MaxConns)))
		if err != nil {
			logger.Warnw("failed to connect to PostgreSQL, falling back",
				"error", err,
				"fallback", factory.backend,
			)
		} else {
			factory.pg = pg
			factory.backend = BackendPostgres
		}
	}

	logger.Infow("using room repository", "backend", factory.backend)
	return factory, nil
}

// Backend reports the store in use
func (f *RepositoryFactory) Backend() Backend {
	return f.backend
}

// RedisClient returns the shared Redis client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// CreateRoomRepository creates the room configuration repository. Documents
// from the rooms file are loaded into the memory store, or copied into an
// external store that does not have them yet.
func (f *RepositoryFactory) CreateRoomRepository(ctx context.Context) (ports.RoomConfigRepository, error) {
	if f.cached != nil {
		return f.cached, nil
	}

	seed := memory.NewMemoryRoomRepository()
	n, err := seed.LoadFile(f.cfg.Rooms.Path)
	if err != nil {
		return nil, err
	}
	rooms, _ := seed.List(ctx)
	for _, room := range rooms {
		if err := ValidateRoomConfig(room); err != nil {
			return nil, fmt.Errorf("rooms file %s: %w", f.cfg.Rooms.Path, err)
		}
	}
	f.logger.Infow("loaded room documents", "path", f.cfg.Rooms.Path, "count", n)

	var repo ports.RoomConfigRepository
	switch f.backend {
	case BackendPostgres:
		repo = postgres.NewRoomRepository(f.pg, f.cfg.Postgres.RoomsTable)
	case BackendRedis:
		repo = redisrepo.NewRedisRoomRepository(f.redisClient)
	default:
		repo = seed
	}

	if f.backend != BackendMemory {
		if err := seedMissing(ctx, repo, rooms); err != nil {
			return nil, err
		}
	}

	f.cached = NewCachedRoomRepository(repo, f.cfg.Rooms.CacheTTL)
	return f.cached, nil
}

func seedMissing(ctx context.Context, repo ports.RoomConfigRepository, rooms []*domain.RoomConfig) error {
	existing, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rooms: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, room := range existing {
		have[room.ID] = true
	}
	for _, room := range rooms {
		if have[room.ID] {
			continue
		}
		if err := repo.Save(ctx, room); err != nil {
			return fmt.Errorf("failed to seed room %s: %w", room.ID, err)
		}
	}
	return nil
}

// Close closes the store connections
func (f *RepositoryFactory) Close() error {
	if f.cached != nil {
		f.cached.Close()
	}
	if f.pg != nil {
		f.pg.Close()
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks the store connections
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.pg != nil {
		if err := f.pg.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
