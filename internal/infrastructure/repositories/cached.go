package repositories

import (
	"context"
	"net/http"
	"time"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	"roomctl/pkg/cache"
	apperrors "roomctl/pkg/errors"
)

// CachedRoomRepository keeps room documents read from a slower store for a
// while. Concurrent misses on one room load it once. Writes go through and
// drop the cached copy.
type CachedRoomRepository struct {
	repo  ports.RoomConfigRepository
	cache *cache.Cache[*domain.RoomConfig]
}

var _ ports.RoomConfigRepository = (*CachedRoomRepository)(nil)

func NewCachedRoomRepository(repo ports.RoomConfigRepository, ttl time.Duration) *CachedRoomRepository {
	return &CachedRoomRepository{
		repo:  repo,
		cache: cache.New[*domain.RoomConfig](ttl),
	}
}

func (r *CachedRoomRepository) Get(ctx context.Context, roomID string) (*domain.RoomConfig, error) {
	return r.cache.GetOrLoad(ctx, roomID, func(ctx context.Context) (*domain.RoomConfig, error) {
		return r.repo.Get(ctx, roomID)
	})
}

func (r *CachedRoomRepository) Save(ctx context.Context, cfg *domain.RoomConfig) error {
	if err := ValidateRoomConfig(cfg); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}
	r.cache.Delete(cfg.ID)
	return r.repo.Save(ctx, cfg)
}

func (r *CachedRoomRepository) Delete(ctx context.Context, roomID string) error {
	r.cache.Delete(roomID)
	return r.repo.Delete(ctx, roomID)
}

func (r *CachedRoomRepository) List(ctx context.Context) ([]*domain.RoomConfig, error) {
	return r.repo.List(ctx)
}

// Close stops the cache janitor
func (r *CachedRoomRepository) Close() {
	r.cache.Stop()
}
