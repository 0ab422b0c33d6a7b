package ports

import (
	"context"

	"roomctl/internal/core/domain"
)

// RoomConfigRepository reads room documents. Get returns domain.ErrRoomNotFound
// for unknown rooms.
type RoomConfigRepository interface {
	Get(ctx context.Context, roomID string) (*domain.RoomConfig, error)
	Save(ctx context.Context, cfg *domain.RoomConfig) error
	Delete(ctx context.Context, roomID string) error
	List(ctx context.Context) ([]*domain.RoomConfig, error)
}

// RoomOwnership claims rooms for this controller instance across a cluster.
type RoomOwnership interface {
	Claim(ctx context.Context, roomID string) (bool, error)
	Owner(ctx context.Context, roomID string) (string, error)
	Release(ctx context.Context, roomID string) error
}
