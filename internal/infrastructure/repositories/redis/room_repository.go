package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
)

const (
	roomKeyPrefix = "roomctl:room-config:"
	roomIndexKey  = "roomctl:room-configs"
)

// RedisRoomRepository stores room documents as JSON strings, with a set
// indexing the known room ids.
type RedisRoomRepository struct {
	client redis.UniversalClient
}

func NewRedisRoomRepository(client redis.UniversalClient) ports.RoomConfigRepository {
	return &RedisRoomRepository{client: client}
}

func roomKey(id string) string {
	return roomKeyPrefix + id
}

func (r *RedisRoomRepository) Get(ctx context.Context, roomID string) (*domain.RoomConfig, error) {
	data, err := r.client.Get(ctx, roomKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}
	return decodeRoom(data)
}

func decodeRoom(data []byte) (*domain.RoomConfig, error) {
	var cfg domain.RoomConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &cfg, nil
}

func (r *RedisRoomRepository) Save(ctx context.Context, cfg *domain.RoomConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, roomKey(cfg.ID), data, 0)
		pipe.SAdd(ctx, roomIndexKey, cfg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, roomID string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, roomKey(roomID))
		pipe.SRem(ctx, roomIndexKey, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RedisRoomRepository) List(ctx context.Context) ([]*domain.RoomConfig, error) {
	ids, err := r.client.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.RoomConfig{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = roomKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}

	rooms := make([]*domain.RoomConfig, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Indexed but deleted concurrently
			continue
		}
		cfg, err := decodeRoom([]byte(s))
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, cfg)
	}
	return rooms, nil
}
