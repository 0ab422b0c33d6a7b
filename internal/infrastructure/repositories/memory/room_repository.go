package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
)

// roomsFile is the layout of a static room document file.
type roomsFile struct {
	Rooms []*domain.RoomConfig `yaml:"rooms"`
}

type MemoryRoomRepository struct {
	rooms map[string]*domain.RoomConfig
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() *MemoryRoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[string]*domain.RoomConfig),
	}
}

var _ ports.RoomConfigRepository = (*MemoryRoomRepository)(nil)

// LoadFile seeds the repository from a YAML file. A missing file leaves the
// repository empty.
func (r *MemoryRoomRepository) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rooms file: %w", err)
	}
	return r.Load(data)
}

// Load seeds the repository from YAML room documents.
func (r *MemoryRoomRepository) Load(data []byte) (int, error) {
	var file roomsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse rooms: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range file.Rooms {
		if cfg == nil {
			continue
		}
		if cfg.ID == "" {
			return 0, fmt.Errorf("room document without id")
		}
		r.rooms[cfg.ID] = cfg
	}
	return len(file.Rooms), nil
}

func (r *MemoryRoomRepository) Get(ctx context.Context, roomID string) (*domain.RoomConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, exists := r.rooms[roomID]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return cfg, nil
}

func (r *MemoryRoomRepository) Save(ctx context.Context, cfg *domain.RoomConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms[cfg.ID] = cfg
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[roomID]; !exists {
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, roomID)
	return nil
}

func (r *MemoryRoomRepository) List(ctx context.Context) ([]*domain.RoomConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.RoomConfig, 0, len(r.rooms))
	for _, cfg := range r.rooms {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
