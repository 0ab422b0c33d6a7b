package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
)

type roomManager struct {
	cfg       RoomControllerConfig
	repo      ports.RoomConfigRepository
	ownership ports.RoomOwnership
	deps      RoomDependencies
	logger    *zap.SugaredLogger

	mu       sync.RWMutex
	rooms    map[string]ports.RoomController
	creating singleflight.Group
}

// NewRoomManager creates the registry of room controllers of this instance.
// ownership may be nil when a single instance serves every room.
func NewRoomManager(
	cfg RoomControllerConfig,
	repo ports.RoomConfigRepository,
	ownership ports.RoomOwnership,
	deps RoomDependencies,
) ports.RoomManager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = NopEventPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NopRoomMetrics{}
	}
	return &roomManager{
		cfg:       cfg,
		repo:      repo,
		ownership: ownership,
		deps:      deps,
		logger:    logger.Sugar().Named("rooms"),
		rooms:     make(map[string]ports.RoomController),
	}
}

func (m *roomManager) CreateRoom(ctx context.Context, roomID string) (ports.RoomController, error) {
	m.mu.RLock()
	_, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if exists {
		return nil, apperrors.NewConflictError("room " + roomID + " already exists")
	}

	v, err, _ := m.creating.Do(roomID, func() (any, error) {
		return m.createRoom(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(ports.RoomController), nil
}

func (m *roomManager) createRoom(ctx context.Context, roomID string) (ports.RoomController, error) {
	cfg, err := m.repo.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil, apperrors.NewNotFoundError("room " + roomID)
		}
		return nil, fmt.Errorf("failed to load room config: %w", err)
	}
	if cfg.ID == "" {
		cfg.ID = roomID
	}

	if m.ownership != nil {
		claimed, err := m.ownership.Claim(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim room: %w", err)
		}
		if !claimed {
			owner, _ := m.ownership.Owner(ctx, roomID)
			return nil, apperrors.NewConflictError("room " + roomID + " is controlled by " + owner)
		}
	}

	ctrl, err := NewRoomController(ctx, m.cfg, cfg, m.deps)
	if err != nil {
		m.logger.Errorw("Room init failed", "room", roomID, "error", err)
		m.release(ctx, roomID)
		return nil, err
	}

	m.mu.Lock()
	m.rooms[roomID] = ctrl
	n := len(m.rooms)
	m.mu.Unlock()

	m.deps.Metrics.SetActiveRooms(n)
	m.logger.Infow("Room created", "room", roomID, "views", len(cfg.Views))
	if err := m.deps.Events.Publish(ctx, domain.RoomEvent{Type: domain.EventRoomCreated, Room: roomID, Controller: m.cfg.ControllerID}); err != nil {
		m.logger.Warnw("Failed to publish room event", "room", roomID, "error", err)
	}
	return ctrl, nil
}

func (m *roomManager) release(ctx context.Context, roomID string) {
	if m.ownership == nil {
		return
	}
	if err := m.ownership.Release(ctx, roomID); err != nil {
		m.logger.Warnw("Failed to release room ownership", "room", roomID, "error", err)
	}
}

func (m *roomManager) Room(roomID string) (ports.RoomController, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctrl, ok := m.rooms[roomID]
	if !ok {
		return nil, apperrors.NewNotFoundError("room " + roomID)
	}
	return ctrl, nil
}

func (m *roomManager) DestroyRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	ctrl, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	n := len(m.rooms)
	m.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("room " + roomID)
	}

	ctrl.Destroy(ctx)
	m.release(ctx, roomID)
	m.deps.Metrics.SetActiveRooms(n)
	m.logger.Infow("Room destroyed", "room", roomID)
	return nil
}

func (m *roomManager) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *roomManager) controllers() []ports.RoomController {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ports.RoomController, 0, len(m.rooms))
	for _, ctrl := range m.rooms {
		out = append(out, ctrl)
	}
	return out
}

// OnFaultDetected hands a fault to every room in parallel.
func (m *roomManager) OnFaultDetected(ctx context.Context, fault domain.Fault) {
	m.logger.Infow("Fault detected", "purpose", fault.Purpose, "scope", fault.Scope, "id", fault.ID)
	var g errgroup.Group
	for _, ctrl := range m.controllers() {
		ctrl := ctrl
		g.Go(func() error {
			ctrl.OnFaultDetected(ctx, fault)
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown destroys every room.
func (m *roomManager) Shutdown(ctx context.Context) {
	for _, id := range m.Rooms() {
		if err := m.DestroyRoom(ctx, id); err != nil {
			m.logger.Warnw("Failed to destroy room", "room", id, "error", err)
		}
	}
}
