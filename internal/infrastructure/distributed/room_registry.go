package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomctl/internal/core/ports"
	"roomctl/pkg/distributed"
)

const ownershipPrefix = "roomctl:room:"

// RoomRegistry records which controller instance owns each room. Ownership is
// a lease renewed in the background for as long as the room lives here.
type RoomRegistry struct {
	leases     *distributed.LeaseManager
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger

	mu    sync.Mutex
	owned map[string]*distributed.Lease
}

var _ ports.RoomOwnership = (*RoomRegistry)(nil)

// NewRoomRegistry creates a new room ownership registry
func NewRoomRegistry(
	client redis.UniversalClient,
	instanceID string,
	ttl time.Duration,
	logger *zap.SugaredLogger,
) *RoomRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RoomRegistry{
		leases:     distributed.NewLeaseManager(client, ownershipPrefix),
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
		owned:      make(map[string]*distributed.Lease),
	}
}

// Claim takes ownership of roomID. It reports false when another instance
// already owns the room.
func (r *RoomRegistry) Claim(ctx context.Context, roomID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lease, ok := r.owned[roomID]
	if !ok {
		lease = r.leases.Lease(roomID, r.instanceID, r.ttl)
	}
	acquired, err := lease.TryAcquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to claim room %s: %w", roomID, err)
	}
	if !acquired {
		return false, nil
	}
	r.owned[roomID] = lease
	r.logger.Debugw("claimed room", "room_id", roomID)
	return true, nil
}

// Owner returns the instance owning roomID, or "" when nobody does.
func (r *RoomRegistry) Owner(ctx context.Context, roomID string) (string, error) {
	return r.leases.Lease(roomID, r.instanceID, r.ttl).Holder(ctx)
}

// Release gives up ownership of roomID. Releasing a room this instance does
// not own is not an error.
func (r *RoomRegistry) Release(ctx context.Context, roomID string) error {
	r.mu.Lock()
	lease, ok := r.owned[roomID]
	delete(r.owned, roomID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := lease.Release(ctx)
	if errors.Is(err, distributed.ErrNotHolder) {
		r.logger.Warnw("room lease was lost before release", "room_id", roomID)
		return nil
	}
	return err
}

// ReleaseAll gives up every room, e.g. on shutdown.
func (r *RoomRegistry) ReleaseAll(ctx context.Context) {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.owned))
	for id := range r.owned {
		rooms = append(rooms, id)
	}
	r.mu.Unlock()

	for _, id := range rooms {
		if err := r.Release(ctx, id); err != nil {
			r.logger.Warnw("failed to release room",
				"room_id", id,
				"error", err,
			)
		}
	}
}
