package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
)

// NodeAllocator is the controller's facade over the cluster scheduler.
type NodeAllocator struct {
	scheduler ports.Scheduler
	cluster   string
	logger    *zap.SugaredLogger
}

func NewNodeAllocator(scheduler ports.Scheduler, cluster string, logger *zap.Logger) *NodeAllocator {
	return &NodeAllocator{
		scheduler: scheduler,
		cluster:   cluster,
		logger:    logger.Sugar().Named("allocator"),
	}
}

// Acquire requests a node for a task of roomID. Scheduler errors are wrapped
// as NODE_ALLOCATION_FAILED keeping the scheduler's own code in the chain.
func (a *NodeAllocator) Acquire(ctx context.Context, purpose domain.Purpose, roomID, taskID string, pref domain.Preference) (domain.Locality, error) {
	loc, err := a.scheduler.AcquireNode(ctx, a.cluster, purpose, ports.Task{Room: roomID, Task: taskID}, pref)
	if err != nil {
		a.logger.Errorw("Failed to acquire node",
			"room", roomID, "task", taskID, "purpose", purpose, "error", err)
		return domain.Locality{}, apperrors.NewNodeAllocationError(string(purpose), err)
	}
	if loc.IsZero() {
		return domain.Locality{}, apperrors.NewNodeAllocationError(string(purpose),
			apperrors.NewNoCapacityError(string(purpose)))
	}
	a.logger.Debugw("Node acquired",
		"room", roomID, "task", taskID, "purpose", purpose, "agent", loc.Agent, "node", loc.Node)
	return loc, nil
}

// Release returns a node to the scheduler. Failures are logged only; the
// scheduler may already have reclaimed the node.
func (a *NodeAllocator) Release(ctx context.Context, loc domain.Locality, roomID, taskID string) {
	if loc.IsZero() {
		return
	}
	err := a.scheduler.ReleaseNode(ctx, loc, ports.Task{Room: roomID, Task: taskID})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warnw("Failed to release node",
			"room", roomID, "task", taskID, "agent", loc.Agent, "node", loc.Node, "error", err)
	}
}
