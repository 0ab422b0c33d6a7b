package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
)

// SchedulerClient acquires nodes in two steps: the cluster manager picks a
// worker agent for the task, then the agent hands out one of its nodes.
// Releasing a node goes straight to the agent. The cluster name is the
// routing key of the cluster manager; queue is used when it is empty.
type SchedulerClient struct {
	rpc         Caller
	queue       string
	reserveTime time.Duration
}

var _ ports.Scheduler = (*SchedulerClient)(nil)

func NewSchedulerClient(rpc Caller, queue string, reserveTime time.Duration) *SchedulerClient {
	return &SchedulerClient{rpc: rpc, queue: queue, reserveTime: reserveTime}
}

type scheduleResult struct {
	ID   string         `json:"id"`
	Info map[string]any `json:"info,omitempty"`
}

func (s *SchedulerClient) AcquireNode(ctx context.Context, cluster string, purpose domain.Purpose, task ports.Task, pref domain.Preference) (domain.Locality, error) {
	route := cluster
	if route == "" {
		route = s.queue
	}
	var agent scheduleResult
	args := []any{purpose, task.Task, pref, s.reserveTime.Milliseconds()}
	if err := s.rpc.Call(ctx, route, "schedule", args, &agent); err != nil {
		return domain.Locality{}, classify(purpose, err)
	}
	if agent.ID == "" {
		return domain.Locality{}, apperrors.NewNoCapacityError(string(purpose))
	}

	var node string
	if err := s.rpc.Call(ctx, agent.ID, "getNode", []any{task}, &node); err != nil {
		return domain.Locality{}, classify(purpose, err)
	}
	if node == "" {
		return domain.Locality{}, apperrors.NewNoCapacityError(string(purpose))
	}
	return domain.Locality{Agent: agent.ID, Node: node}, nil
}

func (s *SchedulerClient) ReleaseNode(ctx context.Context, loc domain.Locality, task ports.Task) error {
	if err := s.rpc.Call(ctx, loc.Agent, "recycleNode", []any{loc.Node, task}, nil); err != nil {
		return fmt.Errorf("recycle %s on %s: %w", loc.Node, loc.Agent, err)
	}
	return nil
}

// classify maps transport failures to SCHEDULER_UNAVAILABLE and a refusal
// for lack of workers to NO_CAPACITY. Other remote errors pass through.
func classify(purpose domain.Purpose, err error) error {
	var re *RemoteError
	if errors.As(err, &re) {
		reason := strings.ToLower(re.Reason)
		if strings.Contains(reason, "no worker") || strings.Contains(reason, "no available") {
			return apperrors.WrapError(err, apperrors.ErrCodeNoCapacity,
				fmt.Sprintf("no %s capacity", purpose), http.StatusServiceUnavailable)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.NewSchedulerUnavailableError(err)
}
