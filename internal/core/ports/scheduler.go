package ports

import (
	"context"

	"roomctl/internal/core/domain"
)

// Task tags a node allocation with the room and terminal it serves.
type Task struct {
	Room string `json:"room"`
	Task string `json:"task"`
}

// Scheduler hands out and reclaims processing node localities.
type Scheduler interface {
	AcquireNode(ctx context.Context, cluster string, purpose domain.Purpose, task Task, pref domain.Preference) (domain.Locality, error)
	ReleaseNode(ctx context.Context, locality domain.Locality, task Task) error
}
