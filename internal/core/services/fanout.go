package services

import (
	"context"
	"errors"
	"sync"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
)

// FanoutPublisher hands every event to each registered publisher. A failing
// publisher does not keep the event from the others.
type FanoutPublisher struct {
	mu      sync.RWMutex
	targets []ports.EventPublisher
}

var _ ports.EventPublisher = (*FanoutPublisher)(nil)

func NewFanoutPublisher(targets ...ports.EventPublisher) *FanoutPublisher {
	return &FanoutPublisher{targets: targets}
}

// Add registers p. Publishers created after the room manager are added here.
func (f *FanoutPublisher) Add(p ports.EventPublisher) {
	f.mu.Lock()
	f.targets = append(f.targets, p)
	f.mu.Unlock()
}

func (f *FanoutPublisher) Publish(ctx context.Context, event domain.RoomEvent) error {
	f.mu.RLock()
	targets := append([]ports.EventPublisher(nil), f.targets...)
	f.mu.RUnlock()

	var errs []error
	for _, t := range targets {
		if err := t.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
