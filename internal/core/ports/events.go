package ports

import (
	"context"
	"time"

	"roomctl/internal/core/domain"
)

// EventPublisher fans room events out to other instances.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.RoomEvent) error
}

// FaultHandler receives node failure notifications.
type FaultHandler func(ctx context.Context, fault domain.Fault)

// RoomMetrics records controller activity.
type RoomMetrics interface {
	RecordRPC(method string, duration time.Duration, err error)
	RecordSpreadFailure(step string)
	RecordRebuild(kind domain.TerminalKind, ok bool)
	SetRoomCounts(roomID string, counts domain.RoomCounts)
	RemoveRoom(roomID string)
	SetActiveRooms(n int)
}
