package services

import (
	"context"
	"time"

	"roomctl/internal/core/domain"
)

// NopEventPublisher drops events. Used when no event bus is configured.
type NopEventPublisher struct{}

func (NopEventPublisher) Publish(context.Context, domain.RoomEvent) error { return nil }

// NopRoomMetrics discards measurements.
type NopRoomMetrics struct{}

func (NopRoomMetrics) RecordRPC(string, time.Duration, error)  {}
func (NopRoomMetrics) RecordSpreadFailure(string)              {}
func (NopRoomMetrics) RecordRebuild(domain.TerminalKind, bool) {}
func (NopRoomMetrics) SetRoomCounts(string, domain.RoomCounts) {}
func (NopRoomMetrics) RemoveRoom(string)                       {}
func (NopRoomMetrics) SetActiveRooms(int)                      {}
