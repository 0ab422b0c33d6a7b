package domain

import "time"

// EventType names a room event.
type EventType string

const (
	EventRoomCreated         EventType = "room_created"
	EventRoomDestroyed       EventType = "room_destroyed"
	EventStreamAdded         EventType = "stream_added"
	EventStreamRemoved       EventType = "stream_removed"
	EventSubscriptionAdded   EventType = "subscription_added"
	EventSubscriptionRemoved EventType = "subscription_removed"
	EventRebuildFailed       EventType = "rebuild_failed"
)

// RoomEvent is published to other controller instances and observers.
type RoomEvent struct {
	Type         EventType `json:"type"`
	Room         string    `json:"room"`
	Controller   string    `json:"controller,omitempty"`
	Participant  string    `json:"participant,omitempty"`
	Stream       string    `json:"stream,omitempty"`
	Subscription string    `json:"subscription,omitempty"`
	Terminal     string    `json:"terminal,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Fault is a node failure notification.
type Fault struct {
	Purpose Purpose    `json:"purpose"`
	Scope   FaultScope `json:"type"`
	ID      string     `json:"id"`
}
