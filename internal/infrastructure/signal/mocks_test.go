package signal

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
)

type MockRoomManager struct {
	mock.Mock
}

func (m *MockRoomManager) CreateRoom(ctx context.Context, roomID string) (ports.RoomController, error) {
	args := m.Called(ctx, roomID)
	room, _ := args.Get(0).(ports.RoomController)
	return room, args.Error(1)
}

func (m *MockRoomManager) Room(roomID string) (ports.RoomController, error) {
	args := m.Called(roomID)
	room, _ := args.Get(0).(ports.RoomController)
	return room, args.Error(1)
}

func (m *MockRoomManager) DestroyRoom(ctx context.Context, roomID string) error {
	return m.Called(ctx, roomID).Error(0)
}

func (m *MockRoomManager) Rooms() []string {
	return m.Called().Get(0).([]string)
}

func (m *MockRoomManager) OnFaultDetected(ctx context.Context, fault domain.Fault) {
	m.Called(ctx, fault)
}

func (m *MockRoomManager) Shutdown(ctx context.Context) {
	m.Called(ctx)
}

// MockRoom mocks the controller calls the tests make; others panic.
type MockRoom struct {
	ports.RoomController
	mock.Mock
}

func (m *MockRoom) Publish(ctx context.Context, participantID, streamID string, accessNode domain.Locality, info domain.PublishInfo) error {
	return m.Called(ctx, participantID, streamID, accessNode, info).Error(0)
}

func (m *MockRoom) Mix(ctx context.Context, streamID, view string) error {
	return m.Called(ctx, streamID, view).Error(0)
}

func (m *MockRoom) SetLayout(ctx context.Context, view string, layout json.RawMessage) (json.RawMessage, error) {
	args := m.Called(ctx, view, layout)
	out, _ := args.Get(0).(json.RawMessage)
	return out, args.Error(1)
}

func (m *MockRoom) GetMixedStream(view string) (string, bool) {
	args := m.Called(view)
	return args.String(0), args.Bool(1)
}

func (m *MockRoom) GetParticipantFromInputID(inputID string) (string, bool) {
	args := m.Called(inputID)
	return args.String(0), args.Bool(1)
}

func (m *MockRoom) Snapshot() domain.RoomSnapshot {
	return m.Called().Get(0).(domain.RoomSnapshot)
}
