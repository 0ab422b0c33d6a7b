package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
)

type managerFixture struct {
	manager   ports.RoomManager
	repo      *MockRoomConfigRepository
	ownership *MockRoomOwnership
	cluster   *fakeCluster
	events    *recordingEvents
}

func newManagerFixture(t *testing.T, withOwnership bool) *managerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &managerFixture{
		repo:    new(MockRoomConfigRepository),
		cluster: newFakeCluster(),
		events:  &recordingEvents{},
	}
	var ownership ports.RoomOwnership
	if withOwnership {
		f.ownership = new(MockRoomOwnership)
		ownership = f.ownership
	}
	f.manager = NewRoomManager(
		RoomControllerConfig{ControllerID: "ctrl-1", InternalConnProtocol: "tcp"},
		f.repo,
		ownership,
		RoomDependencies{
			Node:      f.cluster,
			Allocator: NewNodeAllocator(&fakeScheduler{}, "media", logger),
			Events:    f.events,
			Logger:    logger,
		},
	)
	return f
}

func TestRoomManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, false)
	f.repo.On("Get", mock.Anything, "room1").Return(mixRoom(), nil)

	ctrl, err := f.manager.CreateRoom(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, "room1", ctrl.RoomID())
	assert.Equal(t, []string{"room1"}, f.manager.Rooms())
	assert.Contains(t, f.events.types(), domain.EventRoomCreated)

	_, err = f.manager.CreateRoom(ctx, "room1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))

	got, err := f.manager.Room("room1")
	require.NoError(t, err)
	assert.Same(t, ctrl, got)

	require.NoError(t, f.manager.DestroyRoom(ctx, "room1"))
	assert.Contains(t, f.events.types(), domain.EventRoomDestroyed)
	assert.Empty(t, f.manager.Rooms())
	assert.Equal(t, 2, f.cluster.count("deinit", ""))

	_, err = f.manager.Room("room1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	err = f.manager.DestroyRoom(ctx, "room1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	f.repo.AssertExpectations(t)
}

func TestRoomManager_CreateRoomErrors(t *testing.T) {
	ctx := context.Background()
	storeErr := errors.New("connection reset")

	t.Run("unknown room", func(t *testing.T) {
		f := newManagerFixture(t, false)
		f.repo.On("Get", mock.Anything, "room9").Return(nil, domain.ErrRoomNotFound)
		_, err := f.manager.CreateRoom(ctx, "room9")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
		assert.Empty(t, f.manager.Rooms())
	})

	t.Run("store failure", func(t *testing.T) {
		f := newManagerFixture(t, false)
		f.repo.On("Get", mock.Anything, "room1").Return(nil, storeErr)
		_, err := f.manager.CreateRoom(ctx, "room1")
		assert.ErrorIs(t, err, storeErr)
	})

	t.Run("owned by another controller", func(t *testing.T) {
		f := newManagerFixture(t, true)
		f.repo.On("Get", mock.Anything, "room1").Return(plainRoom(), nil)
		f.ownership.On("Claim", mock.Anything, "room1").Return(false, nil)
		f.ownership.On("Owner", mock.Anything, "room1").Return("ctrl-2", nil)

		_, err := f.manager.CreateRoom(ctx, "room1")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
		assert.Contains(t, err.Error(), "ctrl-2")
		f.ownership.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
	})

	t.Run("init failure releases ownership", func(t *testing.T) {
		f := newManagerFixture(t, true)
		f.repo.On("Get", mock.Anything, "room1").Return(mixRoom(), nil)
		f.ownership.On("Claim", mock.Anything, "room1").Return(true, nil)
		f.ownership.On("Release", mock.Anything, "room1").Return(nil)
		f.cluster.failOn("init", "", errNodeDown)

		_, err := f.manager.CreateRoom(ctx, "room1")
		assert.ErrorIs(t, err, errNodeDown)
		assert.Empty(t, f.manager.Rooms())
		f.ownership.AssertExpectations(t)
	})
}

func TestRoomManager_Ownership(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, true)
	cfg := plainRoom()
	cfg.ID = ""
	f.repo.On("Get", mock.Anything, "room1").Return(cfg, nil)
	f.ownership.On("Claim", mock.Anything, "room1").Return(true, nil)
	f.ownership.On("Release", mock.Anything, "room1").Return(errors.New("lease expired"))

	ctrl, err := f.manager.CreateRoom(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, "room1", ctrl.RoomID())

	f.manager.Shutdown(ctx)
	assert.Empty(t, f.manager.Rooms())
	f.ownership.AssertExpectations(t)
}

func TestRoomManager_OnFaultDetected(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, false)
	room2 := mixRoom()
	room2.ID = "room2"
	f.repo.On("Get", mock.Anything, "room1").Return(mixRoom(), nil)
	f.repo.On("Get", mock.Anything, "room2").Return(room2, nil)

	for _, id := range []string{"room1", "room2"} {
		_, err := f.manager.CreateRoom(ctx, id)
		require.NoError(t, err)
	}
	f.cluster.reset()

	f.manager.OnFaultDetected(ctx, domain.Fault{Purpose: domain.PurposeVideo, Scope: domain.FaultScopeWorker, ID: "video-agent"})
	assert.Equal(t, 2, f.cluster.count("init", ""))

	for _, id := range f.manager.Rooms() {
		ctrl, err := f.manager.Room(id)
		require.NoError(t, err)
		snap := ctrl.Snapshot()
		for _, term := range snap.Terminals {
			if term.Kind == domain.KindVideoMixer {
				assert.Contains(t, []string{"video-5", "video-6"}, term.Locality.Node)
			}
		}
	}
}
