package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
)

func TestRoomController_InitializeViews(t *testing.T) {
	tr := newUninitializedRoom(t, mixRoom())
	require.NoError(t, tr.ctrl.initialize(context.Background()))

	amixers := tr.terminalsOfKind(domain.KindAudioMixer)
	vmixers := tr.terminalsOfKind(domain.KindVideoMixer)
	require.Len(t, amixers, 1)
	require.Len(t, vmixers, 1)
	assert.Equal(t, "room1-common", amixers[0].Owner)
	assert.Equal(t, "room1-common", vmixers[0].Owner)
	assert.Equal(t, 2, tr.cluster.count("init", ""))
	assert.Equal(t, 1, tr.cluster.count("enableVAD", amixers[0].Locality.Node))

	snap := tr.ctrl.Snapshot()
	require.Len(t, snap.Views, 1)
	v := snap.Views[0]
	assert.Equal(t, amixers[0].ID, v.AudioMixer)
	assert.Equal(t, vmixers[0].ID, v.VideoMixer)
	assert.Equal(t, []string{"opus_48000_2", "pcmu"}, v.AudioFormats)
	assert.Equal(t, []string{"h264_CB", "vp8"}, v.VideoFormats.Encode)

	assert.Equal(t, []ports.MixedStream{{StreamID: "room1-common", View: "common"}}, tr.ctrl.GetMixedStreams())
	id, ok := tr.ctrl.GetMixedStream("common")
	assert.True(t, ok)
	assert.Equal(t, "room1-common", id)
	_, ok = tr.ctrl.GetMixedStream("missing")
	assert.False(t, ok)
}

func TestRoomController_InitializeSelector(t *testing.T) {
	room := plainRoom()
	room.SelectActiveAudio = true
	tr := newTestRoom(t, room)

	selectors := tr.terminalsOfKind(domain.KindAudioSelector)
	require.Len(t, selectors, 1)
	assert.Equal(t, "admin", selectors[0].Owner)
	assert.Equal(t, domain.ActiveAudioSlots, tr.ctrl.GetActiveAudioStreams())

	loc, ok := tr.ctrl.GetActiveAudioNode()
	require.True(t, ok)
	assert.Equal(t, selectors[0].Locality, loc)

	for _, id := range domain.ActiveAudioSlots {
		s, ok := tr.stream(id)
		require.True(t, ok, id)
		assert.True(t, s.Audio.Mutable)
		assert.Equal(t, selectors[0].ID, s.Owner)
	}
}

func TestRoomController_InitializeFailure(t *testing.T) {
	tests := []struct {
		name     string
		failNode string
		released []string
	}{
		{name: "audio mixer init fails", failNode: "audio-1", released: []string{"audio-1"}},
		{name: "video mixer init fails", failNode: "video-2", released: []string{"video-2", "audio-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newUninitializedRoom(t, mixRoom())
			tr.cluster.failOn("init", tt.failNode, errNodeDown)

			err := tr.ctrl.initialize(context.Background())
			require.Error(t, err)

			snap := tr.ctrl.Snapshot()
			assert.Empty(t, snap.Terminals)
			assert.Empty(t, snap.Views)
			assert.ElementsMatch(t, tt.released, tr.sched.releasedNodes())
			assert.Contains(t, tr.events.types(), domain.EventRoomDestroyed)
		})
	}
}

func TestRoomController_Destroy(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, mixRoom())
	tr.publish(t, "alice", "s1", "webrtc-a")
	require.NoError(t, tr.ctrl.Mix(ctx, "s1", "common"))
	tr.subscribeAV(t, "bob", "sub1", "webrtc-b", "s1")

	amixer := tr.terminalsOfKind(domain.KindAudioMixer)[0]
	vmixer := tr.terminalsOfKind(domain.KindVideoMixer)[0]

	tr.ctrl.Destroy(ctx)

	snap := tr.ctrl.Snapshot()
	assert.Empty(t, snap.Terminals)
	assert.Empty(t, snap.Streams)
	assert.True(t, tr.cluster.called("deinit", amixer.Locality.Node, amixer.ID))
	assert.True(t, tr.cluster.called("deinit", vmixer.Locality.Node, vmixer.ID))
	assert.True(t, tr.cluster.called("cutoff", "webrtc-b", "sub1"))
	assert.ElementsMatch(t, []string{amixer.Locality.Node, vmixer.Locality.Node}, tr.sched.releasedNodes())
	assert.Contains(t, tr.events.types(), domain.EventRoomDestroyed)
}

func TestRoomController_MixersUseControllerOrigin(t *testing.T) {
	logger := zaptest.NewLogger(t)
	origin := domain.Origin{ISP: "isp-a", Region: "eu"}
	sched := new(MockScheduler)
	sched.On("AcquireNode", mock.Anything, "media", domain.PurposeAudio, mock.Anything,
		mock.MatchedBy(func(p domain.Preference) bool { return p.Origin == origin })).
		Return(domain.Locality{Agent: "audio-agent", Node: "audio-1"}, nil).Once()
	sched.On("AcquireNode", mock.Anything, "media", domain.PurposeVideo, mock.Anything,
		mock.MatchedBy(func(p domain.Preference) bool {
			return p.Origin == origin && assert.ObjectsAreEqual([]string{"h264_CB"}, p.Video.Encode)
		})).
		Return(domain.Locality{Agent: "video-agent", Node: "video-1"}, nil).Once()

	ctrl := newRoomController(
		RoomControllerConfig{ControllerID: "ctrl-1", InternalConnProtocol: "tcp", Origin: origin},
		mixRoom(),
		RoomDependencies{
			Node:      newFakeCluster(),
			Allocator: NewNodeAllocator(sched, "media", logger),
			Events:    &recordingEvents{},
			Logger:    logger,
		},
	)
	require.NoError(t, ctrl.initialize(context.Background()))
	sched.AssertExpectations(t)

	for _, term := range ctrl.Snapshot().Terminals {
		assert.Equal(t, origin, term.Origin, term.ID)
	}
}
