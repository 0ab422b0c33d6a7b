package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
	apperrors "roomctl/pkg/errors"
)

func TestSubscribe_Validation(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, plainRoom())
	tr.publish(t, "alice", "s1", "webrtc-a")

	tests := []struct {
		name     string
		info     domain.SubscribeInfo
		wantCode apperrors.ErrorCode
	}{
		{
			name:     "unknown type",
			info:     domain.SubscribeInfo{Type: "vmixer", Audio: &domain.SubscribeAudio{From: "s1"}},
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "no tracks",
			info:     domain.SubscribeInfo{Type: domain.KindWebRTC},
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "missing source",
			info:     domain.SubscribeInfo{Type: domain.KindWebRTC, Video: &domain.SubscribeVideo{From: "s9"}},
			wantCode: apperrors.ErrCodeNotFound,
		},
		{
			name: "audio format without transcoding",
			info: domain.SubscribeInfo{Type: domain.KindWebRTC, Audio: &domain.SubscribeAudio{
				From: "s1", Format: format.AudioFormat{Codec: "pcmu"},
			}},
			wantCode: apperrors.ErrCodeFormatUnavailable,
		},
		{
			name: "video format without transcoding",
			info: domain.SubscribeInfo{Type: domain.KindWebRTC, Video: &domain.SubscribeVideo{
				From: "s1", Format: format.VideoFormat{Codec: "h264", Profile: "CB"},
			}},
			wantCode: apperrors.ErrCodeFormatUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.ctrl.Subscribe(ctx, "bob", "sub1", at("webrtc-b"), tt.info)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, tt.wantCode), err.Error())
			_, ok := tr.terminal("bob-sub-sub1")
			assert.False(t, ok)
			assert.Empty(t, tr.cluster.calls)
		})
	}
}

func TestSubscribe_TranscodedAudioIsShared(t *testing.T) {
	ctx := context.Background()
	room := plainRoom()
	room.Transcoding.Audio = true
	tr := newTestRoom(t, room)
	tr.publish(t, "alice", "s1", "webrtc-a")

	pcmu := domain.SubscribeInfo{Type: domain.KindWebRTC, Audio: &domain.SubscribeAudio{
		From: "s1", Format: format.AudioFormat{Codec: "pcmu"},
	}}
	require.NoError(t, tr.ctrl.Subscribe(ctx, "bob", "sub1", at("webrtc-b"), pcmu))
	require.NoError(t, tr.ctrl.Subscribe(ctx, "carol", "sub2", at("webrtc-b"), pcmu))

	xcoders := tr.terminalsOfKind(domain.KindAudioTranscoder)
	require.Len(t, xcoders, 1)
	axcoder := xcoders[0]
	assert.Equal(t, "audio-1", axcoder.Locality.Node)
	assert.Equal(t, "alice-pub-s1", axcoder.Owner)
	assert.Equal(t, 1, tr.cluster.count("init", "audio-1"))
	assert.True(t, tr.cluster.called("init", "audio-1", "transcoding"))
	assert.Equal(t, 1, tr.cluster.count("generate", "audio-1"))
	assert.True(t, tr.cluster.called("subscribe", "webrtc-a", "s1@audio-1"))
	assert.True(t, tr.cluster.called("linkup", "webrtc-b", "sub1=out-1||"))
	assert.True(t, tr.cluster.called("linkup", "webrtc-b", "sub2=out-1||"))

	out, ok := tr.stream("out-1")
	require.True(t, ok)
	assert.Equal(t, axcoder.ID, out.Owner)
	assert.Equal(t, "pcmu", out.Audio.Format)
	assert.ElementsMatch(t, []string{"bob-sub-sub1", "carol-sub-sub2"}, out.Audio.Subscribers)

	src, _ := tr.stream("s1")
	assert.Equal(t, []string{axcoder.ID}, src.Audio.Subscribers)

	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "bob", "sub1"))
	assert.Zero(t, tr.cluster.count("degenerate", ""))

	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "carol", "sub2"))
	assert.True(t, tr.cluster.called("degenerate", "audio-1", "out-1"))
	assert.True(t, tr.cluster.called("unsubscribe", "webrtc-a", "s1@audio-1"))
	assert.True(t, tr.cluster.called("unpublish", "audio-1", "s1"))
	assert.Empty(t, tr.terminalsOfKind(domain.KindAudioTranscoder))
	assert.Equal(t, []string{"audio-1"}, tr.sched.releasedNodes())
	_, ok = tr.stream("out-1")
	assert.False(t, ok)

	src, _ = tr.stream("s1")
	assert.Empty(t, src.Audio.Subscribers)
	assert.Empty(t, src.Spread)
}

func TestSubscribe_TranscodedVideoIsShared(t *testing.T) {
	ctx := context.Background()
	room := plainRoom()
	room.Transcoding.Video = true
	tr := newTestRoom(t, room)
	tr.publish(t, "alice", "s1", "webrtc-a")

	video := func(params format.VideoParams) domain.SubscribeInfo {
		return domain.SubscribeInfo{Type: domain.KindWebRTC, Video: &domain.SubscribeVideo{
			From: "s1", Format: format.VideoFormat{Codec: "h264", Profile: "CB"}, Parameters: params,
		}}
	}
	sd := format.VideoParams{Resolution: format.Resolution{Width: 640, Height: 360}, Framerate: 24}
	hd := format.VideoParams{Resolution: format.Resolution{Width: 1280, Height: 720}, Framerate: 24}
	require.NoError(t, tr.ctrl.Subscribe(ctx, "bob", "sub1", at("webrtc-b"), video(sd)))
	require.NoError(t, tr.ctrl.Subscribe(ctx, "carol", "sub2", at("webrtc-b"), video(sd)))

	xcoders := tr.terminalsOfKind(domain.KindVideoTranscoder)
	require.Len(t, xcoders, 1)
	vxcoder := xcoders[0]
	assert.Equal(t, "video-1", vxcoder.Locality.Node)
	assert.Equal(t, 1, tr.cluster.count("init", "video-1"))
	assert.Equal(t, 1, tr.cluster.count("generate", "video-1"))
	assert.True(t, tr.cluster.called("subscribe", "webrtc-a", "s1@video-1"))
	assert.True(t, tr.cluster.called("linkup", "webrtc-b", "sub1=|out-1|"))
	assert.True(t, tr.cluster.called("linkup", "webrtc-b", "sub2=|out-1|"))

	out, ok := tr.stream("out-1")
	require.True(t, ok)
	assert.Equal(t, vxcoder.ID, out.Owner)
	assert.Equal(t, sd, out.Video.VideoParams)
	assert.ElementsMatch(t, []string{"bob-sub-sub1", "carol-sub-sub2"}, out.Video.Subscribers)

	require.NoError(t, tr.ctrl.Subscribe(ctx, "dave", "sub3", at("webrtc-b"), video(hd)))
	require.Len(t, tr.terminalsOfKind(domain.KindVideoTranscoder), 1)
	assert.Equal(t, 1, tr.cluster.count("init", "video-1"))
	assert.Equal(t, 2, tr.cluster.count("generate", "video-1"))
	assert.True(t, tr.cluster.called("linkup", "webrtc-b", "sub3=|out-2|"))

	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "bob", "sub1"))
	assert.Zero(t, tr.cluster.count("degenerate", ""))

	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "carol", "sub2"))
	assert.True(t, tr.cluster.called("degenerate", "video-1", "out-1"))
	assert.Len(t, tr.terminalsOfKind(domain.KindVideoTranscoder), 1)
	_, ok = tr.stream("out-1")
	assert.False(t, ok)

	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "dave", "sub3"))
	assert.True(t, tr.cluster.called("degenerate", "video-1", "out-2"))
	assert.True(t, tr.cluster.called("unsubscribe", "webrtc-a", "s1@video-1"))
	assert.Empty(t, tr.terminalsOfKind(domain.KindVideoTranscoder))
	assert.Equal(t, []string{"video-1"}, tr.sched.releasedNodes())

	src, _ := tr.stream("s1")
	assert.Empty(t, src.Video.Subscribers)
	assert.Empty(t, src.Spread)
}

func TestSubscribe_TranscoderInitFailure(t *testing.T) {
	room := plainRoom()
	room.Transcoding.Video = true
	tr := newTestRoom(t, room)
	tr.publish(t, "alice", "s1", "webrtc-a")
	tr.cluster.failOn("init", "", errNodeDown)

	info := domain.SubscribeInfo{Type: domain.KindWebRTC, Video: &domain.SubscribeVideo{
		From: "s1", Format: format.VideoFormat{Codec: "h264", Profile: "CB"},
	}}
	err := tr.ctrl.Subscribe(context.Background(), "bob", "sub1", at("webrtc-b"), info)
	require.ErrorIs(t, err, errNodeDown)

	assert.Empty(t, tr.terminalsOfKind(domain.KindVideoTranscoder))
	assert.Equal(t, []string{"video-1"}, tr.sched.releasedNodes())
	_, ok := tr.terminal("bob-sub-sub1")
	assert.False(t, ok)
}

func TestSubscribe_SimulcastLayers(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, plainRoom())
	tr.publish(t, "alice", "s1", "webrtc-a")
	require.NoError(t, tr.ctrl.UpdateStreamInfo(ctx, "s1", domain.StreamInfoUpdate{FirstRID: "q"}))
	require.NoError(t, tr.ctrl.UpdateStreamInfo(ctx, "s1", domain.StreamInfoUpdate{
		RID:   "h",
		SimID: "s1-h",
		Info: &domain.StreamInfoUpdate{Video: &domain.StreamInfoVideo{
			Parameters: &format.VideoParams{Resolution: format.Resolution{Width: 1280, Height: 720}},
		}},
	}))

	tests := []struct {
		name         string
		video        domain.SubscribeVideo
		wantStream   string
		wantKeyFrame bool
	}{
		{
			name:         "layer by rid",
			video:        domain.SubscribeVideo{From: "s1", SimulcastRID: "h"},
			wantStream:   "s1-h",
			wantKeyFrame: true,
		},
		{
			name:       "default layer by rid",
			video:      domain.SubscribeVideo{From: "s1", SimulcastRID: "q"},
			wantStream: "s1",
		},
		{
			name: "layer by resolution",
			video: domain.SubscribeVideo{From: "s1", Parameters: format.VideoParams{
				Resolution: format.Resolution{Width: 1280, Height: 720},
			}},
			wantStream:   "s1-h",
			wantKeyFrame: true,
		},
		{
			name:       "source matches",
			video:      domain.SubscribeVideo{From: "s1"},
			wantStream: "s1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr.cluster.reset()
			video := tt.video
			info := domain.SubscribeInfo{Type: domain.KindWebRTC, Video: &video}
			require.NoError(t, tr.ctrl.Subscribe(ctx, "bob", "sub1", at("webrtc-b"), info))
			defer func() { require.NoError(t, tr.ctrl.Unsubscribe(ctx, "bob", "sub1")) }()

			assert.True(t, tr.cluster.called("linkup", "webrtc-b", "sub1=|"+tt.wantStream+"|"))
			assert.Equal(t, tt.wantKeyFrame, tr.cluster.called("forceKeyFrame", "webrtc-a", tt.wantStream))
			s, _ := tr.stream(tt.wantStream)
			assert.Equal(t, []string{"bob-sub-sub1"}, s.Video.Subscribers)
		})
	}

	t.Run("unknown rid", func(t *testing.T) {
		info := domain.SubscribeInfo{Type: domain.KindWebRTC, Video: &domain.SubscribeVideo{From: "s1", SimulcastRID: "f"}}
		err := tr.ctrl.Subscribe(ctx, "bob", "sub1", at("webrtc-b"), info)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})
}

func TestSubscribe_MixedStream(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, mixRoom())
	tr.publish(t, "alice", "s1", "webrtc-a")
	require.NoError(t, tr.ctrl.Mix(ctx, "s1", "common"))
	anode := tr.terminalsOfKind(domain.KindAudioMixer)[0].Locality.Node
	vnode := tr.terminalsOfKind(domain.KindVideoMixer)[0].Locality.Node
	tr.cluster.reset()

	hd := format.VideoParams{Resolution: format.Resolution{Width: 1280, Height: 720}}
	info := domain.SubscribeInfo{
		Type:  domain.KindWebRTC,
		Audio: &domain.SubscribeAudio{From: "room1-common"},
		Video: &domain.SubscribeVideo{From: "room1-common", Parameters: hd},
	}
	require.NoError(t, tr.ctrl.Subscribe(ctx, "bob", "sub1", at("webrtc-b"), info))
	require.NoError(t, tr.ctrl.Subscribe(ctx, "carol", "sub2", at("webrtc-c"), info))

	assert.Equal(t, 2, tr.cluster.count("generate", anode))
	assert.Equal(t, 1, tr.cluster.count("generate", vnode))
	assert.True(t, tr.cluster.called("generate", anode, "opus_48000_2"))
	assert.True(t, tr.cluster.called("generate", vnode, "h264_CB"))
	assert.True(t, tr.cluster.called("linkup", "webrtc-b", "sub1=out-1|out-2|"))
	assert.True(t, tr.cluster.called("linkup", "webrtc-c", "sub2=out-1|out-2|"))
	assert.True(t, tr.cluster.called("forceKeyFrame", vnode, "out-2"))

	video, ok := tr.stream("out-2")
	require.True(t, ok)
	assert.Equal(t, hd, video.Video.VideoParams)
	assert.ElementsMatch(t, []string{"webrtc-b", "webrtc-c"}, video.SpreadTargets())

	t.Run("other parameters get their own output", func(t *testing.T) {
		sd := info
		sd.Audio = nil
		sd.Video = &domain.SubscribeVideo{From: "room1-common", Parameters: format.VideoParams{
			Resolution: format.Resolution{Width: 640, Height: 360},
		}}
		require.NoError(t, tr.ctrl.Subscribe(ctx, "dave", "sub3", at("webrtc-b"), sd))
		assert.Equal(t, 2, tr.cluster.count("generate", vnode))
		require.NoError(t, tr.ctrl.Unsubscribe(ctx, "dave", "sub3"))
		assert.True(t, tr.cluster.called("degenerate", vnode, "out-3"))
	})

	t.Run("unsupported format", func(t *testing.T) {
		vp9 := domain.SubscribeInfo{Type: domain.KindWebRTC, Video: &domain.SubscribeVideo{
			From: "room1-common", Format: format.VideoFormat{Codec: "vp9"},
		}}
		err := tr.ctrl.Subscribe(ctx, "erin", "sub4", at("webrtc-b"), vp9)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeFormatUnavailable))
	})

	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "bob", "sub1"))
	assert.False(t, tr.cluster.called("degenerate", vnode, "out-2"))
	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "carol", "sub2"))
	assert.True(t, tr.cluster.called("degenerate", anode, "out-1"))
	assert.True(t, tr.cluster.called("degenerate", vnode, "out-2"))
	assert.Len(t, tr.terminalsOfKind(domain.KindAudioMixer), 1)
	assert.Len(t, tr.terminalsOfKind(domain.KindVideoMixer), 1)
}

func TestSubscribe_Data(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, plainRoom())
	require.NoError(t, tr.ctrl.Publish(ctx, "alice", "dc", at("webrtc-a"),
		domain.PublishInfo{Type: domain.KindWebRTC, Data: true}))

	info := domain.SubscribeInfo{Type: domain.KindWebRTC, Data: &domain.SubscribeData{From: "dc"}}
	require.NoError(t, tr.ctrl.Subscribe(ctx, "bob", "sub1", at("webrtc-b"), info))
	assert.True(t, tr.cluster.called("publish", "webrtc-b", "dc"))
	assert.True(t, tr.cluster.called("linkup", "webrtc-b", "sub1=||dc"))

	term, _ := tr.terminal("bob-sub-sub1")
	require.Contains(t, term.Subscribed, "sub1")
	assert.Equal(t, "dc", term.Subscribed["sub1"].Data)

	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "bob", "sub1"))
	assert.True(t, tr.cluster.called("unpublish", "webrtc-b", "dc"))
	s, _ := tr.stream("dc")
	assert.Empty(t, s.Spread)
}

func TestSubscribe_LinkupFailureShrinks(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, plainRoom())
	tr.publish(t, "alice", "s1", "webrtc-a")
	tr.cluster.failOn("linkup", "webrtc-b", errNodeDown)

	info := domain.SubscribeInfo{Type: domain.KindWebRTC, Video: &domain.SubscribeVideo{From: "s1"}}
	err := tr.ctrl.Subscribe(ctx, "bob", "sub1", at("webrtc-b"), info)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNodeDown))

	assert.True(t, tr.cluster.called("unsubscribe", "webrtc-a", "s1@webrtc-b"))
	assert.True(t, tr.cluster.called("unpublish", "webrtc-b", "s1"))
	s, _ := tr.stream("s1")
	assert.Empty(t, s.Spread)
	assert.Empty(t, s.Video.Subscribers)
	assert.NotContains(t, tr.events.types(), domain.EventSubscriptionAdded)
}

func TestUnsubscribe_Unknown(t *testing.T) {
	tr := newTestRoom(t, plainRoom())
	require.NoError(t, tr.ctrl.Unsubscribe(context.Background(), "bob", "nope"))
	assert.Empty(t, tr.cluster.calls)
	assert.NotContains(t, tr.events.types(), domain.EventSubscriptionRemoved)
}
