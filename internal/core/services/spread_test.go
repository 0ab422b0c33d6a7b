package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomctl/internal/core/domain"
	apperrors "roomctl/pkg/errors"
)

func TestSpread_ForwardAndShrink(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, plainRoom())
	tr.publish(t, "alice", "s1", "webrtc-a")
	tr.subscribeAV(t, "bob", "sub1", "webrtc-b", "s1")

	c := tr.cluster
	assert.True(t, c.called("createInternalConnection", "webrtc-b", "s1"))
	assert.True(t, c.called("createInternalConnection", "webrtc-a", "s1@webrtc-b"))
	assert.True(t, c.called("publish", "webrtc-b", "s1"))
	assert.True(t, c.called("subscribe", "webrtc-a", "s1@webrtc-b"))
	assert.True(t, c.called("linkup", "webrtc-a", "s1@webrtc-b=s1|s1|"))
	assert.True(t, c.called("linkup", "webrtc-b", "sub1=s1|s1|"))
	assert.Zero(t, c.count("forceKeyFrame", ""))

	s, ok := tr.stream("s1")
	require.True(t, ok)
	require.Len(t, s.Spread, 1)
	assert.Equal(t, domain.SpreadEntry{Target: "webrtc-b", Status: domain.SpreadConnected}, *s.Spread[0])
	assert.Equal(t, []string{"bob-sub-sub1"}, s.Audio.Subscribers)
	assert.Equal(t, []string{"bob-sub-sub1"}, s.Video.Subscribers)

	tr.subscribeAV(t, "carol", "sub2", "webrtc-b", "s1")
	assert.Equal(t, 1, c.count("publish", "webrtc-b"))

	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "bob", "sub1"))
	assert.True(t, c.called("cutoff", "webrtc-b", "sub1"))
	assert.Zero(t, c.count("unpublish", "webrtc-b"))

	require.NoError(t, tr.ctrl.Unsubscribe(ctx, "carol", "sub2"))
	assert.True(t, c.called("unsubscribe", "webrtc-a", "s1@webrtc-b"))
	assert.True(t, c.called("unpublish", "webrtc-b", "s1"))

	s, ok = tr.stream("s1")
	require.True(t, ok)
	assert.Empty(t, s.Spread)
	_, ok = tr.terminal("bob-sub-sub1")
	assert.False(t, ok)
}

func TestSpread_SameNodeNeedsNoConnection(t *testing.T) {
	tr := newTestRoom(t, plainRoom())
	tr.publish(t, "alice", "s1", "webrtc-a")
	tr.subscribeAV(t, "bob", "sub1", "webrtc-a", "s1")

	assert.Zero(t, tr.cluster.count("createInternalConnection", ""))
	assert.True(t, tr.cluster.called("linkup", "webrtc-a", "sub1=s1|s1|"))
	s, _ := tr.stream("s1")
	assert.Empty(t, s.Spread)
}

func TestSpread_ConcurrentRequestsShareOneSetup(t *testing.T) {
	ctx := context.Background()
	tr := newTestRoom(t, plainRoom())
	tr.publish(t, "alice", "s1", "webrtc-a")

	gate := tr.cluster.gate("createInternalConnection")
	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info := domain.SubscribeInfo{
				Type:  domain.KindWebRTC,
				Audio: &domain.SubscribeAudio{From: "s1"},
				Video: &domain.SubscribeVideo{From: "s1"},
			}
			errs[i] = tr.ctrl.Subscribe(ctx, fmt.Sprintf("p%d", i), "sub", at("webrtc-b"), info)
		}(i)
	}

	select {
	case <-tr.cluster.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("spread setup never started")
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "subscriber %d", i)
		assert.False(t, apperrors.HasCode(err, apperrors.ErrCodeAmbiguousSpreadState))
	}
	assert.Equal(t, 1, tr.cluster.count("publish", "webrtc-b"))
	assert.Equal(t, 2, tr.cluster.count("createInternalConnection", ""))

	s, _ := tr.stream("s1")
	assert.Len(t, s.Spread, 1)
	assert.Len(t, s.Video.Subscribers, n)
}

func TestSpread_FailureUnwindsCompletedSteps(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		node       string
		wantUndone []rpcCall
		notUndone  []rpcCall
	}{
		{
			name:   "publish fails",
			method: "publish", node: "webrtc-b",
			wantUndone: []rpcCall{
				{Method: "destroyInternalConnection", Node: "webrtc-b", ID: "s1"},
				{Method: "destroyInternalConnection", Node: "webrtc-a", ID: "s1@webrtc-b"},
			},
			notUndone: []rpcCall{{Method: "unpublish", Node: "webrtc-b", ID: "s1"}},
		},
		{
			name:   "subscribe fails",
			method: "subscribe", node: "webrtc-a",
			wantUndone: []rpcCall{
				{Method: "unpublish", Node: "webrtc-b", ID: "s1"},
				{Method: "destroyInternalConnection", Node: "webrtc-a", ID: "s1@webrtc-b"},
			},
			notUndone: []rpcCall{{Method: "unsubscribe", Node: "webrtc-a", ID: "s1@webrtc-b"}},
		},
		{
			name:   "linkup fails",
			method: "linkup", node: "webrtc-a",
			wantUndone: []rpcCall{
				{Method: "unsubscribe", Node: "webrtc-a", ID: "s1@webrtc-b"},
				{Method: "unpublish", Node: "webrtc-b", ID: "s1"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestRoom(t, plainRoom())
			tr.publish(t, "alice", "s1", "webrtc-a")
			tr.cluster.failOn(tt.method, tt.node, errNodeDown)

			info := domain.SubscribeInfo{Type: domain.KindWebRTC, Video: &domain.SubscribeVideo{From: "s1"}}
			err := tr.ctrl.Subscribe(context.Background(), "bob", "sub1", at("webrtc-b"), info)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSpreadFailed))

			for _, call := range tt.wantUndone {
				assert.True(t, tr.cluster.called(call.Method, call.Node, call.ID), "%+v", call)
			}
			for _, call := range tt.notUndone {
				assert.False(t, tr.cluster.called(call.Method, call.Node, call.ID), "%+v", call)
			}

			s, _ := tr.stream("s1")
			assert.Empty(t, s.Spread)
			assert.Empty(t, s.Video.Subscribers)
			_, ok := tr.terminal("bob-sub-sub1")
			assert.False(t, ok)
		})
	}
}

func TestSpread_NothingToSpread(t *testing.T) {
	tr := newTestRoom(t, plainRoom())
	a := opus()
	require.NoError(t, tr.ctrl.Publish(context.Background(), "alice", "s1", at("webrtc-a"),
		domain.PublishInfo{Type: domain.KindWebRTC, Audio: &a}))

	err := tr.ctrl.spreadStream(context.Background(), "s1", "video-9", domain.KindVideoMixer)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNothingToSpread))

	err = tr.ctrl.spreadStream(context.Background(), "missing", "video-9", domain.KindVideoMixer)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}
