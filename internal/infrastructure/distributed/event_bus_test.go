package distributed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomctl/internal/core/domain"
)

func TestEncodeEvent(t *testing.T) {
	data, err := encodeEvent("ctrl-1", domain.RoomEvent{
		Type:   domain.EventStreamAdded,
		Room:   "room1",
		Stream: "s1",
	})
	require.NoError(t, err)

	var got domain.RoomEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "ctrl-1", got.Controller)
	assert.Equal(t, domain.EventStreamAdded, got.Type)
	assert.False(t, got.Timestamp.IsZero())

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err = encodeEvent("ctrl-1", domain.RoomEvent{Type: domain.EventRoomCreated, Room: "room1", Timestamp: stamp})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp":"2024-05-01T12:00:00Z"`)
}

func TestDecodeFault(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    domain.Fault
		ok      bool
		wantErr bool
	}{
		{
			name:    "relayed by peer",
			payload: `{"instance_id":"ctrl-2","fault":{"purpose":"video","type":"node","id":"video-3"}}`,
			want:    domain.Fault{Purpose: domain.PurposeVideo, Scope: domain.FaultScopeNode, ID: "video-3"},
			ok:      true,
		},
		{
			name:    "own relay is skipped",
			payload: `{"instance_id":"ctrl-1","fault":{"purpose":"video","type":"node","id":"video-3"}}`,
		},
		{
			name:    "missing id",
			payload: `{"instance_id":"ctrl-2","fault":{"purpose":"audio","type":"worker"}}`,
		},
		{name: "garbage", payload: `[`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := decodeFault("ctrl-1", tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFaultMessageRoundTrip(t *testing.T) {
	fault := domain.Fault{Purpose: domain.PurposeAudio, Scope: domain.FaultScopeWorker, ID: "audio-agent"}
	data, err := json.Marshal(faultMessage{InstanceID: "ctrl-2", Fault: fault})
	require.NoError(t, err)

	got, ok, err := decodeFault("ctrl-1", string(data))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fault, got)
}

func TestRoomRegistry_ReleaseUnownedRoom(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	reg := NewRoomRegistry(client, "ctrl-1", 0, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, 30*time.Second, reg.ttl)
	assert.NoError(t, reg.Release(context.Background(), "room1"))
	reg.ReleaseAll(context.Background())
}
