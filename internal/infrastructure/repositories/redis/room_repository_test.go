package redis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
)

func TestDecodeRoom(t *testing.T) {
	cfg := domain.RoomConfig{
		ID:                "room1",
		Name:              "Weekly sync",
		SelectActiveAudio: true,
		Views: []domain.ViewConfig{{
			Label: "common",
			Audio: &domain.AudioMixConfig{Format: format.AudioFormat{Codec: "opus", SampleRate: 48000, ChannelNum: 2}},
		}},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"selectActiveAudio":true`)

	got, err := decodeRoom(data)
	require.NoError(t, err)
	assert.Equal(t, "room1", got.ID)
	assert.Equal(t, "opus_48000_2", got.Views[0].Audio.Format.String())

	_, err = decodeRoom([]byte(`{"id":`))
	assert.Error(t, err)
}

func TestRoomKeys(t *testing.T) {
	assert.Equal(t, "roomctl:room-config:room1", roomKey("room1"))
	assert.Len(t, getMigrations(), currentSchemaVersion)
}
