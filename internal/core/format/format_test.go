package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAudioFormat_StringAndParse(t *testing.T) {
	tests := []struct {
		str string
		fmt AudioFormat
	}{
		{"pcmu", AudioFormat{Codec: "pcmu"}},
		{"opus_48000_2", AudioFormat{Codec: "opus", SampleRate: 48000, ChannelNum: 2}},
		{"isac_16000", AudioFormat{Codec: "isac", SampleRate: 16000}},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.str, tt.fmt.String())
			assert.Equal(t, tt.fmt, ParseAudio(tt.str))
		})
	}
}

func TestVideoFormat_StringAndParse(t *testing.T) {
	assert.Equal(t, "vp8", VideoFormat{Codec: "vp8"}.String())
	assert.Equal(t, "h264_CB", VideoFormat{Codec: "h264", Profile: "CB"}.String())
	assert.Equal(t, VideoFormat{Codec: "h264", Profile: "B"}, ParseVideo("h264_B"))
	assert.True(t, VideoFormat{}.IsZero())
}

func TestMixedFormat(t *testing.T) {
	supported := []string{"opus_48000_2", "pcmu", "pcma"}

	tests := []struct {
		name      string
		requested string
		supported []string
		want      string
	}{
		{"exact match", "pcmu", supported, "pcmu"},
		{"not supported", "isac_16000", supported, Unavailable},
		{"no request takes first", "", supported, "opus_48000_2"},
		{"no request no support", "", nil, Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MixedFormat(tt.requested, tt.supported))
		})
	}
}

func TestForwardFormat(t *testing.T) {
	tests := []struct {
		name        string
		requested   string
		original    string
		transcoding bool
		want        string
	}{
		{"same format", "pcmu", "pcmu", false, "pcmu"},
		{"different without transcoding", "opus_48000_2", "pcmu", false, Unavailable},
		{"different with transcoding", "opus_48000_2", "pcmu", true, "opus_48000_2"},
		{"no request", "", "vp8", false, "vp8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ForwardFormat(tt.requested, tt.original, tt.transcoding))
		})
	}
}

func TestVideoFmtCompatible(t *testing.T) {
	tests := []struct {
		have, want string
		ok         bool
	}{
		{"vp8", "vp8", true},
		{"vp8", "vp9", false},
		{"h264_CB", "h264", true},
		{"h264", "h264_H", true},
		{"h264_CB", "h264_B", true},
		{"h264_B", "h264_CB", true},
		{"h264_CB", "h264_H", false},
		{"h264_M", "h264_H", false},
	}
	for _, tt := range tests {
		t.Run(tt.have+"/"+tt.want, func(t *testing.T) {
			assert.Equal(t, tt.ok, VideoFmtCompatible(tt.have, tt.want))
		})
	}
}

func TestVideoMatched(t *testing.T) {
	vga := VideoParams{Resolution: Resolution{Width: 640, Height: 480}, Framerate: 30, Bitrate: 800, KeyFrameInterval: 100}

	tests := []struct {
		name   string
		format string
		want   VideoParams
		ok     bool
	}{
		{"all unspecified", "vp8", VideoParams{}, true},
		{"exact", "vp8", vga, true},
		{"resolution only", "vp8", VideoParams{Resolution: Resolution{Width: 640, Height: 480}}, true},
		{"other resolution", "vp8", VideoParams{Resolution: Resolution{Width: 1280, Height: 720}}, false},
		{"other framerate", "vp8", VideoParams{Framerate: 15}, false},
		{"other bitrate", "vp8", VideoParams{Bitrate: 500}, false},
		{"other kfi", "vp8", VideoParams{KeyFrameInterval: 30}, false},
		{"other codec", "h264", VideoParams{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, VideoMatched("vp8", vga, tt.format, tt.want))
		})
	}
}

func TestResolution(t *testing.T) {
	assert.True(t, Resolution{}.IsZero())
	assert.Equal(t, "unspecified", Resolution{}.String())
	assert.Equal(t, "640x480", Resolution{Width: 640, Height: 480}.String())
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "audio/opus", MimeType("opus"))
	assert.Equal(t, "audio/opus", MimeType("opus_48000_2"))
	assert.Equal(t, "video/H264", MimeType("h264_CB"))
	assert.Equal(t, "", MimeType("mystery"))
	assert.True(t, KnownCodec("vp8"))
	assert.False(t, KnownCodec("mystery_1"))
}
