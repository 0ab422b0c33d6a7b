// Package format compares and canonicalizes media format descriptors.
//
// Formats travel between the controller and media nodes as strings:
// "codec[_sampleRate][_channelNum]" for audio and "codec[_profile]" for video.
package format

import (
	"fmt"
	"strconv"
	"strings"
)

// Unavailable is returned when no acceptable format can be produced.
const Unavailable = "unavailable"

// AudioFormat describes an audio encoding.
type AudioFormat struct {
	Codec      string `json:"codec" yaml:"codec"`
	SampleRate int    `json:"sampleRate,omitempty" yaml:"sample_rate,omitempty"`
	ChannelNum int    `json:"channelNum,omitempty" yaml:"channel_num,omitempty"`
}

func (f AudioFormat) String() string {
	var sb strings.Builder
	sb.WriteString(f.Codec)
	if f.SampleRate > 0 {
		sb.WriteString("_")
		sb.WriteString(strconv.Itoa(f.SampleRate))
	}
	if f.ChannelNum > 0 {
		sb.WriteString("_")
		sb.WriteString(strconv.Itoa(f.ChannelNum))
	}
	return sb.String()
}

// IsZero reports whether no codec is set.
func (f AudioFormat) IsZero() bool { return f.Codec == "" }

// ParseAudio parses "opus_48000_2" style strings. Malformed numeric parts are dropped.
func ParseAudio(s string) AudioFormat {
	parts := strings.Split(s, "_")
	f := AudioFormat{Codec: parts[0]}
	if len(parts) > 1 {
		f.SampleRate, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		f.ChannelNum, _ = strconv.Atoi(parts[2])
	}
	return f
}

// VideoFormat describes a video encoding.
type VideoFormat struct {
	Codec   string `json:"codec" yaml:"codec"`
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

func (f VideoFormat) String() string {
	if f.Profile == "" {
		return f.Codec
	}
	return f.Codec + "_" + f.Profile
}

// IsZero reports whether no codec is set.
func (f VideoFormat) IsZero() bool { return f.Codec == "" }

// ParseVideo parses "h264_CB" style strings.
func ParseVideo(s string) VideoFormat {
	codec, profile, _ := strings.Cut(s, "_")
	return VideoFormat{Codec: codec, Profile: profile}
}

// Resolution in pixels. The zero value means unspecified.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (r Resolution) IsZero() bool { return r.Width == 0 && r.Height == 0 }

func (r Resolution) String() string {
	if r.IsZero() {
		return "unspecified"
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// VideoParams are the tunable parameters of a video output. Zero fields mean unspecified.
type VideoParams struct {
	Resolution       Resolution `json:"resolution" yaml:"resolution"`
	Framerate        int        `json:"framerate,omitempty" yaml:"framerate,omitempty"`
	Bitrate          int        `json:"bitrate,omitempty" yaml:"bitrate,omitempty"` // kbps
	KeyFrameInterval int        `json:"keyFrameInterval,omitempty" yaml:"key_frame_interval,omitempty"`
}

// Satisfies reports whether p meets want, treating unspecified fields of want as wildcards.
func (p VideoParams) Satisfies(want VideoParams) bool {
	return (want.Resolution.IsZero() || p.Resolution == want.Resolution) &&
		(want.Framerate == 0 || p.Framerate == want.Framerate) &&
		(want.Bitrate == 0 || p.Bitrate == want.Bitrate) &&
		(want.KeyFrameInterval == 0 || p.KeyFrameInterval == want.KeyFrameInterval)
}

// MixedFormat picks the output format of a mixer. An empty request takes the
// mixer's first supported format.
func MixedFormat(requested string, supported []string) string {
	if requested == "" {
		if len(supported) == 0 {
			return Unavailable
		}
		return supported[0]
	}
	for _, s := range supported {
		if s == requested {
			return requested
		}
	}
	return Unavailable
}

// ForwardFormat picks the format delivered from a forwarded stream. A request
// other than the original is only honored when transcoding is enabled.
func ForwardFormat(requested, original string, transcoding bool) string {
	if requested == "" {
		return original
	}
	if requested == original || transcoding {
		return requested
	}
	return Unavailable
}

// VideoFmtCompatible reports whether a stream in format have can be delivered
// as want without transcoding.
func VideoFmtCompatible(have, want string) bool {
	h, w := ParseVideo(have), ParseVideo(want)
	if h.Codec != w.Codec {
		return false
	}
	if h.Profile == w.Profile || h.Profile == "" || w.Profile == "" {
		return true
	}
	return isBaseline(h.Profile) && isBaseline(w.Profile)
}

// H.264 baseline and constrained baseline decode each other's streams.
func isBaseline(profile string) bool {
	return profile == "B" || profile == "CB"
}

// VideoMatched reports whether a video track can serve a request directly.
func VideoMatched(haveFormat string, have VideoParams, wantFormat string, want VideoParams) bool {
	return VideoFmtCompatible(haveFormat, wantFormat) && have.Satisfies(want)
}
