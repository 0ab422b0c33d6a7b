package domain

import "roomctl/internal/core/format"

// VideoCodecs lists the codecs a video mixer accepts and produces.
type VideoCodecs struct {
	Encode []string `json:"encode"`
	Decode []string `json:"decode"`
}

// View is a mixing context. It holds at most one audio and one video mixer.
type View struct {
	Label string `json:"label"`

	AudioMixer   string   `json:"audioMixer,omitempty"`
	AudioFormats []string `json:"audioFormats"`

	VideoMixer   string              `json:"videoMixer,omitempty"`
	VideoFormats VideoCodecs         `json:"videoFormats"`
	Resolutions  []format.Resolution `json:"resolutions,omitempty"`
}

// Mixer returns the mixer terminal for media m, or "".
func (v *View) Mixer(m Media) string {
	switch m {
	case MediaAudio:
		return v.AudioMixer
	case MediaVideo:
		return v.VideoMixer
	}
	return ""
}

func (v *View) clone() *View {
	c := *v
	c.AudioFormats = append([]string(nil), v.AudioFormats...)
	c.VideoFormats.Encode = append([]string(nil), v.VideoFormats.Encode...)
	c.VideoFormats.Decode = append([]string(nil), v.VideoFormats.Decode...)
	c.Resolutions = append([]format.Resolution(nil), v.Resolutions...)
	return &c
}

// ActiveAudio is the room-wide selector and its fixed output slots.
type ActiveAudio struct {
	Selector string   `json:"selector"`
	Streams  []string `json:"streams"`
}

// ActiveAudioSlots are the stream ids produced by the audio selector.
var ActiveAudioSlots = []string{"active-audio-0", "active-audio-1", "active-audio-2"}
