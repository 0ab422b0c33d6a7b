package domain

import "roomctl/internal/core/format"

// RoomConfig is the room document read once when a room is created.
type RoomConfig struct {
	ID                 string              `json:"id" yaml:"id"`
	Name               string              `json:"name" yaml:"name"`
	InputLimit         int                 `json:"inputLimit" yaml:"input_limit"`
	ParticipantLimit   int                 `json:"participantLimit" yaml:"participant_limit"`
	SelectActiveAudio  bool                `json:"selectActiveAudio" yaml:"select_active_audio"`
	Views              []ViewConfig        `json:"views" yaml:"views"`
	MediaIn            MediaIn             `json:"mediaIn" yaml:"media_in"`
	MediaOut           MediaOut            `json:"mediaOut" yaml:"media_out"`
	Transcoding        Transcoding         `json:"transcoding" yaml:"transcoding"`
	StaticParticipants []StaticParticipant `json:"staticParticipants,omitempty" yaml:"static_participants,omitempty"`
}

// ViewConfig configures the mixers of one view.
type ViewConfig struct {
	Label string          `json:"label" yaml:"label"`
	Audio *AudioMixConfig `json:"audio,omitempty" yaml:"audio,omitempty"`
	Video *VideoMixConfig `json:"video,omitempty" yaml:"video,omitempty"`
}

// AudioMixConfig is passed to the audio mixer on init.
type AudioMixConfig struct {
	Format format.AudioFormat `json:"format" yaml:"format"`
	VAD    bool               `json:"vad" yaml:"vad"`
}

// VideoMixConfig is passed to the video mixer on init.
type VideoMixConfig struct {
	Format                 format.VideoFormat  `json:"format" yaml:"format"`
	Parameters             format.VideoParams  `json:"parameters" yaml:"parameters"`
	MaxInput               int                 `json:"maxInput" yaml:"max_input"`
	MotionFactor           float64             `json:"motionFactor" yaml:"motion_factor"`
	BgColor                RGB                 `json:"bgColor" yaml:"bg_color"`
	KeepActiveInputPrimary bool                `json:"keepActiveInputPrimary" yaml:"keep_active_input_primary"`
	Layout                 LayoutConfig        `json:"layout" yaml:"layout"`
	StaticParticipants     []StaticParticipant `json:"staticParticipants,omitempty" yaml:"-"`
}

type RGB struct {
	R int `json:"r" yaml:"r"`
	G int `json:"g" yaml:"g"`
	B int `json:"b" yaml:"b"`
}

// LayoutConfig selects the mixer layout templates.
type LayoutConfig struct {
	FitPolicy       string          `json:"fitPolicy" yaml:"fit_policy"`
	SetRegionEffect string          `json:"setRegionEffect,omitempty" yaml:"set_region_effect,omitempty"`
	Templates       LayoutTemplates `json:"templates" yaml:"templates"`
}

type LayoutTemplates struct {
	Base   string           `json:"base" yaml:"base"`
	Custom []CustomTemplate `json:"custom,omitempty" yaml:"custom,omitempty"`
}

type CustomTemplate struct {
	Primary string   `json:"primary,omitempty" yaml:"primary,omitempty"`
	Regions []Region `json:"region" yaml:"region"`
}

// Region is a rectangle in a layout. Coordinates are fraction strings like "1/3".
type Region struct {
	ID    string `json:"id" yaml:"id"`
	Shape string `json:"shape" yaml:"shape"`
	Area  struct {
		Left   string `json:"left" yaml:"left"`
		Top    string `json:"top" yaml:"top"`
		Width  string `json:"width" yaml:"width"`
		Height string `json:"height" yaml:"height"`
	} `json:"area" yaml:"area"`
}

type MediaIn struct {
	Audio []format.AudioFormat `json:"audio" yaml:"audio"`
	Video []format.VideoFormat `json:"video" yaml:"video"`
}

type MediaOut struct {
	Audio []format.AudioFormat `json:"audio" yaml:"audio"`
	Video struct {
		Format []format.VideoFormat `json:"format" yaml:"format"`
	} `json:"video" yaml:"video"`
}

// Transcoding switches on format conversion per media for forwarded streams.
type Transcoding struct {
	Audio bool `json:"audio" yaml:"audio"`
	Video bool `json:"video" yaml:"video"`
}

// StaticParticipant is a configured placeholder shown in video layouts.
type StaticParticipant struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	User      string `json:"user" yaml:"user"`
	Role      string `json:"role" yaml:"role"`
	AvatarURI string `json:"avatarUri,omitempty" yaml:"avatar_uri,omitempty"`
	Disabled  bool   `json:"disabled" yaml:"disabled"`
}

// ViewConfig returns the configuration of view label.
func (c *RoomConfig) ViewConfig(label string) (ViewConfig, bool) {
	for _, v := range c.Views {
		if v.Label == label {
			return v, true
		}
	}
	return ViewConfig{}, false
}

// MixingEnabled reports whether the room has any view.
func (c *RoomConfig) MixingEnabled() bool { return len(c.Views) > 0 }

// Preference is the scheduling hint sent with node requests.
type Preference struct {
	Video struct {
		Encode []string `json:"encode"`
		Decode []string `json:"decode"`
	} `json:"video"`
	Origin Origin `json:"origin"`
}

// MediaPreference builds the scheduling hint for terminals of this room:
// video encode formats come from mediaOut and the views, decode formats from mediaIn.
func (c *RoomConfig) MediaPreference(origin Origin) Preference {
	var p Preference
	p.Video.Encode = []string{}
	p.Video.Decode = []string{}
	for _, f := range c.MediaOut.Video.Format {
		p.Video.Encode = append(p.Video.Encode, f.String())
	}
	for _, f := range c.MediaIn.Video {
		p.Video.Decode = append(p.Video.Decode, f.String())
	}
	for _, v := range c.Views {
		if v.Video != nil && !v.Video.Format.IsZero() {
			p.Video.Encode = append(p.Video.Encode, v.Video.Format.String())
		}
	}
	p.Origin = origin
	return p
}
