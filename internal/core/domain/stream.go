package domain

import "roomctl/internal/core/format"

// TrackStatus is the publisher-side state of a track.
type TrackStatus string

const (
	TrackActive   TrackStatus = "active"
	TrackInactive TrackStatus = "inactive"
)

// AudioTrack describes the audio of a stream.
type AudioTrack struct {
	Format      string      `json:"format"`
	Status      TrackStatus `json:"status,omitempty"`
	Subscribers []string    `json:"subscribers"`
	// Mutable tracks (selector slots) carry whatever the selector routes to them,
	// so any requested format is served as is.
	Mutable bool `json:"mutable,omitempty"`
}

// SimulcastLayer is one encoding of a layered source.
type SimulcastLayer struct {
	StreamID   string            `json:"id,omitempty"`
	Resolution format.Resolution `json:"resolution"`
}

// VideoTrack describes the video of a stream.
type VideoTrack struct {
	Format string `json:"format"`
	format.VideoParams
	Status      TrackStatus `json:"status,omitempty"`
	Subscribers []string    `json:"subscribers"`

	// RID is the layer id of the default simulcast encoding.
	RID       string                     `json:"rid,omitempty"`
	Simulcast map[string]*SimulcastLayer `json:"simulcast,omitempty"`
}

// IsSimulcast reports whether the source publishes simulcast layers.
func (v *VideoTrack) IsSimulcast() bool { return v.RID != "" }

// SpreadStatus is the state of an internal connection carrying a stream to another node.
type SpreadStatus string

const (
	SpreadConnecting SpreadStatus = "connecting"
	SpreadConnected  SpreadStatus = "connected"
)

// SpreadEntry tracks one remote node wired to consume a stream.
type SpreadEntry struct {
	Target string       `json:"target"`
	Status SpreadStatus `json:"status"`
}

// Stream is a named media flow owned by a terminal.
type Stream struct {
	ID      string      `json:"id"`
	Owner   string      `json:"owner"`
	InputID string      `json:"inputId,omitempty"`
	Audio   *AudioTrack `json:"audio,omitempty"`
	Video   *VideoTrack `json:"video,omitempty"`
	Data    bool        `json:"data,omitempty"`

	Spread []*SpreadEntry `json:"spread"`

	// SimulcastOf is set on records derived from a simulcast layer and names the parent stream.
	SimulcastOf string `json:"simulcastOf,omitempty"`
}

// Subscribers returns the subscriber list of media m, or nil.
func (s *Stream) Subscribers(m Media) []string {
	switch m {
	case MediaAudio:
		if s.Audio != nil {
			return s.Audio.Subscribers
		}
	case MediaVideo:
		if s.Video != nil {
			return s.Video.Subscribers
		}
	}
	return nil
}

// Has reports whether the stream carries media m.
func (s *Stream) Has(m Media) bool {
	switch m {
	case MediaAudio:
		return s.Audio != nil
	case MediaVideo:
		return s.Video != nil
	case MediaData:
		return s.Data
	}
	return false
}

// HasSubscribers reports whether any track still has a consumer.
func (s *Stream) HasSubscribers() bool {
	return len(s.Subscribers(MediaAudio)) > 0 || len(s.Subscribers(MediaVideo)) > 0
}

// SpreadTo returns the spread entry for target, or nil.
func (s *Stream) SpreadTo(target string) *SpreadEntry {
	for _, e := range s.Spread {
		if e.Target == target {
			return e
		}
	}
	return nil
}

// SpreadTargets lists nodes the stream is spread to.
func (s *Stream) SpreadTargets() []string {
	targets := make([]string, 0, len(s.Spread))
	for _, e := range s.Spread {
		targets = append(targets, e.Target)
	}
	return targets
}

func (s *Stream) clone() *Stream {
	c := *s
	if s.Audio != nil {
		a := *s.Audio
		a.Subscribers = append([]string{}, s.Audio.Subscribers...)
		c.Audio = &a
	}
	if s.Video != nil {
		v := *s.Video
		v.Subscribers = append([]string{}, s.Video.Subscribers...)
		if s.Video.Simulcast != nil {
			v.Simulcast = make(map[string]*SimulcastLayer, len(s.Video.Simulcast))
			for rid, l := range s.Video.Simulcast {
				layer := *l
				v.Simulcast[rid] = &layer
			}
		}
		c.Video = &v
	}
	c.Spread = make([]*SpreadEntry, 0, len(s.Spread))
	for _, e := range s.Spread {
		entry := *e
		c.Spread = append(c.Spread, &entry)
	}
	return &c
}
