package domain

// TerminalKind is the closed set of terminal variants in a room.
type TerminalKind string

const (
	KindWebRTC    TerminalKind = "webrtc"
	KindStreaming TerminalKind = "streaming"
	KindRecording TerminalKind = "recording"
	KindSIP       TerminalKind = "sip"
	KindQUIC      TerminalKind = "quic"
	KindAnalytics TerminalKind = "analytics"

	KindAudioMixer      TerminalKind = "amixer"
	KindVideoMixer      TerminalKind = "vmixer"
	KindAudioTranscoder TerminalKind = "axcoder"
	KindVideoTranscoder TerminalKind = "vxcoder"
	KindAudioSelector   TerminalKind = "aselect"
)

// ParseTerminalKind validates an externally supplied publish or subscribe type.
func ParseTerminalKind(s string) (TerminalKind, bool) {
	k := TerminalKind(s)
	switch k {
	case KindWebRTC, KindStreaming, KindRecording, KindSIP, KindQUIC, KindAnalytics:
		return k, true
	}
	return "", false
}

// IsParticipantFacing reports whether the terminal carries participant media:
// access legs, recording/streaming sinks and the active audio selector, whose
// outputs are consumed like published streams.
func (k TerminalKind) IsParticipantFacing() bool {
	switch k {
	case KindWebRTC, KindStreaming, KindRecording, KindSIP, KindAudioSelector:
		return true
	}
	return false
}

// IsDisposableProcessingUnit reports whether outputs of the terminal are
// recycled once unused. These terminals also hold a scheduled node.
func (k TerminalKind) IsDisposableProcessingUnit() bool {
	switch k {
	case KindAudioMixer, KindVideoMixer, KindAudioTranscoder, KindVideoTranscoder:
		return true
	}
	return false
}

// HoldsNode reports whether the terminal's locality came from the scheduler
// and must be released when the terminal is deleted.
func (k TerminalKind) HoldsNode() bool {
	return k.IsDisposableProcessingUnit() || k == KindAudioSelector
}

func (k TerminalKind) IsMixer() bool {
	return k == KindAudioMixer || k == KindVideoMixer
}

func (k TerminalKind) IsTranscoder() bool {
	return k == KindAudioTranscoder || k == KindVideoTranscoder
}

// MediaPurpose is the scheduler capability a terminal of this kind asks for.
func (k TerminalKind) MediaPurpose() Purpose {
	switch k {
	case KindVideoMixer, KindVideoTranscoder:
		return PurposeVideo
	case KindAudioMixer, KindAudioTranscoder, KindAudioSelector:
		return PurposeAudio
	}
	return PurposeUnknown
}

// Consumes reports whether a node hosting this kind takes the given media
// when a stream is spread to it.
func (k TerminalKind) Consumes(m Media) bool {
	switch m {
	case MediaAudio:
		return k != KindVideoMixer && k != KindVideoTranscoder
	case MediaVideo:
		return k != KindAudioMixer && k != KindAudioTranscoder
	}
	return true
}

// Purpose is the capability class of a processing node.
type Purpose string

const (
	PurposeAudio   Purpose = "audio"
	PurposeVideo   Purpose = "video"
	PurposeWorker  Purpose = "worker"
	PurposeUnknown Purpose = "unknown"
)

// Media names a track kind.
type Media string

const (
	MediaAudio Media = "audio"
	MediaVideo Media = "video"
	MediaData  Media = "data"
)

// Locality addresses the worker process (agent) and node hosting a terminal.
type Locality struct {
	Agent string `json:"agent"`
	Node  string `json:"node"`
}

// IsZero reports whether no node is assigned.
func (l Locality) IsZero() bool { return l.Node == "" }

// FaultScope tells which part of a locality a fault notification names.
type FaultScope string

const (
	FaultScopeWorker FaultScope = "worker"
	FaultScopeNode   FaultScope = "node"
)

// Impacted reports whether a fault on id within scope affects this locality.
func (l Locality) Impacted(scope FaultScope, id string) bool {
	switch scope {
	case FaultScopeWorker:
		return l.Agent == id
	case FaultScopeNode:
		return l.Node == id
	}
	return false
}

// Origin is a placement hint forwarded to the scheduler.
type Origin struct {
	ISP    string `json:"isp,omitempty"`
	Region string `json:"region,omitempty"`
}

// Subscription records which streams feed one subscription of a terminal.
type Subscription struct {
	Audio string `json:"audio,omitempty"`
	Video string `json:"video,omitempty"`
	Data  string `json:"data,omitempty"`
}

// Source returns the stream feeding media m.
func (s *Subscription) Source(m Media) string {
	switch m {
	case MediaAudio:
		return s.Audio
	case MediaVideo:
		return s.Video
	case MediaData:
		return s.Data
	}
	return ""
}

// SetSource replaces the stream feeding media m.
func (s *Subscription) SetSource(m Media, streamID string) {
	switch m {
	case MediaAudio:
		s.Audio = streamID
	case MediaVideo:
		s.Video = streamID
	case MediaData:
		s.Data = streamID
	}
}

// Terminal is a logical endpoint of a room.
type Terminal struct {
	ID       string       `json:"id"`
	Owner    string       `json:"owner"`
	Kind     TerminalKind `json:"type"`
	Origin   Origin       `json:"origin"`
	Locality Locality     `json:"locality"`

	// Published lists originated stream ids in publication order.
	Published []string `json:"published"`
	// Subscribed maps subscription id to its sources. Processing units key
	// their inputs by spread id.
	Subscribed map[string]*Subscription `json:"subscribed"`
}

// NewTerminal creates an empty terminal record.
func NewTerminal(id string, kind TerminalKind, owner string, locality Locality, origin Origin) *Terminal {
	return &Terminal{
		ID:         id,
		Owner:      owner,
		Kind:       kind,
		Origin:     origin,
		Locality:   locality,
		Published:  []string{},
		Subscribed: make(map[string]*Subscription),
	}
}

// IsFree reports whether the terminal neither publishes nor subscribes anything.
func (t *Terminal) IsFree() bool {
	return len(t.Published) == 0 && len(t.Subscribed) == 0
}

// Publishes reports whether streamID is in the published list.
func (t *Terminal) Publishes(streamID string) bool {
	return indexOf(t.Published, streamID) >= 0
}

func (t *Terminal) clone() *Terminal {
	c := *t
	c.Published = append([]string(nil), t.Published...)
	c.Subscribed = make(map[string]*Subscription, len(t.Subscribed))
	for k, v := range t.Subscribed {
		sub := *v
		c.Subscribed[k] = &sub
	}
	return &c
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func remove(list []string, v string) ([]string, bool) {
	i := indexOf(list, v)
	if i < 0 {
		return list, false
	}
	return append(list[:i], list[i+1:]...), true
}

const (
	PublicationInfix  = "-pub-"
	SubscriptionInfix = "-sub-"
)

// PublicationTerminalID names the terminal carrying a participant's published stream.
func PublicationTerminalID(participantID, streamID string) string {
	return participantID + PublicationInfix + streamID
}

// SubscriptionTerminalID names the terminal carrying a participant's subscription.
func SubscriptionTerminalID(participantID, subscriptionID string) string {
	return participantID + SubscriptionInfix + subscriptionID
}
