package domain

import (
	"encoding/json"

	"roomctl/internal/core/format"
)

// PublishInfo describes a stream offered by a participant.
type PublishInfo struct {
	Type    TerminalKind        `json:"type"`
	Origin  Origin              `json:"origin"`
	InputID string              `json:"inputId,omitempty"`
	Audio   *format.AudioFormat `json:"audio,omitempty"`
	Video   *PublishVideo       `json:"video,omitempty"`
	Data    bool                `json:"data,omitempty"`
}

// PublishVideo is the video part of PublishInfo.
type PublishVideo struct {
	Format     format.VideoFormat `json:"format"`
	Parameters format.VideoParams `json:"parameters"`
}

// SubscribeInfo describes what a subscription wants to receive.
type SubscribeInfo struct {
	Type                TerminalKind    `json:"type"`
	Origin              Origin          `json:"origin"`
	IsAudioPubPermitted bool            `json:"isAudioPubPermitted"`
	Audio               *SubscribeAudio `json:"audio,omitempty"`
	Video               *SubscribeVideo `json:"video,omitempty"`
	Data                *SubscribeData  `json:"data,omitempty"`
}

type SubscribeAudio struct {
	From   string             `json:"from"`
	Format format.AudioFormat `json:"format"`
}

type SubscribeVideo struct {
	From         string             `json:"from"`
	Format       format.VideoFormat `json:"format"`
	Parameters   format.VideoParams `json:"parameters"`
	SimulcastRID string             `json:"simulcastRid,omitempty"`
}

type SubscribeData struct {
	From string `json:"from"`
}

// StreamInfoUpdate carries late information about a published stream, mostly
// simulcast layers discovered after publication.
type StreamInfoUpdate struct {
	Video    *StreamInfoVideo  `json:"video,omitempty"`
	RID      string            `json:"rid,omitempty"`
	SimID    string            `json:"simId,omitempty"`
	Info     *StreamInfoUpdate `json:"info,omitempty"`
	FirstRID string            `json:"firstrid,omitempty"`
}

type StreamInfoVideo struct {
	Parameters *format.VideoParams `json:"parameters,omitempty"`
}

// Resolution returns the video resolution carried by the update, if any.
func (u *StreamInfoUpdate) Resolution() (format.Resolution, bool) {
	if u == nil || u.Video == nil || u.Video.Parameters == nil || u.Video.Parameters.Resolution.IsZero() {
		return format.Resolution{}, false
	}
	return u.Video.Parameters.Resolution, true
}

// TextSpec is forwarded verbatim to the node rendering the text.
type TextSpec = json.RawMessage
