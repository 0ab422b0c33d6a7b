package ports

import (
	"context"
	"encoding/json"

	"roomctl/internal/core/domain"
)

// MixedStream names the mixed output of a view.
type MixedStream struct {
	StreamID string `json:"streamId"`
	View     string `json:"view"`
}

// ViewCapability reports what a view's mixers can consume and produce.
type ViewCapability struct {
	Audio []AudioCapability `json:"audio"`
	Video struct {
		Encode []VideoCapability `json:"encode"`
		Decode []VideoCapability `json:"decode"`
	} `json:"video"`
	Resolutions []string `json:"resolutions,omitempty"`
}

type AudioCapability struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sampleRate,omitempty"`
	ChannelNum int    `json:"channelNum,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
}

type VideoCapability struct {
	Codec    string `json:"codec"`
	Profile  string `json:"profile,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// RoomController drives one room.
type RoomController interface {
	RoomID() string

	Publish(ctx context.Context, participantID, streamID string, accessNode domain.Locality, info domain.PublishInfo) error
	Unpublish(ctx context.Context, participantID, streamID string) error
	Subscribe(ctx context.Context, participantID, subscriptionID string, accessNode domain.Locality, info domain.SubscribeInfo) error
	Unsubscribe(ctx context.Context, participantID, subscriptionID string) error
	UpdateStream(ctx context.Context, streamID string, track string, status domain.TrackStatus) error
	UpdateStreamInfo(ctx context.Context, streamID string, update domain.StreamInfoUpdate) error

	Mix(ctx context.Context, streamID, view string) error
	Unmix(ctx context.Context, streamID, view string) error
	GetRegion(ctx context.Context, streamID, view string) (string, error)
	SetRegion(ctx context.Context, streamID, regionID, view string) error
	SetLayout(ctx context.Context, view string, layout json.RawMessage) (json.RawMessage, error)
	SetScene(ctx context.Context, view string, scene json.RawMessage) error
	SetPrimary(ctx context.Context, streamID, view string) error
	DrawText(ctx context.Context, streamID string, text json.RawMessage, duration int) error
	DropStaticParticipant(ctx context.Context, id string) error
	UpdateStaticParticipant(ctx context.Context, id string, update json.RawMessage) error
	SelectAudio(ctx context.Context, streamID string) error

	GetMixedStreams() []MixedStream
	GetMixedStream(view string) (string, bool)
	GetActiveAudioNode() (domain.Locality, bool)
	GetActiveAudioStreams() []string
	GetViewCapability(view string) (ViewCapability, bool)
	GetParticipantFromInputID(inputID string) (string, bool)
	Snapshot() domain.RoomSnapshot

	OnFaultDetected(ctx context.Context, fault domain.Fault)
	Destroy(ctx context.Context)
}

// RoomManager owns the controllers of this instance.
type RoomManager interface {
	CreateRoom(ctx context.Context, roomID string) (RoomController, error)
	Room(roomID string) (RoomController, error)
	DestroyRoom(ctx context.Context, roomID string) error
	Rooms() []string
	OnFaultDetected(ctx context.Context, fault domain.Fault)
	Shutdown(ctx context.Context)
}
