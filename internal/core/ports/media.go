package ports

import (
	"context"
	"encoding/json"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
)

// Direction of an internal connection endpoint.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// InitRequest configures a processing unit on its node.
type InitRequest struct {
	Service    string // mixing, transcoding or selecting
	Config     any
	BelongTo   string // room id, or source stream id for transcoders
	Controller string
	View       string // view label, "transcoder" or "placeholder"
}

// InitResult lists what an initialized unit supports.
type InitResult struct {
	AudioCodecs []string            `json:"audioCodecs,omitempty"`
	VideoCodecs domain.VideoCodecs  `json:"videoCodecs"`
	Resolutions []format.Resolution `json:"resolutions,omitempty"`
}

// GeneratedVideo is a video output created by a mixer or transcoder.
type GeneratedVideo struct {
	ID string `json:"id"`
	format.VideoParams
}

// Address is the transport endpoint of an internal connection.
type Address struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type InternalConnOptions struct {
	Protocol string `json:"protocol"`
	Ticket   string `json:"ticket,omitempty"`
}

// TrackCodec names the codec carried on an internal leg.
type TrackCodec struct {
	Codec string `json:"codec"`
}

// InternalPublishOptions describes a stream arriving at a node over an internal connection.
type InternalPublishOptions struct {
	Controller string      `json:"controller"`
	Publisher  string      `json:"publisher"`
	InputID    string      `json:"inputId,omitempty"`
	Audio      *TrackCodec `json:"audio"`
	Video      *TrackCodec `json:"video"`
	Data       bool        `json:"data"`
	IP         string      `json:"ip"`
	Port       int         `json:"port"`
}

type InternalSubscribeOptions struct {
	Controller string `json:"controller"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
}

// LinkSources names the streams feeding a connection. Empty means none.
type LinkSources struct {
	Audio string
	Video string
	Data  string
}

// MediaNode is the RPC contract of a remote processing node. Every call
// addresses the node by its id and blocks until the reply or ctx expires.
type MediaNode interface {
	Init(ctx context.Context, node string, req InitRequest) (InitResult, error)
	Deinit(ctx context.Context, node, terminalID string) error

	GenerateAudio(ctx context.Context, node, forWhom, audioFormat string) (string, error)
	GenerateVideo(ctx context.Context, node, videoFormat string, params format.VideoParams) (GeneratedVideo, error)
	Degenerate(ctx context.Context, node, streamID string) error

	Publish(ctx context.Context, node, streamID string, opts InternalPublishOptions) error
	Unpublish(ctx context.Context, node, streamID string) error
	Subscribe(ctx context.Context, node, connID string, opts InternalSubscribeOptions) error
	Unsubscribe(ctx context.Context, node, connID string) error
	Linkup(ctx context.Context, node, connID string, src LinkSources) error
	Cutoff(ctx context.Context, node, connID string) error

	CreateInternalConnection(ctx context.Context, node, id string, dir Direction, opts InternalConnOptions) (Address, error)
	DestroyInternalConnection(ctx context.Context, node, id string, dir Direction) error

	SetInputActive(ctx context.Context, node, streamID string, active bool) error
	SetInputsActiveOnly(ctx context.Context, node string, streamIDs []string) error
	GetVisibleStreams(ctx context.Context, node string) ([]string, error)

	GetRegion(ctx context.Context, node, streamID string) (string, error)
	SetRegion(ctx context.Context, node, streamID, regionID string) error
	SetLayout(ctx context.Context, node string, layout json.RawMessage) (json.RawMessage, error)
	SetScene(ctx context.Context, node string, scene json.RawMessage) error
	SetPrimary(ctx context.Context, node, streamID string) error
	DrawText(ctx context.Context, node string, text json.RawMessage, duration int) error
	ForceKeyFrame(ctx context.Context, node, streamID string) error

	EnableVAD(ctx context.Context, node string, periodMS int) error
	ResetVAD(ctx context.Context, node string) error

	DropStaticParticipant(ctx context.Context, node, id string) error
	UpdateStaticParticipant(ctx context.Context, node, id string, update json.RawMessage) error
}
