package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	"roomctl/internal/core/format"
	"roomctl/internal/core/ports"
)

// Caller is the RPC surface the adapters need from Client.
type Caller interface {
	Call(ctx context.Context, target, method string, args []any, out any) error
	Cast(ctx context.Context, target, method string, args []any) error
}

// MediaNodeClient speaks the node RPC protocol. Nodes are addressed by id
// as routing key.
type MediaNodeClient struct {
	rpc Caller
}

var _ ports.MediaNode = (*MediaNodeClient)(nil)

func NewMediaNodeClient(rpc Caller) *MediaNodeClient {
	return &MediaNodeClient{rpc: rpc}
}

// initReply accepts both shapes of the init result: a plain codec list from
// audio units and an encode/decode pair from video units.
type initReply struct {
	Codecs      json.RawMessage     `json:"codecs"`
	Resolutions []format.Resolution `json:"resolutions"`
}

func (r initReply) toResult() (ports.InitResult, error) {
	res := ports.InitResult{Resolutions: r.Resolutions}
	if len(r.Codecs) == 0 || string(r.Codecs) == "null" {
		return res, nil
	}
	if r.Codecs[0] == '[' {
		if err := json.Unmarshal(r.Codecs, &res.AudioCodecs); err != nil {
			return ports.InitResult{}, fmt.Errorf("decode audio codecs: %w", err)
		}
		return res, nil
	}
	if err := json.Unmarshal(r.Codecs, &res.VideoCodecs); err != nil {
		return ports.InitResult{}, fmt.Errorf("decode video codecs: %w", err)
	}
	return res, nil
}

func (m *MediaNodeClient) Init(ctx context.Context, node string, req ports.InitRequest) (ports.InitResult, error) {
	var raw json.RawMessage
	args := []any{req.Service, req.Config, req.BelongTo, req.Controller, req.View}
	if err := m.rpc.Call(ctx, node, "init", args, &raw); err != nil {
		return ports.InitResult{}, err
	}
	// Units without codec negotiation acknowledge with a plain "ok".
	if len(raw) == 0 || raw[0] != '{' {
		return ports.InitResult{}, nil
	}
	var r initReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return ports.InitResult{}, fmt.Errorf("decode init result: %w", err)
	}
	return r.toResult()
}

func (m *MediaNodeClient) Deinit(ctx context.Context, node, terminalID string) error {
	return m.rpc.Call(ctx, node, "deinit", []any{terminalID}, nil)
}

func (m *MediaNodeClient) GenerateAudio(ctx context.Context, node, forWhom, audioFormat string) (string, error) {
	var id string
	if err := m.rpc.Call(ctx, node, "generate", []any{forWhom, audioFormat}, &id); err != nil {
		return "", err
	}
	return id, nil
}

func (m *MediaNodeClient) GenerateVideo(ctx context.Context, node, videoFormat string, params format.VideoParams) (ports.GeneratedVideo, error) {
	var out ports.GeneratedVideo
	args := []any{
		videoFormat,
		resolutionArg(params.Resolution),
		unspecifiedIfZero(params.Framerate),
		unspecifiedIfZero(params.Bitrate),
		unspecifiedIfZero(params.KeyFrameInterval),
	}
	if err := m.rpc.Call(ctx, node, "generate", args, &out); err != nil {
		return ports.GeneratedVideo{}, err
	}
	if out.ID == "" {
		return ports.GeneratedVideo{}, fmt.Errorf("generate on %s returned no stream id", node)
	}
	return out, nil
}

// resolutionArg sends the {width, height} object the node compares outputs by.
func resolutionArg(r format.Resolution) any {
	if r.IsZero() {
		return "unspecified"
	}
	return r
}

func unspecifiedIfZero(v int) any {
	if v == 0 {
		return "unspecified"
	}
	return v
}

// Degenerate is one-way; the node never answers it.
func (m *MediaNodeClient) Degenerate(ctx context.Context, node, streamID string) error {
	return m.rpc.Cast(ctx, node, "degenerate", []any{streamID})
}

func (m *MediaNodeClient) Publish(ctx context.Context, node, streamID string, opts ports.InternalPublishOptions) error {
	return m.rpc.Call(ctx, node, "publish", []any{streamID, "internal", opts}, nil)
}

func (m *MediaNodeClient) Unpublish(ctx context.Context, node, streamID string) error {
	return m.rpc.Call(ctx, node, "unpublish", []any{streamID}, nil)
}

func (m *MediaNodeClient) Subscribe(ctx context.Context, node, connID string, opts ports.InternalSubscribeOptions) error {
	return m.rpc.Call(ctx, node, "subscribe", []any{connID, "internal", opts}, nil)
}

func (m *MediaNodeClient) Unsubscribe(ctx context.Context, node, connID string) error {
	return m.rpc.Call(ctx, node, "unsubscribe", []any{connID}, nil)
}

func (m *MediaNodeClient) Linkup(ctx context.Context, node, connID string, src ports.LinkSources) error {
	args := []any{connID, optional(src.Audio), optional(src.Video), optional(src.Data)}
	return m.rpc.Call(ctx, node, "linkup", args, nil)
}

func (m *MediaNodeClient) Cutoff(ctx context.Context, node, connID string) error {
	return m.rpc.Call(ctx, node, "cutoff", []any{connID}, nil)
}

func (m *MediaNodeClient) CreateInternalConnection(ctx context.Context, node, id string, dir ports.Direction, opts ports.InternalConnOptions) (ports.Address, error) {
	var addr ports.Address
	if err := m.rpc.Call(ctx, node, "createInternalConnection", []any{id, dir, opts}, &addr); err != nil {
		return ports.Address{}, err
	}
	return addr, nil
}

func (m *MediaNodeClient) DestroyInternalConnection(ctx context.Context, node, id string, dir ports.Direction) error {
	return m.rpc.Call(ctx, node, "destroyInternalConnection", []any{id, dir}, nil)
}

func (m *MediaNodeClient) SetInputActive(ctx context.Context, node, streamID string, active bool) error {
	return m.rpc.Call(ctx, node, "setInputActive", []any{streamID, active}, nil)
}

func (m *MediaNodeClient) SetInputsActiveOnly(ctx context.Context, node string, streamIDs []string) error {
	if streamIDs == nil {
		streamIDs = []string{}
	}
	return m.rpc.Call(ctx, node, "setInputsActiveOnly", []any{streamIDs}, nil)
}

func (m *MediaNodeClient) GetVisibleStreams(ctx context.Context, node string) ([]string, error) {
	var ids []string
	if err := m.rpc.Call(ctx, node, "getVisibleStreams", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (m *MediaNodeClient) GetRegion(ctx context.Context, node, streamID string) (string, error) {
	var region string
	if err := m.rpc.Call(ctx, node, "getRegion", []any{streamID}, &region); err != nil {
		return "", err
	}
	return region, nil
}

func (m *MediaNodeClient) SetRegion(ctx context.Context, node, streamID, regionID string) error {
	return m.rpc.Call(ctx, node, "setRegion", []any{streamID, regionID}, nil)
}

func (m *MediaNodeClient) SetLayout(ctx context.Context, node string, layout json.RawMessage) (json.RawMessage, error) {
	var applied json.RawMessage
	if err := m.rpc.Call(ctx, node, "setLayout", []any{layout}, &applied); err != nil {
		return nil, err
	}
	return applied, nil
}

func (m *MediaNodeClient) SetScene(ctx context.Context, node string, scene json.RawMessage) error {
	return m.rpc.Call(ctx, node, "setScene", []any{scene}, nil)
}

func (m *MediaNodeClient) SetPrimary(ctx context.Context, node, streamID string) error {
	return m.rpc.Call(ctx, node, "setPrimary", []any{streamID}, nil)
}

// DrawText is one-way.
func (m *MediaNodeClient) DrawText(ctx context.Context, node string, text json.RawMessage, duration int) error {
	return m.rpc.Cast(ctx, node, "drawText", []any{text, duration})
}

// ForceKeyFrame is one-way.
func (m *MediaNodeClient) ForceKeyFrame(ctx context.Context, node, streamID string) error {
	return m.rpc.Cast(ctx, node, "forceKeyFrame", []any{streamID})
}

func (m *MediaNodeClient) EnableVAD(ctx context.Context, node string, periodMS int) error {
	return m.rpc.Call(ctx, node, "enableVAD", []any{periodMS}, nil)
}

func (m *MediaNodeClient) ResetVAD(ctx context.Context, node string) error {
	return m.rpc.Call(ctx, node, "resetVAD", nil, nil)
}

func (m *MediaNodeClient) DropStaticParticipant(ctx context.Context, node, id string) error {
	return m.rpc.Call(ctx, node, "dropStaticParticipant", []any{id}, nil)
}

func (m *MediaNodeClient) UpdateStaticParticipant(ctx context.Context, node, id string, update json.RawMessage) error {
	return m.rpc.Call(ctx, node, "updateStaticParticipant", []any{id, update}, nil)
}
