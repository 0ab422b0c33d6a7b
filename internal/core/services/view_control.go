package services

import (
	"context"
	"encoding/json"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/tracing"
)

// Mix adds a stream to the layout of view.
func (c *roomController) Mix(ctx context.Context, streamID, view string) (err error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "mix", c.roomID,
		tracing.StreamIDKey.String(streamID), tracing.ViewKey.String(view))
	defer func() { tracing.End(span, err) }()

	if err := c.checkMixTarget(streamID, view); err != nil {
		return err
	}
	c.logger.Infow("Mix stream", "stream", streamID, "view", view)
	if err := c.mixStream(ctx, streamID, view); err != nil {
		c.logger.Warnw("Mix stream failed", "stream", streamID, "view", view, "error", err)
		return err
	}
	c.reportCounts()
	return c.updateAudioActives(ctx, view)
}

// Unmix removes a stream from the layout of view.
func (c *roomController) Unmix(ctx context.Context, streamID, view string) (err error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "unmix", c.roomID,
		tracing.StreamIDKey.String(streamID), tracing.ViewKey.String(view))
	defer func() { tracing.End(span, err) }()

	if err := c.checkMixTarget(streamID, view); err != nil {
		return err
	}
	c.logger.Infow("Unmix stream", "stream", streamID, "view", view)
	c.mu.Lock()
	effects := c.unmixStreamLocked(streamID, view)
	c.mu.Unlock()
	c.run(ctx, effects)
	c.reportCounts()
	return nil
}

func (c *roomController) checkMixTarget(streamID, view string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.View(view); !ok {
		return apperrors.NewNotFoundError("view " + view)
	}
	if _, ok := c.state.Stream(streamID); !ok {
		return apperrors.NewNotFoundError("stream " + streamID)
	}
	return nil
}

// videoMixerNode returns the node of the video mixer of view.
func (c *roomController) videoMixerNode(view string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, node, err := c.mixerLocked(view, domain.MediaVideo)
	if err != nil {
		return "", apperrors.NewNotFoundError("mix view " + view)
	}
	return node, nil
}

func (c *roomController) resetVAD(ctx context.Context, view string) {
	c.mu.Lock()
	effects := c.resetVADLocked(view)
	c.mu.Unlock()
	c.run(ctx, effects)
}

func (c *roomController) GetRegion(ctx context.Context, streamID, view string) (string, error) {
	node, err := c.videoMixerNode(view)
	if err != nil {
		return "", err
	}
	return c.node.GetRegion(ctx, node, streamID)
}

func (c *roomController) SetRegion(ctx context.Context, streamID, regionID, view string) error {
	node, err := c.videoMixerNode(view)
	if err != nil {
		return err
	}
	if err := c.node.SetRegion(ctx, node, streamID, regionID); err != nil {
		return err
	}
	c.resetVAD(ctx, view)
	return nil
}

// SetLayout applies a layout to the video mixer and returns the one it settled on.
func (c *roomController) SetLayout(ctx context.Context, view string, layout json.RawMessage) (json.RawMessage, error) {
	node, err := c.videoMixerNode(view)
	if err != nil {
		return nil, err
	}
	result, err := c.node.SetLayout(ctx, node, layout)
	if err != nil {
		return nil, err
	}
	if err := c.updateAudioActives(ctx, view); err != nil {
		c.logger.Warnw("Update audio actives failed", "view", view, "error", err)
	}
	c.resetVAD(ctx, view)
	return result, nil
}

func (c *roomController) SetScene(ctx context.Context, view string, scene json.RawMessage) error {
	node, err := c.videoMixerNode(view)
	if err != nil {
		return err
	}
	if err := c.node.SetScene(ctx, node, scene); err != nil {
		return err
	}
	c.resetVAD(ctx, view)
	return c.updateAudioActives(ctx, view)
}

// SetPrimary makes streamID the primary input of view. Streams not mixed in
// view are ignored.
func (c *roomController) SetPrimary(ctx context.Context, streamID, view string) error {
	c.mu.Lock()
	mixer, node, err := c.mixerLocked(view, domain.MediaVideo)
	mixed := false
	if s, ok := c.state.Stream(streamID); ok && err == nil {
		mixed = contains(s.Subscribers(domain.MediaVideo), mixer)
	}
	c.mu.Unlock()
	if err != nil {
		return apperrors.NewNotFoundError("mix view " + view)
	}
	if !mixed {
		c.logger.Debugw("Set primary of a stream not in view", "stream", streamID, "view", view)
		return nil
	}
	return c.node.SetPrimary(ctx, node, streamID)
}

// DrawText renders text over a mixed view or over the transcoded video of a stream.
func (c *roomController) DrawText(ctx context.Context, streamID string, text json.RawMessage, duration int) error {
	c.mu.Lock()
	var node string
	if label, isMix := c.state.ViewOfMixStream(streamID); isMix {
		if _, n, err := c.mixerLocked(label, domain.MediaVideo); err == nil {
			node = n
		}
	} else if s, ok := c.state.Stream(streamID); ok {
		for _, tid := range s.Subscribers(domain.MediaVideo) {
			if t, ok := c.state.Terminal(tid); ok && t.Kind == domain.KindVideoTranscoder {
				node = t.Locality.Node
			}
		}
	}
	c.mu.Unlock()

	if node == "" {
		c.logger.Errorw("No video processor to draw text on", "stream", streamID)
		return apperrors.NewNotFoundError("video processor of stream " + streamID)
	}
	return c.node.DrawText(ctx, node, text, duration)
}

func (c *roomController) videoMixerNodesLocked() []string {
	var nodes []string
	for _, v := range c.state.Views() {
		if node, ok := c.state.NodeOf(v.VideoMixer); ok && v.VideoMixer != "" {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// DropStaticParticipant removes a static participant from every video layout.
func (c *roomController) DropStaticParticipant(ctx context.Context, id string) error {
	c.mu.Lock()
	var effects []effect
	for _, node := range c.videoMixerNodesLocked() {
		node := node
		effects = append(effects, c.call("dropStaticParticipant", node, func(ctx context.Context) error {
			return c.node.DropStaticParticipant(ctx, node, id)
		}))
	}
	c.mu.Unlock()
	c.run(ctx, effects)
	return nil
}

// UpdateStaticParticipant forwards a static participant update to every video mixer.
func (c *roomController) UpdateStaticParticipant(ctx context.Context, id string, update json.RawMessage) error {
	c.mu.Lock()
	var effects []effect
	for _, node := range c.videoMixerNodesLocked() {
		node := node
		effects = append(effects, c.call("updateStaticParticipant", node, func(ctx context.Context) error {
			return c.node.UpdateStaticParticipant(ctx, node, id, update)
		}))
	}
	c.mu.Unlock()
	c.run(ctx, effects)
	return nil
}

// SelectAudio feeds the audio of streamID into the active audio selector.
func (c *roomController) SelectAudio(ctx context.Context, streamID string) (err error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "select_audio", c.roomID, tracing.StreamIDKey.String(streamID))
	defer func() { tracing.End(span, err) }()

	c.mu.Lock()
	var selector, node string
	if aa := c.state.ActiveAudio; aa != nil {
		selector = aa.Selector
		node, _ = c.state.NodeOf(selector)
	}
	_, exists := c.state.Stream(streamID)
	c.mu.Unlock()
	if node == "" {
		return apperrors.NewServiceUnavailableError("audio selector is not ready")
	}
	if !exists {
		return apperrors.NewNotFoundError("stream " + streamID)
	}

	if err := c.spreadStream(ctx, streamID, node, domain.KindAudioTranscoder); err != nil {
		return err
	}

	c.mu.Lock()
	t, tok := c.state.Terminal(selector)
	s, sok := c.state.Stream(streamID)
	if !tok || !sok || s.Audio == nil {
		effects := c.shrinkStreamLocked(streamID, node)
		c.mu.Unlock()
		c.run(ctx, effects)
		return apperrors.NewEarlyReleasedError("stream or audio selector")
	}
	t.Subscribed[spreadID(streamID, node)] = &domain.Subscription{Audio: streamID}
	c.state.AddSubscriber(streamID, domain.MediaAudio, selector)
	c.mu.Unlock()

	c.logger.Debugw("Audio selected", "stream", streamID, "selector", selector)
	c.reportCounts()
	return nil
}

func (c *roomController) GetMixedStreams() []ports.MixedStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []ports.MixedStream{}
	for _, v := range c.state.Views() {
		if id, ok := c.state.MixStreamID(v.Label); ok {
			out = append(out, ports.MixedStream{StreamID: id, View: v.Label})
		}
	}
	return out
}

func (c *roomController) GetMixedStream(view string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.MixStreamID(view)
}

func (c *roomController) GetActiveAudioNode() (domain.Locality, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.ActiveAudio == nil {
		return domain.Locality{}, false
	}
	t, ok := c.state.Terminal(c.state.ActiveAudio.Selector)
	if !ok {
		return domain.Locality{}, false
	}
	return t.Locality, true
}

func (c *roomController) GetActiveAudioStreams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.ActiveAudio == nil {
		return []string{}
	}
	return append([]string{}, c.state.ActiveAudio.Streams...)
}

// GetViewCapability describes the codecs and resolutions of view's mixers.
func (c *roomController) GetViewCapability(view string) (ports.ViewCapability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state.View(view)
	if !ok {
		return ports.ViewCapability{}, false
	}

	var capability ports.ViewCapability
	capability.Audio = make([]ports.AudioCapability, 0, len(v.AudioFormats))
	for _, f := range v.AudioFormats {
		a := format.ParseAudio(f)
		capability.Audio = append(capability.Audio, ports.AudioCapability{
			Codec:      a.Codec,
			SampleRate: a.SampleRate,
			ChannelNum: a.ChannelNum,
			MimeType:   format.MimeType(a.Codec),
		})
	}
	videoCaps := func(list []string) []ports.VideoCapability {
		out := make([]ports.VideoCapability, 0, len(list))
		for _, f := range list {
			vf := format.ParseVideo(f)
			out = append(out, ports.VideoCapability{Codec: vf.Codec, Profile: vf.Profile, MimeType: format.MimeType(vf.Codec)})
		}
		return out
	}
	capability.Video.Encode = videoCaps(v.VideoFormats.Encode)
	capability.Video.Decode = videoCaps(v.VideoFormats.Decode)
	for _, r := range v.Resolutions {
		capability.Resolutions = append(capability.Resolutions, r.String())
	}
	return capability, true
}

// GetParticipantFromInputID returns the participant publishing the stream
// carrying a static input id.
func (c *roomController) GetParticipantFromInputID(inputID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state.StreamByInputID(inputID)
	if !ok {
		return "", false
	}
	t, ok := c.state.Terminal(s.Owner)
	if !ok {
		return "", false
	}
	return t.Owner, true
}
