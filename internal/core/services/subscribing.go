package services

import (
	"context"
	"sort"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/tracing"
)

// subscriptionPlan holds the formats resolved for a subscription before any
// node is touched.
type subscriptionPlan struct {
	audioFormat string
	videoFormat string
	videoParams format.VideoParams
}

// Subscribe delivers the requested tracks to a new subscription terminal at accessNode.
func (c *roomController) Subscribe(ctx context.Context, participantID, subscriptionID string, accessNode domain.Locality, info domain.SubscribeInfo) (err error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "subscribe", c.roomID,
		tracing.ParticipantKey.String(participantID), tracing.SubscriptionKey.String(subscriptionID))
	defer func() { tracing.End(span, err) }()

	kind, ok := domain.ParseTerminalKind(string(info.Type))
	if !ok {
		return apperrors.NewInvalidInputError("invalid subscription type " + string(info.Type))
	}
	c.logger.Infow("Subscribe", "participant", participantID, "subscription", subscriptionID, "type", kind, "node", accessNode.Node)

	if info.Audio == nil && info.Video == nil && info.Data == nil {
		return apperrors.NewInvalidInputError("no audio or video is required")
	}
	plan, err := c.planSubscription(info)
	if err != nil {
		return err
	}

	termID := domain.SubscriptionTerminalID(participantID, subscriptionID)
	owner := c.roomID
	if (kind == domain.KindWebRTC || kind == domain.KindSIP) && info.IsAudioPubPermitted {
		owner = participantID
	}
	if _, err := c.newTerminal(ctx, termID, kind, owner, accessNode, info.Origin); err != nil {
		return err
	}

	if err := c.subscribe(ctx, termID, subscriptionID, info, plan); err != nil {
		c.logger.Errorw("Subscribe failed", "participant", participantID, "subscription", subscriptionID, "error", err)
		c.mu.Lock()
		effects := c.deleteTerminalLocked(termID)
		c.mu.Unlock()
		c.run(ctx, effects)
		return err
	}

	c.emit(ctx, domain.RoomEvent{Type: domain.EventSubscriptionAdded, Participant: participantID, Subscription: subscriptionID, Terminal: termID})
	c.reportCounts()
	return nil
}

// planSubscription checks the requested sources and resolves the delivered formats.
func (c *roomController) planSubscription(info domain.SubscribeInfo) (subscriptionPlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sourceOK := func(from string, m domain.Media) bool {
		if _, isMix := c.state.ViewOfMixStream(from); isMix {
			return true
		}
		s, ok := c.state.Stream(from)
		return ok && s.Has(m)
	}
	if info.Audio != nil && !sourceOK(info.Audio.From, domain.MediaAudio) {
		return subscriptionPlan{}, apperrors.NewNotFoundError("audio source " + info.Audio.From)
	}
	if info.Video != nil && !sourceOK(info.Video.From, domain.MediaVideo) {
		return subscriptionPlan{}, apperrors.NewNotFoundError("video source " + info.Video.From)
	}
	if info.Data != nil && !sourceOK(info.Data.From, domain.MediaData) {
		return subscriptionPlan{}, apperrors.NewNotFoundError("data source " + info.Data.From)
	}

	var plan subscriptionPlan
	if info.Audio != nil {
		requested := info.Audio.Format.String()
		if label, isMix := c.state.ViewOfMixStream(info.Audio.From); isMix {
			v, _ := c.state.View(label)
			plan.audioFormat = format.MixedFormat(requested, v.AudioFormats)
		} else {
			s, _ := c.state.Stream(info.Audio.From)
			plan.audioFormat = format.ForwardFormat(requested, s.Audio.Format, c.room.Transcoding.Audio)
		}
		if plan.audioFormat == format.Unavailable {
			return subscriptionPlan{}, apperrors.NewFormatUnavailableError("audio")
		}
	}
	if info.Video != nil {
		requested := info.Video.Format.String()
		if label, isMix := c.state.ViewOfMixStream(info.Video.From); isMix {
			v, _ := c.state.View(label)
			plan.videoFormat = format.MixedFormat(requested, v.VideoFormats.Encode)
		} else {
			s, _ := c.state.Stream(info.Video.From)
			plan.videoFormat = format.ForwardFormat(requested, s.Video.Format, c.room.Transcoding.Video)
		}
		if plan.videoFormat == format.Unavailable {
			return subscriptionPlan{}, apperrors.NewFormatUnavailableError("video")
		}
		plan.videoParams = info.Video.Parameters
	}
	return plan, nil
}

func (c *roomController) subscribe(ctx context.Context, termID, subscriptionID string, info domain.SubscribeInfo, plan subscriptionPlan) error {
	if info.Audio == nil && info.Video == nil {
		data := info.Data.From
		if err := c.spreadToLocal(ctx, termID, "", "", data); err != nil {
			return err
		}
		return c.linkup(ctx, termID, subscriptionID, "", "", data, "")
	}

	var audio, video string
	if info.Audio != nil {
		var err error
		if audio, err = c.getAudioStream(ctx, info.Audio.From, plan.audioFormat, termID); err != nil {
			return err
		}
	}
	if info.Video != nil {
		var err error
		video, err = c.getVideoStream(ctx, info.Video.From, plan.videoFormat, plan.videoParams, info.Video.SimulcastRID)
		if err != nil {
			c.recycle(ctx, audio, domain.MediaAudio)
			return err
		}
	}

	if err := c.spreadToLocal(ctx, termID, audio, video, ""); err != nil {
		c.recycle(ctx, audio, domain.MediaAudio)
		c.recycle(ctx, video, domain.MediaVideo)
		return err
	}

	var requestedVideo string
	if info.Video != nil {
		requestedVideo = info.Video.From
	}
	return c.linkup(ctx, termID, subscriptionID, audio, video, "", requestedVideo)
}

// getAudioStream picks the stream delivering audio of from in audioFormat.
func (c *roomController) getAudioStream(ctx context.Context, from, audioFormat, subscriber string) (string, error) {
	c.mu.Lock()
	if label, isMix := c.state.ViewOfMixStream(from); isMix {
		c.mu.Unlock()
		return c.getMixedAudio(ctx, label, audioFormat, subscriber)
	}
	s, ok := c.state.Stream(from)
	if !ok || s.Audio == nil {
		c.mu.Unlock()
		return "", apperrors.NewNotFoundError("audio of stream " + from)
	}
	if s.Audio.Format == audioFormat || s.Audio.Mutable {
		c.mu.Unlock()
		return from, nil
	}
	c.mu.Unlock()
	return c.getTranscodedAudio(ctx, audioFormat, from)
}

// getVideoStream picks the stream delivering video of from in videoFormat
// with params, choosing a simulcast layer when the source has them.
func (c *roomController) getVideoStream(ctx context.Context, from, videoFormat string, params format.VideoParams, rid string) (string, error) {
	c.mu.Lock()
	if label, isMix := c.state.ViewOfMixStream(from); isMix {
		c.mu.Unlock()
		return c.getMixedVideo(ctx, label, videoFormat, params)
	}
	s, ok := c.state.Stream(from)
	if !ok || s.Video == nil {
		c.mu.Unlock()
		return "", apperrors.NewNotFoundError("video of stream " + from)
	}
	if s.Video.IsSimulcast() {
		id := c.simulcastMatchedLocked(s, videoFormat, params, rid)
		c.mu.Unlock()
		if id == "" {
			return "", apperrors.NewNotFoundError("simulcast layer of stream " + from)
		}
		return id, nil
	}
	if format.VideoMatched(s.Video.Format, s.Video.VideoParams, videoFormat, params) {
		c.mu.Unlock()
		return from, nil
	}
	c.mu.Unlock()
	return c.getTranscodedVideo(ctx, videoFormat, params, from)
}

// simulcastMatchedLocked picks the layer of s named by rid, or else the first
// layer whose format and resolution satisfy the request.
func (c *roomController) simulcastMatchedLocked(s *domain.Stream, videoFormat string, params format.VideoParams, rid string) string {
	v := s.Video
	if rid != "" {
		if v.RID == rid {
			return s.ID
		}
		if layer, ok := v.Simulcast[rid]; ok {
			return layer.StreamID
		}
		return ""
	}
	if format.VideoMatched(v.Format, v.VideoParams, videoFormat, params) {
		return s.ID
	}
	rids := make([]string, 0, len(v.Simulcast))
	for r := range v.Simulcast {
		rids = append(rids, r)
	}
	sort.Strings(rids)
	want := format.VideoParams{Resolution: params.Resolution}
	for _, r := range rids {
		layer := v.Simulcast[r]
		if layer.StreamID == "" {
			continue
		}
		if format.VideoMatched(v.Format, format.VideoParams{Resolution: layer.Resolution}, videoFormat, want) {
			return layer.StreamID
		}
	}
	return ""
}

// spreadToLocal brings the chosen streams to the node of the subscriber terminal.
func (c *roomController) spreadToLocal(ctx context.Context, termID, audio, video, data string) error {
	c.mu.Lock()
	t, ok := c.state.Terminal(termID)
	var node string
	var kind domain.TerminalKind
	if ok {
		node, kind = t.Locality.Node, t.Kind
	}
	c.mu.Unlock()
	if !ok {
		return apperrors.NewEarlyReleasedError("terminal " + termID)
	}

	spreadOne := func(streamID string) error {
		if err := c.spreadStream(ctx, streamID, node, kind); err != nil {
			return err
		}
		return c.checkSpread(ctx, termID, node, streamID)
	}

	switch {
	case data != "":
		return spreadOne(data)
	case audio == "" || video == "" || audio == video:
		if audio != "" {
			return spreadOne(audio)
		}
		return spreadOne(video)
	}

	if err := spreadOne(audio); err != nil {
		return err
	}
	if err := c.spreadStream(ctx, video, node, kind); err != nil {
		c.shrink(ctx, audio, node)
		return err
	}
	if err := c.checkSpread(ctx, termID, node, video, audio); err != nil {
		c.shrink(ctx, audio, node)
		return err
	}
	return nil
}

// checkSpread verifies the terminal and streams survived a spread and undoes
// the spreads otherwise.
func (c *roomController) checkSpread(ctx context.Context, termID, node string, streams ...string) error {
	c.mu.Lock()
	_, ok := c.state.Terminal(termID)
	for _, id := range streams {
		if _, exists := c.state.Stream(id); !exists {
			ok = false
		}
	}
	if ok {
		c.mu.Unlock()
		return nil
	}
	var effects []effect
	for _, id := range streams {
		effects = append(effects, c.shrinkStreamLocked(id, node)...)
	}
	c.mu.Unlock()
	c.run(ctx, effects)
	return apperrors.NewEarlyReleasedError("subscription sources")
}

func (c *roomController) shrink(ctx context.Context, streamID, node string) {
	c.mu.Lock()
	effects := c.shrinkStreamLocked(streamID, node)
	c.mu.Unlock()
	c.run(ctx, effects)
}

// linkup connects the subscription to its local streams and records it.
// requestedVideo is the video source the subscriber asked for; receiving
// another stream means a switch that needs a key frame.
func (c *roomController) linkup(ctx context.Context, termID, subscriptionID, audio, video, data, requestedVideo string) error {
	abandon := func(node string, cause error) error {
		c.mu.Lock()
		var effects []effect
		for _, id := range []string{audio, video, data} {
			if id != "" && node != "" {
				effects = append(effects, c.shrinkStreamLocked(id, node)...)
			}
		}
		effects = append(effects, c.recycleTemporaryLocked(audio, domain.MediaAudio)...)
		effects = append(effects, c.recycleTemporaryLocked(video, domain.MediaVideo)...)
		c.mu.Unlock()
		c.run(ctx, effects)
		return cause
	}

	alive := func() (string, bool) {
		t, ok := c.state.Terminal(termID)
		if !ok {
			return "", false
		}
		for _, id := range []string{audio, video, data} {
			if id == "" {
				continue
			}
			if _, ok := c.state.Stream(id); !ok {
				return t.Locality.Node, false
			}
		}
		return t.Locality.Node, true
	}

	c.mu.Lock()
	node, ok := alive()
	c.mu.Unlock()
	if !ok {
		return abandon(node, apperrors.NewEarlyReleasedError("subscription sources"))
	}

	if err := c.node.Linkup(ctx, node, subscriptionID, ports.LinkSources{Audio: audio, Video: video, Data: data}); err != nil {
		return abandon(node, err)
	}

	c.mu.Lock()
	if _, ok := alive(); !ok {
		c.mu.Unlock()
		return abandon(node, apperrors.NewEarlyReleasedError("subscription sources"))
	}
	t, _ := c.state.Terminal(termID)
	sub := &domain.Subscription{Audio: audio, Video: video, Data: data}
	t.Subscribed[subscriptionID] = sub
	if audio != "" {
		c.state.AddSubscriber(audio, domain.MediaAudio, termID)
	}
	if video != "" {
		c.state.AddSubscriber(video, domain.MediaVideo, termID)
	}
	var effects []effect
	if video != "" && requestedVideo != video {
		effects = c.forceKeyFrameLocked(video)
	}
	c.mu.Unlock()

	c.run(ctx, effects)
	return nil
}

func (c *roomController) forceKeyFrameLocked(streamID string) []effect {
	node, ok := c.state.OriginNode(streamID)
	if !ok {
		return nil
	}
	return []effect{c.call("forceKeyFrame", node, func(ctx context.Context) error {
		return c.node.ForceKeyFrame(ctx, node, streamID)
	})}
}

// Unsubscribe ends a subscription and deletes its terminal.
func (c *roomController) Unsubscribe(ctx context.Context, participantID, subscriptionID string) (err error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "unsubscribe", c.roomID,
		tracing.ParticipantKey.String(participantID), tracing.SubscriptionKey.String(subscriptionID))
	defer func() { tracing.End(span, err) }()

	c.logger.Infow("Unsubscribe", "participant", participantID, "subscription", subscriptionID)
	termID := domain.SubscriptionTerminalID(participantID, subscriptionID)

	c.mu.Lock()
	var effects []effect
	t, ok := c.state.Terminal(termID)
	found := ok && t.Subscribed[subscriptionID] != nil
	if found {
		effects = append(effects, c.unsubscribeStreamLocked(termID, subscriptionID)...)
		effects = append(effects, c.deleteTerminalLocked(termID)...)
	} else {
		c.logger.Infow("Unsubscribe an unknown subscription", "participant", participantID, "subscription", subscriptionID)
	}
	c.mu.Unlock()

	c.run(ctx, effects)
	if found {
		c.emit(ctx, domain.RoomEvent{Type: domain.EventSubscriptionRemoved, Participant: participantID, Subscription: subscriptionID, Terminal: termID})
	}
	c.reportCounts()
	return nil
}

// unsubscribeStreamLocked drops one subscription of subscriber, shrinking
// spreads and recycling processing outputs nobody consumes anymore.
func (c *roomController) unsubscribeStreamLocked(subscriber, subscriptionID string) []effect {
	t, ok := c.state.Terminal(subscriber)
	if !ok {
		return nil
	}
	node := t.Locality.Node
	sub, ok := t.Subscribed[subscriptionID]
	if !ok {
		return nil
	}

	var effects []effect
	if t.Kind.IsParticipantFacing() {
		effects = append(effects, c.call("cutoff", node, func(ctx context.Context) error {
			return c.node.Cutoff(ctx, node, subscriptionID)
		}))
	}

	for _, m := range []domain.Media{domain.MediaAudio, domain.MediaVideo} {
		streamID := sub.Source(m)
		if streamID == "" {
			continue
		}
		s, ok := c.state.Stream(streamID)
		if !ok {
			continue
		}
		c.state.RemoveSubscriber(streamID, m, subscriber)
		ownerNode, ok := c.state.NodeOf(s.Owner)
		if !ok {
			continue
		}
		if ownerNode != node {
			effects = append(effects, c.shrinkStreamLocked(streamID, node)...)
		}
		if !c.state.IsParticipant(s.Owner) {
			effects = append(effects, c.recycleTemporaryLocked(streamID, m)...)
		}
	}
	delete(t.Subscribed, subscriptionID)

	if sub.Data != "" {
		effects = append(effects, c.shrinkStreamLocked(sub.Data, node)...)
	}
	return effects
}
