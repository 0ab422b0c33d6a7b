package services

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/tracing"
	"roomctl/pkg/utils"
)

// Publish registers a stream offered by participantID at accessNode. An
// analytics publication of a known stream moves that stream to accessNode.
func (c *roomController) Publish(ctx context.Context, participantID, streamID string, accessNode domain.Locality, info domain.PublishInfo) (err error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "publish", c.roomID,
		tracing.ParticipantKey.String(participantID), tracing.StreamIDKey.String(streamID))
	defer func() { tracing.End(span, err) }()

	kind, ok := domain.ParseTerminalKind(string(info.Type))
	if !ok {
		return apperrors.NewInvalidInputError("invalid publication type " + string(info.Type))
	}
	c.logger.Infow("Publish", "participant", participantID, "stream", streamID, "type", kind, "node", accessNode.Node)

	c.mu.Lock()
	_, exists := c.state.Stream(streamID)
	c.mu.Unlock()
	if exists {
		if kind == domain.KindAnalytics {
			return c.rebuildStream(ctx, streamID, accessNode)
		}
		return apperrors.NewDuplicateStreamError(streamID, participantID)
	}

	termID := domain.PublicationTerminalID(participantID, streamID)
	owner := participantID
	switch kind {
	case domain.KindWebRTC, domain.KindSIP, domain.KindQUIC:
	default:
		owner = c.roomID + "-" + utils.RandomDigits(8)
	}
	if _, err := c.newTerminal(ctx, termID, kind, owner, accessNode, info.Origin); err != nil {
		return err
	}

	stream := &domain.Stream{
		ID:      streamID,
		Owner:   termID,
		InputID: info.InputID,
		Data:    info.Data,
	}
	if info.Audio != nil {
		stream.Audio = &domain.AudioTrack{
			Format:      info.Audio.String(),
			Status:      domain.TrackActive,
			Subscribers: []string{},
		}
	}
	if info.Video != nil {
		stream.Video = &domain.VideoTrack{
			Format:      info.Video.Format.String(),
			Status:      domain.TrackActive,
			Subscribers: []string{},
		}
		stream.Video.Resolution = info.Video.Parameters.Resolution
		stream.Video.Framerate = info.Video.Parameters.Framerate
	}

	c.mu.Lock()
	err = c.state.AddStream(stream)
	var effects []effect
	if err != nil {
		effects = c.deleteTerminalLocked(termID)
	}
	c.mu.Unlock()
	c.run(ctx, effects)
	if err != nil {
		if errors.Is(err, domain.ErrStreamExists) {
			return apperrors.NewDuplicateStreamError(streamID, participantID)
		}
		return apperrors.NewEarlyReleasedError("terminal " + termID)
	}

	c.emit(ctx, domain.RoomEvent{Type: domain.EventStreamAdded, Participant: participantID, Stream: streamID, Terminal: termID})
	c.reportCounts()
	return nil
}

// rebuildStream rewires a stream whose source moved to accessNode: every node
// it was spread to gets a fresh internal connection and video subscribers are
// linked up again.
func (c *roomController) rebuildStream(ctx context.Context, streamID string, accessNode domain.Locality) error {
	c.mu.Lock()
	s, ok := c.state.Stream(streamID)
	if !ok {
		c.mu.Unlock()
		return apperrors.NewNotFoundError("stream " + streamID)
	}
	t, ok := c.state.Terminal(s.Owner)
	if !ok {
		c.mu.Unlock()
		return apperrors.NewEarlyReleasedError("terminal " + s.Owner)
	}
	c.logger.Infow("Rebuild stream", "stream", streamID, "from", t.Locality.Node, "to", accessNode.Node)

	targets := s.SpreadTargets()
	var videoSubscribers []string
	t.Locality = accessNode
	s.Spread = []*domain.SpreadEntry{}
	if s.Video != nil {
		videoSubscribers = s.Video.Subscribers
		s.Video.Subscribers = []string{}
	}
	var effects []effect
	for _, target := range targets {
		effects = append(effects, c.shrinkStreamLocked(streamID, target)...)
	}
	c.mu.Unlock()
	c.run(ctx, effects)

	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			return c.spreadStream(ctx, streamID, target, anyConsumer)
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Errorw("Rebuild stream failed", "stream", streamID, "error", err)
		return err
	}

	for _, tid := range videoSubscribers {
		c.mu.Lock()
		sub, ok := c.state.Terminal(tid)
		var node string
		var subIDs []string
		if ok {
			node = sub.Locality.Node
			for id, rec := range sub.Subscribed {
				if rec.Video == streamID {
					subIDs = append(subIDs, id)
				}
			}
		}
		c.mu.Unlock()
		sort.Strings(subIDs)

		for _, subID := range subIDs {
			if err := c.node.Linkup(ctx, node, subID, ports.LinkSources{Video: streamID}); err != nil {
				c.logger.Warnw("Relink video subscriber failed", "terminal", tid, "subscription", subID, "error", err)
				continue
			}
			c.mu.Lock()
			c.state.AddSubscriber(streamID, domain.MediaVideo, tid)
			c.mu.Unlock()
		}
	}
	c.reportCounts()
	return nil
}

// Unpublish removes a participant's stream and its publication terminal.
func (c *roomController) Unpublish(ctx context.Context, participantID, streamID string) (err error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "unpublish", c.roomID,
		tracing.ParticipantKey.String(participantID), tracing.StreamIDKey.String(streamID))
	defer func() { tracing.End(span, err) }()

	c.logger.Infow("Unpublish", "participant", participantID, "stream", streamID)
	termID := domain.PublicationTerminalID(participantID, streamID)

	c.mu.Lock()
	s, exists := c.state.Stream(streamID)
	t, ok := c.state.Terminal(termID)
	if !exists || !ok || s.Owner != termID || !t.Publishes(streamID) {
		c.logger.Infow("Unpublish a rogue stream", "participant", participantID, "stream", streamID)
	}
	var effects []effect
	if exists {
		effects = append(effects, c.unpublishStreamLocked(streamID)...)
	}
	effects = append(effects, c.deleteTerminalLocked(termID)...)
	c.mu.Unlock()

	c.run(ctx, effects)
	if exists {
		c.emit(ctx, domain.RoomEvent{Type: domain.EventStreamRemoved, Participant: participantID, Stream: streamID, Terminal: termID})
	}
	c.reportCounts()
	return nil
}

// unpublishStreamLocked takes a stream out of every view and subscription and
// forgets it.
func (c *roomController) unpublishStreamLocked(streamID string) []effect {
	s, ok := c.state.Stream(streamID)
	if !ok {
		c.logger.Infow("Unpublish an unknown stream", "stream", streamID)
		return nil
	}
	var effects []effect
	if t, ok := c.state.Terminal(s.Owner); ok && t.Publishes(streamID) {
		if c.room.MixingEnabled() {
			for _, v := range c.state.Views() {
				effects = append(effects, c.unmixStreamLocked(streamID, v.Label)...)
			}
		}
		effects = append(effects, c.removeSubscriptionsLocked(streamID)...)
	}
	if s.Video != nil {
		for _, layer := range s.Video.Simulcast {
			if d, ok := c.state.Stream(layer.StreamID); ok && d.SimulcastOf == streamID {
				effects = append(effects, c.removeSubscriptionsLocked(d.ID)...)
			}
		}
	}
	c.state.RemoveStream(streamID)
	return effects
}

// removeSubscriptionsLocked detaches every consumer of streamID. Transcoders
// fed by it withdraw their outputs, and consumers left with nothing are deleted.
func (c *roomController) removeSubscriptionsLocked(streamID string) []effect {
	s, ok := c.state.Stream(streamID)
	if !ok {
		return nil
	}
	var effects []effect
	for _, m := range []domain.Media{domain.MediaAudio, domain.MediaVideo} {
		if !s.Has(m) {
			continue
		}
		selector := domain.KindAudioSelector
		transcoder := transcoderKind(m)
		for _, tid := range append([]string(nil), s.Subscribers(m)...) {
			t, ok := c.state.Terminal(tid)
			if !ok {
				continue
			}
			for _, subID := range sortedSubscriptionIDs(t) {
				sub, ok := t.Subscribed[subID]
				if !ok {
					continue
				}
				if t.Kind != selector || sub.Audio == streamID {
					effects = append(effects, c.unsubscribeStreamLocked(tid, subID)...)
				}
				if t.Kind == transcoder {
					for _, out := range append([]string(nil), t.Published...) {
						effects = append(effects, c.unpublishStreamLocked(out)...)
					}
				}
				if _, alive := c.state.Terminal(tid); !alive {
					break
				}
			}
			if c.state.IsFree(tid) {
				effects = append(effects, c.deleteTerminalLocked(tid)...)
			}
		}
		if s, ok := c.state.Stream(streamID); ok {
			switch m {
			case domain.MediaAudio:
				s.Audio.Subscribers = []string{}
			case domain.MediaVideo:
				s.Video.Subscribers = []string{}
			}
		}
	}
	return effects
}

func sortedSubscriptionIDs(t *domain.Terminal) []string {
	ids := make([]string, 0, len(t.Subscribed))
	for id := range t.Subscribed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateStream records a track status change and relays it to the mixers
// consuming the track. Rooms without views ignore it.
func (c *roomController) UpdateStream(ctx context.Context, streamID, track string, status domain.TrackStatus) error {
	if status != domain.TrackActive && status != domain.TrackInactive {
		return apperrors.NewInvalidInputError("invalid track status " + string(status))
	}
	var media []domain.Media
	switch track {
	case "audio":
		media = []domain.Media{domain.MediaAudio}
	case "video":
		media = []domain.Media{domain.MediaVideo}
	case "av":
		media = []domain.Media{domain.MediaAudio, domain.MediaVideo}
	default:
		return apperrors.NewInvalidInputError("invalid track " + track)
	}
	if !c.room.MixingEnabled() {
		return nil
	}
	c.logger.Debugw("Update stream", "stream", streamID, "track", track, "status", status)

	c.mu.Lock()
	s, ok := c.state.Stream(streamID)
	if !ok {
		c.mu.Unlock()
		return apperrors.NewNotFoundError("stream " + streamID)
	}
	active := status == domain.TrackActive
	var effects []effect
	for _, m := range media {
		switch {
		case m == domain.MediaAudio && s.Audio != nil:
			s.Audio.Status = status
		case m == domain.MediaVideo && s.Video != nil:
			s.Video.Status = status
		default:
			continue
		}
		subscribers := s.Subscribers(m)
		for _, v := range c.state.Views() {
			mixer := v.Mixer(m)
			if mixer == "" || !contains(subscribers, mixer) {
				continue
			}
			node, ok := c.state.NodeOf(mixer)
			if !ok {
				continue
			}
			effects = append(effects, c.call("setInputActive", node, func(ctx context.Context) error {
				return c.node.SetInputActive(ctx, node, streamID, active)
			}))
		}
	}
	c.mu.Unlock()

	c.run(ctx, effects)
	return nil
}

// UpdateStreamInfo applies late stream information: the source resolution,
// simulcast layers and the id of the default layer.
func (c *roomController) UpdateStreamInfo(ctx context.Context, streamID string, update domain.StreamInfoUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.state.Stream(streamID)
	if !ok {
		return apperrors.NewNotFoundError("stream " + streamID)
	}
	if s.Video == nil {
		return nil
	}
	if res, ok := update.Resolution(); ok {
		s.Video.Resolution = res
	}
	switch {
	case update.RID != "":
		if s.Video.Simulcast == nil {
			s.Video.Simulcast = make(map[string]*domain.SimulcastLayer)
		}
		layer, ok := s.Video.Simulcast[update.RID]
		if !ok {
			layer = &domain.SimulcastLayer{}
			s.Video.Simulcast[update.RID] = layer
		}
		if update.SimID != "" {
			layer.StreamID = update.SimID
			if _, exists := c.state.Stream(update.SimID); !exists {
				err := c.state.AddStream(&domain.Stream{
					ID:    update.SimID,
					Owner: s.Owner,
					Video: &domain.VideoTrack{
						Format:      s.Video.Format,
						Status:      domain.TrackActive,
						Subscribers: []string{},
					},
					SimulcastOf: streamID,
				})
				if err != nil {
					c.logger.Warnw("Register simulcast layer failed", "stream", streamID, "layer", update.SimID, "error", err)
				}
			}
		}
		if res, ok := update.Info.Resolution(); ok {
			layer.Resolution = res
		}
		c.logger.Debugw("Simulcast layer updated", "stream", streamID, "rid", update.RID, "layer", layer.StreamID)
	case update.FirstRID != "":
		s.Video.RID = update.FirstRID
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
