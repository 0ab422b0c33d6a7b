package services

import (
	"context"
	"sort"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/utils"
)

type transcodeConfig struct {
	MotionFactor float64 `json:"motionFactor,omitempty"`
}

func transcoderKind(m domain.Media) domain.TerminalKind {
	if m == domain.MediaVideo {
		return domain.KindVideoTranscoder
	}
	return domain.KindAudioTranscoder
}

// existingTranscoderLocked finds a transcoder already subscribed to track m of s.
func (c *roomController) existingTranscoderLocked(s *domain.Stream, m domain.Media) string {
	kind := transcoderKind(m)
	for _, tid := range s.Subscribers(m) {
		if t, ok := c.state.Terminal(tid); ok && t.Kind == kind {
			return tid
		}
	}
	return ""
}

// getTranscoder returns the transcoder of track m of streamID, creating it on
// first use. Concurrent callers share one creation.
func (c *roomController) getTranscoder(ctx context.Context, streamID string, m domain.Media) (string, error) {
	c.mu.Lock()
	s, ok := c.state.Stream(streamID)
	if !ok || !s.Has(m) {
		c.mu.Unlock()
		return "", apperrors.NewNotFoundError(string(m) + " of stream " + streamID)
	}
	if id := c.existingTranscoderLocked(s, m); id != "" {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	kind := transcoderKind(m)
	v, err, _ := c.units.Do(string(kind)+"@"+streamID, func() (any, error) {
		return c.createTranscoder(context.WithoutCancel(ctx), streamID, m)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *roomController) createTranscoder(ctx context.Context, streamID string, m domain.Media) (string, error) {
	kind := transcoderKind(m)

	c.mu.Lock()
	s, ok := c.state.Stream(streamID)
	if !ok || !s.Has(m) {
		c.mu.Unlock()
		return "", apperrors.NewEarlyReleasedError("stream " + streamID)
	}
	if id := c.existingTranscoderLocked(s, m); id != "" {
		c.mu.Unlock()
		return id, nil
	}
	owner := s.Owner
	ownerTerminal, ok := c.state.Terminal(owner)
	if !ok {
		c.mu.Unlock()
		return "", apperrors.NewEarlyReleasedError("terminal " + owner)
	}
	origin := ownerTerminal.Origin
	c.mu.Unlock()

	cfg := transcodeConfig{}
	if m == domain.MediaVideo {
		cfg.MotionFactor = 1.0
	}
	id := utils.TerminalID()
	c.logger.Infow("Create transcoder", "terminal", id, "type", kind, "stream", streamID)
	if _, err := c.initUnit(ctx, id, kind, owner, origin, "transcoding", cfg, streamID, "transcoder"); err != nil {
		return "", err
	}

	c.mu.Lock()
	node, _ := c.state.NodeOf(id)
	c.mu.Unlock()

	failed := func(err error) (string, error) {
		c.logger.Errorw("Transcoder setup failed", "terminal", id, "stream", streamID, "error", err)
		c.mu.Lock()
		effects := []effect{c.call("deinit", node, func(ctx context.Context) error {
			return c.node.Deinit(ctx, node, id)
		})}
		effects = append(effects, c.deleteTerminalLocked(id)...)
		c.mu.Unlock()
		c.run(ctx, effects)
		return "", err
	}

	if err := c.spreadStream(ctx, streamID, node, kind); err != nil {
		return failed(err)
	}

	c.mu.Lock()
	t, tok := c.state.Terminal(id)
	s, sok := c.state.Stream(streamID)
	if !tok || !sok || !s.Has(m) {
		effects := c.shrinkStreamLocked(streamID, node)
		c.mu.Unlock()
		c.run(ctx, effects)
		return failed(apperrors.NewEarlyReleasedError("transcoder input"))
	}
	sub := &domain.Subscription{}
	sub.SetSource(m, streamID)
	t.Subscribed[spreadID(streamID, node)] = sub
	c.state.AddSubscriber(streamID, m, id)
	c.mu.Unlock()
	return id, nil
}

func (c *roomController) findAudioOutputLocked(unit, audioFormat string) string {
	for _, s := range c.state.StreamsOwnedBy(unit) {
		if s.Audio != nil && s.Audio.Format == audioFormat {
			return s.ID
		}
	}
	return ""
}

// getTranscodedAudio returns a stream carrying the audio of streamID in audioFormat.
func (c *roomController) getTranscodedAudio(ctx context.Context, audioFormat, streamID string) (string, error) {
	axcoder, err := c.getTranscoder(ctx, streamID, domain.MediaAudio)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if id := c.findAudioOutputLocked(axcoder, audioFormat); id != "" {
		c.mu.Unlock()
		return id, nil
	}
	node, ok := c.state.NodeOf(axcoder)
	c.mu.Unlock()
	if !ok {
		return "", apperrors.NewEarlyReleasedError("audio transcoder")
	}

	v, err, _ := c.units.Do("audio:"+axcoder+":"+audioFormat, func() (any, error) {
		ctx := context.WithoutCancel(ctx)

		c.mu.Lock()
		if id := c.findAudioOutputLocked(axcoder, audioFormat); id != "" {
			c.mu.Unlock()
			return id, nil
		}
		c.mu.Unlock()

		id, err := c.node.GenerateAudio(ctx, node, audioFormat, audioFormat)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		if _, ok := c.state.Terminal(axcoder); !ok {
			c.mu.Unlock()
			c.run(ctx, []effect{c.degenerate(node, id)})
			return "", apperrors.NewEarlyReleasedError("audio transcoder")
		}
		if _, ok := c.state.Stream(id); !ok {
			_ = c.state.AddStream(&domain.Stream{
				ID:    id,
				Owner: axcoder,
				Audio: &domain.AudioTrack{Format: audioFormat, Subscribers: []string{}},
			})
		}
		c.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// getTranscodedVideo returns a stream carrying the video of streamID in
// videoFormat with exactly params.
func (c *roomController) getTranscodedVideo(ctx context.Context, videoFormat string, params format.VideoParams, streamID string) (string, error) {
	vxcoder, err := c.getTranscoder(ctx, streamID, domain.MediaVideo)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if id := c.findVideoOutputLocked(vxcoder, videoFormat, params); id != "" {
		c.mu.Unlock()
		return id, nil
	}
	node, ok := c.state.NodeOf(vxcoder)
	c.mu.Unlock()
	if !ok {
		return "", apperrors.NewEarlyReleasedError("video transcoder")
	}
	return c.generateVideo(ctx, vxcoder, node, videoFormat, params)
}

// terminateTemporaryStreamLocked removes an output of a processing unit. A
// transcoder left without outputs goes away with it.
func (c *roomController) terminateTemporaryStreamLocked(streamID string) []effect {
	s, ok := c.state.Stream(streamID)
	if !ok {
		return nil
	}
	owner := s.Owner
	t, ok := c.state.Terminal(owner)
	if !ok {
		c.state.RemoveStream(streamID)
		return nil
	}
	c.logger.Debugw("Terminate temporary stream", "stream", streamID, "owner", owner)

	effects := []effect{c.degenerate(t.Locality.Node, streamID)}
	c.state.RemoveStream(streamID)

	if t.Kind.IsTranscoder() && len(t.Published) == 0 {
		subIDs := make([]string, 0, len(t.Subscribed))
		for id := range t.Subscribed {
			subIDs = append(subIDs, id)
		}
		sort.Strings(subIDs)
		for _, id := range subIDs {
			effects = append(effects, c.unsubscribeStreamLocked(owner, id)...)
		}
		effects = append(effects, c.deleteTerminalLocked(owner)...)
	}
	return effects
}

// recycleTemporaryLocked terminates track m of streamID when it is an unused
// output of a mixer or transcoder.
func (c *roomController) recycleTemporaryLocked(streamID string, m domain.Media) []effect {
	s, ok := c.state.Stream(streamID)
	if !ok || !s.Has(m) || len(s.Subscribers(m)) > 0 {
		return nil
	}
	t, ok := c.state.Terminal(s.Owner)
	if !ok || !t.Kind.IsDisposableProcessingUnit() || t.Kind.MediaPurpose() != domain.Purpose(m) {
		return nil
	}
	return c.terminateTemporaryStreamLocked(streamID)
}

// recycle is the unlocked form of recycleTemporaryLocked for error paths.
func (c *roomController) recycle(ctx context.Context, streamID string, m domain.Media) {
	if streamID == "" {
		return
	}
	c.mu.Lock()
	effects := c.recycleTemporaryLocked(streamID, m)
	c.mu.Unlock()
	c.run(ctx, effects)
}
