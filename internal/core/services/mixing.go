package services

import (
	"context"
	"fmt"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
	apperrors "roomctl/pkg/errors"
)

const vadPeriodMS = 1000

func mixerKind(m domain.Media) domain.TerminalKind {
	if m == domain.MediaVideo {
		return domain.KindVideoMixer
	}
	return domain.KindAudioMixer
}

func trackStatus(s *domain.Stream, m domain.Media) domain.TrackStatus {
	switch {
	case m == domain.MediaAudio && s.Audio != nil:
		return s.Audio.Status
	case m == domain.MediaVideo && s.Video != nil:
		return s.Video.Status
	}
	return ""
}

// mixerLocked returns the mixer of view label for media m and its node.
func (c *roomController) mixerLocked(label string, m domain.Media) (string, string, error) {
	v, ok := c.state.View(label)
	if !ok {
		return "", "", apperrors.NewNotFoundError("view " + label)
	}
	mixer := v.Mixer(m)
	if mixer == "" {
		return "", "", apperrors.NewNotFoundError(fmt.Sprintf("%s mixer of view %s", m, label))
	}
	node, ok := c.state.NodeOf(mixer)
	if !ok {
		return "", "", apperrors.NewEarlyReleasedError(string(m) + " mixer")
	}
	return mixer, node, nil
}

// mixTrack feeds track m of streamID into the mixer of view label.
func (c *roomController) mixTrack(ctx context.Context, streamID, label string, m domain.Media) error {
	c.mu.Lock()
	mixer, node, err := c.mixerLocked(label, m)
	if err == nil {
		if _, ok := c.state.Stream(streamID); !ok {
			err = apperrors.NewNotFoundError("stream " + streamID)
		}
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Infow("Mix track", "stream", streamID, "view", label, "media", m)
	if err := c.spreadStream(ctx, streamID, node, mixerKind(m)); err != nil {
		return err
	}

	c.mu.Lock()
	t, tok := c.state.Terminal(mixer)
	s, sok := c.state.Stream(streamID)
	if !tok || !sok || !s.Has(m) {
		effects := c.shrinkStreamLocked(streamID, node)
		c.mu.Unlock()
		c.run(ctx, effects)
		return apperrors.NewEarlyReleasedError("stream or mixer")
	}
	sub := &domain.Subscription{}
	sub.SetSource(m, streamID)
	t.Subscribed[spreadID(streamID, node)] = sub
	c.state.AddSubscriber(streamID, m, mixer)

	var effects []effect
	if trackStatus(s, m) == domain.TrackInactive {
		effects = append(effects, c.call("setInputActive", node, func(ctx context.Context) error {
			return c.node.SetInputActive(ctx, node, streamID, false)
		}))
	}
	c.mu.Unlock()

	c.run(ctx, effects)
	return nil
}

// unmixTrackLocked removes track m of streamID from the mixer of view label.
func (c *roomController) unmixTrackLocked(streamID, label string, m domain.Media) []effect {
	v, ok := c.state.View(label)
	if !ok {
		return nil
	}
	mixer := v.Mixer(m)
	t, ok := c.state.Terminal(mixer)
	if !ok {
		return nil
	}
	if _, ok := c.state.Stream(streamID); !ok {
		return nil
	}
	node := t.Locality.Node
	delete(t.Subscribed, spreadID(streamID, node))
	c.state.RemoveSubscriber(streamID, m, mixer)
	return c.shrinkStreamLocked(streamID, node)
}

// mixStream mixes the audio and, when the view mixes video, the video of streamID.
func (c *roomController) mixStream(ctx context.Context, streamID, label string) error {
	c.mu.Lock()
	s, ok := c.state.Stream(streamID)
	if !ok {
		c.mu.Unlock()
		return apperrors.NewNotFoundError("stream " + streamID)
	}
	hasAudio, hasVideo := s.Audio != nil, s.Video != nil
	var videoMixer bool
	if v, ok := c.state.View(label); ok {
		videoMixer = v.VideoMixer != ""
	}
	c.mu.Unlock()

	switch {
	case hasAudio:
		if err := c.mixTrack(ctx, streamID, label, domain.MediaAudio); err != nil {
			return err
		}
		if hasVideo && videoMixer {
			if err := c.mixTrack(ctx, streamID, label, domain.MediaVideo); err != nil {
				c.mu.Lock()
				effects := c.unmixTrackLocked(streamID, label, domain.MediaAudio)
				c.mu.Unlock()
				c.run(ctx, effects)
				return err
			}
		}
		return nil
	case hasVideo:
		return c.mixTrack(ctx, streamID, label, domain.MediaVideo)
	}
	return apperrors.NewInvalidInputError("no audio or video to mix")
}

func (c *roomController) unmixStreamLocked(streamID, label string) []effect {
	s, ok := c.state.Stream(streamID)
	if !ok {
		return nil
	}
	var effects []effect
	if s.Audio != nil {
		effects = append(effects, c.unmixTrackLocked(streamID, label, domain.MediaAudio)...)
	}
	if s.Video != nil {
		effects = append(effects, c.unmixTrackLocked(streamID, label, domain.MediaVideo)...)
	}
	return effects
}

// getMixedAudio asks the audio mixer of view label for an output in
// audioFormat. The mixer coalesces equal requests itself.
func (c *roomController) getMixedAudio(ctx context.Context, label, audioFormat, subscriber string) (string, error) {
	c.mu.Lock()
	mixer, node, err := c.mixerLocked(label, domain.MediaAudio)
	forWhom := "common"
	if t, ok := c.state.Terminal(subscriber); ok {
		forWhom = t.Owner
	}
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	c.logger.Debugw("Generate mixed audio", "view", label, "format", audioFormat, "owner", forWhom)
	id, err := c.node.GenerateAudio(ctx, node, forWhom, audioFormat)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.Terminal(mixer); !ok {
		return "", apperrors.NewEarlyReleasedError("audio mixer")
	}
	if _, ok := c.state.Stream(id); !ok {
		_ = c.state.AddStream(&domain.Stream{
			ID:    id,
			Owner: mixer,
			Audio: &domain.AudioTrack{Format: audioFormat, Subscribers: []string{}},
		})
	}
	return id, nil
}

// getMixedVideo reuses an output of the view's video mixer with exactly the
// requested format and parameters, or generates one.
func (c *roomController) getMixedVideo(ctx context.Context, label, videoFormat string, params format.VideoParams) (string, error) {
	c.mu.Lock()
	mixer, node, err := c.mixerLocked(label, domain.MediaVideo)
	if err == nil {
		if id := c.findVideoOutputLocked(mixer, videoFormat, params); id != "" {
			c.mu.Unlock()
			return id, nil
		}
	}
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	return c.generateVideo(ctx, mixer, node, videoFormat, params)
}

func (c *roomController) findVideoOutputLocked(unit, videoFormat string, params format.VideoParams) string {
	for _, s := range c.state.StreamsOwnedBy(unit) {
		if s.Video != nil && s.Video.Format == videoFormat && s.Video.VideoParams == params {
			return s.ID
		}
	}
	return ""
}

func videoOutputKey(unit, videoFormat string, p format.VideoParams) string {
	return fmt.Sprintf("video:%s:%s:%s:%d:%d:%d", unit, videoFormat, p.Resolution, p.Framerate, p.Bitrate, p.KeyFrameInterval)
}

// generateVideo creates a video output on a mixer or transcoder. Identical
// concurrent requests share one generate call.
func (c *roomController) generateVideo(ctx context.Context, unit, node, videoFormat string, params format.VideoParams) (string, error) {
	v, err, _ := c.units.Do(videoOutputKey(unit, videoFormat, params), func() (any, error) {
		ctx := context.WithoutCancel(ctx)

		c.mu.Lock()
		if id := c.findVideoOutputLocked(unit, videoFormat, params); id != "" {
			c.mu.Unlock()
			return id, nil
		}
		c.mu.Unlock()

		c.logger.Debugw("Generate video", "terminal", unit, "format", videoFormat,
			"resolution", params.Resolution.String(), "framerate", params.Framerate,
			"bitrate", params.Bitrate, "keyFrameInterval", params.KeyFrameInterval)
		out, err := c.node.GenerateVideo(ctx, node, videoFormat, params)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		if _, ok := c.state.Terminal(unit); !ok {
			c.mu.Unlock()
			c.run(ctx, []effect{c.degenerate(node, out.ID)})
			return "", apperrors.NewEarlyReleasedError("video processor " + unit)
		}
		if _, ok := c.state.Stream(out.ID); !ok {
			_ = c.state.AddStream(&domain.Stream{
				ID:    out.ID,
				Owner: unit,
				Video: &domain.VideoTrack{
					Format:      videoFormat,
					VideoParams: out.VideoParams,
					Subscribers: []string{},
				},
			})
		}
		c.mu.Unlock()
		return out.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *roomController) degenerate(node, streamID string) effect {
	return c.call("degenerate", node, func(ctx context.Context) error {
		return c.node.Degenerate(ctx, node, streamID)
	})
}

// updateAudioActives lets only the audio of participants visible in the
// view's video layout through its audio mixer.
func (c *roomController) updateAudioActives(ctx context.Context, label string) error {
	c.mu.Lock()
	v, ok := c.state.View(label)
	if !ok || v.AudioMixer == "" || v.VideoMixer == "" {
		c.mu.Unlock()
		return nil
	}
	vnode, vok := c.state.NodeOf(v.VideoMixer)
	anode, aok := c.state.NodeOf(v.AudioMixer)
	c.mu.Unlock()
	if !vok || !aok {
		return nil
	}

	visible, err := c.node.GetVisibleStreams(ctx, vnode)
	if err != nil {
		return err
	}

	c.mu.Lock()
	active := make([]string, 0, len(visible))
	seen := make(map[string]bool, len(visible))
	for _, id := range visible {
		if id == "" {
			continue
		}
		if audio, ok := c.state.ParticipantAudioStream(id); ok && !seen[audio] {
			seen[audio] = true
			active = append(active, audio)
		}
	}
	c.mu.Unlock()

	c.logger.Debugw("Update audio actives", "view", label, "active", active)
	return c.node.SetInputsActiveOnly(ctx, anode, active)
}

// vadLocked enables or resets voice activity detection on the audio mixer of
// a view mixing both media with vad configured.
func (c *roomController) vadLocked(label string, enable bool) []effect {
	v, ok := c.state.View(label)
	if !ok || v.AudioMixer == "" || v.VideoMixer == "" {
		return nil
	}
	vc, ok := c.room.ViewConfig(label)
	if !ok || vc.Audio == nil || !vc.Audio.VAD {
		return nil
	}
	node, ok := c.state.NodeOf(v.AudioMixer)
	if !ok {
		return nil
	}
	if enable {
		return []effect{c.call("enableVAD", node, func(ctx context.Context) error {
			return c.node.EnableVAD(ctx, node, vadPeriodMS)
		})}
	}
	return []effect{c.call("resetVAD", node, func(ctx context.Context) error {
		return c.node.ResetVAD(ctx, node)
	})}
}

func (c *roomController) enableAVCoordinationLocked(label string) []effect {
	return c.vadLocked(label, true)
}

func (c *roomController) resetVADLocked(label string) []effect {
	return c.vadLocked(label, false)
}
