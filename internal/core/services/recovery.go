package services

import (
	"context"

	"golang.org/x/sync/errgroup"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/format"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
)

// outputBackup remembers how an output of a failed processing unit was
// consumed so an equivalent output can take over.
type outputBackup struct {
	streamID    string
	format      string
	params      format.VideoParams
	subscriber  string
	targets     []string
	subscribers []string
}

// OnFaultDetected rebuilds the processing units of the failed media purpose
// hosted where the fault occurred.
func (c *roomController) OnFaultDetected(ctx context.Context, fault domain.Fault) {
	var m domain.Media
	switch fault.Purpose {
	case domain.PurposeAudio:
		m = domain.MediaAudio
	case domain.PurposeVideo:
		m = domain.MediaVideo
	default:
		return
	}

	c.mu.Lock()
	type unit struct {
		id   string
		kind domain.TerminalKind
	}
	var units []unit
	for _, t := range c.state.ImpactedTerminals(fault.Scope, fault.ID) {
		if t.Kind == mixerKind(m) || t.Kind == transcoderKind(m) {
			units = append(units, unit{id: t.ID, kind: t.Kind})
		}
	}
	c.mu.Unlock()
	if len(units) == 0 {
		return
	}
	c.logger.Infow("Fault detected", "purpose", fault.Purpose, "scope", fault.Scope, "id", fault.ID, "impacted", len(units))

	var g errgroup.Group
	for _, u := range units {
		u := u
		g.Go(func() error {
			var err error
			if u.kind.IsMixer() {
				err = c.rebuildMixer(ctx, u.id, m)
			} else {
				err = c.rebuildTranscoder(ctx, u.id, m)
			}
			c.metrics.RecordRebuild(u.kind, err == nil)
			if err != nil {
				c.logger.Errorw("Rebuild failed", "terminal", u.id, "type", u.kind, "error", err)
				c.emit(ctx, domain.RoomEvent{Type: domain.EventRebuildFailed, Terminal: u.id, Reason: err.Error()})
				return nil
			}
			c.logger.Infow("Rebuild ok", "terminal", u.id, "type", u.kind)
			return nil
		})
	}
	_ = g.Wait()
	c.reportCounts()
}

// backupOutputsLocked records and removes the outputs of unit, detaching
// their subscribers and spreads.
func (c *roomController) backupOutputsLocked(unit string, m domain.Media) ([]outputBackup, []effect) {
	var backups []outputBackup
	var effects []effect
	for _, s := range c.state.StreamsOwnedBy(unit) {
		if !s.Has(m) {
			continue
		}
		b := outputBackup{
			streamID:    s.ID,
			targets:     s.SpreadTargets(),
			subscribers: append([]string(nil), s.Subscribers(m)...),
		}
		switch m {
		case domain.MediaAudio:
			b.format = s.Audio.Format
		case domain.MediaVideo:
			b.format = s.Video.Format
			b.params = s.Video.VideoParams
		}
		for _, tid := range b.subscribers {
			b.subscriber = tid
			c.state.RemoveSubscriber(s.ID, m, tid)
			if node, ok := c.state.NodeOf(tid); ok {
				effects = append(effects, c.shrinkStreamLocked(s.ID, node)...)
			}
		}
		backups = append(backups, b)
		c.state.RemoveStream(s.ID)
	}
	return backups, effects
}

// rebuildMixer moves a mixer of a view to a new node, mixing its inputs again
// and replacing its outputs.
func (c *roomController) rebuildMixer(ctx context.Context, mixerID string, m domain.Media) error {
	c.mu.Lock()
	t, ok := c.state.Terminal(mixerID)
	if !ok {
		c.mu.Unlock()
		return nil
	}
	v, ok := c.state.ViewOfMixer(mixerID)
	if !ok {
		c.mu.Unlock()
		return apperrors.NewNotFoundError("view of mixer " + mixerID)
	}
	label := v.Label
	origin := t.Origin

	var inputs []string
	for _, subID := range sortedSubscriptionIDs(t) {
		if src := t.Subscribed[subID].Source(m); src != "" {
			inputs = append(inputs, src)
		}
	}
	var effects []effect
	for _, input := range inputs {
		effects = append(effects, c.unmixTrackLocked(input, label, m)...)
	}
	t.Subscribed = make(map[string]*domain.Subscription)
	backups, outputEffects := c.backupOutputsLocked(mixerID, m)
	effects = append(effects, outputEffects...)
	c.mu.Unlock()
	c.run(ctx, effects)

	c.logger.Infow("Rebuild mixer", "terminal", mixerID, "view", label, "inputs", len(inputs), "outputs", len(backups))

	loc, err := c.alloc.Acquire(ctx, mixerKind(m).MediaPurpose(), c.roomID, mixerID, c.room.MediaPreference(origin))
	if err != nil {
		return err
	}
	c.mu.Lock()
	t, ok = c.state.Terminal(mixerID)
	if ok {
		t.Locality = loc
	}
	c.mu.Unlock()
	if !ok {
		c.alloc.Release(ctx, loc, c.roomID, mixerID)
		return apperrors.NewEarlyReleasedError("mixer " + mixerID)
	}

	vc, _ := c.room.ViewConfig(label)
	var config any = vc.Audio
	if m == domain.MediaVideo && vc.Video != nil {
		videoConfig := *vc.Video
		videoConfig.StaticParticipants = c.room.StaticParticipants
		config = &videoConfig
	}
	res, err := c.node.Init(ctx, loc.Node, ports.InitRequest{
		Service:    "mixing",
		Config:     config,
		BelongTo:   c.roomID,
		Controller: c.cfg.ControllerID,
		View:       label,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if v, ok := c.state.View(label); ok {
		switch m {
		case domain.MediaAudio:
			v.AudioFormats = nonNil(res.AudioCodecs)
		case domain.MediaVideo:
			v.VideoFormats = domain.VideoCodecs{
				Encode: nonNil(res.VideoCodecs.Encode),
				Decode: nonNil(res.VideoCodecs.Decode),
			}
			v.Resolutions = res.Resolutions
		}
	}
	effects = c.enableAVCoordinationLocked(label)
	c.mu.Unlock()
	c.run(ctx, effects)

	var remix errgroup.Group
	for _, input := range inputs {
		input := input
		remix.Go(func() error {
			return c.mixTrack(ctx, input, label, m)
		})
	}
	if err := remix.Wait(); err != nil {
		return err
	}

	var outputs errgroup.Group
	for _, b := range backups {
		b := b
		outputs.Go(func() error {
			var id string
			var err error
			if m == domain.MediaAudio {
				id, err = c.getMixedAudio(ctx, label, b.format, b.subscriber)
			} else {
				id, err = c.getMixedVideo(ctx, label, b.format, b.params)
			}
			if err != nil {
				return err
			}
			return c.resumeOutput(ctx, b, id, m)
		})
	}
	return outputs.Wait()
}

// rebuildTranscoder replaces a transcoder by a new one fed from the same
// input and producing the same outputs.
func (c *roomController) rebuildTranscoder(ctx context.Context, xcoderID string, m domain.Media) error {
	c.mu.Lock()
	t, ok := c.state.Terminal(xcoderID)
	if !ok {
		c.mu.Unlock()
		return nil
	}
	oldNode := t.Locality.Node

	var input string
	var effects []effect
	for _, subID := range sortedSubscriptionIDs(t) {
		src := t.Subscribed[subID].Source(m)
		if src == "" {
			continue
		}
		input = src
		c.state.RemoveSubscriber(src, m, xcoderID)
		effects = append(effects, c.shrinkStreamLocked(src, oldNode)...)
	}
	t.Subscribed = make(map[string]*domain.Subscription)
	backups, outputEffects := c.backupOutputsLocked(xcoderID, m)
	effects = append(effects, outputEffects...)
	effects = append(effects, c.deleteTerminalLocked(xcoderID)...)
	c.mu.Unlock()
	c.run(ctx, effects)

	c.logger.Infow("Rebuild transcoder", "terminal", xcoderID, "input", input, "outputs", len(backups))
	if input == "" || len(backups) == 0 {
		return nil
	}

	var outputs errgroup.Group
	for _, b := range backups {
		b := b
		outputs.Go(func() error {
			var id string
			var err error
			if m == domain.MediaAudio {
				id, err = c.getTranscodedAudio(ctx, b.format, input)
			} else {
				id, err = c.getTranscodedVideo(ctx, b.format, b.params, input)
			}
			if err != nil {
				return err
			}
			return c.resumeOutput(ctx, b, id, m)
		})
	}
	return outputs.Wait()
}

// resumeOutput spreads a replacement output to the nodes the old one reached
// and relinks its subscribers.
func (c *roomController) resumeOutput(ctx context.Context, b outputBackup, streamID string, m domain.Media) error {
	var spreads errgroup.Group
	for _, target := range b.targets {
		target := target
		spreads.Go(func() error {
			return c.spreadStream(ctx, streamID, target, anyConsumer)
		})
	}
	if err := spreads.Wait(); err != nil {
		return err
	}

	relinked := 0
	for _, tid := range b.subscribers {
		c.mu.Lock()
		t, ok := c.state.Terminal(tid)
		var node string
		var subIDs []string
		if ok {
			node = t.Locality.Node
			for _, subID := range sortedSubscriptionIDs(t) {
				if t.Subscribed[subID].Source(m) == b.streamID {
					subIDs = append(subIDs, subID)
				}
			}
		}
		c.mu.Unlock()

		for _, subID := range subIDs {
			var link ports.LinkSources
			if m == domain.MediaAudio {
				link.Audio = streamID
			} else {
				link.Video = streamID
			}
			if err := c.node.Linkup(ctx, node, subID, link); err != nil {
				c.logger.Warnw("Relink subscriber failed", "terminal", tid, "subscription", subID, "error", err)
				continue
			}
			c.mu.Lock()
			if t, ok := c.state.Terminal(tid); ok {
				if sub, ok := t.Subscribed[subID]; ok {
					sub.SetSource(m, streamID)
					c.state.AddSubscriber(streamID, m, tid)
					relinked++
				}
			}
			c.mu.Unlock()
		}
	}

	if relinked == 0 {
		c.logger.Warnw("Rebuilt output has no subscriber left", "stream", streamID, "replaces", b.streamID)
		c.mu.Lock()
		var effects []effect
		for _, target := range b.targets {
			effects = append(effects, c.shrinkStreamLocked(streamID, target)...)
		}
		effects = append(effects, c.recycleTemporaryLocked(streamID, m)...)
		c.mu.Unlock()
		c.run(ctx, effects)
		return nil
	}

	if m == domain.MediaVideo {
		c.mu.Lock()
		effects := c.forceKeyFrameLocked(streamID)
		c.mu.Unlock()
		c.run(ctx, effects)
	}
	return nil
}
