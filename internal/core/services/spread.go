package services

import (
	"context"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
)

// anyConsumer is the target kind of spreads that carry every track, used when
// outputs are re-spread to previous targets.
const anyConsumer domain.TerminalKind = "participant"

func spreadID(streamID, node string) string {
	return streamID + "@" + node
}

// spreadMedia selects the tracks of s a node hosting kind consumes.
func spreadMedia(s *domain.Stream, kind domain.TerminalKind) (audio, video, data bool) {
	audio = s.Audio != nil && kind.Consumes(domain.MediaAudio)
	video = s.Video != nil && kind.Consumes(domain.MediaVideo)
	data = s.Data
	return audio, video, data
}

// undoStack collects compensations of completed steps.
type undoStack []effect

func (u *undoStack) push(e effect) { *u = append(*u, e) }

func (u undoStack) unwind(ctx context.Context) {
	for i := len(u) - 1; i >= 0; i-- {
		u[i](ctx)
	}
}

// spreadStream makes streamID flow into target so that a terminal of kind
// hosted there can consume it. Concurrent requests for the same stream and
// target share a single setup.
func (c *roomController) spreadStream(ctx context.Context, streamID, target string, kind domain.TerminalKind) error {
	c.mu.Lock()
	ready, err := c.spreadReadyLocked(streamID, target, kind)
	c.mu.Unlock()
	if err != nil || ready {
		return err
	}

	id := spreadID(streamID, target)
	_, err, shared := c.spreads.Do(id, func() (any, error) {
		return nil, c.setupSpread(context.WithoutCancel(ctx), streamID, target, kind)
	})
	if shared {
		c.logger.Debugw("Joined in-flight spread", "spread", id, "error", err)
	}
	return err
}

// spreadReadyLocked validates a spread request and reports whether nothing is left to do.
func (c *roomController) spreadReadyLocked(streamID, target string, kind domain.TerminalKind) (bool, error) {
	s, ok := c.state.Stream(streamID)
	if !ok {
		return false, apperrors.NewNotFoundError("stream " + streamID)
	}
	audio, video, data := spreadMedia(s, kind)
	if !audio && !video && !data {
		return false, apperrors.NewNothingToSpreadError(streamID)
	}
	origin, ok := c.state.NodeOf(s.Owner)
	if !ok {
		return false, apperrors.NewEarlyReleasedError("terminal " + s.Owner)
	}
	if origin == target {
		return true, nil
	}
	if e := s.SpreadTo(target); e != nil && e.Status == domain.SpreadConnected {
		return true, nil
	}
	return false, nil
}

// setupSpread runs the internal connection protocol. Only the singleflight
// owner of the spread id calls it, so it never observes its own key connecting.
func (c *roomController) setupSpread(ctx context.Context, streamID, target string, kind domain.TerminalKind) error {
	id := spreadID(streamID, target)

	c.mu.Lock()
	s, ok := c.state.Stream(streamID)
	if !ok {
		c.mu.Unlock()
		return apperrors.NewEarlyReleasedError("stream " + streamID)
	}
	ownerID := s.Owner
	origin, ok := c.state.NodeOf(ownerID)
	if !ok {
		c.mu.Unlock()
		return apperrors.NewEarlyReleasedError("terminal " + ownerID)
	}
	if origin == target {
		c.mu.Unlock()
		return nil
	}
	if e := s.SpreadTo(target); e != nil {
		status := e.Status
		c.mu.Unlock()
		if status == domain.SpreadConnected {
			return nil
		}
		c.logger.Errorw("Spread status is ambiguous", "spread", id, "status", status)
		return apperrors.NewAmbiguousSpreadStateError(id, string(status))
	}

	audio, video, data := spreadMedia(s, kind)
	pub := ports.InternalPublishOptions{
		Controller: c.cfg.ControllerID,
		InputID:    s.InputID,
		Data:       data,
	}
	if audio {
		pub.Audio = &ports.TrackCodec{Codec: s.Audio.Format}
	}
	if video {
		pub.Video = &ports.TrackCodec{Codec: s.Video.Format}
	}
	link := ports.LinkSources{}
	if audio {
		link.Audio = streamID
	}
	if video {
		link.Video = streamID
	}
	if data {
		link.Data = streamID
	}
	c.state.SetSpread(streamID, target, domain.SpreadConnecting)
	c.mu.Unlock()

	c.logger.Debugw("Spreading stream", "stream", streamID, "owner", ownerID, "from", origin, "to", target)

	var undo undoStack
	fail := func(step string, cause error) error {
		c.mu.Lock()
		c.state.RemoveSpread(streamID, target)
		c.mu.Unlock()
		undo.unwind(ctx)
		c.metrics.RecordSpreadFailure(step)
		c.logger.Errorw("Spread failed", "spread", id, "step", step, "error", cause)
		return apperrors.NewSpreadFailedError(id, step, cause)
	}

	opts := ports.InternalConnOptions{Protocol: c.cfg.InternalConnProtocol, Ticket: c.ticket}

	to, err := c.node.CreateInternalConnection(ctx, target, streamID, ports.DirectionIn, opts)
	if err != nil {
		return fail("createInternalConnection(in)", err)
	}
	undo.push(c.call("destroyInternalConnection", target, func(ctx context.Context) error {
		return c.node.DestroyInternalConnection(ctx, target, streamID, ports.DirectionIn)
	}))

	from, err := c.node.CreateInternalConnection(ctx, origin, id, ports.DirectionOut, opts)
	if err != nil {
		return fail("createInternalConnection(out)", err)
	}
	undo.push(c.call("destroyInternalConnection", origin, func(ctx context.Context) error {
		return c.node.DestroyInternalConnection(ctx, origin, id, ports.DirectionOut)
	}))

	c.mu.Lock()
	owner, ok := c.state.Terminal(ownerID)
	if ok {
		pub.Publisher = owner.Owner
	}
	c.mu.Unlock()
	if !ok {
		return fail("publish", apperrors.NewEarlyReleasedError("terminal "+ownerID))
	}
	pub.IP, pub.Port = from.IP, from.Port

	if err := c.node.Publish(ctx, target, streamID, pub); err != nil {
		return fail("publish", err)
	}
	undo.push(c.call("unpublish", target, func(ctx context.Context) error {
		return c.node.Unpublish(ctx, target, streamID)
	}))

	sub := ports.InternalSubscribeOptions{Controller: c.cfg.ControllerID, IP: to.IP, Port: to.Port}
	if err := c.node.Subscribe(ctx, origin, id, sub); err != nil {
		return fail("subscribe", err)
	}
	undo.push(c.call("unsubscribe", origin, func(ctx context.Context) error {
		return c.node.Unsubscribe(ctx, origin, id)
	}))

	if err := c.node.Linkup(ctx, origin, id, link); err != nil {
		return fail("linkup", err)
	}

	c.mu.Lock()
	var entry *domain.SpreadEntry
	if s, ok := c.state.Stream(streamID); ok {
		entry = s.SpreadTo(target)
	}
	if entry == nil {
		c.mu.Unlock()
		return fail("linkup", apperrors.NewEarlyReleasedError("stream "+streamID))
	}
	entry.Status = domain.SpreadConnected
	c.mu.Unlock()

	c.logger.Debugw("Spread connected", "spread", id)
	return nil
}

// shrinkStreamLocked tears the spread of streamID to target down once no
// subscriber hosted on target uses it.
func (c *roomController) shrinkStreamLocked(streamID, target string) []effect {
	s, ok := c.state.Stream(streamID)
	if !ok {
		return nil
	}
	origin, ok := c.state.NodeOf(s.Owner)
	if !ok || origin == target || c.state.SpreadInUse(streamID, target) {
		return nil
	}
	c.logger.Debugw("Shrink stream", "stream", streamID, "target", target)
	c.state.RemoveSpread(streamID, target)

	id := spreadID(streamID, target)
	return []effect{
		c.call("unsubscribe", origin, func(ctx context.Context) error {
			return c.node.Unsubscribe(ctx, origin, id)
		}),
		c.call("unpublish", target, func(ctx context.Context) error {
			return c.node.Unpublish(ctx, target, streamID)
		}),
	}
}
