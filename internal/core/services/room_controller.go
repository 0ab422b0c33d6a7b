package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/utils"
)

// RoomControllerConfig holds the per-instance settings shared by every room.
type RoomControllerConfig struct {
	ControllerID         string
	InternalConnProtocol string
	Origin               domain.Origin
	// RPCTimeout bounds each fire-and-forget call made after an operation.
	RPCTimeout time.Duration
}

// RoomDependencies are the collaborators of a room controller.
type RoomDependencies struct {
	Node      ports.MediaNode
	Allocator *NodeAllocator
	Events    ports.EventPublisher
	Metrics   ports.RoomMetrics
	Logger    *zap.Logger
}

// effect is a call issued once the room lock is released.
type effect func(ctx context.Context)

type roomController struct {
	roomID string
	room   *domain.RoomConfig
	cfg    RoomControllerConfig
	ticket string

	node    ports.MediaNode
	alloc   *NodeAllocator
	events  ports.EventPublisher
	metrics ports.RoomMetrics
	logger  *zap.SugaredLogger

	// mu guards state. It is never held across a node call.
	mu    sync.Mutex
	state *domain.RoomState

	// spreads runs at most one setup per spread id.
	spreads singleflight.Group
	// units shares transcoder creation and output generation between concurrent requests.
	units singleflight.Group
}

// NewRoomController creates the controller of room and initializes its views
// and audio selector. A room that fails to initialize is torn down.
func NewRoomController(ctx context.Context, cfg RoomControllerConfig, room *domain.RoomConfig, deps RoomDependencies) (ports.RoomController, error) {
	c := newRoomController(cfg, room, deps)
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newRoomController(cfg RoomControllerConfig, room *domain.RoomConfig, deps RoomDependencies) *roomController {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NopEventPublisher{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopRoomMetrics{}
	}
	return &roomController{
		roomID:  room.ID,
		room:    room,
		cfg:     cfg,
		ticket:  utils.Ticket(),
		node:    deps.Node,
		alloc:   deps.Allocator,
		events:  events,
		metrics: metrics,
		logger:  logger.Sugar().With("room", room.ID),
		state:   domain.NewRoomState(room.ID),
	}
}

func (c *roomController) RoomID() string { return c.roomID }

func (c *roomController) initialize(ctx context.Context) error {
	c.logger.Debugw("Initializing room", "views", len(c.room.Views))

	if len(c.room.Views) > 0 {
		c.mu.Lock()
		for _, vc := range c.room.Views {
			c.state.AddView(&domain.View{Label: vc.Label})
		}
		c.mu.Unlock()

		var g errgroup.Group
		for _, vc := range c.room.Views {
			vc := vc
			g.Go(func() error {
				if err := c.initView(ctx, vc); err != nil {
					c.logger.Errorw("View init failed", "view", vc.Label, "error", err)
					return err
				}
				c.logger.Infow("View init ok", "view", vc.Label)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			c.Destroy(ctx)
			return err
		}
	}

	if c.room.SelectActiveAudio {
		if err := c.initSelector(ctx); err != nil {
			c.Destroy(ctx)
			return err
		}
	}

	c.reportCounts()
	return nil
}

func (c *roomController) initView(ctx context.Context, vc domain.ViewConfig) error {
	mixStreamID := c.roomID + "-" + vc.Label

	amixer := utils.TerminalID()
	audio, err := c.initUnit(ctx, amixer, domain.KindAudioMixer, mixStreamID, c.cfg.Origin, "mixing", vc.Audio, c.roomID, vc.Label)
	if err != nil {
		c.dropView(vc.Label)
		return err
	}

	var vmixer string
	var video ports.InitResult
	if vc.Video != nil {
		vmixer = utils.TerminalID()
		videoConfig := *vc.Video
		videoConfig.StaticParticipants = c.room.StaticParticipants
		video, err = c.initUnit(ctx, vmixer, domain.KindVideoMixer, mixStreamID, c.cfg.Origin, "mixing", &videoConfig, c.roomID, vc.Label)
		if err != nil {
			c.mu.Lock()
			effects := c.deleteTerminalLocked(amixer)
			c.mu.Unlock()
			c.run(ctx, effects)
			c.dropView(vc.Label)
			return err
		}
	}

	c.mu.Lock()
	v, ok := c.state.View(vc.Label)
	if !ok {
		c.mu.Unlock()
		return apperrors.NewEarlyReleasedError("view " + vc.Label)
	}
	v.AudioMixer = amixer
	v.AudioFormats = nonNil(audio.AudioCodecs)
	v.VideoMixer = vmixer
	v.VideoFormats = domain.VideoCodecs{
		Encode: nonNil(video.VideoCodecs.Encode),
		Decode: nonNil(video.VideoCodecs.Decode),
	}
	v.Resolutions = video.Resolutions
	effects := c.enableAVCoordinationLocked(vc.Label)
	c.mu.Unlock()

	c.run(ctx, effects)
	return nil
}

func (c *roomController) dropView(label string) {
	c.mu.Lock()
	c.state.RemoveView(label)
	c.mu.Unlock()
}

type selectConfig struct {
	ActiveStreamIDs []string `json:"activeStreamIds"`
}

func (c *roomController) initSelector(ctx context.Context) error {
	selector := utils.TerminalID()
	streams := append([]string(nil), domain.ActiveAudioSlots...)
	_, err := c.initUnit(ctx, selector, domain.KindAudioSelector, "admin", c.cfg.Origin, "selecting",
		selectConfig{ActiveStreamIDs: streams}, c.roomID, "placeholder")
	if err != nil {
		c.logger.Errorw("Selector init failed", "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.Terminal(selector); !ok {
		return apperrors.NewEarlyReleasedError("audio selector")
	}
	c.state.ActiveAudio = &domain.ActiveAudio{Selector: selector, Streams: streams}
	for _, id := range streams {
		err := c.state.AddStream(&domain.Stream{
			ID:    id,
			Owner: selector,
			Audio: &domain.AudioTrack{Format: "unknown", Mutable: true, Subscribers: []string{}},
		})
		if err != nil {
			return apperrors.NewInternalError("register active audio stream " + id + ": " + err.Error())
		}
	}
	return nil
}

// initUnit creates a processing unit terminal on a freshly allocated node and
// initializes it. The terminal is deleted again if init fails.
func (c *roomController) initUnit(ctx context.Context, id string, kind domain.TerminalKind, owner string, origin domain.Origin, service string, config any, belongTo, view string) (ports.InitResult, error) {
	loc, err := c.newTerminal(ctx, id, kind, owner, domain.Locality{}, origin)
	if err != nil {
		return ports.InitResult{}, err
	}
	res, err := c.node.Init(ctx, loc.Node, ports.InitRequest{
		Service:    service,
		Config:     config,
		BelongTo:   belongTo,
		Controller: c.cfg.ControllerID,
		View:       view,
	})
	if err != nil {
		c.logger.Errorw("Init media processor failed", "terminal", id, "type", kind, "node", loc.Node, "error", err)
		c.mu.Lock()
		effects := c.deleteTerminalLocked(id)
		c.mu.Unlock()
		c.run(ctx, effects)
		return ports.InitResult{}, err
	}
	c.logger.Debugw("Processing unit ready", "terminal", id, "type", kind, "node", loc.Node)
	return res, nil
}

// newTerminal ensures terminal id exists and returns its locality. A zero
// preassigned locality asks the scheduler for a node.
func (c *roomController) newTerminal(ctx context.Context, id string, kind domain.TerminalKind, owner string, preassigned domain.Locality, origin domain.Origin) (domain.Locality, error) {
	c.mu.Lock()
	if t, ok := c.state.Terminal(id); ok {
		loc := t.Locality
		c.mu.Unlock()
		return loc, nil
	}
	c.mu.Unlock()

	c.logger.Debugw("New terminal", "terminal", id, "type", kind, "owner", owner)
	loc := preassigned
	if loc.IsZero() {
		var err error
		loc, err = c.alloc.Acquire(ctx, kind.MediaPurpose(), c.roomID, id, c.room.MediaPreference(origin))
		if err != nil {
			return domain.Locality{}, err
		}
	}

	t := domain.NewTerminal(id, kind, owner, loc, origin)
	c.mu.Lock()
	if existing, ok := c.state.Terminal(id); ok {
		existingLoc := existing.Locality
		c.mu.Unlock()
		if preassigned.IsZero() {
			c.alloc.Release(ctx, loc, c.roomID, id)
		}
		return existingLoc, nil
	}
	_ = c.state.AddTerminal(t)
	c.mu.Unlock()
	return loc, nil
}

// deleteTerminalLocked drops the terminal and schedules the release of its node.
func (c *roomController) deleteTerminalLocked(id string) []effect {
	t, ok := c.state.RemoveTerminal(id)
	if !ok {
		return nil
	}
	c.logger.Debugw("Delete terminal", "terminal", id, "owner", t.Owner)
	if !t.Kind.HoldsNode() {
		return nil
	}
	loc := t.Locality
	return []effect{func(ctx context.Context) {
		c.alloc.Release(ctx, loc, c.roomID, id)
	}}
}

// call wraps a node call whose failure is logged only.
func (c *roomController) call(method, node string, fn func(ctx context.Context) error) effect {
	return func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			c.logger.Warnw("Node call failed", "method", method, "node", node, "error", err)
		}
	}
}

// run executes effects in order, detached from the caller's cancellation.
func (c *roomController) run(ctx context.Context, effects []effect) {
	if len(effects) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, e := range effects {
		ectx, cancel := base, context.CancelFunc(func() {})
		if c.cfg.RPCTimeout > 0 {
			ectx, cancel = context.WithTimeout(base, c.cfg.RPCTimeout)
		}
		e(ectx)
		cancel()
	}
}

func (c *roomController) emit(ctx context.Context, ev domain.RoomEvent) {
	ev.Room = c.roomID
	ev.Controller = c.cfg.ControllerID
	ev.Timestamp = time.Now()
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warnw("Failed to publish room event", "type", ev.Type, "error", err)
	}
}

func (c *roomController) reportCounts() {
	c.mu.Lock()
	counts := c.state.Counts()
	c.mu.Unlock()
	c.metrics.SetRoomCounts(c.roomID, counts)
}

func (c *roomController) Snapshot() domain.RoomSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Snapshot()
}

// Destroy tears every terminal of the room down. Processing units are
// deinitialized on their nodes.
func (c *roomController) Destroy(ctx context.Context) {
	c.logger.Infow("Deinitialize room")

	c.mu.Lock()
	var effects []effect
	for _, t := range c.state.Terminals() {
		if _, ok := c.state.Terminal(t.ID); !ok {
			continue
		}
		switch {
		case t.Kind.IsParticipantFacing():
			for _, sid := range append([]string(nil), t.Published...) {
				effects = append(effects, c.unpublishStreamLocked(sid)...)
			}
			if _, ok := c.state.Terminal(t.ID); ok {
				for _, subID := range sortedSubscriptionIDs(t) {
					effects = append(effects, c.unsubscribeStreamLocked(t.ID, subID)...)
				}
			}
		case t.Kind.IsDisposableProcessingUnit():
			id, node := t.ID, t.Locality.Node
			effects = append(effects, c.call("deinit", node, func(ctx context.Context) error {
				return c.node.Deinit(ctx, node, id)
			}))
		}
		effects = append(effects, c.deleteTerminalLocked(t.ID)...)
	}
	c.state.Clear()
	c.mu.Unlock()

	c.run(ctx, effects)
	c.metrics.RemoveRoom(c.roomID)
	c.emit(ctx, domain.RoomEvent{Type: domain.EventRoomDestroyed})
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
