package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"roomctl/internal/core/format"
	"roomctl/internal/core/ports"
	"roomctl/pkg/circuitbreaker"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/tracing"
)

// MediaNodeWrapper guards node RPCs with one circuit breaker per node and
// records latency and a span for every call. Calls are not retried: most
// node operations are not idempotent and the controller compensates itself.
type MediaNodeWrapper struct {
	node     ports.MediaNode
	metrics  ports.RoomMetrics
	logger   *zap.SugaredLogger
	breakers *circuitbreaker.Group
}

var _ ports.MediaNode = (*MediaNodeWrapper)(nil)

// NewMediaNodeWrapper wraps node. cbConfig.IsFailure should exclude errors
// the node itself reported, so a healthy node refusing a request is not cut off.
func NewMediaNodeWrapper(node ports.MediaNode, metrics ports.RoomMetrics, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *MediaNodeWrapper {
	w := &MediaNodeWrapper{
		node:     node,
		metrics:  metrics,
		logger:   logger,
		breakers: circuitbreaker.NewGroup(cbConfig),
	}
	w.breakers.OnStateChange(func(node string, from, to circuitbreaker.State) {
		logger.Infow("node circuit breaker state changed",
			"node", node,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

// Forget drops the breaker of a node that left the cluster.
func (w *MediaNodeWrapper) Forget(node string) {
	w.breakers.Forget(node)
}

// OpenBreakers lists nodes currently cut off.
func (w *MediaNodeWrapper) OpenBreakers() []string {
	var open []string
	for node, state := range w.breakers.States() {
		if state == circuitbreaker.StateOpen {
			open = append(open, node)
		}
	}
	return open
}

func invoke[T any](ctx context.Context, w *MediaNodeWrapper, method, node string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracing.TraceNodeRPC(ctx, method, node)
	start := time.Now()
	res, err := circuitbreaker.Do(ctx, w.breakers.Get(node), func() (T, error) {
		return fn(ctx)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = apperrors.NewServiceUnavailableError("node " + node + " is unavailable")
	}
	w.metrics.RecordRPC(method, time.Since(start), err)
	tracing.End(span, err)
	return res, err
}

func invokeErr(ctx context.Context, w *MediaNodeWrapper, method, node string, fn func(context.Context) error) error {
	_, err := invoke(ctx, w, method, node, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (w *MediaNodeWrapper) Init(ctx context.Context, node string, req ports.InitRequest) (ports.InitResult, error) {
	return invoke(ctx, w, "init", node, func(ctx context.Context) (ports.InitResult, error) {
		return w.node.Init(ctx, node, req)
	})
}

func (w *MediaNodeWrapper) Deinit(ctx context.Context, node, terminalID string) error {
	return invokeErr(ctx, w, "deinit", node, func(ctx context.Context) error {
		return w.node.Deinit(ctx, node, terminalID)
	})
}

func (w *MediaNodeWrapper) GenerateAudio(ctx context.Context, node, forWhom, audioFormat string) (string, error) {
	return invoke(ctx, w, "generate", node, func(ctx context.Context) (string, error) {
		return w.node.GenerateAudio(ctx, node, forWhom, audioFormat)
	})
}

func (w *MediaNodeWrapper) GenerateVideo(ctx context.Context, node, videoFormat string, params format.VideoParams) (ports.GeneratedVideo, error) {
	return invoke(ctx, w, "generate", node, func(ctx context.Context) (ports.GeneratedVideo, error) {
		return w.node.GenerateVideo(ctx, node, videoFormat, params)
	})
}

func (w *MediaNodeWrapper) Degenerate(ctx context.Context, node, streamID string) error {
	return invokeErr(ctx, w, "degenerate", node, func(ctx context.Context) error {
		return w.node.Degenerate(ctx, node, streamID)
	})
}

func (w *MediaNodeWrapper) Publish(ctx context.Context, node, streamID string, opts ports.InternalPublishOptions) error {
	return invokeErr(ctx, w, "publish", node, func(ctx context.Context) error {
		return w.node.Publish(ctx, node, streamID, opts)
	})
}

func (w *MediaNodeWrapper) Unpublish(ctx context.Context, node, streamID string) error {
	return invokeErr(ctx, w, "unpublish", node, func(ctx context.Context) error {
		return w.node.Unpublish(ctx, node, streamID)
	})
}

func (w *MediaNodeWrapper) Subscribe(ctx context.Context, node, connID string, opts ports.InternalSubscribeOptions) error {
	return invokeErr(ctx, w, "subscribe", node, func(ctx context.Context) error {
		return w.node.Subscribe(ctx, node, connID, opts)
	})
}

func (w *MediaNodeWrapper) Unsubscribe(ctx context.Context, node, connID string) error {
	return invokeErr(ctx, w, "unsubscribe", node, func(ctx context.Context) error {
		return w.node.Unsubscribe(ctx, node, connID)
	})
}

func (w *MediaNodeWrapper) Linkup(ctx context.Context, node, connID string, src ports.LinkSources) error {
	return invokeErr(ctx, w, "linkup", node, func(ctx context.Context) error {
		return w.node.Linkup(ctx, node, connID, src)
	})
}

func (w *MediaNodeWrapper) Cutoff(ctx context.Context, node, connID string) error {
	return invokeErr(ctx, w, "cutoff", node, func(ctx context.Context) error {
		return w.node.Cutoff(ctx, node, connID)
	})
}

func (w *MediaNodeWrapper) CreateInternalConnection(ctx context.Context, node, id string, dir ports.Direction, opts ports.InternalConnOptions) (ports.Address, error) {
	return invoke(ctx, w, "createInternalConnection", node, func(ctx context.Context) (ports.Address, error) {
		return w.node.CreateInternalConnection(ctx, node, id, dir, opts)
	})
}

func (w *MediaNodeWrapper) DestroyInternalConnection(ctx context.Context, node, id string, dir ports.Direction) error {
	return invokeErr(ctx, w, "destroyInternalConnection", node, func(ctx context.Context) error {
		return w.node.DestroyInternalConnection(ctx, node, id, dir)
	})
}

func (w *MediaNodeWrapper) SetInputActive(ctx context.Context, node, streamID string, active bool) error {
	return invokeErr(ctx, w, "setInputActive", node, func(ctx context.Context) error {
		return w.node.SetInputActive(ctx, node, streamID, active)
	})
}

func (w *MediaNodeWrapper) SetInputsActiveOnly(ctx context.Context, node string, streamIDs []string) error {
	return invokeErr(ctx, w, "setInputsActiveOnly", node, func(ctx context.Context) error {
		return w.node.SetInputsActiveOnly(ctx, node, streamIDs)
	})
}

func (w *MediaNodeWrapper) GetVisibleStreams(ctx context.Context, node string) ([]string, error) {
	return invoke(ctx, w, "getVisibleStreams", node, func(ctx context.Context) ([]string, error) {
		return w.node.GetVisibleStreams(ctx, node)
	})
}

func (w *MediaNodeWrapper) GetRegion(ctx context.Context, node, streamID string) (string, error) {
	return invoke(ctx, w, "getRegion", node, func(ctx context.Context) (string, error) {
		return w.node.GetRegion(ctx, node, streamID)
	})
}

func (w *MediaNodeWrapper) SetRegion(ctx context.Context, node, streamID, regionID string) error {
	return invokeErr(ctx, w, "setRegion", node, func(ctx context.Context) error {
		return w.node.SetRegion(ctx, node, streamID, regionID)
	})
}

func (w *MediaNodeWrapper) SetLayout(ctx context.Context, node string, layout json.RawMessage) (json.RawMessage, error) {
	return invoke(ctx, w, "setLayout", node, func(ctx context.Context) (json.RawMessage, error) {
		return w.node.SetLayout(ctx, node, layout)
	})
}

func (w *MediaNodeWrapper) SetScene(ctx context.Context, node string, scene json.RawMessage) error {
	return invokeErr(ctx, w, "setScene", node, func(ctx context.Context) error {
		return w.node.SetScene(ctx, node, scene)
	})
}

func (w *MediaNodeWrapper) SetPrimary(ctx context.Context, node, streamID string) error {
	return invokeErr(ctx, w, "setPrimary", node, func(ctx context.Context) error {
		return w.node.SetPrimary(ctx, node, streamID)
	})
}

func (w *MediaNodeWrapper) DrawText(ctx context.Context, node string, text json.RawMessage, duration int) error {
	return invokeErr(ctx, w, "drawText", node, func(ctx context.Context) error {
		return w.node.DrawText(ctx, node, text, duration)
	})
}

func (w *MediaNodeWrapper) ForceKeyFrame(ctx context.Context, node, streamID string) error {
	return invokeErr(ctx, w, "forceKeyFrame", node, func(ctx context.Context) error {
		return w.node.ForceKeyFrame(ctx, node, streamID)
	})
}

func (w *MediaNodeWrapper) EnableVAD(ctx context.Context, node string, periodMS int) error {
	return invokeErr(ctx, w, "enableVAD", node, func(ctx context.Context) error {
		return w.node.EnableVAD(ctx, node, periodMS)
	})
}

func (w *MediaNodeWrapper) ResetVAD(ctx context.Context, node string) error {
	return invokeErr(ctx, w, "resetVAD", node, func(ctx context.Context) error {
		return w.node.ResetVAD(ctx, node)
	})
}

func (w *MediaNodeWrapper) DropStaticParticipant(ctx context.Context, node, id string) error {
	return invokeErr(ctx, w, "dropStaticParticipant", node, func(ctx context.Context) error {
		return w.node.DropStaticParticipant(ctx, node, id)
	})
}

func (w *MediaNodeWrapper) UpdateStaticParticipant(ctx context.Context, node, id string, update json.RawMessage) error {
	return invokeErr(ctx, w, "updateStaticParticipant", node, func(ctx context.Context) error {
		return w.node.UpdateStaticParticipant(ctx, node, id, update)
	})
}
