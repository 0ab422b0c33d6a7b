package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
)

// Channels used by the event bus
type Channels struct {
	Events string
	Faults string
}

// EventBus publishes room events to other controller instances and relays
// node fault notifications between them over Redis pub/sub.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channels   Channels
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.EventPublisher = (*EventBus)(nil)

// NewEventBus creates a new event bus
func NewEventBus(
	client redis.UniversalClient,
	instanceID string,
	channels Channels,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channels:   channels,
		logger:     logger,
	}
}

// faultMessage carries a fault together with the instance that saw it.
type faultMessage struct {
	InstanceID string       `json:"instance_id"`
	Fault      domain.Fault `json:"fault"`
}

func encodeEvent(instanceID string, event domain.RoomEvent) ([]byte, error) {
	event.Controller = instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return json.Marshal(event)
}

// Publish publishes a room event
func (eb *EventBus) Publish(ctx context.Context, event domain.RoomEvent) error {
	data, err := encodeEvent(eb.instanceID, event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channels.Events, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.Room,
		"stream_id", event.Stream,
	)
	return nil
}

// PublishFault relays a fault seen by this instance to the others.
func (eb *EventBus) PublishFault(ctx context.Context, fault domain.Fault) error {
	data, err := json.Marshal(faultMessage{InstanceID: eb.instanceID, Fault: fault})
	if err != nil {
		return fmt.Errorf("failed to marshal fault: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channels.Faults, data).Err(); err != nil {
		return fmt.Errorf("failed to publish fault: %w", err)
	}
	return nil
}

// decodeFault returns the fault in payload unless it came from instanceID.
func decodeFault(instanceID, payload string) (domain.Fault, bool, error) {
	var msg faultMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return domain.Fault{}, false, err
	}
	if msg.InstanceID == instanceID || msg.Fault.ID == "" {
		return domain.Fault{}, false, nil
	}
	return msg.Fault, true, nil
}

// SubscribeFaults delivers faults relayed by other instances to handler
// until ctx is done.
func (eb *EventBus) SubscribeFaults(ctx context.Context, handler ports.FaultHandler) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channels.Faults)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("fault subscription closed")
			}
			fault, ok, err := decodeFault(eb.instanceID, msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal fault",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if ok {
				handler(ctx, fault)
			}
		}
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
