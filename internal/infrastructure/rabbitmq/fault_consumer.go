package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
)

// FaultBindingKey selects worker and node exit notifications on the monitoring exchange.
const FaultBindingKey = "exit.#"

// monitorMessage is what agents broadcast when a worker or node goes away.
type monitorMessage struct {
	Reason  string `json:"reason"`
	Message struct {
		Purpose string `json:"purpose"`
		Type    string `json:"type"`
		ID      string `json:"id"`
	} `json:"message"`
}

// decodeFault turns a monitoring message into a fault. Messages that do not
// describe an abnormal exit yield ok=false.
func decodeFault(body []byte) (domain.Fault, bool, error) {
	var m monitorMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return domain.Fault{}, false, fmt.Errorf("decode monitoring message: %w", err)
	}
	switch m.Reason {
	case "abnormal", "error", "quit":
	default:
		return domain.Fault{}, false, nil
	}
	scope := domain.FaultScope(m.Message.Type)
	if scope != domain.FaultScopeWorker && scope != domain.FaultScopeNode {
		return domain.Fault{}, false, nil
	}
	if m.Message.ID == "" {
		return domain.Fault{}, false, nil
	}
	return domain.Fault{Purpose: domain.Purpose(m.Message.Purpose), Scope: scope, ID: m.Message.ID}, true, nil
}

// FaultConsumer feeds fault notifications from the monitoring exchange to a handler.
type FaultConsumer struct {
	open     ChannelOpener
	exchange string
	handler  ports.FaultHandler
	retry    time.Duration
	logger   *zap.SugaredLogger
}

func NewFaultConsumer(open ChannelOpener, exchange string, handler ports.FaultHandler, logger *zap.Logger) *FaultConsumer {
	return &FaultConsumer{
		open:     open,
		exchange: exchange,
		handler:  handler,
		retry:    2 * time.Second,
		logger:   logger.Sugar().Named("faults"),
	}
}

// Run consumes until ctx is done, resubscribing when the channel drops.
func (f *FaultConsumer) Run(ctx context.Context) error {
	for {
		err := f.consumeOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warnw("Fault consumer interrupted", "exchange", f.exchange, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.retry):
		}
	}
}

func (f *FaultConsumer) consumeOnce(ctx context.Context) error {
	ch, err := f.open()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(f.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("ch.ExchangeDeclare: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("ch.QueueDeclare: %w", err)
	}
	if err := ch.QueueBind(q.Name, FaultBindingKey, f.exchange, false, nil); err != nil {
		return fmt.Errorf("ch.QueueBind: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("ch.Consume: %w", err)
	}
	f.logger.Infow("Listening for faults", "exchange", f.exchange, "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrConnectionClosed
			}
			f.handle(ctx, d.Body)
		}
	}
}

func (f *FaultConsumer) handle(ctx context.Context, body []byte) {
	fault, ok, err := decodeFault(body)
	if err != nil {
		f.logger.Warnw("Dropping malformed monitoring message", "error", err)
		return
	}
	if !ok {
		return
	}
	f.logger.Infow("Fault detected", "purpose", fault.Purpose, "type", fault.Scope, "id", fault.ID)
	f.handler(ctx, fault)
}
