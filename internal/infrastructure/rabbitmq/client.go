package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	apperrors "roomctl/pkg/errors"
)

// ErrConnectionClosed is returned to calls pending when the channel goes away.
var ErrConnectionClosed = errors.New("rabbitmq client - connection closed")

const _defaultTimeout = 3 * time.Second

type pendingCall struct {
	done chan reply
}

// Client performs request/reply calls over a direct exchange. The routing
// key of a call is the id of the callee (node, agent or scheduler queue).
type Client struct {
	open     ChannelOpener
	exchange string
	timeout  time.Duration
	logger   *zap.SugaredLogger

	chMu       sync.RWMutex
	ch         Channel
	replyQueue string

	mu    sync.Mutex
	calls map[string]*pendingCall

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option -.
type Option func(*Client)

// WithTimeout sets how long a call waits for its reply.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient declares the exchange and a private reply queue, then starts consuming replies.
func NewClient(open ChannelOpener, exchange string, logger *zap.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		open:     open,
		exchange: exchange,
		timeout:  _defaultTimeout,
		logger:   logger.Sugar().Named("rpc"),
		calls:    make(map[string]*pendingCall),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	deliveries, err := c.setup()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq client - NewClient - c.setup: %w", err)
	}
	c.wg.Add(1)
	go c.consumer(deliveries)
	return c, nil
}

func (c *Client) setup() (<-chan amqp.Delivery, error) {
	ch, err := c.open()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(c.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("ch.ExchangeDeclare: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("ch.QueueDeclare: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("ch.Consume: %w", err)
	}

	c.chMu.Lock()
	c.ch = ch
	c.replyQueue = q.Name
	c.chMu.Unlock()
	return deliveries, nil
}

// Call invokes method on target and decodes the result into out.
func (c *Client) Call(ctx context.Context, target, method string, args []any, out any) error {
	corrID := uuid.NewString()
	call := &pendingCall{done: make(chan reply, 1)}
	c.addCall(corrID, call)
	defer c.deleteCall(corrID)

	if err := c.publish(target, method, args, corrID); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return apperrors.NewRPCTimeoutError(method, target)
	case r, ok := <-call.done:
		if !ok {
			return ErrConnectionClosed
		}
		return r.result(method, target, out)
	}
}

// Cast invokes method on target without waiting for a reply.
func (c *Client) Cast(ctx context.Context, target, method string, args []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.publish(target, method, args, "")
}

func (c *Client) publish(target, method string, args []any, corrID string) error {
	c.chMu.RLock()
	ch, replyTo := c.ch, c.replyQueue
	c.chMu.RUnlock()
	if ch == nil {
		return ErrConnectionClosed
	}
	if corrID == "" {
		replyTo = ""
	}

	body, err := encodeRequest(method, args, corrID, replyTo)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	err = ch.Publish(c.exchange, target, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyTo,
		Type:          method,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("ch.Publish %s to %s: %w", method, target, err)
	}
	return nil
}

func (c *Client) consumer(deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case d, opened := <-deliveries:
			if !opened {
				c.reconnect()
				return
			}
			c.dispatch(d)
		}
	}
}

func (c *Client) dispatch(d amqp.Delivery) {
	r, err := decodeReply(d.Body)
	if err != nil {
		c.logger.Warnw("Dropping malformed reply", "correlation_id", d.CorrelationId, "error", err)
		return
	}
	if r.CorrID == "" {
		r.CorrID = d.CorrelationId
	}
	if r.Type != "" && r.Type != replyTypeCallback {
		return
	}

	c.mu.Lock()
	call, ok := c.calls[r.CorrID]
	if ok {
		delete(c.calls, r.CorrID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debugw("Reply for unknown call", "correlation_id", r.CorrID)
		return
	}
	call.done <- r
}

// reconnect fails every pending call and re-establishes the reply queue.
func (c *Client) reconnect() {
	c.chMu.Lock()
	c.ch = nil
	c.chMu.Unlock()
	c.failPending()

	for {
		select {
		case <-c.stop:
			return
		default:
		}
		deliveries, err := c.setup()
		if err == nil {
			c.logger.Infow("Reply channel restored", "exchange", c.exchange)
			c.wg.Add(1)
			go c.consumer(deliveries)
			return
		}
		c.logger.Errorw("Failed to restore reply channel", "exchange", c.exchange, "error", err)
		select {
		case <-c.stop:
			return
		case <-time.After(c.timeout):
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, call := range c.calls {
		close(call.done)
		delete(c.calls, id)
	}
}

func (c *Client) addCall(corrID string, call *pendingCall) {
	c.mu.Lock()
	c.calls[corrID] = call
	c.mu.Unlock()
}

func (c *Client) deleteCall(corrID string) {
	c.mu.Lock()
	delete(c.calls, corrID)
	c.mu.Unlock()
}

// Shutdown stops consuming and closes the channel.
func (c *Client) Shutdown() error {
	select {
	case <-c.stop:
		return nil
	default:
	}
	close(c.stop)

	c.chMu.Lock()
	ch := c.ch
	c.ch = nil
	c.chMu.Unlock()
	c.failPending()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("rabbitmq client - Shutdown - ch.Close: %w", err)
	}
	return nil
}
