package rabbitmq

import (
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Config -.
type Config struct {
	URL      string
	Attempts int
	WaitTime time.Duration
}

// Channel is the subset of *amqp.Channel used by the RPC client and the fault consumer.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelOpener opens a fresh channel, reconnecting when needed.
type ChannelOpener func() (Channel, error)

// Connection is a broker connection that redials on demand.
type Connection struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewConnection(cfg Config, logger *zap.Logger) *Connection {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Connection{cfg: cfg, logger: logger.Sugar().Named("rabbitmq")}
}

// AttemptConnect dials the broker, retrying up to the configured number of attempts.
func (c *Connection) AttemptConnect() error {
	var err error
	for i := c.cfg.Attempts; i > 0; i-- {
		if err = c.connect(); err == nil {
			return nil
		}
		c.logger.Warnw("RabbitMQ is trying to connect", "attempts_left", i-1, "error", err)
		if i > 1 {
			time.Sleep(c.cfg.WaitTime)
		}
	}
	return fmt.Errorf("rabbitmq - AttemptConnect - c.connect: %w", err)
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp.Dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Infow("Connected to RabbitMQ")
	return nil
}

// Channel opens a channel, redialing first when the connection was lost.
func (c *Connection) Channel() (Channel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		if err := c.AttemptConnect(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("c.conn.Channel: %w", err)
	}
	return ch, nil
}

// Healthy reports whether the connection is open.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
