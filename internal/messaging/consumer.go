package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"symbol-optimizer/internal/logging"
	"symbol-optimizer/internal/shadow"
)

// SignalHandler processes one decoded signal. A returned error requeues the
// message.
type SignalHandler func(ctx context.Context, sig shadow.Signal) error

type consumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// SignalConsumer reads candidate signals from a durable queue with manual acks
type SignalConsumer struct {
	channel  consumerChannel
	queue    string
	prefetch int
	logger   *logging.Logger
}

// NewSignalConsumer opens a channel on conn for queue
func NewSignalConsumer(conn *amqp.Connection, queue string, prefetch int, logger *logging.Logger) (*SignalConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return newSignalConsumer(ch, queue, prefetch, logger), nil
}

func newSignalConsumer(ch consumerChannel, queue string, prefetch int, logger *logging.Logger) *SignalConsumer {
	if logger == nil {
		logger = logging.Default()
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &SignalConsumer{
		channel:  ch,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger.WithComponent("signal_consumer"),
	}
}

// Run consumes until ctx is done or the broker closes the delivery channel
func (c *SignalConsumer) Run(ctx context.Context, handle SignalHandler) error {
	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	q, err := c.channel.QueueDeclare(
		c.queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}

	msgs, err := c.channel.ConsumeWithContext(ctx, q.Name, "symbol-optimizer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", q.Name, err)
	}
	c.logger.Info("Consuming signals", "queue", q.Name, "prefetch", c.prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("signal delivery channel closed")
			}
			c.handle(ctx, msg, handle)
		}
	}
}

func (c *SignalConsumer) handle(ctx context.Context, msg amqp.Delivery, handle SignalHandler) {
	var sig shadow.Signal
	if err := json.Unmarshal(msg.Body, &sig); err != nil {
		// Malformed messages never succeed; drop rather than loop
		c.logger.Warn("Dropping malformed signal", "message_id", msg.MessageId, "error", err)
		if err := msg.Reject(false); err != nil {
			c.logger.Warn("Failed to reject message", "error", err)
		}
		return
	}
	if sig.ID == "" {
		sig.ID = msg.MessageId
	}

	if err := handle(ctx, sig); err != nil {
		c.logger.Warn("Signal handling failed, requeueing", "symbol", sig.Symbol, "error", err)
		if err := msg.Nack(false, true); err != nil {
			c.logger.Warn("Failed to nack message", "error", err)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		c.logger.Warn("Failed to ack message", "error", err)
	}
}

// Close closes the consumer's channel
func (c *SignalConsumer) Close() error {
	return c.channel.Close()
}
