package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
)

type publisherChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// EventPublisher forwards committed optimization events to a fanout
// exchange, where notifiers and dashboards bind their own queues.
type EventPublisher struct {
	mu       sync.Mutex
	channel  publisherChannel
	exchange string
	timeout  time.Duration
	logger   *logging.Logger
}

// NewEventPublisher opens a channel on conn and declares the exchange
func NewEventPublisher(conn *amqp.Connection, exchange string, logger *logging.Logger) (*EventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	p, err := newEventPublisher(ch, exchange, logger)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return p, nil
}

func newEventPublisher(ch publisherChannel, exchange string, logger *logging.Logger) (*EventPublisher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &EventPublisher{
		channel:  ch,
		exchange: exchange,
		timeout:  5 * time.Second,
		logger:   logger.WithComponent("event_publisher"),
	}, nil
}

// Publish sends one event. The routing key is the event type, which fanout
// ignores but topic rebinds can use.
func (p *EventPublisher) Publish(ctx context.Context, e database.OptimizationEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, string(e.EventType), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.CreatedAt,
		Type:         string(e.EventType),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", e.ID, err)
	}
	return nil
}

// Handle is an events.Subscriber
func (p *EventPublisher) Handle(e database.OptimizationEvent) {
	if err := p.Publish(context.Background(), e); err != nil {
		p.logger.Warn("Event not forwarded to RabbitMQ", "event_id", e.ID, "event_type", string(e.EventType), "error", err)
	}
}

// Close closes the publisher's channel
func (p *EventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Close()
}
