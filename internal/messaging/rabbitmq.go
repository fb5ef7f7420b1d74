// Package messaging connects the optimizer to RabbitMQ: candidate signals
// come in on a queue and optimization events go out on a fanout exchange.
package messaging

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"symbol-optimizer/internal/logging"
)

const (
	dialRetries    = 10
	dialRetryDelay = 3 * time.Second
)

// Dial connects to the broker, retrying while it starts up
func Dial(ctx context.Context, url string, logger *logging.Logger) (*amqp.Connection, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("rabbitmq")

	var lastErr error
	for attempt := 1; attempt <= dialRetries; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ")
			return conn, nil
		}
		lastErr = err

		if attempt < dialRetries {
			logger.Warn("Failed to connect to RabbitMQ, retrying",
				"attempt", attempt, "max_attempts", dialRetries, "retry_in", dialRetryDelay.String(), "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(dialRetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", dialRetries, lastErr)
}
