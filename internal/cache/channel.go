package cache

import (
	"context"
	"encoding/json"
	"time"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
)

// EventChannel publishes committed optimization events on a Redis pub/sub
// channel for notifiers. It is an event bus subscriber.
type EventChannel struct {
	cache   *CacheService
	channel string
	logger  *logging.Logger
}

func NewEventChannel(cache *CacheService, channel string, logger *logging.Logger) *EventChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &EventChannel{cache: cache, channel: channel, logger: logger.WithComponent("event_channel")}
}

// Handle is registered with EventBus.SubscribeAll
func (c *EventChannel) Handle(e database.OptimizationEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		c.logger.Error("Failed to encode event", "event_id", e.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.cache.Publish(ctx, c.channel, payload); err != nil {
		c.logger.Warn("Failed to publish event to redis", "event_id", e.ID, "event_type", e.EventType, "error", err)
	}
}
