// Package cache provides the Redis side channels: the shadow position slot
// guard and the event channel notifiers subscribe to. Redis is never the
// source of truth; Postgres constraints back every guard.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"symbol-optimizer/config"
	"symbol-optimizer/internal/logging"
)

// ErrUnavailable is returned while the circuit breaker considers Redis down
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// CacheService wraps a Redis client with graceful degradation. After
// maxFailures consecutive errors it reports unhealthy and callers fall back
// to their in-process paths until a background ping succeeds.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// Key prefixes
const (
	PrefixShadowSlot = "optimizer:%s:shadow:%s"
)

// NewCacheService connects to Redis. A failed initial ping returns the
// service in degraded mode rather than an error.
func NewCacheService(cfg config.RedisConfig, logger *logging.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}
	if logger == nil {
		logger = logging.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client:        client,
		config:        cfg,
		logger:        logger.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn("Initial Redis connection failed, running degraded", "address", cfg.Address, "error", err)
		cs.lastCheck = time.Now()
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info("Redis connected", "address", cfg.Address)
	return cs, nil
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure(err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn("Redis marked unhealthy", "failures", cs.failureCount, "error", err)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info("Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth pings in the background once checkInterval has passed while unhealthy
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

func (cs *CacheService) available() error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}
	return nil
}

// SetNX sets key only when absent and reports whether it did
func (cs *CacheService) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := cs.available(); err != nil {
		return false, err
	}

	ok, err := cs.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		cs.recordFailure(err)
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	cs.recordSuccess()
	return ok, nil
}

// compareAndDelete removes key only while it still holds value, so a stale
// owner cannot release someone else's slot.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeleteIfValue removes key when it holds value and reports whether it did
func (cs *CacheService) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	if err := cs.available(); err != nil {
		return false, err
	}

	n, err := compareAndDelete.Run(ctx, cs.client, []string{key}, value).Int64()
	if err != nil {
		cs.recordFailure(err)
		return false, fmt.Errorf("redis compare-and-delete failed: %w", err)
	}

	cs.recordSuccess()
	return n == 1, nil
}

// Get retrieves a value. A missing key returns redis.Nil.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	if err := cs.available(); err != nil {
		return "", err
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", err // Cache miss, not a failure
		}
		cs.recordFailure(err)
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Publish sends payload on a pub/sub channel
func (cs *CacheService) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := cs.available(); err != nil {
		return err
	}

	if err := cs.client.Publish(ctx, channel, payload).Err(); err != nil {
		cs.recordFailure(err)
		return fmt.Errorf("redis publish failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure(err)
		return err
	}
	cs.recordSuccess()
	return nil
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

// ShadowSlotKey is the key guarding one open shadow position per (account, symbol)
func ShadowSlotKey(accountID, symbol string) string {
	return fmt.Sprintf(PrefixShadowSlot, accountID, symbol)
}
