package cache

import (
	"context"
	"sync"
	"time"

	"symbol-optimizer/internal/logging"
)

// SlotGuard claims the single shadow position slot for an (account, symbol).
// Acquire reports false when another owner holds the slot.
type SlotGuard interface {
	Acquire(ctx context.Context, accountID, symbol, owner string) (bool, error)
	Release(ctx context.Context, accountID, symbol, owner string) error
}

// MemorySlots is the in-process guard used without Redis and as the Redis
// fallback.
type MemorySlots struct {
	mu    sync.Mutex
	slots map[string]string
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{slots: make(map[string]string)}
}

func (m *MemorySlots) Acquire(_ context.Context, accountID, symbol, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ShadowSlotKey(accountID, symbol)
	if current, held := m.slots[key]; held && current != owner {
		return false, nil
	}
	m.slots[key] = owner
	return true, nil
}

func (m *MemorySlots) Release(_ context.Context, accountID, symbol, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ShadowSlotKey(accountID, symbol)
	if m.slots[key] == owner {
		delete(m.slots, key)
	}
	return nil
}

// RedisSlots guards slots across processes with SETNX. The TTL bounds a
// slot leaked by a crashed process; the shadow simulator's timeout sweep
// closes positions well before it expires.
type RedisSlots struct {
	cache    *CacheService
	ttl      time.Duration
	fallback *MemorySlots
	logger   *logging.Logger
}

// NewRedisSlots creates a Redis-backed guard
func NewRedisSlots(cache *CacheService, ttl time.Duration, logger *logging.Logger) *RedisSlots {
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisSlots{
		cache:    cache,
		ttl:      ttl,
		fallback: NewMemorySlots(),
		logger:   logger.WithComponent("shadow_slots"),
	}
}

func (r *RedisSlots) Acquire(ctx context.Context, accountID, symbol, owner string) (bool, error) {
	ok, err := r.cache.SetNX(ctx, ShadowSlotKey(accountID, symbol), owner, r.ttl)
	if err != nil {
		// The database's unique index on open shadow trades still holds
		r.logger.Warn("Slot guard falling back to memory", "account_id", accountID, "symbol", symbol, "error", err)
		return r.fallback.Acquire(ctx, accountID, symbol, owner)
	}
	return ok, nil
}

func (r *RedisSlots) Release(ctx context.Context, accountID, symbol, owner string) error {
	_ = r.fallback.Release(ctx, accountID, symbol, owner)
	if _, err := r.cache.DeleteIfValue(ctx, ShadowSlotKey(accountID, symbol), owner); err != nil {
		r.logger.Warn("Failed to release shadow slot", "account_id", accountID, "symbol", symbol, "error", err)
		return err
	}
	return nil
}
