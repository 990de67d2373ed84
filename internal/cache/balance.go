// Package cache holds the redis-backed optimistic token balance cache.
// The ledger stays authoritative: cached values are overwritten whenever a
// fresh ledger read is reconciled.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/settlement_layer/internal/token"
)

const keyPrefix = "settlement:balance:"

// adjustScript applies a signed delta only when the key exists, deleting it
// instead of letting it go negative. Returns -1 when nothing was cached.
var adjustScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return -1 end
local n = tonumber(cur) + tonumber(ARGV[1])
if n < 0 then
  redis.call('DEL', KEYS[1])
  return -1
end
redis.call('SET', KEYS[1], n, 'KEEPTTL')
return n
`)

// BalanceCache caches per-owner token balances.
type BalanceCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// Options configures the cache connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New connects to redis and verifies the connection.
func New(ctx context.Context, opts Options) (*BalanceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(client, opts.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &BalanceCache{client: client, ttl: ttl}
}

func key(owner string) string { return keyPrefix + owner }

// Get returns the cached balance and whether one was present.
func (c *BalanceCache) Get(ctx context.Context, owner string) (token.Amount, bool, error) {
	if c == nil {
		return 0, false, nil
	}
	v, err := c.client.Get(ctx, key(owner)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get: %w", err)
	}
	return token.Amount(v), true, nil
}

// Set stores a ledger-read balance.
func (c *BalanceCache) Set(ctx context.Context, owner string, amount token.Amount) error {
	if c == nil {
		return nil
	}
	if err := c.client.Set(ctx, key(owner), uint64(amount), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Credit optimistically adds units to a cached balance. Nothing happens
// when no balance is cached.
func (c *BalanceCache) Credit(ctx context.Context, owner string, units token.Amount) error {
	return c.adjust(ctx, owner, int64(units))
}

// Debit optimistically removes units from a cached balance. A debit larger
// than the cached value evicts the entry.
func (c *BalanceCache) Debit(ctx context.Context, owner string, units token.Amount) error {
	return c.adjust(ctx, owner, -int64(units))
}

func (c *BalanceCache) adjust(ctx context.Context, owner string, delta int64) error {
	if c == nil {
		return nil
	}
	if err := adjustScript.Run(ctx, c.client, []string{key(owner)}, delta).Err(); err != nil {
		return fmt.Errorf("redis adjust: %w", err)
	}
	return nil
}

// Invalidate drops the cached balance.
func (c *BalanceCache) Invalidate(ctx context.Context, owner string) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, key(owner)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Close releases the connection.
func (c *BalanceCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
