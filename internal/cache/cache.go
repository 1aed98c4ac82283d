package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/fraudtriage/engine/internal/domain"
)

// New creates the cache backend appropriate for the configured tier:
// an in-process LRU for Community, a two-phase LRU-over-Redis for Pro.
func New(cfg domain.Config) (domain.Cache, error) {
	switch cfg.Tier {
	case domain.TierPro:
		return NewTwoPhaseCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return NewLRUCache(10000), nil
	}
}

// TwoPhaseCache implements the two-phase caching strategy used by the
// Velocity Service under the Pro tier.
// L1: local LRU for fast reads. L2: Redis for cross-instance sharing.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(addr, password string, db int) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(addr, password, db)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	return &TwoPhaseCache{
		local:  NewLRUCache(10000),
		remote: remote,
		l1TTL:  30 * time.Second,
	}, nil
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := c.local.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if ok {
		return val, true, nil
	}

	val, ok, err = c.remote.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if ok {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}
	return val, ok, nil
}

// Set writes to both L1 and L2.
func (c *TwoPhaseCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}
	return c.remote.Set(ctx, key, value, ttl)
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}
