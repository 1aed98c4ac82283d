package domain

import (
	"context"
	"time"
)

// Cache is the key-value abstraction backing the Velocity Service's
// last-seen-timestamp tracking. Implementations range from an
// in-process LRU (community tier) to a two-phase LRU-over-Redis
// (pro tier).
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}
