// Package velocity implements the rapid deposit/withdrawal churn
// check of SPEC_FULL §4.2: whether a transaction of the opposite type
// was recorded for the same user within a sliding window of the
// transaction's timestamp.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fraudtriage/engine/internal/domain"
)

// Service answers the velocity predicate by keying the last-seen
// timestamp of each (user_id, type) pair in a Cache with a TTL equal
// to the sliding window (LRUCache community tier / RedisCache-backed
// two-phase cache pro tier).
type Service struct {
	cache  domain.Cache
	window time.Duration
}

// NewService creates a velocity service backed by cache, checking for
// an opposite-typed transaction within window.
func NewService(cache domain.Cache, window time.Duration) *Service {
	return &Service{cache: cache, window: window}
}

// Record marks that a transaction of txType happened for userID at
// at. Call this after a transaction is persisted so later lookups can
// see it within the window.
func (s *Service) Record(ctx context.Context, userID string, txType domain.TransactionType, at time.Time) error {
	key := velocityKey(userID, txType)
	if err := s.cache.Set(ctx, key, strconv.FormatInt(at.UnixNano(), 10), s.window); err != nil {
		return fmt.Errorf("velocity: failed to record %s: %w", key, err)
	}
	return nil
}

// HasOppositeTypeWithinWindow implements rules.VelocityChecker: it
// reports whether the opposite transaction type was recorded for
// userID with a timestamp at most one window away from at, on either
// side (an entry stamped after at also matches).
func (s *Service) HasOppositeTypeWithinWindow(ctx context.Context, userID string, txType domain.TransactionType, at time.Time) (bool, error) {
	opposite, ok := oppositeType(txType)
	if !ok {
		return false, nil
	}

	key := velocityKey(userID, opposite)
	raw, found, err := s.cache.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("velocity: failed to read %s: %w", key, err)
	}
	if !found {
		return false, nil
	}

	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("velocity: corrupt cache entry for %s: %w", key, err)
	}
	seenAt := time.Unix(0, nanos)
	return at.Sub(seenAt) <= s.window && at.Sub(seenAt) >= -s.window, nil
}

// oppositeType returns the transaction type that counts as "opposite"
// for the rapid-churn check: a deposit followed by a withdrawal (or
// vice versa) within the window. TRADE has no opposite.
func oppositeType(t domain.TransactionType) (domain.TransactionType, bool) {
	switch t {
	case domain.TxDeposit:
		return domain.TxWithdrawal, true
	case domain.TxWithdrawal:
		return domain.TxDeposit, true
	default:
		return "", false
	}
}

func velocityKey(userID string, t domain.TransactionType) string {
	return fmt.Sprintf("velocity:%s:%s", userID, t)
}
