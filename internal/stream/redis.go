// Package stream implements the Event Source Adapter and the AI
// Queue Producer of SPEC_FULL §4.1/§6 against Redis Streams, using
// XADD/XGROUP/XREADGROUP/XACK/XPENDING consumer-group semantics.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fraudtriage/engine/internal/domain"
)

// Record is one entry read from a stream: an opaque, strictly
// increasing record_id plus its field map.
type Record struct {
	ID     string
	Fields map[string]string
}

// redisClient is the subset of *redis.Client the adapter drives,
// narrowed so tests can substitute a fake without a live Redis.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Adapter is the durable, ordered, partitioned append-only stream
// backing both the inbound transaction stream (consumed with
// consumer-group semantics) and the outbound AI investigation queue
// (written with XADD).
type Adapter struct {
	client redisClient
}

// NewAdapter connects to the Redis Streams backend shared by the
// Event Source Adapter and the AI Queue Producer.
func NewAdapter(addr, password string, db int) (*Adapter, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("stream: failed to connect to redis: %w", err)
	}
	return &Adapter{client: client}, nil
}

// Close releases the underlying Redis connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Ping checks Redis connectivity.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// EnsureGroup creates group on stream, starting from start (LATEST by
// default), idempotently: a "group already exists" (BUSYGROUP) reply
// is swallowed per §4.1.
func (a *Adapter) EnsureGroup(ctx context.Context, streamName, group, start string) error {
	if start == "" {
		start = "$" // LATEST
	}
	err := a.client.XGroupCreateMkStream(ctx, streamName, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: %v", domain.ErrStreamUnavailable, err)
	}
	return nil
}

// ReadBatch pulls up to count pending-or-new records for (group,
// consumer) on streamName: this consumer's pending entries (delivered
// but never acked) are read first, without blocking; only when none are
// pending are new entries read, blocking up to block. An empty result
// is returned as an empty, non-error batch per §4.1.
func (a *Adapter) ReadBatch(ctx context.Context, streamName, group, consumer string, count int64, block time.Duration) ([]Record, error) {
	var records []Record
	for _, id := range []string{"0", ">"} {
		args := &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{streamName, id},
			Count:    count,
			Block:    block,
		}
		if id == "0" {
			args.Block = -1 // no BLOCK argument: pending entries return at once
		}
		res, err := a.client.XReadGroup(ctx, args).Result()

		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStreamUnavailable, err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				fields := make(map[string]string, len(msg.Values))
				for k, v := range msg.Values {
					if s, ok := v.(string); ok {
						fields[k] = s
					} else {
						fields[k] = fmt.Sprintf("%v", v)
					}
				}
				records = append(records, Record{ID: msg.ID, Fields: fields})
			}
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	return records, nil
}

// Ack removes id from the (group)'s pending list on streamName.
func (a *Adapter) Ack(ctx context.Context, streamName, group, id string) error {
	if err := a.client.XAck(ctx, streamName, group, id).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStreamUnavailable, err)
	}
	return nil
}

// DeliveryCount returns how many times id has been delivered to a
// consumer of group on streamName, used to drive the poison-record
// policy of §7.
func (a *Adapter) DeliveryCount(ctx context.Context, streamName, group, id string) (int64, error) {
	res, err := a.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamName,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStreamUnavailable, err)
	}
	for _, p := range res {
		if p.ID == id {
			return p.RetryCount, nil
		}
	}
	return 0, nil
}

// Enqueue appends fields as a new entry to streamName via XADD, used
// by the AI Queue Producer to write escalation records.
func (a *Adapter) Enqueue(ctx context.Context, streamName string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := a.client.XAdd(ctx, &redis.XAddArgs{Stream: streamName, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStreamUnavailable, err)
	}
	return id, nil
}
