// Package bus provides the Push Bus fan-out implementations: an
// in-process ChannelBus for the Community tier and a NATSBus for
// multi-instance Pro deployments.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/fraudtriage/engine/internal/domain"
)

// ChannelBus implements domain.EventBus using Go channels. Delivery
// is best-effort and at-most-once: a full subscriber buffer drops the
// frame rather than blocking the publisher, matching §4.7.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
}

type channelSubscription struct {
	id     string
	topic  string
	framesCh chan any
	cancel func()
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish delivers payload to every current subscriber of topic.
// Never blocks: a subscriber whose buffer is full simply misses the
// frame.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("%w: bus is closed", domain.ErrPushFailure)
	}

	for _, sub := range b.subscriptions[topic] {
		select {
		case sub.framesCh <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription for topic.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:       uuid.New().String(),
		topic:    topic,
		framesCh: make(chan any, b.bufferSize),
		cancel:   cancel,
	}

	go func() {
		<-subCtx.Done()
		b.removeSubscription(sub)
	}()

	b.subscriptions[topic] = append(b.subscriptions[topic], sub)
	return sub, nil
}

func (b *ChannelBus) removeSubscription(target *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[target.topic]
	for i, s := range subs {
		if s.id == target.id {
			b.subscriptions[target.topic] = append(subs[:i], subs[i+1:]...)
			close(s.framesCh)
			break
		}
	}
}

// Close closes the event bus and every outstanding subscription.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
			close(sub.framesCh)
		}
	}
	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

// Frames returns the channel of delivered payloads.
func (s *channelSubscription) Frames() <-chan any {
	return s.framesCh
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}
