package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/fraudtriage/engine/internal/domain"
)

// NATSBus implements domain.EventBus using NATS core pub/sub. Used
// as the Pro tier event bus so Push Bus fan-out works across multiple
// triage instances.
type NATSBus struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
}

type natsSubscription struct {
	id       string
	topic    string
	sub      *nats.Subscription
	framesCh chan any
}

// NewNATSBus creates a new NATS-based event bus with reconnect
// resilience.
func NewNATSBus(url string) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.MaxReconnects(10),
		nats.ReconnectWait(5 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			slog.Error("nats error", "error", err)
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	slog.Info("nats connected", "url", conn.ConnectedUrl())

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
	}, nil
}

// Publish sends payload, JSON-encoded, to a NATS subject derived from
// topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := b.conn.Publish(b.makeSubject(topic), data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPushFailure, err)
	}
	return nil
}

// Subscribe registers a handler for a NATS subject.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (domain.Subscription, error) {
	framesCh := make(chan any, 256)

	natsSub, err := b.conn.Subscribe(b.makeSubject(topic), func(m *nats.Msg) {
		var payload any
		if err := json.Unmarshal(m.Data, &payload); err != nil {
			slog.Error("failed to unmarshal nats frame", "subject", m.Subject, "error", err)
			return
		}
		select {
		case framesCh <- payload:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &natsSubscription{
		id:       uuid.New().String(),
		topic:    topic,
		sub:      natsSub,
		framesCh: framesCh,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Close closes the NATS connection and every outstanding
// subscription.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscriptions {
		_ = sub.sub.Unsubscribe()
		close(sub.framesCh)
	}
	b.subscriptions = make(map[string]*natsSubscription)

	b.conn.Close()
	return nil
}

func (b *NATSBus) makeSubject(topic string) string {
	return "fraudtriage." + topic
}

// Frames returns the channel of delivered payloads.
func (s *natsSubscription) Frames() <-chan any {
	return s.framesCh
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
