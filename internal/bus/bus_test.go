package bus

import (
	"context"
	"testing"
	"time"

	"github.com/fraudtriage/engine/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		sub, err := bus.Subscribe(ctx, domain.TopicCaseEvents)
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		time.Sleep(10 * time.Millisecond)

		if err := bus.Publish(ctx, domain.TopicCaseEvents, "hello"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case frame := <-sub.Frames():
			if frame != "hello" {
				t.Errorf("expected 'hello', got %v", frame)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for frame")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		subQueue, _ := bus.Subscribe(ctx, "isolation.queue")
		subStats, _ := bus.Subscribe(ctx, "isolation.stats")
		defer subQueue.Unsubscribe()
		defer subStats.Unsubscribe()

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "isolation.queue", "msg1")

		select {
		case <-subQueue.Frames():
		case <-time.After(time.Second):
			t.Fatal("expected frame on isolation.queue")
		}

		select {
		case f := <-subStats.Frames():
			t.Errorf("did not expect frame on isolation.stats, got %v", f)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "unsub.topic")

		time.Sleep(10 * time.Millisecond)
		bus.Publish(ctx, "unsub.topic", "msg1")

		select {
		case <-sub.Frames():
		case <-time.After(time.Second):
			t.Fatal("expected frame before unsubscribe")
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)
		bus.Publish(ctx, "unsub.topic", "msg2")

		select {
		case f, ok := <-sub.Frames():
			if ok {
				t.Errorf("did not expect frame after unsubscribe, got %v", f)
			}
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		sub1, _ := bus.Subscribe(ctx, "multi.topic")
		sub2, _ := bus.Subscribe(ctx, "multi.topic")
		defer sub1.Unsubscribe()
		defer sub2.Unsubscribe()

		time.Sleep(10 * time.Millisecond)
		bus.Publish(ctx, "multi.topic", "broadcast")

		for _, sub := range []domain.Subscription{sub1, sub2} {
			select {
			case <-sub.Frames():
			case <-time.After(time.Second):
				t.Fatal("expected both subscribers to receive the frame")
			}
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic")

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", "data"); err == nil {
		t.Error("expected error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("Community", func(t *testing.T) {
		cfg := domain.DefaultConfig()

		b, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for community tier")
		}
	})

	t.Run("UnsupportedBackend", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.BusBackend = "kafka"

		if _, err := New(cfg); err == nil {
			t.Error("expected error for unsupported backend")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	const messageCount = 100

	sub, _ := bus.Subscribe(ctx, "load.topic")
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", "msg")
	}

	received := 0
	timeout := time.After(5 * time.Second)
	for received < messageCount {
		select {
		case <-sub.Frames():
			received++
		case <-timeout:
			t.Fatalf("timeout: received %d/%d frames", received, messageCount)
		}
	}
}
