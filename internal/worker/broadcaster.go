package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fraudtriage/engine/internal/domain"
)

// Broadcaster runs the stats-broadcast periodic activity of §5: once
// per interval it reads the Traffic Meter and the Case Store's
// aggregate counts, publishes a StatsFrame on the Push Bus `stats`
// topic, and keeps the latest frame available for a fresh REST read.
type Broadcaster struct {
	cases    domain.CaseStore
	bus      domain.EventBus
	meter    *TrafficMeter
	interval time.Duration

	latest atomic.Pointer[domain.StatsFrame]
}

// NewBroadcaster creates a stats broadcaster reading meter and cases
// once per interval.
func NewBroadcaster(cases domain.CaseStore, bus domain.EventBus, meter *TrafficMeter, interval time.Duration) *Broadcaster {
	return &Broadcaster{cases: cases, bus: bus, meter: meter, interval: interval}
}

// Run drives the broadcast tick until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Broadcaster) tick(ctx context.Context) {
	counts, err := b.cases.Stats(ctx)
	if err != nil {
		slog.Error("failed to read case stats for broadcast", "error", err)
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	// tps = get_and_reset() / (Δt / 1s), rounded down, per §4.8.
	ticks := b.meter.GetAndReset()
	tps := int64(float64(ticks) / b.interval.Seconds())

	frame := domain.StatsFrame{
		TotalCases:   total,
		AutoApproved: counts[domain.StatusAutoApproved],
		AutoBlocked:  counts[domain.StatusAutoBlocked],
		ManualCases:  counts[domain.StatusUnderInvestigation] + counts[domain.StatusEscalated],
		TPS:          tps,
	}
	b.latest.Store(&frame)

	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(ctx, domain.TopicStats, frame); err != nil {
		slog.Error("push bus publish failed", "topic", domain.TopicStats, "error", err)
	}
}

// Latest returns the most recently computed StatsFrame, or the zero
// value before the first tick has run.
func (b *Broadcaster) Latest() domain.StatsFrame {
	if f := b.latest.Load(); f != nil {
		return *f
	}
	return domain.StatsFrame{}
}
