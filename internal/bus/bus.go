package bus

import (
	"fmt"

	"github.com/fraudtriage/engine/internal/domain"
)

// New creates the Push Bus transport appropriate for the configured
// tier: a ChannelBus for Community, a NATSBus for Pro.
func New(cfg domain.Config) (domain.EventBus, error) {
	switch cfg.BusBackend {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBusBufferSize), nil
	case "nats":
		return NewNATSBus(cfg.NATSURL)
	default:
		return nil, fmt.Errorf("unsupported event bus backend: %s", cfg.BusBackend)
	}
}
