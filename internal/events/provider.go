package events

import (
	"fmt"
	"strings"

	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/events/bus"
)

// Provide builds the configured event bus implementation. With no NATS URL
// configured the in-memory bus is used; fine for a single instance, but
// interrupts and answers then only reach sessions on this process.
func Provide(cfg config.EventsConfig, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATSURL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error { return nil }, nil
}
