// Package control routes cross-instance session control signals:
// interrupts, question answers, and permission-mode updates. The cache
// marker is always authoritative; the event bus is a best-effort fast path
// that shaves the polling latency when NATS is configured.
package control

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/events"
	"github.com/agentd/agentd/internal/events/bus"
)

const (
	interruptTTL = 5 * time.Minute
	answerTTL    = 10 * time.Minute
)

// Bus signals and observes session control state. Any instance may signal;
// the instance running the session observes at each pre-tool boundary and
// on its stream tick.
type Bus struct {
	cache  cache.Cache
	events bus.EventBus
	logger *logger.Logger
}

// New creates a control bus. events may be an in-memory bus on
// single-instance deployments.
func New(c cache.Cache, eb bus.EventBus, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		cache:  c,
		events: eb,
		logger: log.WithFields(zap.String("component", "control-bus")),
	}
}

// SignalInterrupt requests an interrupt for the session. The marker write
// must succeed; the bus publish is best effort.
func (b *Bus) SignalInterrupt(ctx context.Context, sessionID string) error {
	if err := b.cache.SetMarker(ctx, cache.InterruptKey(sessionID), interruptTTL); err != nil {
		return err
	}
	event := bus.NewEvent(events.InterruptRequested, "", map[string]any{"session_id": sessionID})
	if err := b.events.Publish(ctx, events.SubjectSessionInterrupt(sessionID), event); err != nil {
		b.logger.WithContext(ctx).Warn("interrupt publish failed, marker polling will deliver it",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// Interrupted reads the interrupt marker.
func (b *Bus) Interrupted(ctx context.Context, sessionID string) (bool, error) {
	return b.cache.Exists(ctx, cache.InterruptKey(sessionID))
}

// ClearInterrupt removes the marker after the runner has acted on it.
func (b *Bus) ClearInterrupt(ctx context.Context, sessionID string) error {
	return b.cache.Delete(ctx, cache.InterruptKey(sessionID))
}

// SubscribeInterrupt delivers bus-published interrupts for the session.
// Callers must still poll Interrupted: a subscription can miss a signal
// raised before it attached, and the memory bus never crosses instances.
func (b *Bus) SubscribeInterrupt(sessionID string, fn func()) (bus.Subscription, error) {
	return b.events.Subscribe(events.SubjectSessionInterrupt(sessionID), func(ctx context.Context, _ *bus.Event) error {
		fn()
		return nil
	})
}
