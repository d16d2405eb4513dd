package hooks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
)

// Dispatcher holds one request's hook registrations and applies the
// event-aware failure policy: PreToolUse fails closed, everything else
// fails open.
type Dispatcher struct {
	client *WebhookClient
	hooks  map[Event][]*hook
	logger *logger.Logger
}

// NewDispatcher validates the registrations (URLs present, matchers
// compile, timeouts clamped) and returns a dispatcher for them. A nil or
// empty registration map yields a dispatcher that allows everything.
func NewDispatcher(client *WebhookClient, registrations map[Event][]Config, log *logger.Logger) (*Dispatcher, error) {
	if log == nil {
		log = logger.Default()
	}
	d := &Dispatcher{
		client: client,
		hooks:  make(map[Event][]*hook, len(registrations)),
		logger: log.WithFields(zap.String("component", "hook-dispatcher")),
	}
	for event, configs := range registrations {
		if !event.Valid() {
			return nil, fmt.Errorf("unknown hook event %q", event)
		}
		for _, cfg := range configs {
			h, err := newHook(cfg)
			if err != nil {
				return nil, fmt.Errorf("hook for %s: %w", event, err)
			}
			d.hooks[event] = append(d.hooks[event], h)
		}
	}
	return d, nil
}

// HasHooks reports whether any webhook is registered for event.
func (d *Dispatcher) HasHooks(event Event) bool {
	return len(d.hooks[event]) > 0
}

// Dispatch runs every registered webhook for the event in registration
// order and folds the responses into one outcome:
//   - deny short-circuits immediately;
//   - ask outranks allow;
//   - the last allow carrying modified_input wins the input rewrite.
//
// Failure policy per hook: a gating event treats any error as deny with a
// synthetic reason; an observational event treats errors as allow.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event, payload *Payload) *Outcome {
	payload.HookEvent = event
	outcome := &Outcome{Decision: DecisionAllow}

	for _, h := range d.hooks[event] {
		if payload.ToolName != "" && !h.matches(payload.ToolName) {
			continue
		}

		resp, err := d.client.call(ctx, h, payload)
		if err != nil {
			if event.Gating() {
				return &Outcome{
					Decision: DecisionDeny,
					Reason:   fmt.Sprintf("%s webhook error: %v", event, err),
					Err:      err,
				}
			}
			d.logger.WithContext(ctx).Warn("ignoring webhook failure for observational event",
				zap.String("event", string(event)), zap.Error(err))
			continue
		}

		switch resp.Decision {
		case DecisionDeny:
			return &Outcome{Decision: DecisionDeny, Reason: resp.Reason}
		case DecisionAsk:
			outcome.Decision = DecisionAsk
			if resp.Reason != "" {
				outcome.Reason = resp.Reason
			}
		case DecisionAllow:
			if outcome.Decision == DecisionAllow && resp.ModifiedInput != nil {
				outcome.ModifiedInput = resp.ModifiedInput
			}
		}
	}
	return outcome
}
