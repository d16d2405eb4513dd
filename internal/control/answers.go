package control

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/events"
	"github.com/agentd/agentd/internal/events/bus"
)

// ErrAnswerTimeout reports that no answer arrived within the wait window.
var ErrAnswerTimeout = errors.New("timed out waiting for an answer")

// answerPollInterval bounds answer delivery latency when the event bus
// fast path is unavailable.
const answerPollInterval = time.Second

// Answer is a client reply to a question event.
type Answer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// PublishAnswer stores the answer where the owning instance will find it
// and pings the session's answer subject.
func (b *Bus) PublishAnswer(ctx context.Context, sessionID string, ans Answer) error {
	if err := b.cache.SetJSON(ctx, cache.AnswerKey(sessionID, ans.QuestionID), ans, answerTTL); err != nil {
		return err
	}
	event := bus.NewEvent(events.QuestionAnswered, "", map[string]any{
		"session_id":  sessionID,
		"question_id": ans.QuestionID,
	})
	if err := b.events.Publish(ctx, events.SubjectSessionAnswer(sessionID), event); err != nil {
		b.logger.WithContext(ctx).Warn("answer publish failed, polling will deliver it",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// AwaitAnswer blocks until the question is answered, the timeout elapses,
// or ctx is cancelled. Delivery is subscription-triggered with a polling
// floor, so it works with or without a cross-instance bus.
func (b *Bus) AwaitAnswer(ctx context.Context, sessionID, questionID string, timeout time.Duration) (*Answer, error) {
	nudge := make(chan struct{}, 1)
	sub, err := b.events.Subscribe(events.SubjectSessionAnswer(sessionID), func(ctx context.Context, _ *bus.Event) error {
		select {
		case nudge <- struct{}{}:
		default:
		}
		return nil
	})
	if err == nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(answerPollInterval)
	defer poll.Stop()

	for {
		var ans Answer
		hit, err := b.cache.GetJSON(ctx, cache.AnswerKey(sessionID, questionID), &ans)
		if err != nil {
			return nil, err
		}
		if hit {
			_ = b.cache.Delete(ctx, cache.AnswerKey(sessionID, questionID))
			return &ans, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrAnswerTimeout
		case <-nudge:
		case <-poll.C:
		}
	}
}

// PublishPermissionMode fans a permission-mode update out to the session's
// runner. There is no cache marker: a missed mode change is acceptable and
// the next explicit update supersedes it.
func (b *Bus) PublishPermissionMode(ctx context.Context, sessionID, mode string) error {
	event := bus.NewEvent(events.PermissionModeUpdated, "", map[string]any{
		"session_id": sessionID,
		"mode":       mode,
	})
	return b.events.Publish(ctx, events.SubjectSessionMode(sessionID), event)
}

// SubscribePermissionMode delivers mode updates for the session.
func (b *Bus) SubscribePermissionMode(sessionID string, fn func(mode string)) (bus.Subscription, error) {
	return b.events.Subscribe(events.SubjectSessionMode(sessionID), func(ctx context.Context, event *bus.Event) error {
		if mode, ok := event.Data["mode"].(string); ok && mode != "" {
			fn(mode)
		}
		return nil
	})
}
