package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/session/models"
)

// Update applies mutate to a fresh copy of the session under the
// distributed session lock and dual-writes the result (store first, then
// cache). The mutator must not change the owner hash or parent; those
// columns are immutable and the store never writes them.
func (s *Service) Update(ctx context.Context, id, ownerHash string, mutate func(*models.Session) error) (*models.Session, error) {
	var updated *models.Session
	err := s.withSessionLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if _, err := s.enforceOwner(sess, ownerHash); err != nil {
			return err
		}
		if err := mutate(sess); err != nil {
			return err
		}
		if err := s.store.UpdateSession(ctx, sess); err != nil {
			return err
		}
		s.cacheSession(ctx, sess)
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Complete records a stream's final status and turn/cost totals, then
// clears the active and interrupt markers. The status may be active again
// (the session stays resumable) or terminal. Called by the runner exactly
// once per stream; an already-terminal session is left untouched.
func (s *Service) Complete(ctx context.Context, id string, status models.SessionStatus, totalTurns int, totalCostUSD float64) (*models.Session, error) {
	var updated *models.Session
	err := s.withSessionLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.store.UpdateSessionStatus(ctx, id, status, totalTurns, totalCostUSD)
		if err != nil {
			return err
		}
		s.cacheSession(ctx, sess)
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	if derr := s.cache.Delete(ctx, cache.ActiveSessionKey(id), cache.InterruptKey(id)); derr != nil {
		s.logger.WithContext(ctx).Warn("failed to clear session markers",
			zap.String("session_id", id), zap.Error(derr))
	}
	return updated, nil
}

// withSessionLock acquires session_lock:{id} with exponential backoff
// (10ms doubling to 500ms) bounded by a 5s overall deadline, runs fn, and
// releases the lock with a compare-and-delete in all paths.
func (s *Service) withSessionLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(lockDeadline)
	backoff := lockBackoffStart
	key := cache.SessionLockKey(id)

	for {
		token, ok, err := s.cache.AcquireLock(ctx, key, lockTTL)
		if err != nil {
			return err
		}
		if ok {
			defer func() {
				// Release against a background-ish context: the caller's
				// context may already be cancelled and the lock must not
				// linger for its full TTL.
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				defer cancel()
				if rerr := s.cache.ReleaseLock(releaseCtx, key, token); rerr != nil {
					s.logger.Warn("failed to release session lock",
						zap.String("session_id", id), zap.Error(rerr))
				}
			}()
			return fn(ctx)
		}

		if time.Now().After(deadline) {
			return ErrSessionLocked
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > lockBackoffCap {
			backoff = lockBackoffCap
		}
	}
}
