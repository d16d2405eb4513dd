package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/session/models"
	"github.com/agentd/agentd/pkg/agentstream"
)

// Rewind restores the session's files to the named checkpoint with a
// one-shot runtime invocation. The session must be idle; the rewind holds
// the active marker for its duration so no stream can race the restore.
func (r *Registry) Rewind(ctx context.Context, sessionID, ownerHash, userMessageUUID string) (*models.Checkpoint, error) {
	sess, err := r.deps.Sessions.Get(ctx, sessionID, ownerHash)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrSessionTerminal
	}

	checkpoint, err := r.deps.Checkpoints.ValidateRewindTarget(ctx, sessionID, ownerHash, userMessageUUID)
	if err != nil {
		return nil, err
	}

	runtimeID, _ := sess.Metadata[runtimeSessionKey].(string)
	if runtimeID == "" {
		return nil, fmt.Errorf("%w: session has no runtime state to rewind", ErrValidation)
	}

	claimed, err := r.deps.Cache.SetMarkerNX(ctx, cache.ActiveSessionKey(sessionID), r.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if !claimed {
		return nil, ErrSessionBusy
	}
	defer func() {
		clearCtx := context.WithoutCancel(ctx)
		if derr := r.deps.Cache.Delete(clearCtx, cache.ActiveSessionKey(sessionID)); derr != nil {
			r.logger.Warn("failed to clear active marker after rewind",
				zap.String("session_id", sessionID), zap.Error(derr))
		}
	}()

	opts := agentstream.Options{
		Binary:   r.agent.Binary,
		Cwd:      sess.Cwd,
		Resume:   runtimeID,
		RewindTo: userMessageUUID,
	}
	proc, err := agentstream.NewProcess(ctx, opts, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rewind invocation: %w", err)
	}
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start rewind invocation: %w", err)
	}
	if err := proc.Wait(); err != nil {
		return nil, fmt.Errorf("rewind failed: %w", err)
	}

	r.logger.Info("rewound session files",
		zap.String("session_id", sessionID),
		zap.String("user_message_uuid", userMessageUUID))
	return checkpoint, nil
}
