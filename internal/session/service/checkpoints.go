package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/session/models"
	"github.com/agentd/agentd/internal/session/store"
)

// ErrCrossSessionCheckpoint rejects a rewind whose target checkpoint
// belongs to a different session.
var ErrCrossSessionCheckpoint = errors.New("checkpoint belongs to a different session")

// ErrCheckpointNotFound re-exported for gateway error mapping.
var ErrCheckpointNotFound = store.ErrCheckpointNotFound

// CheckpointService records the file-state snapshots the agent emits while
// checkpointing is enabled and validates rewind targets.
type CheckpointService struct {
	store    store.Store
	sessions *Service
	logger   *logger.Logger
}

// NewCheckpointService creates a checkpoint service.
func NewCheckpointService(st store.Store, sessions *Service, log *logger.Logger) *CheckpointService {
	if log == nil {
		log = logger.Default()
	}
	return &CheckpointService{
		store:    st,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "checkpoint-service")),
	}
}

// Record persists one checkpoint, idempotent by the agent's user-message
// UUID: replaying the same UUID is a no-op.
func (c *CheckpointService) Record(ctx context.Context, sessionID, userMessageUUID string, filesModified []string) error {
	cp := &models.Checkpoint{
		SessionID:       sessionID,
		UserMessageUUID: userMessageUUID,
		FilesModified:   filesModified,
	}
	err := c.store.AddCheckpoint(ctx, cp)
	if errors.Is(err, store.ErrCheckpointExists) {
		return nil
	}
	return err
}

// List returns the session's checkpoints, oldest first, after an ownership
// check.
func (c *CheckpointService) List(ctx context.Context, sessionID, ownerHash string) ([]*models.Checkpoint, error) {
	if _, err := c.sessions.Get(ctx, sessionID, ownerHash); err != nil {
		return nil, err
	}
	return c.store.ListCheckpoints(ctx, sessionID)
}

// ValidateRewindTarget resolves the target checkpoint and verifies it
// belongs to sessionID. Cross-session rewinds are refused, and the
// ownership check runs before the checkpoint is even looked up so a foreign
// tenant learns nothing.
func (c *CheckpointService) ValidateRewindTarget(ctx context.Context, sessionID, ownerHash, userMessageUUID string) (*models.Checkpoint, error) {
	if _, err := c.sessions.Get(ctx, sessionID, ownerHash); err != nil {
		return nil, err
	}
	cp, err := c.store.GetCheckpointByUUID(ctx, userMessageUUID)
	if err != nil {
		return nil, err
	}
	if cp.SessionID != sessionID {
		return nil, ErrCrossSessionCheckpoint
	}
	return cp, nil
}
