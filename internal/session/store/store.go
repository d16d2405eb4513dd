// Package store persists sessions, their message logs and checkpoints.
// One sqlx implementation serves both the pgx and sqlite3 drivers through
// the dialect helpers.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentd/agentd/internal/session/models"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs, and for FK
	// failures when appending to a session that does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCheckpointNotFound is returned for unknown checkpoint lookups.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointExists signals a duplicate user_message_uuid. Callers
	// treat checkpoint recording as idempotent.
	ErrCheckpointExists = errors.New("checkpoint already recorded")

	// ErrOwnerScopeRequired rejects listing without a tenant hash. There is
	// no unscoped listing path.
	ErrOwnerScopeRequired = errors.New("owner scope required")

	// ErrTerminalStatus rejects status updates on completed or errored
	// sessions.
	ErrTerminalStatus = errors.New("session already in a terminal status")
)

// Store is the persistence surface for the session service.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// UpdateSessionStatus applies a status transition together with the
	// turn/cost counters and returns the updated row. Transitions out of a
	// terminal status are refused.
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, totalTurns int, totalCostUSD float64) (*models.Session, error)
	// UpdateSession rewrites the mutable columns of a session row. Owner
	// hash and parent are immutable and never written.
	UpdateSession(ctx context.Context, s *models.Session) error
	// ListSessionsByOwner returns one page of the tenant's sessions ordered
	// by updated_at descending, plus the total count.
	ListSessionsByOwner(ctx context.Context, ownerHash string, limit, offset int) ([]*models.Session, int, error)

	AddMessage(ctx context.Context, sessionID string, kind models.MessageKind, content json.RawMessage) (*models.SessionMessage, error)
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*models.SessionMessage, error)

	AddCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	GetCheckpointByUUID(ctx context.Context, userMessageUUID string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*models.Checkpoint, error)

	Ping(ctx context.Context) error
	Close() error
}
