package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentd/agentd/internal/db/dialect"
	"github.com/agentd/agentd/internal/session/models"
)

// AddCheckpoint records a file-state snapshot. user_message_uuid is unique
// across all sessions; a duplicate reports ErrCheckpointExists so callers
// can treat recording as idempotent.
func (s *SQLStore) AddCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.UserMessageUUID == "" {
		return fmt.Errorf("checkpoint requires a user message uuid")
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.FilesModified == nil {
		cp.FilesModified = []string{}
	}

	filesJSON, err := json.Marshal(cp.FilesModified)
	if err != nil {
		return fmt.Errorf("failed to serialize files list: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO checkpoints (id, session_id, user_message_uuid, files_modified, created_at)
		VALUES (?, ?, ?, %s, ?)
	`, dialect.TextArrayParam(s.driver))

	_, err = s.writer.ExecContext(ctx, s.q(query),
		cp.ID, cp.SessionID, cp.UserMessageUUID, string(filesJSON), cp.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCheckpointExists
		}
		if isForeignKeyViolation(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to add checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by its row ID.
func (s *SQLStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	return s.getCheckpointWhere(ctx, "id = ?", id)
}

// GetCheckpointByUUID retrieves a checkpoint by the agent's user-message
// UUID, the identifier rewind requests carry.
func (s *SQLStore) GetCheckpointByUUID(ctx context.Context, userMessageUUID string) (*models.Checkpoint, error) {
	return s.getCheckpointWhere(ctx, "user_message_uuid = ?", userMessageUUID)
}

func (s *SQLStore) getCheckpointWhere(ctx context.Context, where string, arg any) (*models.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, user_message_uuid, %s, created_at
		FROM checkpoints WHERE %s
	`, dialect.TextArrayColumn(s.driver, "files_modified"), where)

	cp, err := scanCheckpoint(s.reader.QueryRowContext(ctx, s.q(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a session's checkpoints ordered by creation time.
func (s *SQLStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*models.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, user_message_uuid, %s, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY created_at ASC
	`, dialect.TextArrayColumn(s.driver, "files_modified"))

	rows, err := s.reader.QueryContext(ctx, s.q(query), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var filesJSON string
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.UserMessageUUID, &filesJSON, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	if filesJSON != "" {
		if err := json.Unmarshal([]byte(filesJSON), &cp.FilesModified); err != nil {
			return nil, fmt.Errorf("failed to deserialize files list: %w", err)
		}
	}
	if cp.FilesModified == nil {
		cp.FilesModified = []string{}
	}
	return cp, nil
}
