package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentd/agentd/internal/db/dialect"
	"github.com/agentd/agentd/internal/session/models"
)

// AddMessage appends one entry to a session's message log.
func (s *SQLStore) AddMessage(ctx context.Context, sessionID string, kind models.MessageKind, content json.RawMessage) (*models.SessionMessage, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid message kind: %s", kind)
	}
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}

	msg := &models.SessionMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	query := fmt.Sprintf(`
		INSERT INTO session_messages (id, session_id, kind, content, created_at)
		VALUES (?, ?, ?, %s, ?)
	`, dialect.JSONParam(s.driver))

	_, err := s.writer.ExecContext(ctx, s.q(query),
		msg.ID, msg.SessionID, msg.Kind, string(content), msg.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's log ordered by creation time.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*models.SessionMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.reader.QueryContext(ctx, s.q(`
		SELECT id, session_id, kind, content, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?`), sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.SessionMessage
	for rows.Next() {
		msg := &models.SessionMessage{}
		var content string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Kind, &content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Content = json.RawMessage(content)
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
