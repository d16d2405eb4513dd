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

const sessionColumns = `id, status, model, cwd, total_turns, total_cost_usd, parent_session_id, owner_api_key_hash, created_at, updated_at, metadata`

// CreateSession inserts a new session row.
func (s *SQLStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = models.SessionActive
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("invalid session status: %s", sess.Status)
	}
	if sess.OwnerAPIKeyHash == "" {
		return ErrOwnerScopeRequired
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}

	metadataJSON := "{}"
	if sess.Metadata != nil {
		b, err := json.Marshal(sess.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize session metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	query := fmt.Sprintf(`
		INSERT INTO sessions (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, %s)
	`, sessionColumns, dialect.JSONParam(s.driver))

	_, err := s.writer.ExecContext(ctx, s.q(query),
		sess.ID, sess.Status, sess.Model, sess.Cwd, sess.TotalTurns, sess.TotalCostUSD,
		sess.ParentSessionID, sess.OwnerAPIKeyHash, sess.CreatedAt, sess.UpdatedAt, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.reader.QueryRowContext(ctx,
		s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// UpdateSessionStatus transitions a session's status and rolls up the turn
// and cost counters, returning the updated row. Only sessions currently
// active may transition; anything else reports ErrTerminalStatus.
func (s *SQLStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, totalTurns int, totalCostUSD float64) (*models.Session, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid session status: %s", status)
	}
	now := time.Now().UTC()

	if dialect.IsPostgres(s.driver) {
		row := s.writer.QueryRowContext(ctx, s.q(`
			UPDATE sessions
			SET status = ?, total_turns = ?, total_cost_usd = ?, updated_at = ?
			WHERE id = ? AND status = ?
			RETURNING `+sessionColumns),
			status, totalTurns, totalCostUSD, now, id, models.SessionActive)
		sess, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.classifyStatusConflict(ctx, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update session status: %w", err)
		}
		return sess, nil
	}

	// SQLite has no dependable RETURNING across versions; update and read
	// back inside one transaction on the single writer connection.
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE sessions
		SET status = ?, total_turns = ?, total_cost_usd = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		status, totalTurns, totalCostUSD, now, id, models.SessionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, s.classifyStatusConflict(ctx, id)
	}

	row := tx.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read updated session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return sess, nil
}

// classifyStatusConflict distinguishes a missing session from one already
// in a terminal status.
func (s *SQLStore) classifyStatusConflict(ctx context.Context, id string) error {
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return ErrTerminalStatus
}

// UpdateSession rewrites the mutable columns of a session row. Owner hash
// and parent are immutable.
func (s *SQLStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	if !sess.Status.Valid() {
		return fmt.Errorf("invalid session status: %s", sess.Status)
	}
	sess.UpdatedAt = time.Now().UTC()

	metadataJSON := "{}"
	if sess.Metadata != nil {
		b, err := json.Marshal(sess.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize session metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	query := fmt.Sprintf(`
		UPDATE sessions
		SET status = ?, model = ?, cwd = ?, total_turns = ?, total_cost_usd = ?,
		    metadata = %s, updated_at = ?
		WHERE id = ?
	`, dialect.JSONParam(s.driver))

	res, err := s.writer.ExecContext(ctx, s.q(query),
		sess.Status, sess.Model, sess.Cwd, sess.TotalTurns, sess.TotalCostUSD,
		metadataJSON, sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessionsByOwner returns one page of a tenant's sessions, newest
// activity first, plus the total count for pagination.
func (s *SQLStore) ListSessionsByOwner(ctx context.Context, ownerHash string, limit, offset int) ([]*models.Session, int, error) {
	if ownerHash == "" {
		return nil, 0, ErrOwnerScopeRequired
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := s.reader.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM sessions WHERE owner_api_key_hash = ?`), ownerHash).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := s.reader.QueryContext(ctx, s.q(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_api_key_hash = ?
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?`), ownerHash, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// Ping verifies write-path connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.writer.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess         models.Session
		parent       sql.NullString
		metadataJSON string
	)
	err := row.Scan(&sess.ID, &sess.Status, &sess.Model, &sess.Cwd,
		&sess.TotalTurns, &sess.TotalCostUSD, &parent, &sess.OwnerAPIKeyHash,
		&sess.CreatedAt, &sess.UpdatedAt, &metadataJSON)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		sess.ParentSessionID = &parent.String
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
		}
	}
	return &sess, nil
}
