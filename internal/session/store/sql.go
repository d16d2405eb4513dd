package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/agentd/agentd/internal/db"
	"github.com/agentd/agentd/internal/db/dialect"
)

// SQLStore implements Store on a db.Pool.
type SQLStore struct {
	pool   *db.Pool
	writer *sqlx.DB
	reader *sqlx.DB
	driver string
}

// New creates the store and ensures the schema exists.
func New(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{
		pool:   pool,
		writer: pool.Writer(),
		reader: pool.Reader(),
		driver: pool.DriverName(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

// q rebinds ? placeholders for the active driver.
func (s *SQLStore) q(query string) string {
	return s.writer.Rebind(query)
}

// initSchema creates the tables and indexes if they don't exist.
func (s *SQLStore) initSchema() error {
	var stmts []string
	if dialect.IsPostgres(s.driver) {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id uuid PRIMARY KEY,
				status text NOT NULL,
				model text NOT NULL DEFAULT '',
				cwd text NOT NULL DEFAULT '',
				total_turns integer NOT NULL DEFAULT 0,
				total_cost_usd numeric NOT NULL DEFAULT 0,
				parent_session_id uuid,
				owner_api_key_hash char(64) NOT NULL,
				created_at timestamptz NOT NULL DEFAULT NOW(),
				updated_at timestamptz NOT NULL DEFAULT NOW(),
				metadata jsonb NOT NULL DEFAULT '{}'::jsonb
			)`,
			`CREATE TABLE IF NOT EXISTS session_messages (
				id uuid PRIMARY KEY,
				session_id uuid NOT NULL REFERENCES sessions(id),
				kind text NOT NULL,
				content jsonb NOT NULL,
				created_at timestamptz NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS checkpoints (
				id uuid PRIMARY KEY,
				session_id uuid NOT NULL REFERENCES sessions(id),
				user_message_uuid text NOT NULL UNIQUE,
				files_modified text[] NOT NULL DEFAULT '{}',
				created_at timestamptz NOT NULL DEFAULT NOW()
			)`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				model TEXT NOT NULL DEFAULT '',
				cwd TEXT NOT NULL DEFAULT '',
				total_turns INTEGER NOT NULL DEFAULT 0,
				total_cost_usd REAL NOT NULL DEFAULT 0,
				parent_session_id TEXT,
				owner_api_key_hash TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				metadata TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE TABLE IF NOT EXISTS session_messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				kind TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS checkpoints (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				user_message_uuid TEXT NOT NULL UNIQUE,
				files_modified TEXT NOT NULL DEFAULT '[]',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		}
	}

	stmts = append(stmts,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_api_key_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(status) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at)`,
	)

	for _, stmt := range stmts {
		if _, err := s.writer.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation detects duplicate-key errors on either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// isForeignKeyViolation detects FK errors on either driver.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
