package db

import (
	"fmt"

	"github.com/agentd/agentd/internal/common/config"
)

// Open opens the session database described by cfg and returns a Pool.
//
// Postgres gets a single pooled handle for both roles. SQLite gets the
// writer/reader split so streaming reads never queue behind writes.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.IsPostgres() {
		conn, err := OpenPostgres(cfg.URL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		return NewPool(conn, nil), nil
	}

	writer, err := OpenSQLite(cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	reader, err := OpenSQLiteReader(cfg.URL)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(writer, reader), nil
}
