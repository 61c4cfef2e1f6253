package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"agentpulse/internal/config"
)

// NewSQLite opens a SQLite store. SQLite allows one writer at a time, so the
// pool is pinned to a single connection and transactions queue on it.
func NewSQLite(dsn string, opts Options) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = config.DefaultSQLiteDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(db, dsn, sqliteDialect, opts), nil
}
