package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPostgresDSN = "postgres://localhost:5432/agentpulse?sslmode=disable"

func NewPostgres(dsn string, opts Options) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = defaultPostgresDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	return newSQLStore(db, dsn, postgresDialect, opts), nil
}
