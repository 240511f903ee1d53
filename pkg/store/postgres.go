package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresStore opens a Postgres-backed store from a lib/pq connection
// string, e.g. "postgres://secureop@localhost:5432/secureop?sslmode=disable".
func NewPostgresStore(connStr string) (*SQLStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewSQLStore(db, true)
}
