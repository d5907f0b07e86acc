// Package store persists templates and notifications in Postgres and reads
// recipients from the users table.
package store

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the Postgres implementation of every repository the pipeline
// uses.
type Store struct {
	db DBTX
}

func New(db DBTX) *Store {
	return &Store{db: db}
}
