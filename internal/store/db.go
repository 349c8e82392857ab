package store

import (
	"context"
	"database/sql"
)

// Execer and Getter are satisfied by both *sqlx.DB and *sqlx.Tx. Writes and
// locking reads take one explicitly so they join the caller's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

type Selecter interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// DB is the pool the stores read from outside a transaction.
type DB interface {
	Execer
	Getter
	Selecter
}
